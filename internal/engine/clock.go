package engine

import "time"

// Clock abstracts wall-clock reads so accrual arithmetic is testable with
// simulated time. Production code uses SystemClock; tests advance a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the real wall clock.
var SystemClock Clock = systemClock{}

// Package engine is the points-accrual and reconciliation core.
//
// The engine keeps a locally smooth, server-authoritative view of one
// subject's reward state:
//
//	identity events → Controller.Hydrate → RewardCache.Save
//	DisplayTicker renders continuously from the latest snapshot
//	user action → Dispatcher (optimistic update → atomic op → Refresh)
//	realtime push → Controller.ApplyRealtimeChange
//
// The store is always right. Everything the engine computes between
// authoritative reads (ticker interpolation, cache extrapolation, optimistic
// bumps) is advisory display state, superseded by the next authoritative
// value without ever being trusted for a write.
package engine

import (
	"context"
	"sync"
	"time"
)

// DefaultTickInterval is how often the display sequence emits a sample.
const DefaultTickInterval = 100 * time.Millisecond

// DisplayTicker produces a smooth, locally interpolated point value between
// authoritative syncs: value = base + elapsedSeconds × rate, where elapsed is
// wall-clock time since the last Rebase.
//
// No network, no storage. The only state is the (base, rate, basedAt) triple,
// replaced wholesale on every reconciliation so the displayed value never
// diverges from server truth by more than one accrual interval.
type DisplayTicker struct {
	mu       sync.Mutex
	clock    Clock
	interval time.Duration

	base    float64
	rate    float64
	basedAt time.Time
}

// NewDisplayTicker creates a ticker based at zero. Pass nil for the system clock.
func NewDisplayTicker(clock Clock) *DisplayTicker {
	if clock == nil {
		clock = SystemClock
	}
	t := &DisplayTicker{
		clock:    clock,
		interval: DefaultTickInterval,
	}
	t.basedAt = clock.Now()
	return t
}

// Rebase resets the interpolation to a new authoritative (base, rate) pair.
// Elapsed time restarts at zero. Negative rates are invalid input and clamp
// to zero; a zero rate is valid (newly created subject, pre-first-reward) and
// yields a constant output.
func (t *DisplayTicker) Rebase(base, rate float64) {
	if rate < 0 {
		rate = 0
	}
	t.mu.Lock()
	t.base = base
	t.rate = rate
	t.basedAt = t.clock.Now()
	t.mu.Unlock()
}

// Value returns the current interpolated point total.
func (t *DisplayTicker) Value() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := t.clock.Now().Sub(t.basedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return t.base + elapsed*t.rate
}

// Rate returns the rate of the current base pair.
func (t *DisplayTicker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

// Stream returns a lazy, infinite sequence of display samples, one per tick
// interval, ending only when ctx is cancelled. The first sample is emitted
// immediately. Restartable: each call yields an independent sequence over the
// same shared base, so concurrent consumers see consistent values.
func (t *DisplayTicker) Stream(ctx context.Context) <-chan float64 {
	out := make(chan float64)
	go func() {
		defer close(out)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case out <- t.Value():
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

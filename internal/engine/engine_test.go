package engine

// Shared test fixtures: a controllable clock and in-memory stand-ins for the
// subject store, the atomic reward operations, and the session storage slot.
// Hand-written fakes keep the failure injection explicit — each test decides
// exactly which call fails and how often.

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tessium/waitlist-engine/internal/apperror"
	"github.com/tessium/waitlist-engine/internal/model"
	"github.com/tessium/waitlist-engine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced clock so accrual arithmetic is exact.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memSubjects implements store.SubjectStore in memory with per-call failure
// injection.
type memSubjects struct {
	mu       sync.Mutex
	subjects map[string]*model.Subject

	fetchErr    error // returned by every FetchSubject while set
	createErr   error // returned by CreateSubject, decremented via createFails
	createFails int   // how many CreateSubject calls fail with createErr
	fetchCalls  int
	createCalls int
}

func newMemSubjects() *memSubjects {
	return &memSubjects{subjects: make(map[string]*model.Subject)}
}

func (m *memSubjects) put(s *model.Subject) {
	m.mu.Lock()
	m.subjects[s.ID] = s.Clone()
	m.mu.Unlock()
}

// setFetchErr and fetchCount exist for tests that race a background retry
// goroutine against the store.
func (m *memSubjects) setFetchErr(err error) {
	m.mu.Lock()
	m.fetchErr = err
	m.mu.Unlock()
}

func (m *memSubjects) fetchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

func (m *memSubjects) FetchSubject(_ context.Context, id string) (*model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	s, ok := m.subjects[id]
	if !ok {
		return nil, apperror.NotFound("subject", id)
	}
	return s.Clone(), nil
}

func (m *memSubjects) CreateSubject(_ context.Context, subject *model.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createFails > 0 {
		m.createFails--
		return m.createErr
	}
	for _, existing := range m.subjects {
		if existing.ReferralCode == subject.ReferralCode {
			return apperror.DuplicateKey("referral_code", subject.ReferralCode)
		}
	}
	stored := subject.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.LastUpdate = stored.CreatedAt
	m.subjects[stored.ID] = stored
	*subject = *stored.Clone()
	return nil
}

func (m *memSubjects) UpdateSubjectFields(_ context.Context, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[id]
	if !ok {
		return apperror.NotFound("subject", id)
	}
	if v, ok := fields["name"].(string); ok {
		s.Name = v
	}
	if v, ok := fields["email"].(string); ok {
		s.Email = v
	}
	if v, ok := fields["avatar_url"].(string); ok {
		s.AvatarURL = v
	}
	return nil
}

func (m *memSubjects) ListSubjects(_ context.Context, _ store.ListOptions) ([]model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Subject, 0, len(m.subjects))
	for _, s := range m.subjects {
		out = append(out, *s.Clone())
	}
	return out, nil
}

func (m *memSubjects) CountSubjects(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subjects), nil
}

// memAtoms implements store.AtomicStore over a memSubjects, mirroring the
// real semantics: settle accrual, then apply the grant, all idempotent.
type memAtoms struct {
	subjects *memSubjects
	clock    Clock

	mu            sync.Mutex
	failsLeft     int   // next N calls fail
	failErr       error // with this error
	completeCalls int
	referralCalls int
	connectCalls  int
}

func newMemAtoms(subjects *memSubjects, clock Clock) *memAtoms {
	return &memAtoms{subjects: subjects, clock: clock}
}

func (a *memAtoms) failNext(n int, err error) {
	a.mu.Lock()
	a.failsLeft = n
	a.failErr = err
	a.mu.Unlock()
}

func (a *memAtoms) takeFailure() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failsLeft > 0 {
		a.failsLeft--
		return a.failErr
	}
	return nil
}

func (a *memAtoms) settle(s *model.Subject) {
	now := a.clock.Now()
	if !s.LastUpdate.IsZero() && now.After(s.LastUpdate) {
		s.Points += now.Sub(s.LastUpdate).Seconds() * s.PointsRate
	}
	s.LastUpdate = now
}

func (a *memAtoms) CompleteTask(_ context.Context, subjectID, taskID string) (*model.Subject, error) {
	a.mu.Lock()
	a.completeCalls++
	a.mu.Unlock()
	if err := a.takeFailure(); err != nil {
		return nil, err
	}

	a.subjects.mu.Lock()
	defer a.subjects.mu.Unlock()
	s, ok := a.subjects.subjects[subjectID]
	if !ok {
		return nil, apperror.NotFound("subject", subjectID)
	}
	task, ok := model.TaskByID(taskID)
	if !ok {
		return nil, apperror.ValidationFailed("taskId", "unknown task")
	}
	if !s.HasCompleted(taskID) {
		a.settle(s)
		s.TasksCompleted = append(s.TasksCompleted, taskID)
		s.PointsRate += task.Reward
	}
	return s.Clone(), nil
}

func (a *memAtoms) ApplyReferral(_ context.Context, subjectID, referralCode string) (*model.Subject, error) {
	a.mu.Lock()
	a.referralCalls++
	a.mu.Unlock()
	if err := a.takeFailure(); err != nil {
		return nil, err
	}

	a.subjects.mu.Lock()
	defer a.subjects.mu.Unlock()
	referee, ok := a.subjects.subjects[subjectID]
	if !ok {
		return nil, apperror.NotFound("subject", subjectID)
	}
	if referee.ReferredBy != "" {
		return referee.Clone(), nil
	}
	for _, candidate := range a.subjects.subjects {
		if candidate.ReferralCode == referralCode && candidate.ID != subjectID {
			a.settle(candidate)
			candidate.ReferralCount++
			candidate.PointsRate += model.ReferralBonus
			referee.ReferredBy = candidate.ID
			referee.LastUpdate = a.clock.Now()
			break
		}
	}
	return referee.Clone(), nil
}

func (a *memAtoms) ConnectTwitter(_ context.Context, subjectID, username, avatarURL string) (*model.Subject, error) {
	a.mu.Lock()
	a.connectCalls++
	a.mu.Unlock()
	if err := a.takeFailure(); err != nil {
		return nil, err
	}

	a.subjects.mu.Lock()
	defer a.subjects.mu.Unlock()
	s, ok := a.subjects.subjects[subjectID]
	if !ok {
		return nil, apperror.NotFound("subject", subjectID)
	}
	if !s.TwitterConnected {
		a.settle(s)
		s.TwitterConnected = true
		s.TwitterUsername = username
		if avatarURL != "" {
			s.AvatarURL = avatarURL
		}
		s.PointsRate += model.TwitterConnectReward
	}
	return s.Clone(), nil
}

// memStorage implements SnapshotStorage in memory.
type memStorage struct {
	mu     sync.Mutex
	value  string
	setErr error
	getErr error
}

func (m *memStorage) Set(_ context.Context, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.value = value
	return nil
}

func (m *memStorage) Get(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", m.getErr
	}
	return m.value, nil
}

func (m *memStorage) Delete(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = ""
	return nil
}

// memMarks implements MarkStore in memory.
type memMarks struct {
	mu      sync.Mutex
	applied map[string]bool
	err     error
}

func newMemMarks() *memMarks {
	return &memMarks{applied: make(map[string]bool)}
}

func (m *memMarks) ReferralApplied(_ context.Context, subjectID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.applied[subjectID], nil
}

func (m *memMarks) SetReferralApplied(_ context.Context, subjectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.applied[subjectID] = true
	return nil
}

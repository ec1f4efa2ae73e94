package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tessium/waitlist-engine/internal/identity"
	"github.com/tessium/waitlist-engine/internal/store"
)

// SessionDeps is everything a new engine session needs. Storage is a factory
// because each session gets its own session-scoped snapshot slot.
type SessionDeps struct {
	Subjects store.SubjectStore
	Atoms    store.AtomicStore
	Feed     ChangeFeed                             // may be nil
	Storage  func(subjectID string) SnapshotStorage // may be nil
	Marks    MarkStore                              // may be nil
	Clock    Clock
	Logger   *slog.Logger

	Controller ControllerConfig
	Retry      RetryPolicy
}

// Session bundles one subject's engine: controller, dispatcher, ticker, and
// the identity-event plumbing feeding them.
type Session struct {
	SubjectID  string
	Controller *Controller
	Dispatcher *Dispatcher

	events chan identity.Event
	once   sync.Once
}

// Close stops the session's event loop and, once it drains, disposes the
// controller (feed subscription included).
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.events)
		go func() {
			<-s.Controller.Done()
			s.Controller.Dispose()
		}()
	})
}

// Sessions is the registry of live engine sessions, one per authenticated
// subject. It routes the identity event stream to the right session —
// creating one on sign-in, disposing it on sign-out — and lets the HTTP
// layer look sessions up (or lazily rebuild them after a server restart,
// when a valid cookie outlives the in-memory registry).
type Sessions struct {
	deps SessionDeps

	mu sync.Mutex
	m  map[string]*Session
}

func NewSessions(deps SessionDeps) *Sessions {
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	return &Sessions{
		deps: deps,
		m:    make(map[string]*Session),
	}
}

// Run consumes the broadcaster's identity events until ctx ends, creating
// and tearing down sessions as subjects come and go.
func (s *Sessions) Run(ctx context.Context, events *identity.Broadcaster) {
	ch, cancel := events.Subscribe()
	defer cancel()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.route(ctx, e)
		case <-ctx.Done():
			s.closeAll()
			return
		}
	}
}

func (s *Sessions) route(ctx context.Context, e identity.Event) {
	switch e.Kind {
	case identity.SignedIn, identity.TokenRefreshed:
		sess, err := s.GetOrCreate(ctx, e.SubjectID, e.Profile)
		if err != nil {
			s.deps.Logger.Warn("session bootstrap failed",
				slog.String("subjectID", e.SubjectID),
				slog.String("error", err.Error()),
			)
			return
		}
		sess.deliver(e)

		// A sign-in event carrying a linked X profile triggers the one-time
		// connect reward; the flag guard makes repeats harmless.
		if e.Profile != nil && e.Profile.TwitterUsername != "" {
			if err := sess.Dispatcher.ConnectTwitter(ctx, e.Profile.TwitterUsername, e.Profile.AvatarURL); err != nil {
				s.deps.Logger.Warn("X connect reward failed",
					slog.String("subjectID", e.SubjectID),
					slog.String("error", err.Error()),
				)
			}
		}

	case identity.SignedOut:
		s.mu.Lock()
		sess := s.m[e.SubjectID]
		delete(s.m, e.SubjectID)
		s.mu.Unlock()
		if sess != nil {
			sess.deliver(e)
			sess.Close()
		}
	}
}

// Get returns the live session for subjectID, if any.
func (s *Sessions) Get(subjectID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[subjectID]
	return sess, ok
}

// GetOrCreate returns the live session for subjectID, building and hydrating
// a fresh one when none exists. Safe to call from concurrent requests: the
// first caller wins, later ones get the same session.
func (s *Sessions) GetOrCreate(ctx context.Context, subjectID string, profile *identity.Profile) (*Session, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("engine: session requires a subject id")
	}

	s.mu.Lock()
	if sess, ok := s.m[subjectID]; ok {
		s.mu.Unlock()
		return sess, nil
	}

	ticker := NewDisplayTicker(s.deps.Clock)
	var cache *RewardCache
	if s.deps.Storage != nil {
		cache = NewRewardCache(s.deps.Storage(subjectID), s.deps.Clock, s.deps.Logger)
	}
	ctrl := NewController(s.deps.Subjects, s.deps.Feed, cache, ticker, s.deps.Clock, s.deps.Logger, s.deps.Controller)
	disp := NewDispatcher(s.deps.Atoms, ctrl, s.deps.Marks, s.deps.Retry, s.deps.Logger)

	sess := &Session{
		SubjectID:  subjectID,
		Controller: ctrl,
		Dispatcher: disp,
		events:     make(chan identity.Event, 16),
	}
	s.m[subjectID] = sess
	s.mu.Unlock()

	ctrl.Start(sess.events)

	if err := ctrl.Hydrate(ctx, subjectID, profile); err != nil {
		return sess, fmt.Errorf("engine: hydrating new session: %w", err)
	}
	return sess, nil
}

func (s *Sessions) closeAll() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.m))
	for _, sess := range s.m {
		sessions = append(sessions, sess)
	}
	s.m = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// deliver forwards an identity event into the session's controller loop
// without ever blocking the registry.
func (s *Session) deliver(e identity.Event) {
	defer func() {
		// A concurrent Close can close the channel under us; losing the
		// event to a dying session is fine.
		_ = recover()
	}()
	select {
	case s.events <- e:
	default:
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tessium/waitlist-engine/internal/apperror"
	"github.com/tessium/waitlist-engine/internal/identity"
	"github.com/tessium/waitlist-engine/internal/model"
	"github.com/tessium/waitlist-engine/internal/store"
)

// ChangeFeed delivers row-level change notifications for one subject.
// Delivery is at-least-once and ordering across independent writers is not
// guaranteed — consumers reconcile by timestamp, never by arrival order.
type ChangeFeed interface {
	// Subscribe invokes onChange for every pushed update to subjectID until
	// the returned stop function is called or ctx ends.
	Subscribe(ctx context.Context, subjectID string, onChange func(*model.Subject)) (stop func(), err error)
}

// ControllerState tracks where the controller is in its lifecycle.
// Ready with a nil snapshot is the signed-out view.
type ControllerState int

const (
	StateUninitialized ControllerState = iota
	StateHydrating
	StateReady
)

// ControllerConfig bounds the controller's failure handling.
type ControllerConfig struct {
	// HydrateTimeout is the hard ceiling on one hydrate attempt. On expiry
	// the session resolves to the signed-out view — never an indefinite
	// loading state.
	HydrateTimeout time.Duration

	// RetryDelay is the fixed pause before the single background retry that
	// a transient hydrate failure earns.
	RetryDelay time.Duration

	// CreateAttempts bounds referral-code regeneration on unique-constraint
	// collisions during subject creation.
	CreateAttempts int
}

// DefaultControllerConfig matches the product's observed ceilings.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		HydrateTimeout: 10 * time.Second,
		RetryDelay:     2 * time.Second,
		CreateAttempts: 3,
	}
}

// Controller owns the single source of truth for the current subject's view
// model. It merges three input streams — initial hydrate, authoritative
// refresh responses, and realtime pushes — into one consistent snapshot, and
// re-bases the DisplayTicker on every authoritative change.
//
// RECONCILIATION ORDERING:
// The snapshot must reflect the most recent authoritative value by
// last_update timestamp, not by request-issue order: a slow earlier fetch
// must not clobber a faster later one, and the transport guarantees nothing
// about ordering. adopt() is the single write path and rejects any record
// whose last_update is older than the one currently held.
//
// The controller is an injected instance with an explicit lifecycle
// (Start/Dispose), never a package-level singleton — one per session, so a
// sign-in as a different subject can never leak the previous subject's state
// through a stale closure.
type Controller struct {
	store  store.SubjectStore
	feed   ChangeFeed
	cache  *RewardCache
	ticker *DisplayTicker
	clock  Clock
	logger *slog.Logger
	cfg    ControllerConfig

	mu           sync.Mutex
	state        ControllerState
	snapshot     *model.Subject
	subscribedID string
	unsubscribe  func()
	retryArmed   bool

	lifeCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewController wires a controller. feed and cache may be nil (degraded
// operation without realtime pushes or reload bridging); clock may be nil
// for the system clock.
func NewController(
	subjects store.SubjectStore,
	feed ChangeFeed,
	cache *RewardCache,
	ticker *DisplayTicker,
	clock Clock,
	logger *slog.Logger,
	cfg ControllerConfig,
) *Controller {
	if clock == nil {
		clock = SystemClock
	}
	if cfg.HydrateTimeout <= 0 {
		cfg.HydrateTimeout = DefaultControllerConfig().HydrateTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultControllerConfig().RetryDelay
	}
	if cfg.CreateAttempts <= 0 {
		cfg.CreateAttempts = DefaultControllerConfig().CreateAttempts
	}

	lifeCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:   subjects,
		feed:    feed,
		cache:   cache,
		ticker:  ticker,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
		state:   StateUninitialized,
		lifeCtx: lifeCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start consumes the identity event stream until it closes or Dispose is
// called. Sign-in and token refresh both re-hydrate; sign-out clears.
func (c *Controller) Start(events <-chan identity.Event) {
	go func() {
		defer close(c.done)
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				switch e.Kind {
				case identity.SignedIn, identity.TokenRefreshed:
					if err := c.Hydrate(c.lifeCtx, e.SubjectID, e.Profile); err != nil {
						c.logger.Warn("hydrate from identity event failed",
							slog.String("event", e.Kind.String()),
							slog.String("subjectID", e.SubjectID),
							slog.String("error", err.Error()),
						)
					}
				case identity.SignedOut:
					c.SignOut(c.lifeCtx)
				}
			case <-c.lifeCtx.Done():
				return
			}
		}
	}()
}

// Dispose tears the controller down: feed subscription, event loop, timers.
func (c *Controller) Dispose() {
	c.cancel()
	c.mu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
		c.subscribedID = ""
	}
	c.mu.Unlock()
}

// Done is closed when the event loop started by Start has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the current subject view, or nil when signed out
// or not yet hydrated.
func (c *Controller) Snapshot() *model.Subject {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.Clone()
}

// Ticker exposes the display ticker rendering this controller's snapshot.
func (c *Controller) Ticker() *DisplayTicker {
	return c.ticker
}

// Hydrate loads (or lazily creates) the authoritative record for subjectID
// and adopts it. An empty id is a sign-out.
//
// Idempotent: hydrating twice with the same id leaves the same externally
// observable snapshot, accrual arithmetic aside.
//
// Failure handling: one attempt under a hard timeout. A transient failure
// keeps the last-known snapshot for the same subject (or resolves to the
// signed-out view when none is held) and arms a single background retry
// after a fixed delay — bounded, deterministic, never an indefinite spinner.
func (c *Controller) Hydrate(ctx context.Context, subjectID string, profile *identity.Profile) error {
	if subjectID == "" {
		c.SignOut(ctx)
		return nil
	}

	c.mu.Lock()
	c.state = StateHydrating
	c.mu.Unlock()

	// Seed the display from the session cache while the authoritative fetch
	// is in flight, so a reload doesn't visibly reset points to zero.
	if c.cache != nil && c.ticker != nil {
		if pts, rate, ok := c.cache.Load(ctx, subjectID); ok {
			c.ticker.Rebase(pts, rate)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.HydrateTimeout)
	defer cancel()

	subject, err := c.fetchOrCreate(fetchCtx, subjectID, profile)
	if err != nil {
		c.mu.Lock()
		c.state = StateReady
		// Keep last-known state through a store hiccup for the same subject;
		// only a subject switch invalidates what we hold.
		if c.snapshot != nil && c.snapshot.ID != subjectID {
			c.snapshot = nil
		}
		c.mu.Unlock()

		if isTransient(err) {
			c.armHydrateRetry(subjectID, profile)
		}
		return fmt.Errorf("engine: hydrating subject %s: %w", subjectID, err)
	}

	c.adopt(subject, true)
	return nil
}

// fetchOrCreate reads the subject, creating the record on first session.
// Creation retries referral-code collisions with a regenerated code, a
// bounded number of times; exhausting them is fatal for this load cycle.
func (c *Controller) fetchOrCreate(ctx context.Context, subjectID string, profile *identity.Profile) (*model.Subject, error) {
	subject, err := c.store.FetchSubject(ctx, subjectID)
	if err == nil {
		return subject, nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return nil, err
	}

	fresh := &model.Subject{
		ID:             subjectID,
		Points:         0,
		PointsRate:     model.BaseRate,
		TasksCompleted: []string{},
	}
	if profile != nil {
		fresh.Email = profile.Email
		fresh.Name = profile.Name
		fresh.AvatarURL = profile.AvatarURL
	}

	for attempt := 1; attempt <= c.cfg.CreateAttempts; attempt++ {
		fresh.ReferralCode = NewReferralCode()
		err = c.store.CreateSubject(ctx, fresh)
		if err == nil {
			c.logger.Info("subject created",
				slog.String("subjectID", fresh.ID),
				slog.String("referralCode", fresh.ReferralCode),
			)
			return fresh, nil
		}
		if !errors.Is(err, apperror.ErrDuplicateKey) {
			// Another tab may have created the row between our fetch and
			// insert; the id is the primary key, so re-read once.
			if existing, fetchErr := c.store.FetchSubject(ctx, subjectID); fetchErr == nil {
				return existing, nil
			}
			return nil, err
		}
		c.logger.Warn("referral code collision, regenerating",
			slog.String("subjectID", subjectID),
			slog.Int("attempt", attempt),
		)
	}
	return nil, fmt.Errorf("referral code collisions exhausted %d attempts: %w", c.cfg.CreateAttempts, err)
}

// armHydrateRetry schedules the single bounded background retry. The latch
// holds only while a retry is pending, so each failure episode gets exactly
// one retry and a failing retry cannot chain into another: the nested arm
// from inside Hydrate sees the latch still set.
func (c *Controller) armHydrateRetry(subjectID string, profile *identity.Profile) {
	c.mu.Lock()
	if c.retryArmed {
		c.mu.Unlock()
		return
	}
	c.retryArmed = true
	c.mu.Unlock()

	time.AfterFunc(c.cfg.RetryDelay, func() {
		defer func() {
			c.mu.Lock()
			c.retryArmed = false
			c.mu.Unlock()
		}()
		if c.lifeCtx.Err() != nil {
			return
		}
		if err := c.Hydrate(c.lifeCtx, subjectID, profile); err != nil {
			c.logger.Warn("background hydrate retry failed",
				slog.String("subjectID", subjectID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Refresh re-fetches the authoritative record for the current subject, used
// after an action whose confirmation is still settling. Safe to call
// concurrently with itself: whichever response carries the newest last_update
// wins, the rest are discarded.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.Lock()
	current := c.snapshot
	c.mu.Unlock()
	if current == nil {
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.HydrateTimeout)
	defer cancel()

	subject, err := c.store.FetchSubject(fetchCtx, current.ID)
	if err != nil {
		return fmt.Errorf("engine: refreshing subject %s: %w", current.ID, err)
	}
	c.adopt(subject, false)
	return nil
}

// ApplyRealtimeChange feeds a pushed record into the snapshot. This is the
// only path by which this session observes mutations made by other actors —
// e.g. a referral bonus credited by someone else's sign-up. Latest write
// observed wins; pushes for a different subject are dropped.
func (c *Controller) ApplyRealtimeChange(subject *model.Subject) {
	if subject == nil {
		return
	}
	c.mu.Lock()
	current := c.snapshot
	c.mu.Unlock()
	if current == nil || current.ID != subject.ID {
		return
	}
	c.adopt(subject, false)
}

// SignOut clears the snapshot, the cache, and the feed subscription.
func (c *Controller) SignOut(ctx context.Context) {
	c.mu.Lock()
	c.snapshot = nil
	c.state = StateReady
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
		c.subscribedID = ""
	}
	c.mu.Unlock()

	if c.cache != nil {
		c.cache.Clear(ctx)
	}
	if c.ticker != nil {
		c.ticker.Rebase(0, 0)
	}
}

// ApplyOptimisticTask provisionally applies a task reward to the local
// snapshot: append the task, bump the rate, and re-base the ticker at its
// current displayed value so feedback is instant and the display never dips.
// The mutation carries no last_update bump, so the next authoritative value
// supersedes it cleanly. Returns false when there is no subject or the task
// is already (even provisionally) completed.
func (c *Controller) ApplyOptimisticTask(ctx context.Context, taskID string, reward float64) bool {
	c.mu.Lock()
	if c.snapshot == nil || c.snapshot.HasCompleted(taskID) {
		c.mu.Unlock()
		return false
	}
	c.snapshot.TasksCompleted = append(c.snapshot.TasksCompleted, taskID)
	c.snapshot.PointsRate += reward
	snap := c.snapshot.Clone()
	c.mu.Unlock()

	if c.ticker != nil {
		c.ticker.Rebase(c.ticker.Value(), snap.PointsRate)
	}
	if c.cache != nil {
		base := snap.Points
		if c.ticker != nil {
			base = c.ticker.Value()
		}
		c.cache.Save(ctx, snap.ID, base, snap.PointsRate)
	}
	return true
}

// adopt is the single write path for authoritative records.
//
// Stale-write rejection: for the already-held subject, a record whose
// last_update is strictly older than the current one is discarded. Equal
// timestamps are adopted (a realtime push racing a refresh of the same write
// must still land). initial adoption and subject switches always win.
func (c *Controller) adopt(subject *model.Subject, hydrated bool) {
	c.mu.Lock()

	if c.snapshot != nil && c.snapshot.ID == subject.ID &&
		subject.LastUpdate.Before(c.snapshot.LastUpdate) {
		held := c.snapshot.LastUpdate
		c.mu.Unlock()
		c.logger.Debug("discarding stale record",
			slog.String("subjectID", subject.ID),
			slog.Time("stale", subject.LastUpdate),
			slog.Time("held", held),
		)
		return
	}

	c.snapshot = subject.Clone()
	c.state = StateReady

	// Re-establish the feed subscription only when the subject id actually
	// changed — never on field changes of the same subject. This is what
	// prevents subscription churn and duplicate listeners.
	resubscribe := c.feed != nil && c.subscribedID != subject.ID
	if resubscribe && c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.mu.Unlock()

	if c.ticker != nil {
		c.ticker.Rebase(subject.Points, subject.PointsRate)
	}
	if c.cache != nil {
		c.cache.Save(c.lifeCtx, subject.ID, subject.Points, subject.PointsRate)
	}

	if resubscribe {
		stop, err := c.feed.Subscribe(c.lifeCtx, subject.ID, c.ApplyRealtimeChange)
		if err != nil {
			c.logger.Warn("realtime subscription failed",
				slog.String("subjectID", subject.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		c.mu.Lock()
		c.subscribedID = subject.ID
		c.unsubscribe = stop
		c.mu.Unlock()
	}
}

// isTransient reports whether err warrants the single background retry.
// Context deadlines and explicit unavailability are transient; validation,
// duplicate-key exhaustion and the like are not.
func isTransient(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, apperror.ErrUnavailable)
}

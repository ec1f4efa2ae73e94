package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tessium/waitlist-engine/internal/apperror"
	"github.com/tessium/waitlist-engine/internal/model"
	"github.com/tessium/waitlist-engine/internal/store"
)

// MarkStore persists the "referral already applied" marker per subject, so a
// referral captured at sign-up isn't re-sent to the store on every later
// hydrate. The remote operation is idempotent anyway; the marker just saves
// the round trip.
type MarkStore interface {
	ReferralApplied(ctx context.Context, subjectID string) (bool, error)
	SetReferralApplied(ctx context.Context, subjectID string) error
}

// RetryPolicy is the single bounded-retry rule shared by every reward
// action: MaxAttempts total tries with a fixed delay between them. No call
// site rolls its own backoff.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy: one retry after a short fixed delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Delay: 2 * time.Second}
}

// Dispatcher executes reward-granting user actions: optimistic local update
// first for instant feedback, then the remote atomic operation, then a
// refresh to reconcile any discrepancy between the optimistic and
// authoritative reward amounts.
//
// The remote operations are idempotent per their documented keys, so the
// dispatcher never needs to prove it is the only writer — a double-click, a
// duplicate event, or a second tab all collapse into one grant server-side.
type Dispatcher struct {
	atoms  store.AtomicStore
	ctrl   *Controller
	marks  MarkStore
	retry  RetryPolicy
	logger *slog.Logger

	// sleep is swapped out in tests so retries don't take wall-clock time.
	sleep func(time.Duration)
}

// NewDispatcher wires a dispatcher to its controller. marks may be nil
// (the persisted referral marker degrades to the remote idempotency guard).
func NewDispatcher(atoms store.AtomicStore, ctrl *Controller, marks MarkStore, retry RetryPolicy, logger *slog.Logger) *Dispatcher {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Dispatcher{
		atoms:  atoms,
		ctrl:   ctrl,
		marks:  marks,
		retry:  retry,
		logger: logger,
		sleep:  time.Sleep,
	}
}

// CompleteTask executes the quest taskID for the current subject and returns
// the task's external destination URL for the caller to open.
//
// Call-site idempotency: a task already in the local snapshot's completed set
// is a no-op before any network traffic, independent of the remote guard.
//
// Failure handling: the optimistic update stays in place even when the
// remote call exhausts its retries — the grant is only display state until
// the next refresh or realtime push reconciles it, and surfacing a blocking
// error for a background-confirmable action would be worse than a briefly
// optimistic rate.
func (d *Dispatcher) CompleteTask(ctx context.Context, taskID string) (string, error) {
	task, ok := model.TaskByID(taskID)
	if !ok {
		return "", apperror.ValidationFailed("taskId", fmt.Sprintf("unknown task %q", taskID))
	}

	snapshot := d.ctrl.Snapshot()
	if snapshot == nil {
		return "", apperror.Unauthorized("no authenticated subject")
	}
	if snapshot.HasCompleted(taskID) {
		return task.URL, nil // already completed — no-op
	}

	// Optimistic: instant local feedback, re-based ticker, no flicker.
	d.ctrl.ApplyOptimisticTask(ctx, taskID, task.Reward)

	err := d.withRetry(ctx, "complete_task", func() error {
		_, err := d.atoms.CompleteTask(ctx, snapshot.ID, taskID)
		return err
	})
	if err != nil {
		// Keep the optimistic state; the next refresh or push corrects any
		// divergence from truth.
		d.logger.Error("task completion not confirmed by store",
			slog.String("subjectID", snapshot.ID),
			slog.String("taskID", taskID),
			slog.String("error", err.Error()),
		)
		return task.URL, nil
	}

	if err := d.ctrl.Refresh(ctx); err != nil {
		d.logger.Warn("refresh after task completion failed",
			slog.String("subjectID", snapshot.ID),
			slog.String("error", err.Error()),
		)
	}
	return task.URL, nil
}

// ApplyReferral applies a referral code for the current subject, at most once
// per subject. The remote operation finds the referrer by code and credits
// their count and rate exactly once; invalid and self-referential codes are
// successful no-ops. The refresh afterwards re-reads the current subject —
// referral rewards accrue to the referrer, not the referee, so the refresh
// mostly picks up the referred_by stamp.
func (d *Dispatcher) ApplyReferral(ctx context.Context, referralCode string) error {
	if referralCode == "" {
		return apperror.ValidationFailed("code", "referral code is required")
	}

	snapshot := d.ctrl.Snapshot()
	if snapshot == nil {
		return apperror.Unauthorized("no authenticated subject")
	}

	if d.marks != nil {
		applied, err := d.marks.ReferralApplied(ctx, snapshot.ID)
		if err != nil {
			d.logger.Warn("referral marker read failed, relying on remote idempotency",
				slog.String("subjectID", snapshot.ID),
				slog.String("error", err.Error()),
			)
		} else if applied {
			return nil // already applied this session lineage — no-op
		}
	}
	if snapshot.ReferredBy != "" {
		return nil
	}

	err := d.withRetry(ctx, "apply_referral", func() error {
		_, err := d.atoms.ApplyReferral(ctx, snapshot.ID, referralCode)
		return err
	})
	if err != nil {
		return fmt.Errorf("engine: applying referral for subject %s: %w", snapshot.ID, err)
	}

	if d.marks != nil {
		if err := d.marks.SetReferralApplied(ctx, snapshot.ID); err != nil {
			d.logger.Warn("referral marker write failed",
				slog.String("subjectID", snapshot.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := d.ctrl.Refresh(ctx); err != nil {
		d.logger.Warn("refresh after referral failed",
			slog.String("subjectID", snapshot.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ConnectTwitter grants the one-time X-link reward after the OAuth flow
// completed. Called off the identity-change event carrying the linked
// profile; guarded locally by the twitter_connected flag and remotely by the
// same flag inside the atomic operation.
func (d *Dispatcher) ConnectTwitter(ctx context.Context, username, avatarURL string) error {
	snapshot := d.ctrl.Snapshot()
	if snapshot == nil {
		return apperror.Unauthorized("no authenticated subject")
	}
	if snapshot.TwitterConnected {
		return nil // flag already set — no-op
	}

	err := d.withRetry(ctx, "connect_twitter", func() error {
		_, err := d.atoms.ConnectTwitter(ctx, snapshot.ID, username, avatarURL)
		return err
	})
	if err != nil {
		return fmt.Errorf("engine: connecting X account for subject %s: %w", snapshot.ID, err)
	}

	if err := d.ctrl.Refresh(ctx); err != nil {
		d.logger.Warn("refresh after X connect failed",
			slog.String("subjectID", snapshot.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// withRetry runs op under the dispatcher's retry policy.
func (d *Dispatcher) withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt < d.retry.MaxAttempts {
			d.logger.Warn("reward action failed, retrying",
				slog.String("action", name),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			d.sleep(d.retry.Delay)
		}
	}
	return err
}

// Package store defines the interfaces the engine uses to talk to the
// durable subject store.
//
// The engine treats the store as an opaque remote collaborator: plain reads
// and inserts on one interface, and a small set of black-box atomic reward
// operations on another. Every atomic operation is specified to be safe under
// at-least-once delivery — calling it twice with the same key has the same
// effect as calling it once. That idempotency is the only defence against
// duplicate events, client retries, and multiple uncoordinated tabs writing
// for the same subject.
package store

import (
	"context"

	"github.com/tessium/waitlist-engine/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// SubjectStore covers plain reads and writes on subject records.
type SubjectStore interface {
	// FetchSubject returns the authoritative record, or apperror.ErrNotFound.
	FetchSubject(ctx context.Context, id string) (*model.Subject, error)

	// CreateSubject inserts a new record. Fails with apperror.ErrDuplicateKey
	// when the referral code collides with an existing subject; the caller
	// retries with a regenerated code.
	CreateSubject(ctx context.Context, subject *model.Subject) error

	// UpdateSubjectFields overwrites the named mutable fields. Only used
	// immediately after creation (profile backfill); reward state is never
	// written through this path.
	UpdateSubjectFields(ctx context.Context, id string, fields map[string]any) error

	// ListSubjects returns subjects for leaderboard ranking.
	ListSubjects(ctx context.Context, opts ListOptions) ([]model.Subject, error)

	// CountSubjects returns the total number of subjects on the waitlist.
	CountSubjects(ctx context.Context) (int, error)
}

// AtomicStore is the set of remote atomic reward operations.
//
// Each returns the updated authoritative record of the subject it was invoked
// for, whether or not the call changed anything — an already-applied call is
// a successful no-op, not an error.
type AtomicStore interface {
	// CompleteTask grants the task's rate bonus exactly once per
	// (subject, task) pair.
	CompleteTask(ctx context.Context, subjectID, taskID string) (*model.Subject, error)

	// ApplyReferral locates the referrer by code and credits them exactly
	// once per referee. Invalid and self-referential codes are no-ops.
	// The returned record is the referee's (referral rewards accrue to the
	// referrer, not the referee).
	ApplyReferral(ctx context.Context, subjectID, referralCode string) (*model.Subject, error)

	// ConnectTwitter grants the one-time X-link reward, guarded by the
	// subject's twitter_connected flag, and persists the linked profile.
	ConnectTwitter(ctx context.Context, subjectID, username, avatarURL string) (*model.Subject, error)
}

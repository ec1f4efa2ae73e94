// Package model defines the data structures used throughout the application.
package model

import "time"

// Subject is the authenticated end-user entity tracked by the points system.
//
// The authoritative copy lives in the store; everything the engine holds in
// memory is a snapshot of a row from the subjects table. The ID is the opaque
// identifier handed to us by the identity provider, so a subject maps to
// exactly one external identity.
//
// Field invariants the rest of the codebase relies on:
//   - Points never regresses below the last authoritative value; local
//     interpolation (DisplayTicker) is advisory only.
//   - PointsRate only grows, and only through the store's atomic reward
//     operations (task completion, referral credit, X connect).
//   - TasksCompleted is append-only; each entry corresponds to exactly one
//     reward grant.
//   - ReferralCode is assigned once at creation and never changes.
//   - ReferredBy is set at most once; it is the idempotency key for referral
//     application.
type Subject struct {
	ID               string    `json:"id"                db:"id"`
	Email            string    `json:"email"             db:"email"`
	Name             string    `json:"name"              db:"name"`
	AvatarURL        string    `json:"avatarUrl"         db:"avatar_url"`
	Points           float64   `json:"points"            db:"points"`
	PointsRate       float64   `json:"pointsRate"        db:"points_rate"` // points accrued per second
	TwitterConnected bool      `json:"twitterConnected"  db:"twitter_connected"`
	TwitterUsername  string    `json:"twitterUsername"   db:"twitter_username"`
	TasksCompleted   []string  `json:"tasksCompleted"    db:"tasks_completed"` // stored as a JSON array
	ReferralCode     string    `json:"referralCode"      db:"referral_code"`
	ReferralCount    int       `json:"referralCount"     db:"referral_count"`
	ReferredBy       string    `json:"referredBy"        db:"referred_by"`
	CreatedAt        time.Time `json:"createdAt"         db:"created_at"`
	LastUpdate       time.Time `json:"lastUpdate"        db:"last_update"`
}

// HasCompleted reports whether taskID is already in the completed set.
func (s *Subject) HasCompleted(taskID string) bool {
	for _, id := range s.TasksCompleted {
		if id == taskID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the subject. The engine hands copies to
// callers so a snapshot can never be mutated behind the controller's back.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	out := *s
	out.TasksCompleted = append([]string(nil), s.TasksCompleted...)
	return &out
}

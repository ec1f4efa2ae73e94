package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tessium/waitlist-engine/internal/apperror"
	"github.com/tessium/waitlist-engine/internal/model"
)

// Atomic reward operations.
//
// These are the only code paths allowed to touch reward state. Each one:
//
//  1. Opens a transaction and reads the subject row.
//  2. Checks its idempotency key — if the reward was already granted, the
//     call commits nothing and returns the current record (successful no-op).
//  3. Settles elapsed accrual (points += elapsed seconds × rate) so the rate
//     change takes effect from "now", not retroactively.
//  4. Applies the reward, bumps last_update, commits, and returns the fresh
//     record.
//
// Settling before the rate bump is what keeps the displayed total monotonic
// across a reward: the client's interpolation re-bases on the returned
// (points, rate) pair.

// settle folds elapsed accrual into the point balance as of now.
func settle(s *model.Subject, now time.Time) {
	elapsed := now.Sub(s.LastUpdate).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	s.Points += elapsed * s.PointsRate
	s.LastUpdate = now
}

// fetchForUpdate reads a subject row inside a transaction.
func fetchForUpdate(ctx context.Context, tx *sql.Tx, id string) (*model.Subject, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE id = ?`, id)
	s, err := scanSubject(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("subject", id)
		}
		return nil, fmt.Errorf("reading subject %s: %w", id, err)
	}
	return s, nil
}

// writeRewardState persists the mutable reward fields of a settled subject.
func writeRewardState(ctx context.Context, tx *sql.Tx, s *model.Subject) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE subjects
		 SET points = ?, points_rate = ?, tasks_completed = ?,
		     twitter_connected = ?, twitter_username = ?, avatar_url = ?,
		     referral_count = ?, referred_by = ?, last_update = ?
		 WHERE id = ?`,
		s.Points,
		s.PointsRate,
		marshalTasks(s.TasksCompleted),
		s.TwitterConnected,
		s.TwitterUsername,
		s.AvatarURL,
		s.ReferralCount,
		s.ReferredBy,
		s.LastUpdate,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("writing reward state for subject %s: %w", s.ID, err)
	}
	return nil
}

// CompleteTask grants the task's rate bonus, keyed on (subject, task).
//
// A second call for the same pair finds the task already in tasks_completed
// and returns the current record untouched — the double-click and the
// second-tab retry both collapse into the first grant.
func (db *DB) CompleteTask(ctx context.Context, subjectID, taskID string) (*model.Subject, error) {
	task, ok := model.TaskByID(taskID)
	if !ok {
		return nil, apperror.ValidationFailed("taskId", fmt.Sprintf("unknown task %q", taskID))
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: beginning complete-task tx: %w", err)
	}
	defer tx.Rollback()

	s, err := fetchForUpdate(ctx, tx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: complete task %s: %w", taskID, err)
	}

	if s.HasCompleted(taskID) {
		return s, nil // already granted — no-op
	}

	settle(s, time.Now().UTC())
	s.TasksCompleted = append(s.TasksCompleted, taskID)
	s.PointsRate += task.Reward

	if err := writeRewardState(ctx, tx, s); err != nil {
		return nil, fmt.Errorf("sqlite: complete task %s: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: committing complete-task tx: %w", err)
	}
	return s, nil
}

// ApplyReferral credits the owner of referralCode for referring subjectID.
//
// Idempotency key: the referee's referred_by column. Once set, every further
// application for that referee — same code or not — is a no-op, so the
// referrer's count and rate move exactly once per referred subject.
// Unknown and self-referential codes are silently ignored.
func (db *DB) ApplyReferral(ctx context.Context, subjectID, referralCode string) (*model.Subject, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: beginning apply-referral tx: %w", err)
	}
	defer tx.Rollback()

	referee, err := fetchForUpdate(ctx, tx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: apply referral: %w", err)
	}
	if referee.ReferredBy != "" {
		return referee, nil // already applied — no-op
	}

	var referrerID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM subjects WHERE referral_code = ?`, referralCode,
	).Scan(&referrerID)
	if err == sql.ErrNoRows || (err == nil && referrerID == subjectID) {
		return referee, nil // invalid or self-referential code — no-op
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: looking up referral code: %w", err)
	}

	referrer, err := fetchForUpdate(ctx, tx, referrerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: apply referral: %w", err)
	}

	now := time.Now().UTC()

	settle(referrer, now)
	referrer.ReferralCount++
	referrer.PointsRate += model.ReferralBonus
	if err := writeRewardState(ctx, tx, referrer); err != nil {
		return nil, fmt.Errorf("sqlite: apply referral: %w", err)
	}

	settle(referee, now)
	referee.ReferredBy = referrerID
	if err := writeRewardState(ctx, tx, referee); err != nil {
		return nil, fmt.Errorf("sqlite: apply referral: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: committing apply-referral tx: %w", err)
	}
	return referee, nil
}

// ConnectTwitter grants the one-time X-link reward, keyed on the
// twitter_connected flag, and persists the linked profile.
func (db *DB) ConnectTwitter(ctx context.Context, subjectID, username, avatarURL string) (*model.Subject, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: beginning connect-twitter tx: %w", err)
	}
	defer tx.Rollback()

	s, err := fetchForUpdate(ctx, tx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: connect twitter: %w", err)
	}
	if s.TwitterConnected {
		return s, nil // flag already set — no-op
	}

	settle(s, time.Now().UTC())
	s.TwitterConnected = true
	s.TwitterUsername = username
	if avatarURL != "" {
		s.AvatarURL = avatarURL
	}
	s.PointsRate += model.TwitterConnectReward

	if err := writeRewardState(ctx, tx, s); err != nil {
		return nil, fmt.Errorf("sqlite: connect twitter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: committing connect-twitter tx: %w", err)
	}
	return s, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tessium/waitlist-engine/internal/apperror"
	"github.com/tessium/waitlist-engine/internal/model"
	"github.com/tessium/waitlist-engine/internal/store"
)

// compile-time checks that *DB implements the store interfaces
var (
	_ store.SubjectStore = (*DB)(nil)
	_ store.AtomicStore  = (*DB)(nil)
)

const subjectColumns = `id, email, name, avatar_url, points, points_rate,
	twitter_connected, twitter_username, tasks_completed,
	referral_code, referral_count, referred_by, created_at, last_update`

// rowScanner covers *sql.Row and *sql.Rows so the scan logic is written once.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubject(row rowScanner) (*model.Subject, error) {
	var (
		s     model.Subject
		tasks string
	)
	err := row.Scan(
		&s.ID,
		&s.Email,
		&s.Name,
		&s.AvatarURL,
		&s.Points,
		&s.PointsRate,
		&s.TwitterConnected,
		&s.TwitterUsername,
		&tasks,
		&s.ReferralCode,
		&s.ReferralCount,
		&s.ReferredBy,
		&s.CreatedAt,
		&s.LastUpdate,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tasks), &s.TasksCompleted); err != nil {
		return nil, fmt.Errorf("decoding tasks_completed for subject %s: %w", s.ID, err)
	}
	return &s, nil
}

func marshalTasks(tasks []string) string {
	if tasks == nil {
		tasks = []string{}
	}
	b, _ := json.Marshal(tasks)
	return string(b)
}

// FetchSubject retrieves a subject by ID.
// Returns apperror.ErrNotFound if no subject exists with that ID.
func (db *DB) FetchSubject(ctx context.Context, id string) (*model.Subject, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+subjectColumns+` FROM subjects WHERE id = ?`, id)

	s, err := scanSubject(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("subject", id)
		}
		return nil, fmt.Errorf("sqlite: fetching subject %s: %w", id, err)
	}
	return s, nil
}

// CreateSubject inserts a new subject record.
//
// The caller supplies the ID (the identity provider's opaque subject id) and
// the referral code; this method fills in the timestamps. A referral-code
// collision surfaces as apperror.ErrDuplicateKey so the bootstrap path can
// regenerate and retry.
func (db *DB) CreateSubject(ctx context.Context, subject *model.Subject) error {
	now := time.Now().UTC()
	subject.CreatedAt = now
	subject.LastUpdate = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO subjects (id, email, name, avatar_url, points, points_rate,
			twitter_connected, twitter_username, tasks_completed,
			referral_code, referral_count, referred_by, created_at, last_update)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subject.ID,
		subject.Email,
		subject.Name,
		subject.AvatarURL,
		subject.Points,
		subject.PointsRate,
		subject.TwitterConnected,
		subject.TwitterUsername,
		marshalTasks(subject.TasksCompleted),
		subject.ReferralCode,
		subject.ReferralCount,
		subject.ReferredBy,
		subject.CreatedAt,
		subject.LastUpdate,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.DuplicateKey("referral_code", subject.ReferralCode)
		}
		return fmt.Errorf("sqlite: inserting subject %s: %w", subject.ID, err)
	}
	return nil
}

// allowedUpdateFields is the whitelist for UpdateSubjectFields. Reward state
// (points, points_rate, tasks_completed, referral_count, twitter_connected)
// is deliberately absent — those move only through the atomic operations.
var allowedUpdateFields = map[string]bool{
	"email":      true,
	"name":       true,
	"avatar_url": true,
}

// UpdateSubjectFields overwrites profile fields on an existing subject.
func (db *DB) UpdateSubjectFields(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	setClause := ""
	args := make([]any, 0, len(fields)+2)
	for name, value := range fields {
		if !allowedUpdateFields[name] {
			return apperror.ValidationFailed(name, fmt.Sprintf("field %s cannot be updated directly", name))
		}
		if setClause != "" {
			setClause += ", "
		}
		setClause += name + " = ?"
		args = append(args, value)
	}
	setClause += ", last_update = ?"
	args = append(args, time.Now().UTC(), id)

	res, err := db.conn.ExecContext(ctx,
		`UPDATE subjects SET `+setClause+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: updating subject %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("subject", id)
	}
	return nil
}

// ListSubjects returns subjects ordered by creation time. Ranking happens in
// the engine so both leaderboard orderings share one snapshot read.
func (db *DB) ListSubjects(ctx context.Context, opts store.ListOptions) ([]model.Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects ORDER BY created_at ASC, id ASC`
	args := []any{}
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing subjects: %w", err)
	}
	defer rows.Close()

	subjects := []model.Subject{}
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning subject row: %w", err)
		}
		subjects = append(subjects, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating subjects: %w", err)
	}
	return subjects, nil
}

// CountSubjects returns the total waitlist size.
func (db *DB) CountSubjects(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM subjects`).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: counting subjects: %w", err)
	}
	return count, nil
}

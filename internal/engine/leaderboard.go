package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tessium/waitlist-engine/internal/model"
	"github.com/tessium/waitlist-engine/internal/store"
)

// LeaderboardTopN is the visible window size.
const LeaderboardTopN = 15

type OrderBy string

const (
	OrderByPoints    OrderBy = "points"
	OrderByReferrals OrderBy = "referrals"
)

// LeaderboardEntry is one ranked row. Pinned marks the out-of-band row
// appended for a subject who fell outside the visible window.
type LeaderboardEntry struct {
	Rank          int     `json:"rank"`
	SubjectID     string  `json:"subjectId"`
	Name          string  `json:"name"`
	AvatarURL     string  `json:"avatarUrl,omitempty"`
	Points        float64 `json:"points"`
	ReferralCount int     `json:"referralCount"`
	Pinned        bool    `json:"pinned,omitempty"`
}

// Rank orders subjects by the chosen field, descending, and assigns 1-based
// ranks. Ties break deterministically: earlier created_at wins, then id —
// the product never defined a tiebreak, so we fix one here rather than leave
// equal scores in map-iteration order.
func Rank(subjects []model.Subject, by OrderBy) []LeaderboardEntry {
	ordered := append([]model.Subject(nil), subjects...)

	score := func(s *model.Subject) float64 {
		if by == OrderByReferrals {
			return float64(s.ReferralCount)
		}
		return s.Points
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		si, sj := score(&ordered[i]), score(&ordered[j])
		if si != sj {
			return si > sj
		}
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	entries := make([]LeaderboardEntry, len(ordered))
	for i, s := range ordered {
		name := s.Name
		if name == "" {
			name = DisplayName(s.ID)
		}
		entries[i] = LeaderboardEntry{
			Rank:          i + 1,
			SubjectID:     s.ID,
			Name:          name,
			AvatarURL:     s.AvatarURL,
			Points:        s.Points,
			ReferralCount: s.ReferralCount,
		}
	}
	return entries
}

// Window cuts the ranked list down to the top-N display window. If subjectID
// ranks outside the window, their row is appended as a pinned entry so the
// subject's own standing is always visible — topN ranked rows plus one.
func Window(ranked []LeaderboardEntry, subjectID string, topN int) []LeaderboardEntry {
	if topN <= 0 || topN >= len(ranked) {
		return append([]LeaderboardEntry(nil), ranked...)
	}

	window := append([]LeaderboardEntry(nil), ranked[:topN]...)
	if subjectID == "" {
		return window
	}
	for _, e := range window {
		if e.SubjectID == subjectID {
			return window
		}
	}
	for _, e := range ranked[topN:] {
		if e.SubjectID == subjectID {
			e.Pinned = true
			return append(window, e)
		}
	}
	return window
}

// Ranker keeps a periodically refreshed full-subject snapshot and derives
// ranked views from it. Polling and realtime pushes both trigger refreshes;
// the two race freely and the last applied snapshot wins — the leaderboard is
// best-effort display state, not a consistency domain.
type Ranker struct {
	store    store.SubjectStore
	interval time.Duration
	logger   *slog.Logger

	mu        sync.RWMutex
	subjects  []model.Subject
	refreshed time.Time

	kick chan struct{}
}

// NewRanker creates a ranker polling at the given interval (default 30s).
func NewRanker(subjects store.SubjectStore, interval time.Duration, logger *slog.Logger) *Ranker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Ranker{
		store:    subjects,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Run polls until ctx ends. Kick() forces an immediate refresh in between.
func (r *Ranker) Run(ctx context.Context) {
	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refresh(ctx)
		case <-r.kick:
			r.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Kick requests an out-of-band refresh (wired to realtime change pushes).
// Never blocks; coalesces with a pending kick.
func (r *Ranker) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Ranker) refresh(ctx context.Context) {
	subjects, err := r.store.ListSubjects(ctx, store.ListOptions{})
	if err != nil {
		// Keep the previous snapshot; a stale leaderboard beats an empty one.
		r.logger.Warn("leaderboard refresh failed", slog.String("error", err.Error()))
		return
	}
	r.mu.Lock()
	r.subjects = subjects
	r.refreshed = time.Now()
	r.mu.Unlock()
}

// View returns the display window for the given subject and ordering, from
// the last successful snapshot.
func (r *Ranker) View(subjectID string, by OrderBy, topN int) []LeaderboardEntry {
	r.mu.RLock()
	subjects := r.subjects
	r.mu.RUnlock()
	return Window(Rank(subjects, by), subjectID, topN)
}

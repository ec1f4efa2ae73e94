package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tessium/waitlist-engine/internal/engine"
	"github.com/tessium/waitlist-engine/internal/identity"
)

// SubjectCounter is the slice of the store the public endpoints need.
type SubjectCounter interface {
	CountSubjects(ctx context.Context) (int, error)
}

// LeaderboardHandler serves the public ranking window and the waitlist size.
type LeaderboardHandler struct {
	ranker  *engine.Ranker
	counter SubjectCounter
	logger  *slog.Logger
}

func NewLeaderboardHandler(ranker *engine.Ranker, counter SubjectCounter, logger *slog.Logger) *LeaderboardHandler {
	return &LeaderboardHandler{ranker: ranker, counter: counter, logger: logger}
}

// LeaderboardResponse is the display window: up to topN ranked rows, plus the
// requesting subject's own pinned row when they rank below the window.
type LeaderboardResponse struct {
	OrderBy string                    `json:"orderBy"`
	Entries []engine.LeaderboardEntry `json:"entries"`
}

// HandleLeaderboard returns the ranked window.
//
// HTTP: GET /api/leaderboard?by=points|referrals
// Auth: Optional — a signed-in subject gets their own row pinned.
func (h *LeaderboardHandler) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	by := engine.OrderByPoints
	if r.URL.Query().Get("by") == string(engine.OrderByReferrals) {
		by = engine.OrderByReferrals
	}

	subjectID, _ := identity.SubjectIDFromContext(r.Context())

	entries := h.ranker.View(subjectID, by, engine.LeaderboardTopN)
	if entries == nil {
		entries = []engine.LeaderboardEntry{}
	}

	writeJSON(w, http.StatusOK, LeaderboardResponse{
		OrderBy: string(by),
		Entries: entries,
	})
}

// HandleWaitlistCount returns the total number of subjects on the waitlist.
//
// HTTP: GET /api/waitlist/count
func (h *LeaderboardHandler) HandleWaitlistCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.counter.CountSubjects(r.Context())
	if err != nil {
		h.logger.Error("waitlist count failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

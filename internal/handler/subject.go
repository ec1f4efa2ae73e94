package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tessium/waitlist-engine/internal/engine"
	"github.com/tessium/waitlist-engine/internal/model"
)

// SubjectHandler serves the authenticated subject's own reward state.
type SubjectHandler struct {
	sessions *engine.Sessions
	logger   *slog.Logger
}

func NewSubjectHandler(sessions *engine.Sessions, logger *slog.Logger) *SubjectHandler {
	return &SubjectHandler{sessions: sessions, logger: logger}
}

// MeResponse is the subject's reward state as the client renders it. Points
// is the live ticker value, not the stored base, so successive reads show the
// counter moving.
type MeResponse struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	AvatarURL        string    `json:"avatarUrl,omitempty"`
	Points           float64   `json:"points"`
	PointsRate       float64   `json:"pointsRate"`
	TasksCompleted   []string  `json:"tasksCompleted"`
	TwitterConnected bool      `json:"twitterConnected"`
	TwitterUsername  string    `json:"twitterUsername,omitempty"`
	ReferralCode     string    `json:"referralCode"`
	ReferralCount    int       `json:"referralCount"`
	CreatedAt        time.Time `json:"createdAt"`
	Hydrating        bool      `json:"hydrating,omitempty"`
}

// HandleMe returns the current subject's profile and live point total.
//
// HTTP: GET /api/me
// Auth: Required
func (h *SubjectHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		writeError(w, err)
		return
	}
	h.respond(w, sess)
}

// HandleRefresh forces an authoritative re-read of the subject's record and
// returns the reconciled state.
//
// HTTP: POST /api/me/refresh
// Auth: Required
func (h *SubjectHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := sess.Controller.Refresh(r.Context()); err != nil {
		h.logger.Warn("manual refresh failed",
			slog.String("subjectID", sess.SubjectID),
			slog.String("error", err.Error()),
		)
		// Fall through with last-known state rather than failing the read.
	}
	h.respond(w, sess)
}

func (h *SubjectHandler) session(r *http.Request) (*engine.Session, error) {
	return resolveSession(r, h.sessions, h.logger)
}

func (h *SubjectHandler) respond(w http.ResponseWriter, sess *engine.Session) {
	snapshot := sess.Controller.Snapshot()
	if snapshot == nil {
		// Hydration hasn't produced a record yet; report the ticker (which may
		// be running off the session cache) and let the client poll.
		writeJSON(w, http.StatusOK, MeResponse{
			ID:             sess.SubjectID,
			Name:           engine.DisplayName(sess.SubjectID),
			Points:         sess.Controller.Ticker().Value(),
			PointsRate:     sess.Controller.Ticker().Rate(),
			TasksCompleted: []string{},
			Hydrating:      true,
		})
		return
	}

	name := snapshot.Name
	if name == "" {
		name = engine.DisplayName(snapshot.ID)
	}
	tasks := snapshot.TasksCompleted
	if tasks == nil {
		tasks = []string{}
	}

	writeJSON(w, http.StatusOK, MeResponse{
		ID:               snapshot.ID,
		Name:             name,
		AvatarURL:        snapshot.AvatarURL,
		Points:           sess.Controller.Ticker().Value(),
		PointsRate:       snapshot.PointsRate,
		TasksCompleted:   tasks,
		TwitterConnected: snapshot.TwitterConnected,
		TwitterUsername:  snapshot.TwitterUsername,
		ReferralCode:     snapshot.ReferralCode,
		ReferralCount:    snapshot.ReferralCount,
		CreatedAt:        snapshot.CreatedAt,
	})
}

// HandleTasks lists the quest catalog.
//
// HTTP: GET /api/tasks
func (h *SubjectHandler) HandleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": model.Tasks})
}

package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tessium/waitlist-engine/internal/apperror"
	"github.com/tessium/waitlist-engine/internal/engine"
	"github.com/tessium/waitlist-engine/internal/identity"
)

// ActionHandler executes reward-granting actions through the subject's
// session dispatcher: quest completions and referral code entry.
type ActionHandler struct {
	sessions *engine.Sessions
	logger   *slog.Logger
}

func NewActionHandler(sessions *engine.Sessions, logger *slog.Logger) *ActionHandler {
	return &ActionHandler{sessions: sessions, logger: logger}
}

// CompleteTaskResponse reports the state after a quest completion. TaskURL is
// the external destination the client should open; Points and PointsRate are
// the live values right after the grant.
type CompleteTaskResponse struct {
	TaskURL    string  `json:"taskUrl,omitempty"`
	Points     float64 `json:"points"`
	PointsRate float64 `json:"pointsRate"`
}

// HandleCompleteTask completes the quest named in the path for the current
// subject. Repeats are no-ops that still return the task URL.
//
// HTTP: POST /api/tasks/{taskID}/complete
// Auth: Required
func (h *ActionHandler) HandleCompleteTask(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	taskID := chi.URLParam(r, "taskID")
	taskURL, err := sess.Dispatcher.CompleteTask(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CompleteTaskResponse{
		TaskURL:    taskURL,
		Points:     sess.Controller.Ticker().Value(),
		PointsRate: sess.Controller.Ticker().Rate(),
	})
}

type referralRequest struct {
	Code string `json:"code"`
}

// HandleApplyReferral submits a referral code on behalf of the current
// subject. The reward lands on the referrer's record; the response just
// acknowledges the attempt. Unknown and self-referential codes are accepted
// no-ops, matching the store semantics.
//
// HTTP: POST /api/referral
// Auth: Required
func (h *ActionHandler) HandleApplyReferral(w http.ResponseWriter, r *http.Request) {
	sess, err := h.session(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req referralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid JSON body"))
		return
	}

	if err := sess.Dispatcher.ApplyReferral(r.Context(), req.Code); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (h *ActionHandler) session(r *http.Request) (*engine.Session, error) {
	return resolveSession(r, h.sessions, h.logger)
}

// resolveSession finds the request's engine session, rebuilding it when a
// valid cookie outlives the in-memory registry (server restart). A degraded
// hydrate still yields a usable session; only a missing subject id fails.
func resolveSession(r *http.Request, sessions *engine.Sessions, logger *slog.Logger) (*engine.Session, error) {
	subjectID, ok := identity.SubjectIDFromContext(r.Context())
	if !ok {
		return nil, apperror.Unauthorized("no authenticated subject")
	}

	if sess, ok := sessions.Get(subjectID); ok {
		return sess, nil
	}

	sess, err := sessions.GetOrCreate(r.Context(), subjectID, nil)
	if err != nil {
		logger.Warn("lazy session rebuild degraded",
			slog.String("subjectID", subjectID),
			slog.String("error", err.Error()),
		)
	}
	if sess == nil {
		return nil, apperror.Unauthorized("no authenticated subject")
	}
	return sess, nil
}

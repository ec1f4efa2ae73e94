package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/xid"

	"github.com/tessium/waitlist-engine/internal/engine"
	"github.com/tessium/waitlist-engine/internal/identity"
)

const (
	stateCookie = "oauth_state"
	refCookie   = "ref_code"
)

// AuthHandler manages the X OAuth login flow and session lifecycle.
//
//   - HandleXLogin    → redirect the browser to X's authorization page
//   - HandleXCallback → receive the code, exchange it, boot the engine session
//   - HandleLogout    → clear the cookie and tear the session down
type AuthHandler struct {
	provider *identity.XProvider
	tokens   *identity.TokenService
	sessions *engine.Sessions
	events   *identity.Broadcaster
	logger   *slog.Logger
}

func NewAuthHandler(
	provider *identity.XProvider,
	tokens *identity.TokenService,
	sessions *engine.Sessions,
	events *identity.Broadcaster,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		provider: provider,
		tokens:   tokens,
		sessions: sessions,
		events:   events,
		logger:   logger,
	}
}

// HandleXLogin redirects the user to X's authorization page.
//
// HTTP: GET /auth/x/login?ref=CODE
//
// The random state goes into a short-lived HttpOnly cookie and is checked on
// callback, so a forged callback can't complete someone else's flow. An
// optional ref query parameter (a referral code from a shared link) rides
// along in its own cookie and is applied once the session exists.
func (h *AuthHandler) HandleXLogin(w http.ResponseWriter, r *http.Request) {
	state := xid.New().String()

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10 minutes
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	if ref := r.URL.Query().Get("ref"); ref != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     refCookie,
			Value:    ref,
			Path:     "/",
			MaxAge:   600,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	http.Redirect(w, r, h.provider.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleXCallback completes the OAuth flow.
//
// HTTP: GET /auth/x/callback?code=xxx&state=yyy
//
//  1. Validate the state parameter
//  2. Exchange the code for the X profile
//  3. Boot (or reuse) the engine session, which lazily creates the subject
//  4. Apply any pending referral code from the login link
//  5. Issue the session JWT cookie and redirect home
func (h *AuthHandler) HandleXCallback(w http.ResponseWriter, r *http.Request) {
	sc, err := r.Cookie(stateCookie)
	if err != nil || sc.Value == "" || r.URL.Query().Get("state") != sc.Value {
		h.logger.Warn("auth callback: state missing or mismatched")
		http.Error(w, "invalid OAuth state", http.StatusBadRequest)
		return
	}
	clearCookie(w, stateCookie)

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: user denied authorization",
			slog.String("error", errParam),
		)
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing OAuth code", http.StatusBadRequest)
		return
	}

	xUser, err := h.provider.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: X exchange failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// The subject id is derived from X's stable user id so the same person
	// always lands on the same record, however many times they sign in.
	subjectID := "x:" + xUser.ID
	profile := &identity.Profile{
		Name:            xUser.Name,
		AvatarURL:       xUser.AvatarURL,
		TwitterUsername: xUser.Username,
	}

	sess, err := h.sessions.GetOrCreate(r.Context(), subjectID, profile)
	if err != nil {
		// The session exists even when hydration degraded; sign-in proceeds
		// and the engine retries in the background.
		h.logger.Warn("auth callback: session hydration degraded",
			slog.String("subjectID", subjectID),
			slog.String("error", err.Error()),
		)
	}

	h.events.Publish(identity.Event{
		Kind:      identity.SignedIn,
		SubjectID: subjectID,
		Profile:   profile,
	})

	h.applyPendingReferral(w, r, sess, subjectID)

	tokenStr, err := h.tokens.Generate(subjectID)
	if err != nil {
		h.logger.Error("auth callback: token generation failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     identity.SessionCookie,
		Value:    tokenStr,
		Path:     "/",
		MaxAge:   int(identity.DefaultTokenLifetime / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		// Secure: true, // requires HTTPS
	})

	h.logger.Info("subject authenticated",
		slog.String("subjectID", subjectID),
		slog.String("username", xUser.Username),
	)

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// applyPendingReferral consumes the referral code captured at login. The
// cookie is cleared only after the code actually applied; on failure it stays
// put so the next sign-in retries — the persisted marker and the remote
// idempotency guard make a re-send harmless.
func (h *AuthHandler) applyPendingReferral(w http.ResponseWriter, r *http.Request, sess *engine.Session, subjectID string) {
	rc, err := r.Cookie(refCookie)
	if err != nil || rc.Value == "" || sess == nil {
		return
	}

	if err := sess.Dispatcher.ApplyReferral(r.Context(), rc.Value); err != nil {
		h.logger.Warn("auth callback: referral not applied",
			slog.String("subjectID", subjectID),
			slog.String("error", err.Error()),
		)
		return
	}
	clearCookie(w, refCookie)
}

// HandleLogout clears the session cookie and disposes the engine session.
//
// HTTP: POST /auth/logout
// Auth: Required
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if subjectID, ok := identity.SubjectIDFromContext(r.Context()); ok {
		h.events.Publish(identity.Event{
			Kind:      identity.SignedOut,
			SubjectID: subjectID,
		})
	}

	clearCookie(w, identity.SessionCookie)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

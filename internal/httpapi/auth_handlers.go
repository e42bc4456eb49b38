package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"clearance.org/internal/audit"
	"clearance.org/internal/auth"
	"clearance.org/internal/identity"
)

type activateRequest struct {
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	Domain     string `json:"domain"`
}

type activateResponse struct {
	Identity         identity.Identity `json:"identity"`
	AlreadyActivated bool              `json:"already_activated"`
}

type loginRequest struct {
	ExternalID string `json:"external_id"`
	Password   string `json:"password"`
}

type tokenResponse struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	Identity  identity.Identity `json:"identity"`
}

type passwordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (a *API) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	act, err := a.deps.Identities.Activate(r.Context(), identity.ActivationRequest{
		ExternalID: req.ExternalID,
		Email:      req.Email,
		Password:   req.Password,
		Role:       role,
		Domain:     req.Domain,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	code := http.StatusCreated
	if act.AlreadyActivated {
		code = http.StatusOK
	}
	writeJSON(w, code, activateResponse{Identity: act.Identity, AlreadyActivated: act.AlreadyActivated})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.deps.Identities.Authenticate(r.Context(), req.ExternalID, req.Password)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	token, p, err := a.deps.Tokens.Issue(id.ID, id.Role)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: p.ExpiresAt, Identity: id})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if err := a.deps.Revoker.Revoke(r.Context(), p.TokenID, p.ExpiresAt); err != nil {
		a.handleError(w, r, err)
		return
	}
	a.audit(r, "auth.logout", map[string]any{
		"identity_id": p.IdentityID,
		"token_id":    p.TokenID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Identities.ChangePassword(r.Context(), principal(r).IdentityID, req.OldPassword, req.NewPassword); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) audit(r *http.Request, event string, fields map[string]any) {
	if err := a.deps.Audit(r.Context(), event, fields); err != nil {
		a.deps.Logger.Warn("audit write failed",
			slog.String("event", event),
			slog.String("request_id", audit.RequestIDFromContext(r.Context())),
			slog.Any("err", err))
	}
}

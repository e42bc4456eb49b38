package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"clearance.org/internal/auth"
	"clearance.org/internal/identity"
)

type meResponse struct {
	identity.Identity
	Capabilities []auth.Capability `json:"capabilities"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, err := a.deps.Identities.Get(r.Context(), principal(r).IdentityID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Identity: id, Capabilities: a.deps.Model.Capabilities(id.Role)})
}

func (a *API) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var upd identity.ProfileUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.deps.Identities.UpdateProfile(r.Context(), principal(r).IdentityID, upd)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (a *API) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	list, err := a.deps.Identities.ListDepartment(r.Context(), principal(r).IdentityID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if list == nil {
		list = []identity.Identity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": list})
}

func (a *API) handleAdminUpdate(w http.ResponseWriter, r *http.Request) {
	var upd identity.ProfileUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.deps.Identities.AdminUpdate(r.Context(), principal(r).IdentityID, chi.URLParam(r, "id"), upd)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (a *API) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	id, err := a.deps.Identities.Deactivate(r.Context(), principal(r).IdentityID, chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

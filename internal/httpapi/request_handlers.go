package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"clearance.org/internal/auth"
	"clearance.org/internal/clearance"
)

type submitRequest struct {
	Domain      string `json:"domain"`
	DocumentRef string `json:"document_ref"`
}

type decisionRequest struct {
	Verdict string `json:"verdict"`
	Remarks string `json:"remarks"`
}

type overrideRequest struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

type messageRequest struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}

type listResponse struct {
	Requests []clearance.Request `json:"requests"`
	View     string              `json:"view"`
	More     bool                `json:"more"`
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func (a *API) handleDomains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"domains": a.deps.Catalog.Domains()})
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.deps.Clearance.Submit(r.Context(), principal(r).IdentityID, req.Domain, req.DocumentRef)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/requests/%s", out.ID))
	writeJSON(w, http.StatusCreated, out)
}

// defaultView picks the listing a role most often wants.
func defaultView(role auth.Role) clearance.FilterKind {
	switch role {
	case auth.RoleReviewer:
		return clearance.FilterAssigned
	case auth.RoleAdmin:
		return clearance.FilterAll
	default:
		return clearance.FilterMine
	}
}

func (a *API) handleListRequests(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	q := r.URL.Query()
	f := clearance.Filter{Kind: defaultView(p.Role)}
	if raw := q.Get("view"); raw != "" {
		kind, err := clearance.ParseFilterKind(raw)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		f.Kind = kind
	}
	if raw := q.Get("status"); raw != "" {
		st, err := clearance.ParseStatus(raw)
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		f.Status = st
	}
	limit, err := parsePositiveInt(q.Get("limit"), defaultListLimit, 1, maxListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp := listResponse{Requests: []clearance.Request{}, View: string(f.Kind)}
	for req, err := range a.deps.Clearance.ListFor(r.Context(), p.IdentityID, f) {
		if err != nil {
			a.handleError(w, r, err)
			return
		}
		if len(resp.Requests) == limit {
			resp.More = true
			break
		}
		resp.Requests = append(resp.Requests, req)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := a.deps.Clearance.Get(r.Context(), principal(r).IdentityID, chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	verdict, err := clearance.ParseVerdict(req.Verdict)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	d, err := a.deps.Clearance.Decide(r.Context(), principal(r).IdentityID, chi.URLParam(r, "id"), verdict, req.Remarks)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	verdict, err := clearance.ParseVerdict(req.Verdict)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	d, err := a.deps.Clearance.Override(r.Context(), principal(r).IdentityID, chi.URLParam(r, "id"), verdict, req.Reason)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleRevisions(w http.ResponseWriter, r *http.Request) {
	revs, err := a.deps.Clearance.DecisionHistory(r.Context(), principal(r).IdentityID, chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if revs == nil {
		revs = []clearance.Revision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.deps.Clearance.Messages(r.Context(), principal(r).IdentityID, chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.deps.Clearance.SendMessage(r.Context(), principal(r).IdentityID, chi.URLParam(r, "id"), req.RecipientID, req.Content)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	m, err := a.deps.Clearance.MarkRead(r.Context(), principal(r).IdentityID, chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := a.deps.Stats.ForActor(r.Context(), principal(r).IdentityID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"clearance.org/internal/audit"
	"clearance.org/internal/auth"
	"clearance.org/internal/clearance"
	"clearance.org/internal/events"
	"clearance.org/internal/identity"
	"clearance.org/internal/obs"
	"clearance.org/internal/routing"
	"clearance.org/internal/stats"
)

const serviceName = "clearance-api"

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Deps are the services the HTTP layer binds to.
type Deps struct {
	Identities *identity.Service
	Clearance  *clearance.Service
	Stats      *stats.Service
	Tokens     *auth.TokenIssuer
	Revoker    auth.Revoker
	Model      *auth.Model
	Catalog    *routing.Catalog
	Activity   *events.Hub
	Audit      audit.Sink
	Ready      readinessChecker
	Version    string
	Logger     *slog.Logger
}

// Limits bound per-client request rate and body size.
type Limits struct {
	Burst        int
	PerSecond    float64
	MaxBodyBytes int64
}

func DefaultLimits() Limits {
	return Limits{Burst: 20, PerSecond: 10, MaxBodyBytes: 1 << 20}
}

// API is the HTTP layer.
type API struct {
	deps   Deps
	limits Limits
	router chi.Router
}

func New(deps Deps, limits Limits) *API {
	if deps.Ready == nil {
		deps.Ready = ReadyProbe{}
	}
	if deps.Logger == nil {
		deps.Logger = obs.Logger()
	}
	if deps.Audit == nil {
		deps.Audit = audit.LogEvent
	}
	if deps.Revoker == nil {
		deps.Revoker = auth.NewMemoryRevoker()
	}
	def := DefaultLimits()
	if limits.Burst <= 0 {
		limits.Burst = def.Burst
	}
	if limits.PerSecond <= 0 {
		limits.PerSecond = def.PerSecond
	}
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = def.MaxBodyBytes
	}
	a := &API{deps: deps, limits: limits}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(a.deps.Logger))
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(CORS)
	r.Use(RateLimit(a.limits.Burst, a.limits.PerSecond))
	r.Use(MaxBodyBytes(a.limits.MaxBodyBytes))

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)
		r.Post("/auth/activate", a.handleActivate)
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)

			r.Post("/auth/logout", a.handleLogout)
			r.Post("/auth/password", a.handleChangePassword)

			r.Get("/me", a.handleMe)
			r.Patch("/me", a.handleUpdateMe)

			r.Get("/admin/identities", a.handleListIdentities)
			r.Patch("/admin/identities/{id}", a.handleAdminUpdate)
			r.Post("/admin/identities/{id}/deactivate", a.handleDeactivate)

			r.Get("/domains", a.handleDomains)

			r.Post("/requests", a.handleSubmit)
			r.Get("/requests", a.handleListRequests)
			r.Get("/requests/{id}", a.handleGetRequest)
			r.Post("/requests/{id}/decision", a.handleDecide)
			r.Post("/requests/{id}/override", a.handleOverride)
			r.Get("/requests/{id}/revisions", a.handleRevisions)
			r.Get("/requests/{id}/messages", a.handleListMessages)
			r.Post("/requests/{id}/messages", a.handleSendMessage)
			r.Post("/messages/{id}/read", a.handleMarkRead)

			r.Get("/stats", a.handleStats)
			r.Get("/activity", a.handleActivity)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the root handler for the server.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.deps.Version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

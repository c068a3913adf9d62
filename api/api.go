// Package api provides the HTTP surface of the conversion service.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xraph/docflow/engine"
	"github.com/xraph/docflow/tenant"
)

// Tenant identity headers. Provisioning happens upstream; the API trusts
// whatever gateway sets them.
const (
	HeaderOrgID     = "X-Org-ID"
	HeaderUserID    = "X-User-ID"
	HeaderTier      = "X-Tier"
	HeaderRequestID = "X-Request-ID"
)

// API wires the HTTP handlers to an engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
	limits map[tenant.Tier]tenant.Limits
}

// Option configures an API.
type Option func(*API)

// WithTierLimits overrides the stock limits of the given tiers for tenants
// resolved from request headers.
func WithTierLimits(limits map[tenant.Tier]tenant.Limits) Option {
	return func(a *API) {
		for t, l := range limits {
			a.limits[t] = l
		}
	}
}

// New creates an API from an engine.
func New(eng *engine.Engine, logger *slog.Logger, opts ...Option) *API {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{eng: eng, logger: logger, limits: make(map[tenant.Tier]tenant.Limits)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all routes into r.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.Use(a.requestID, a.accessLog)

	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/stats", a.stats).Methods(http.MethodGet)

	jobs := v1.PathPrefix("/jobs").Subrouter()
	jobs.Use(a.resolveTenant)
	jobs.HandleFunc("", a.submitJob).Methods(http.MethodPost)
	jobs.HandleFunc("", a.listJobs).Methods(http.MethodGet)
	jobs.HandleFunc("/{jobId}", a.getJob).Methods(http.MethodGet)
	jobs.HandleFunc("/{jobId}/cancel", a.cancelJob).Methods(http.MethodPost)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

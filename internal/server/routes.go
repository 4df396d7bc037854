package server

import (
	"net/http"

	"github.com/ahmethakanbesel/social-resolver/internal/identity"
	"github.com/ahmethakanbesel/social-resolver/internal/job"
	"github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
	"github.com/ahmethakanbesel/social-resolver/internal/refresh"
	"github.com/ahmethakanbesel/social-resolver/internal/repository/providercall"
)

// Deps are the services behind the HTTP surface. ProviderStats and Metrics
// may be nil.
type Deps struct {
	Jobs          *job.Service
	Pool          *job.WorkerPool
	Refresh       *refresh.Selector
	Identities    *identity.Service
	Limiter       *ratelimit.Limiter
	Keys          *ratelimit.Keyring
	ProviderStats *providercall.Repository
	Metrics       http.Handler
}

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(d Deps) http.Handler {
	return newMux(d)
}

func newMux(d Deps) http.Handler {
	h := &handler{deps: d}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/v1/jobs", h.createJob)
	mux.HandleFunc("GET /api/v1/jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.getJob)
	mux.HandleFunc("GET /api/v1/history", h.history)
	mux.HandleFunc("POST /api/v1/worker/tick", h.tick)
	mux.HandleFunc("POST /api/v1/refresh", h.refresh)
	mux.HandleFunc("GET /api/v1/ratelimit", h.rateLimitStatus)
	mux.HandleFunc("GET /api/v1/identities", h.lookupIdentities)
	if d.ProviderStats != nil {
		mux.HandleFunc("GET /api/v1/providers/stats", h.providerStats)
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}

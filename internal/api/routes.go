package api

import (
	"modelchain/internal/health"
	"modelchain/internal/job"
	"modelchain/internal/notify"
	"modelchain/internal/observability"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Hub           *notify.Hub
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.HealthChecker, cfg.Hub)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("POST /v1/jobs/{jobId}/command", authMiddleware(http.HandlerFunc(handler.SetCommand)))
	mux.Handle("PATCH /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.UpdateJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.DeleteJob)))
	mux.Handle("GET /v1/ws", authMiddleware(http.HandlerFunc(handler.Notifications)))

	// Apply middleware chain, innermost first
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}

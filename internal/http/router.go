// Package httpx exposes the deployment engine over HTTP.
package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	defaultHeartbeat   = 25 * time.Second
	rateWindowDefault  = time.Minute
)

// DeploymentService is the executor surface the API needs.
type DeploymentService interface {
	Deploy(ctx context.Context, projectID string) (deploy.Handle, error)
	Get(ctx context.Context, projectID, deploymentID string) (*domain.Deployment, error)
	History(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Options wires a Router.
type Options struct {
	Logger      *slog.Logger
	Deployments DeploymentService
	Hub         *ws.Hub
	// Limiter defaults to an in-memory limiter.
	Limiter    RateLimiter
	RateLimit  int
	RateWindow time.Duration
	// APIToken, when set, is required on every /projects route.
	APIToken string
	Health   map[string]HealthCheck
	// Registerer and Gatherer back request metrics and /metrics; nil
	// disables both.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Heartbeat  time.Duration
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         chi.Router
	logger      *slog.Logger
	deployments DeploymentService
	hub         *ws.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	rateLimit   int
	rateWindow  time.Duration
	apiToken    string
	health      map[string]HealthCheck
	metrics     *requestMetrics
	gatherer    prometheus.Gatherer
	heartbeat   time.Duration
}

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:         chi.NewRouter(),
		logger:      logger.With("component", "http"),
		deployments: opts.Deployments,
		hub:         opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:    opts.Limiter,
		rateLimit:  opts.RateLimit,
		rateWindow: opts.RateWindow,
		apiToken:   strings.TrimSpace(opts.APIToken),
		health:     opts.Health,
		metrics:    newRequestMetrics(opts.Registerer),
		gatherer:   opts.Gatherer,
		heartbeat:  opts.Heartbeat,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.rateWindow <= 0 {
		r.rateWindow = rateWindowDefault
	}
	if r.heartbeat <= 0 {
		r.heartbeat = defaultHeartbeat
	}
	r.register()
	return r
}

// ServeHTTP delegates to the chi mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Use(middleware.RequestID)
	r.mux.Use(middleware.RealIP)
	r.mux.Use(middleware.Recoverer)
	r.mux.Use(r.audit)

	r.mux.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.mux.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.mux.Get("/healthz", r.handleHealthz)
	if r.gatherer != nil {
		r.mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	}

	r.mux.Route("/projects/{projectID}", func(pr chi.Router) {
		pr.Use(r.requireToken)
		pr.With(r.limitRequests("deploy", r.rateLimit, r.rateWindow)).Post("/deployments", r.handleDeploy)
		pr.Get("/deployments", r.handleHistory)
		pr.Get("/deployments/{deploymentID}", r.handleDeployment)
		pr.Get("/deployments/{deploymentID}/logs", r.handleDeploymentLogs)
		pr.Get("/live", r.handleLive)
		pr.Get("/events", r.handleEvents)
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any, len(r.health))
	status := "ok"
	for name, check := range r.health {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
}

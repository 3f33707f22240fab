package api

import (
	"log/slog"
	"net/http"

	"github.com/casepilot/casepilot/internal/auth"
	"github.com/casepilot/casepilot/internal/database"
	"github.com/casepilot/casepilot/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
)

type Server struct {
	db      database.DB
	authSvc *auth.Service
	runner  *queue.Runner
	logger  *slog.Logger
	metrics *httpMetrics
	mux     *http.ServeMux
	handler http.Handler
}

type ServerOptions struct {
	Logger     *slog.Logger
	Registerer prometheus.Registerer // nil uses the default registry
	Gatherer   prometheus.Gatherer   // nil uses the default gatherer
}

func NewServer(db database.DB, authSvc *auth.Service, runner *queue.Runner, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics *httpMetrics
	if opts.Registerer != nil {
		metrics = newHTTPMetrics(opts.Registerer)
	} else {
		metrics = getDefaultHTTPMetrics()
	}

	s := &Server{
		db:      db,
		authSvc: authSvc,
		runner:  runner,
		logger:  logger,
		metrics: metrics,
		mux:     http.NewServeMux(),
	}
	s.routes(opts.Gatherer)

	handler := auth.Middleware(s.authSvc)(s.mux)
	handler = requestBodyLimitMiddleware(handler)
	handler = requestTracingMiddleware(handler)
	handler = requestMetricsMiddleware(s.metrics, handler)
	handler = s.requestLoggingMiddleware(handler)
	s.handler = handler
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	// Batches
	s.mux.HandleFunc("POST /api/v1/batches", s.requireAuth(s.handleCreateBatch))
	s.mux.HandleFunc("GET /api/v1/batches", s.requireAuth(s.handleListBatches))
	s.mux.HandleFunc("GET /api/v1/batches/{id}", s.requireAuth(s.handleGetBatch))
	s.mux.HandleFunc("GET /api/v1/batches/{id}/items", s.requireAuth(s.handleListBatchItems))

	// Queue
	s.mux.HandleFunc("POST /api/v1/queue/batches/{id}", s.requireAuth(s.handleEnqueueBatch))
	s.mux.HandleFunc("DELETE /api/v1/queue/batches/{id}", s.requireAuth(s.handleDequeueBatch))
	s.mux.HandleFunc("POST /api/v1/queue/start", s.requireAuth(s.handleStartQueue))
	s.mux.HandleFunc("POST /api/v1/queue/stop", s.requireAuth(s.handleStopQueue))
	s.mux.HandleFunc("GET /api/v1/queue/status", s.requireAuth(s.handleQueueStatus))

	// Ops
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metricsHandler(gatherer))
}

func (s *Server) requireAuth(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auth.GetClaims(r.Context()) == nil {
			jsonError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		fn(w, r)
	}
}

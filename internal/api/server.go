package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"ctf-arena/internal/config"
	"ctf-arena/internal/monitor"
	"ctf-arena/internal/storage"
)

// Services are the domain components the API exposes.
type Services struct {
	Store       storage.Store
	Submitter   Submitter
	Instances   Instances
	Artifacts   Artifacts
	BackendName string
}

// Server is the HTTP ingress of the arena.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	store      storage.Store
	backend    string
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, svc Services, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(svc.Store, svc.Submitter, svc.Instances, svc.Artifacts, metrics)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		store:     svc.Store,
		backend:   svc.BackendName,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, the API relies on owner tokens alone")
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /submissions", handlers.HandleSubmit)
	apiMux.HandleFunc("GET /submissions/{id}", handlers.HandleGetSubmission)
	apiMux.HandleFunc("POST /instances", handlers.HandleCreateInstance)
	apiMux.HandleFunc("GET /instances/{id}", handlers.HandleGetInstance)
	apiMux.HandleFunc("POST /instances/{id}/extend", handlers.HandleExtendInstance)
	apiMux.HandleFunc("DELETE /instances/{id}", handlers.HandleDestroyInstance)
	apiMux.HandleFunc("GET /games/{id}/scoreboard", handlers.HandleScoreboard)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// health and metrics bypass auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// outermost last
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store == nil || s.store.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Database: dbOK,
		Backend:  s.backend,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	status := http.StatusOK
	if !dbOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

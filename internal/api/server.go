// Package api serves the trainer over a loopback HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/app"
	"github.com/MJE43/vision-trainer-go/internal/config"
	"github.com/MJE43/vision-trainer-go/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Server handles HTTP requests.
type Server struct {
	svc          *app.Service
	metrics      *metrics.Metrics
	errorHandler *ErrorHandler
	logger       *zap.Logger
	cfg          config.ServerConfig
	limiter      *clientLimiter
	upgrader     websocket.Upgrader
	startTime    time.Time

	httpServer *http.Server
	addr       net.Addr
}

// NewServer creates an API server. m and logger may be nil.
func NewServer(svc *app.Service, m *metrics.Metrics, cfg config.ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		svc:          svc,
		metrics:      m,
		errorHandler: NewErrorHandler(logger),
		logger:       logger,
		cfg:          cfg,
		startTime:    time.Now(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = newClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s
}

// Routes sets up the HTTP routes with their middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.errorHandler.RecoveryHandler)
	r.Use(s.cors)

	// Health and monitoring endpoints
	r.Get("/health", s.handleHealthCheck)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/live", s.handleLiveness)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.rateLimit)

		// long-lived, so outside the request timeout
		r.Get("/sessions/{id}/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Post("/calibrate", s.handleCalibrate)
			r.Get("/protocols", s.handleProtocols)

			r.Post("/sessions", s.handleStartSession)
			r.Get("/sessions/{id}", s.handleSnapshot)
			r.Get("/sessions/{id}/frame.png", s.handleFrame)
			r.Post("/sessions/{id}/responses", s.handleRespond)
			r.Post("/sessions/{id}/abort", s.handleAbort)

			r.Route("/progress", func(r chi.Router) {
				r.Get("/sessions", s.handleHistory)
				r.Get("/stats", s.handleOverallStats)
				r.Get("/stats/{game}", s.handleGameStats)
				r.Get("/streak", s.handleStreak)
				r.Get("/export", s.handleExport)
				r.Post("/import", s.handleImport)
				r.Delete("/", s.handleClear)
			})
		})
	})

	return r
}

// Start binds the listener and serves in a goroutine. It returns once the
// socket is bound.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Routes(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	s.addr = ln.Addr()
	s.logger.Info("api listening", zap.String("addr", s.addr.String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address, or nil before Start.
func (s *Server) Addr() net.Addr { return s.addr }

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response with the engine version header.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Engine-Version", EngineVersion)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("response not written", zap.Error(err))
	}
}

// decodeJSON reads a single JSON object, rejecting unknown fields. An empty
// body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

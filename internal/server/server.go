// Package server exposes the device manager over HTTP and streams device
// events to WebSocket subscribers.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/config"
)

// Server is the HTTP API
type Server struct {
	cfg    config.APIConfig
	api    *APIHandler
	hub    *StreamHub
	router chi.Router
	server *http.Server
	logger zerolog.Logger
}

// New builds the router. Events must be fed to hub and log by the caller.
func New(cfg config.APIConfig, manager DeviceManager, store HistoricalStore, log *EventLog, hub *StreamHub, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api").Logger()
	s := &Server{
		cfg:    cfg,
		api:    NewAPIHandler(manager, store, log, hub, logger),
		hub:    hub,
		router: chi.NewRouter(),
		logger: logger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	if len(s.cfg.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.api.HandleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/stats", s.api.HandleStats)
			r.Get("/stream", s.hub.ServeHTTP)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.api.HandleListDevices)
				r.Post("/refresh", s.api.HandleRefreshAll)
				r.Route("/{address}", func(r chi.Router) {
					r.Get("/", s.api.HandleGetDevice)
					r.Get("/readings", s.api.HandleReadings)
					r.Get("/daily", s.api.HandleDaily)
					r.Get("/events", s.api.HandleEvents)
					r.Post("/actions/{action}", s.api.HandleAction)
					r.Post("/cancel", s.api.HandleCancel)
					r.Put("/limits", s.api.HandleSetLimits)
					r.Delete("/data", s.api.HandleClearData)
				})
			})
		})
	})
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP API")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("HTTP API stopped")
	return nil
}

// authMiddleware checks the bearer token. Browsers cannot set headers on
// WebSocket requests, so the stream also accepts ?token=.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Package web provides the HTTP server and handlers for the workbook service.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/cellvault/internal/config"
	"github.com/JonMunkholm/cellvault/internal/core"
	"github.com/JonMunkholm/cellvault/internal/web/middleware"
)

// Server is the HTTP server for the workbook service.
type Server struct {
	service *core.Service
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server
	limiter *rateLimiter
}

// NewServer creates a Server with its middleware and routes.
func NewServer(service *core.Service, cfg *config.Config) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Metrics)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
	s.router.Use(securityHeaders(s.cfg.Security.EnableCSP))
	s.router.Use(requestMeta)

	if s.cfg.Security.RateLimit > 0 {
		s.limiter = newRateLimiter(s.cfg.Security.RateLimit, rateWindow)
		s.router.Use(s.limiter.middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleHistoryPage)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(s.cfg.Security.RequireAPIKey, s.cfg.Security.APIKeys))

		// Sheets and cells
		r.Get("/sheets", s.handleListSheets)
		r.Post("/sheets", s.handleAddSheet)
		r.Delete("/sheets/{sheet}", s.handleRemoveSheet)
		r.Get("/sheets/{sheet}/cells", s.handleListCells)
		r.Put("/sheets/{sheet}/cells/{row}/{col}", s.handleSetCell)
		r.Get("/sheets/{sheet}/csv", s.handleExportCSV)
		r.Post("/sheets/{sheet}/csv", s.handleImportCSV)

		// Persistence
		r.Post("/save", s.handleSave)
		r.Post("/patch", s.handleSavePatch)
		r.Post("/patch/apply", s.handleApplyPatch)
		r.Get("/export.xlsx", s.handleExportXLSX)

		// Version history
		r.Get("/commits", s.handleListCommits)
		r.Post("/commits", s.handleCommit)
		r.Get("/commits/head", s.handleHead)
		r.Post("/commits/{id}/checkout", s.handleCheckout)

		// Backups
		r.Get("/backups", s.handleListBackups)
		r.Post("/backups", s.handleCreateBackup)
		r.Post("/backups/restore", s.handleRestoreBackup)

		r.Get("/audit-log", s.handleAuditLog)
	})
}

// Start begins listening for HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start() error {
	sc := s.cfg.Server
	s.server = &http.Server{
		Addr:         sc.Addr(),
		Handler:      s.router,
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
		IdleTimeout:  sc.IdleTimeout,
	}

	slog.Info("starting server", "addr", sc.Addr())
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(enableCSP bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			if enableCSP {
				h.Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSON encodes v with the given status.
// Encoding errors are only logged: the header is already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

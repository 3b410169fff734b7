package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/passvault/internal/audit"
	"github.com/org/passvault/internal/auth"
	"github.com/org/passvault/internal/storage"
	"github.com/org/passvault/internal/vault"
	"github.com/org/passvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	TLSCertFile    string
	TLSKeyFile     string
	RequestTimeout time.Duration
	RateLimitRPS   int
	RateLimitBurst int
}

// AuditLogger is the interface the server needs from an audit logger.
type AuditLogger interface {
	audit.Recorder
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// HealthChecker reports backend reachability.
type HealthChecker interface {
	CountActiveSessions(ctx context.Context) (int64, error)
}

// Server is the API server.
type Server struct {
	auth    *auth.Service
	vault   *vault.Service
	auditor AuditLogger
	health  HealthChecker
	cfg     Config
	httpSrv *http.Server
}

// NewServer creates a Server over already wired services.
func NewServer(authSvc *auth.Service, vaultSvc *vault.Service, auditor AuditLogger, health HealthChecker, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 2 * cfg.RateLimitRPS
	}
	return &Server{
		auth:    authSvc,
		vault:   vaultSvc,
		auditor: auditor,
		health:  health,
		cfg:     cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).middleware)
	r.Use(chimiddleware.Timeout(s.cfg.RequestTimeout))

	r.Handle("/metrics", MetricsHandler())
	r.Get("/healthz", s.HealthHandler)

	r.Route("/api", func(r chi.Router) {
		// Public
		r.Group(func(r chi.Router) {
			r.Post("/auth/register", s.RegisterHandler)
			r.Get("/auth/login/params", s.LoginParamsHandler)
			r.Post("/auth/login", s.LoginHandler)
			r.Post("/auth/refresh", s.RefreshHandler)
			r.Post("/auth/2fa/verify", s.TwoFactorVerifyHandler)
		})

		// Authenticated
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(s.auth, s.auditor))

			r.Post("/auth/logout", s.LogoutHandler)
			r.Post("/auth/logout-all", s.LogoutAllHandler)
			r.Get("/auth/me", s.MeHandler)

			r.Post("/auth/totp/setup", s.TOTPSetupHandler)
			r.Post("/auth/totp/confirm", s.TOTPConfirmHandler)
			r.Post("/auth/totp/disable", s.TOTPDisableHandler)

			r.Get("/sessions", s.SessionListHandler)
			r.Delete("/sessions/others", s.SessionRevokeOthersHandler)
			r.Delete("/sessions/{jti}", s.SessionRevokeHandler)

			r.Get("/vault/items", s.ItemListHandler)
			r.Post("/vault/items", s.ItemCreateHandler)
			r.Get("/vault/items/{id}", s.ItemGetHandler)
			r.Put("/vault/items/{id}", s.ItemUpdateHandler)
			r.Delete("/vault/items/{id}", s.ItemDeleteHandler)
			r.Get("/vault/backup", s.BackupHandler)
			r.Post("/vault/restore", s.RestoreHandler)

			r.Get("/audit-log", s.AuditLogHandler)
		})
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.X25519,
				tls.CurveP256,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

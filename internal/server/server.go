// Package server implements the HTTP API: device auth, the sync protocol
// endpoints, the online record surface, and tenant administration.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sanare-health/sanare/internal/auth"
	"github.com/sanare-health/sanare/internal/model"
	"github.com/sanare-health/sanare/internal/policy"
	"github.com/sanare-health/sanare/internal/ratelimit"
	"github.com/sanare-health/sanare/internal/storage"
	syncsvc "github.com/sanare-health/sanare/internal/sync"
)

// Server is the Sanare HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Limiter is optional; nil disables rate limiting.
type ServerConfig struct {
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	Coordinator *syncsvc.Coordinator
	Engine      *policy.Engine
	Scope       *policy.Scope
	Logger      *slog.Logger
	Limiter     ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	SyncFeedLimit       int
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Coordinator:         cfg.Coordinator,
		Engine:              cfg.Engine,
		Scope:               cfg.Scope,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SyncFeedLimit:       cfg.SyncFeedLimit,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	deviceRL := ratelimit.Middleware(cfg.Limiter, deviceKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Sync protocol (device+, rate limited per device).
	deviceOrAdmin := requireRole(model.RoleDevice, model.RoleAdmin)
	mux.Handle("POST /v1/sync", deviceRL(deviceOrAdmin(http.HandlerFunc(h.HandleSync))))
	mux.Handle("GET /v1/sync/status", deviceRL(deviceOrAdmin(http.HandlerFunc(h.HandleSyncStatus))))
	mux.Handle("GET /v1/changes", deviceRL(deviceOrAdmin(http.HandlerFunc(h.HandleChanges))))

	// Online record surface (device+, rate limited per device).
	mux.Handle("POST /v1/records/{kind}", deviceRL(deviceOrAdmin(http.HandlerFunc(h.HandleCreateRecord))))
	mux.Handle("GET /v1/records/{kind}", deviceRL(deviceOrAdmin(http.HandlerFunc(h.HandleListRecords))))
	mux.Handle("GET /v1/records/{kind}/{id}", deviceRL(deviceOrAdmin(http.HandlerFunc(h.HandleGetRecord))))
	mux.Handle("PUT /v1/records/{kind}/{id}", deviceRL(deviceOrAdmin(http.HandlerFunc(h.HandleUpdateRecord))))
	mux.Handle("POST /v1/records/{kind}/{id}/sign", deviceRL(deviceOrAdmin(http.HandlerFunc(h.HandleSignRecord))))

	// Tenant administration (admin-only, no rate limit; admin is exempt).
	adminOnly := requireRole(model.RoleAdmin)
	mux.Handle("POST /v1/organizations", adminOnly(http.HandlerFunc(h.HandleCreateOrganization)))
	mux.Handle("GET /v1/organizations", adminOnly(http.HandlerFunc(h.HandleListOrganizations)))
	mux.Handle("POST /v1/clinics", adminOnly(http.HandlerFunc(h.HandleCreateClinic)))
	mux.Handle("POST /v1/clinics/{id}/organization", adminOnly(http.HandlerFunc(h.HandleAttachClinic)))
	mux.Handle("POST /v1/devices", adminOnly(http.HandlerFunc(h.HandleCreateDevice)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// deviceKeyFunc extracts the rate limit key from the authenticated device.
// Returns empty string for admin devices (exempt from rate limits).
func deviceKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return ""
	}
	if claims.Role == model.RoleAdmin {
		return ""
	}
	return "clinic:" + claims.ClinicID.String() + ":device:" + claims.DeviceID
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Package api is the thin HTTP+WebSocket adapter (spec §6, Design Notes §9
// "mixed-concern monolith" strategy): handlers only parse requests and
// dispatch into the Session Manager, Stream Engine, Reconciler, and
// Egress Facade; none of those layers know HTTP exists.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noxterm/noxterm/internal/config"
	"github.com/noxterm/noxterm/internal/controller"
	"github.com/noxterm/noxterm/internal/egress"
	"github.com/noxterm/noxterm/internal/reconciler"
	"github.com/noxterm/noxterm/internal/session"
	"github.com/noxterm/noxterm/internal/store"
	"github.com/noxterm/noxterm/internal/stream"
)

const version = "1.0.0"

type Server struct {
	cfg        *config.Config
	manager    *session.Manager
	store      *store.Store
	reconciler *reconciler.Reconciler
	facade     *egress.Facade
	engine     *stream.Engine
	runtime    *controller.Client
	logger     *slog.Logger
	mux        *http.ServeMux
	upgrader   websocket.Upgrader
	startedAt  time.Time
}

func NewServer(cfg *config.Config, mgr *session.Manager, st *store.Store, rec *reconciler.Reconciler, facade *egress.Facade, engine *stream.Engine, runtime *controller.Client, logger *slog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		manager:    mgr,
		store:      st,
		reconciler: rec,
		facade:     facade,
		engine:     engine,
		runtime:    runtime,
		logger:     logger,
		mux:        http.NewServeMux(),
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		startedAt:  time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.authMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/detailed", s.handleHealthDetailed)
	s.mux.HandleFunc("GET /metrics", s.handlePrometheusMetrics)

	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/reattach", s.handleReattach)
	s.mux.HandleFunc("GET /api/sessions/{id}/metrics", s.handleSessionMetrics)
	s.mux.HandleFunc("GET /api/sessions/{id}/metrics/history", s.handleSessionMetricsHistory)
	s.mux.HandleFunc("GET /api/sessions/{id}/audit", s.handleSessionAudit)
	s.mux.HandleFunc("POST /api/sessions/{id}/touch", s.handleTouch)
	s.mux.HandleFunc("POST /api/sessions/{id}/container", s.handleBindContainer)
	s.mux.HandleFunc("POST /api/sessions/{id}/reconnect", s.handleReconnect)
	s.mux.HandleFunc("POST /api/sessions/{id}/validate", s.handleValidate)

	s.mux.HandleFunc("GET /api/users/{tenant}/audit", s.handleTenantAudit)
	s.mux.HandleFunc("GET /api/users/{tenant}/containers", s.handleTenantContainers)
	s.mux.HandleFunc("GET /api/users/{tenant}/active", s.handleTenantActive)

	s.mux.HandleFunc("GET /api/security/events", s.handleSecurityEvents)
	s.mux.HandleFunc("GET /api/ratelimit/{id}/{endpoint}", s.handleRateLimitStatus)

	s.mux.HandleFunc("POST /api/privacy/enable", s.handlePrivacyEnable)
	s.mux.HandleFunc("POST /api/privacy/disable", s.handlePrivacyDisable)
	s.mux.HandleFunc("GET /api/privacy/status", s.handlePrivacyStatus)
	s.mux.HandleFunc("GET /api/privacy/test", s.handlePrivacyTest)

	s.mux.HandleFunc("GET /pty/{id}", s.handlePTYUpgrade)
	s.mux.HandleFunc("GET /ws/{id}", s.handleLineUpgrade)
}

// Package gateway is the client-facing edge of the relay: the HTTP server
// hosting the WebSocket upgrade, health, and metrics endpoints, plus the
// per-user broadcaster that fans session frames out to connected transports.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"optionrelay/internal/analytics"
	"optionrelay/internal/auth"
	"optionrelay/internal/broker"
	"optionrelay/internal/catalog"
	"optionrelay/internal/config"
	"optionrelay/internal/metrics"
	"optionrelay/internal/session"
)

// Server runs the client-facing HTTP/WebSocket endpoint.
type Server struct {
	cfg      config.ServerConfig
	verifier *auth.Verifier
	registry *session.Registry
	metrics  *metrics.Relay
	upgrader websocket.Upgrader
	srv      *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes: /ws for client transports, /healthz, /metrics.
func NewServer(cfg config.ServerConfig, reg *session.Registry, verifier *auth.Verifier, m *metrics.Relay, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		registry: reg,
		metrics:  m,
		logger:   logger.With("component", "gateway"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", m.Handler())

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("gateway stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// handleWS authenticates the session cookie, attaches (or creates) the
// user's feed session, and adopts the connection as one of its transports.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	cookie, err := auth.CookieFromRequest(r)
	if err != nil {
		http.Error(w, "missing session cookie", http.StatusUnauthorized)
		return
	}
	userID, err := s.verifier.Verify(cookie)
	if err != nil {
		s.logger.Warn("session cookie rejected", "error", err)
		http.Error(w, "invalid session cookie", http.StatusUnauthorized)
		return
	}

	h, err := s.registry.Attach(userID)
	if err != nil {
		s.logger.Error("session attach failed", "user", userID, "error", err)
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}
	bc, ok := h.Emitter.(*Broadcaster)
	if !ok {
		http.Error(w, "session transport unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user", userID, "error", err)
		return
	}
	bc.AddTransport(conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// SessionFactory builds the registry factory: one broadcaster, analytics
// pool, and lazily-connected broker client per user session.
func SessionFactory(
	cfg *config.Config,
	cat *catalog.Catalog,
	creds *auth.CredentialStore,
	clock *session.MarketClock,
	m *metrics.Relay,
	logger *slog.Logger,
) session.Factory {
	return func(userID string) (*session.Session, session.Emitter, error) {
		bc := NewBroadcaster(cfg.Sessions, m, logger.With("user", userID))
		pool := analytics.NewPool(cfg.Feed.AnalyticsWorkers(), logger.With("user", userID))
		sess := session.New(userID, cfg, session.Deps{
			Chains: cat,
			Creds:  creds,
			NewFeed: func(token string) session.FeedClient {
				return broker.NewClient(cfg.Broker, token, m, logger.With("user", userID))
			},
			Pool:    pool,
			Clock:   clock,
			Out:     bc,
			Metrics: m,
		}, logger)
		bc.BindSession(sess)
		return sess, bc, nil
	}
}

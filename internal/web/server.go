package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/engine"
	"github.com/stravu/crystal-sub005/internal/logging"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the status server.
type Config struct {
	ListenAddr string
	Token      string

	// DataDir holds the push state files (VAPID keypair, subscriptions).
	DataDir string

	PushSubject         string
	PushVAPIDPublicKey  string
	PushVAPIDPrivateKey string
}

// EngineState is the engine view the status API reports. Satisfied by
// *engine.Engine.
type EngineState interface {
	LoadState(sessionID string) engine.LoadState
	IsWaitingForFirstOutput(sessionID string) bool
	LastError(sessionID string) error
}

// SessionLister fetches the current session list from the daemon.
// Satisfied by *backend.Client.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]protocol.Session, error)
}

// Server exposes the synchronization state over localhost HTTP: a JSON
// status API, a websocket event stream, and web push registration.
type Server struct {
	cfg    Config
	eng    EngineState
	lister SessionLister
	bus    *bus.Bus
	push   *PushService

	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer wires routes and middleware. Push stays disabled when no VAPID
// keypair is configured.
func NewServer(cfg Config, eng EngineState, lister SessionLister, b *bus.Bus) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8490"
	}

	s := &Server{
		cfg:    cfg,
		eng:    eng,
		lister: lister,
		bus:    b,
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	if push, err := NewPushService(cfg, b); err != nil {
		webLog.Warn("push_disabled", slog.String("error", err.Error()))
	} else {
		s.push = push
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/push/config", s.handlePushConfig)
	mux.HandleFunc("/api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("/api/push/unsubscribe", s.handlePushUnsubscribe)
	mux.HandleFunc("/ws/state", s.handleStateWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the server and blocks until shutdown or listen error.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	if s.push != nil {
		s.push.Start(s.baseCtx)
	}
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully, force-closing if long-lived
// websocket connections keep the graceful path from finishing in time.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived handlers to stop promptly.
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr == nil {
			return nil
		} else {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
	}

	return err
}

func (s *Server) String() string {
	return fmt.Sprintf("status-server(addr=%s)", s.cfg.ListenAddr)
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authorizeRequest accepts the shared token from either the query string
// (?token=) or an Authorization: Bearer header. An empty configured token
// disables auth (localhost-only default).
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}

	queryToken := strings.TrimSpace(r.URL.Query().Get("token"))
	if queryToken != "" && secureEqual(queryToken, s.cfg.Token) {
		return true
	}

	headerToken := bearerToken(r.Header.Get("Authorization"))
	if headerToken != "" && secureEqual(headerToken, s.cfg.Token) {
		return true
	}

	return false
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

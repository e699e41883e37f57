package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/engine"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

type stubEngineState struct {
	loadStates map[string]engine.LoadState
	waiting    map[string]bool
	errs       map[string]error
}

func (s stubEngineState) LoadState(sessionID string) engine.LoadState {
	if st, ok := s.loadStates[sessionID]; ok {
		return st
	}
	return engine.LoadIdle
}

func (s stubEngineState) IsWaitingForFirstOutput(sessionID string) bool {
	return s.waiting[sessionID]
}

func (s stubEngineState) LastError(sessionID string) error {
	return s.errs[sessionID]
}

type stubLister struct {
	sessions []protocol.Session
	err      error
}

func (s stubLister) ListSessions(context.Context) ([]protocol.Session, error) {
	return s.sessions, s.err
}

func newTestServer(t *testing.T, cfg Config, eng EngineState, lister SessionLister) *Server {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	return NewServer(cfg, eng, lister, b)
}

func TestHealthzEndpoint(t *testing.T) {
	srv := newTestServer(t, Config{}, stubEngineState{}, stubLister{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok":true`) {
		t.Fatalf("expected health response to contain ok=true, got: %s", rr.Body.String())
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, Config{}, stubEngineState{}, stubLister{})

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestStateRequiresToken(t *testing.T) {
	srv := newTestServer(t, Config{Token: "secret-token"}, stubEngineState{}, stubLister{})

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}

	var resp apiErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if resp.Error.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", resp.Error.Code)
	}
}

func TestStateAcceptsQueryToken(t *testing.T) {
	srv := newTestServer(t, Config{Token: "secret-token"}, stubEngineState{}, stubLister{})

	req := httptest.NewRequest(http.MethodGet, "/api/state?token=secret-token", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
}

func TestStateAcceptsBearerToken(t *testing.T) {
	srv := newTestServer(t, Config{Token: "secret-token"}, stubEngineState{}, stubLister{})

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
}

func TestStateRejectsWrongToken(t *testing.T) {
	srv := newTestServer(t, Config{Token: "secret-token"}, stubEngineState{}, stubLister{})

	req := httptest.NewRequest(http.MethodGet, "/api/state?token=wrong", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}

func TestStateReportsPerSessionEngineView(t *testing.T) {
	eng := stubEngineState{
		loadStates: map[string]engine.LoadState{
			"sess-1": engine.LoadLoaded,
			"sess-2": engine.LoadFailed,
		},
		waiting: map[string]bool{"sess-1": true},
		errs:    map[string]error{"sess-2": errors.New("daemon timeout")},
	}
	lister := stubLister{sessions: []protocol.Session{
		{ID: "sess-1", Title: "Build Bot", Status: protocol.StatusRunning},
		{ID: "sess-2", Title: "Deploy Bot", Status: protocol.StatusError},
	}}
	srv := newTestServer(t, Config{}, eng, lister)

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}

	var resp stateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal state response: %v", err)
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(resp.Sessions))
	}

	first := resp.Sessions[0]
	if first.SessionID != "sess-1" || first.LoadState != "loaded" {
		t.Fatalf("unexpected first session state: %+v", first)
	}
	if !first.WaitingForFirstOutput {
		t.Fatalf("expected sess-1 to report waiting for first output")
	}
	if first.LastError != "" {
		t.Fatalf("expected no error for sess-1, got %q", first.LastError)
	}

	second := resp.Sessions[1]
	if second.LoadState != "error" {
		t.Fatalf("expected sess-2 load state error, got %q", second.LoadState)
	}
	if second.LastError != "daemon timeout" {
		t.Fatalf("expected sess-2 last error, got %q", second.LastError)
	}
}

func TestStateDaemonUnreachable(t *testing.T) {
	lister := stubLister{err: errors.New("connection refused")}
	srv := newTestServer(t, Config{}, stubEngineState{}, lister)

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, rr.Code)
	}

	var resp apiErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error response: %v", err)
	}
	if resp.Error.Code != "daemon_unreachable" {
		t.Fatalf("expected daemon_unreachable code, got %q", resp.Error.Code)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	lister := stubLister{sessions: []protocol.Session{
		{ID: "sess-1", Title: "Build Bot", Status: protocol.StatusRunning, ChunkCount: 3},
	}}
	srv := newTestServer(t, Config{}, stubEngineState{}, lister)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp struct {
		Sessions []protocol.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal sessions response: %v", err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].ID != "sess-1" {
		t.Fatalf("unexpected sessions payload: %+v", resp.Sessions)
	}
	if resp.Sessions[0].ChunkCount != 3 {
		t.Fatalf("expected chunk count 3, got %d", resp.Sessions[0].ChunkCount)
	}
}

func TestWithRecoverConvertsPanic(t *testing.T) {
	h := withRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer secret", "secret"},
		{"Bearer   secret  ", "secret"},
		{"bearer secret", ""},
		{"Basic abc", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := bearerToken(tc.header); got != tc.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestServerStartShutdown(t *testing.T) {
	srv := newTestServer(t, Config{ListenAddr: "127.0.0.1:0"}, stubEngineState{}, stubLister{})

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	// Give ListenAndServe a moment to bind before shutting down.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after shutdown")
	}
}

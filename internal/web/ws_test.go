package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

func wsURL(baseURL, path string) string {
	if strings.HasPrefix(baseURL, "https://") {
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + path
	}
	return "ws://" + strings.TrimPrefix(baseURL, "http://") + path
}

func TestStateWSUnauthorized(t *testing.T) {
	srv := newTestServer(t, Config{Token: "secret-token"}, stubEngineState{}, stubLister{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/state"), nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected handshake status %d, got %+v", http.StatusUnauthorized, resp)
	}
}

func TestStateWSStreamsTransitions(t *testing.T) {
	b := bus.New()
	t.Cleanup(b.Close)
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, stubEngineState{}, stubLister{}, b)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "/ws/state"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	// The handler subscribes after the handshake completes; retry the
	// publish until a frame arrives.
	var frame wsFrame
	received := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		b.Publish(bus.LoadStateChanged{SessionID: "sess-1", State: "loading"})
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if err := conn.ReadJSON(&frame); err == nil {
			received = true
			break
		}
	}
	if !received {
		t.Fatal("expected a load_state frame")
	}
	if frame.Type != "load_state" || frame.SessionID != "sess-1" || frame.State != "loading" {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	b.Publish(bus.StatusChanged{
		SessionID: "sess-1",
		Old:       protocol.StatusRunning,
		New:       protocol.StatusWaiting,
	})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read status frame: %v", err)
	}
	if frame.Type != "status" || frame.New != "waiting" {
		t.Fatalf("unexpected status frame: %+v", frame)
	}
}

func TestFrameFor(t *testing.T) {
	frame, ok := frameFor(bus.LoadStateChanged{SessionID: "s1", State: "error", Err: "boom"})
	if !ok || frame.Type != "load_state" || frame.Error != "boom" {
		t.Fatalf("unexpected load_state frame: %+v ok=%v", frame, ok)
	}

	frame, ok = frameFor(bus.Notice{SessionID: "s1", Text: "session archived"})
	if !ok || frame.Type != "notice" || frame.Text != "session archived" {
		t.Fatalf("unexpected notice frame: %+v ok=%v", frame, ok)
	}

	frame, ok = frameFor(bus.SessionAdded{Session: protocol.Session{ID: "s2"}})
	if !ok || frame.Type != "session_added" || frame.SessionID != "s2" {
		t.Fatalf("unexpected session_added frame: %+v ok=%v", frame, ok)
	}

	if _, ok = frameFor(bus.OutputAvailable{SessionID: "s1"}); ok {
		t.Fatal("expected output events to be excluded from the stream")
	}
}

func TestAllowWSOrigin(t *testing.T) {
	mk := func(origin, host string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/ws/state", nil)
		req.Host = host
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	if !allowWSOrigin(mk("", "127.0.0.1:8490")) {
		t.Error("expected missing origin to be allowed")
	}
	if !allowWSOrigin(mk("http://127.0.0.1:8490", "127.0.0.1:8490")) {
		t.Error("expected same-host origin to be allowed")
	}
	if allowWSOrigin(mk("http://evil.example", "127.0.0.1:8490")) {
		t.Error("expected cross-host origin to be rejected")
	}
	if allowWSOrigin(mk("::bad::", "127.0.0.1:8490")) {
		t.Error("expected unparsable origin to be rejected")
	}
}

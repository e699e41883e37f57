package backend

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

func TestWSEventsURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"http://127.0.0.1:8377", "ws://127.0.0.1:8377/ws/events"},
		{"https://daemon.example.com", "wss://daemon.example.com/ws/events"},
		{"127.0.0.1:8377", "127.0.0.1:8377/ws/events"},
	}
	for _, tt := range tests {
		if got := wsEventsURL(tt.in); got != tt.want {
			t.Errorf("wsEventsURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFeedPublishesDecodedEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	clientIDs := make(chan string, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/events" {
			http.NotFound(w, r)
			return
		}
		clientIDs <- r.URL.Query().Get("client_id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"output_available","session_id":"sess-1"}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`this is not an event`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"status_changed","session_id":"sess-1","old_status":"running","new_status":"waiting"}`))
		<-done
	}))
	defer srv.Close()
	defer close(done)

	b := bus.New()
	defer b.Close()
	events, cancelSub := b.Subscribe(16)
	defer cancelSub()

	f := NewFeed(Config{BaseURL: srv.URL}, b)
	f.Start()
	defer f.Close()

	var got []bus.Event
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}

	oa, ok := got[0].(bus.OutputAvailable)
	if !ok || oa.SessionID != "sess-1" {
		t.Errorf("first event = %#v, want OutputAvailable for sess-1", got[0])
	}
	// The malformed frame between the two events must be skipped, not fatal.
	sc, ok := got[1].(bus.StatusChanged)
	if !ok {
		t.Fatalf("second event = %#v, want StatusChanged", got[1])
	}
	if sc.Old != protocol.StatusRunning || sc.New != protocol.StatusWaiting {
		t.Errorf("transition = %s -> %s, want running -> waiting", sc.Old, sc.New)
	}

	select {
	case id := <-clientIDs:
		if id == "" || id != f.ClientID() {
			t.Errorf("client_id = %q, want the feed's stable id %q", id, f.ClientID())
		}
	default:
		t.Error("server never saw a client_id")
	}
}

func TestFeedReconnectsAfterDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	var conns atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if conns.Add(1) == 1 {
			conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"type":"output_available","session_id":"sess-first"}`))
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"output_available","session_id":"sess-second"}`))
		<-done
	}))
	defer srv.Close()
	defer close(done)

	b := bus.New()
	defer b.Close()
	events, cancelSub := b.Subscribe(16)
	defer cancelSub()

	f := NewFeed(Config{BaseURL: srv.URL}, b)
	f.Start()
	defer f.Close()

	seen := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for !seen["sess-first"] || !seen["sess-second"] {
		select {
		case ev := <-events:
			if oa, ok := ev.(bus.OutputAvailable); ok {
				seen[oa.SessionID] = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for reconnect, seen %v", seen)
		}
	}
	if conns.Load() < 2 {
		t.Errorf("server saw %d connections, want at least 2", conns.Load())
	}
}

func TestPublishProtocolEvent(t *testing.T) {
	b := bus.New()
	defer b.Close()
	events, cancelSub := b.Subscribe(8)
	defer cancelSub()

	publishProtocolEvent(b, protocol.Event{Type: protocol.EventSessionAdded, SessionID: "sess-9"})
	publishProtocolEvent(b, protocol.Event{Type: protocol.EventSessionRemoved, SessionID: "sess-9"})

	added := (<-events).(bus.SessionAdded)
	if added.Session.ID != "sess-9" {
		t.Errorf("added session = %+v", added.Session)
	}
	removed := (<-events).(bus.SessionRemoved)
	if removed.SessionID != "sess-9" {
		t.Errorf("removed session id = %q", removed.SessionID)
	}
}

package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

// seedRecorder collects snapshots handed to the prefetcher's seed callback.
type seedRecorder struct {
	mu    sync.Mutex
	snaps []protocol.OutputSnapshot
}

func (r *seedRecorder) seed(snap protocol.OutputSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *seedRecorder) sessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.snaps))
	for _, s := range r.snaps {
		ids = append(ids, s.SessionID)
	}
	return ids
}

func prefetchServer(t *testing.T, sessions []protocol.Session) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sessions)
	})
	mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		// /api/sessions/{id}/output
		if len(parts) != 4 || parts[3] != "output" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(protocol.OutputSnapshot{
			SessionID: parts[2],
			Chunks:    []string{"warm\n"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func waitForSeeds(t *testing.T, rec *seedRecorder, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.sessionIDs()) >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d seeds, got %v", want, rec.sessionIDs())
}

func TestPrefetcherSweepWarmsActiveSessions(t *testing.T) {
	srv := prefetchServer(t, []protocol.Session{
		{ID: "sess-a", Status: protocol.StatusRunning},
		{ID: "sess-b", Status: protocol.StatusStopped},
		{ID: "sess-c", Status: protocol.StatusWaiting},
		{ID: "sess-d", Status: protocol.StatusReady},
	})

	b := bus.New()
	defer b.Close()
	rec := &seedRecorder{}

	p := NewPrefetcher(NewClient(Config{BaseURL: srv.URL}), b, 100, 10, rec.seed)
	p.Start()
	defer p.Close()

	waitForSeeds(t, rec, 2)
	time.Sleep(100 * time.Millisecond)

	got := rec.sessionIDs()
	seen := map[string]bool{}
	for _, id := range got {
		seen[id] = true
	}
	if !seen["sess-a"] || !seen["sess-c"] {
		t.Errorf("active sessions not warmed: %v", got)
	}
	if seen["sess-b"] || seen["sess-d"] {
		t.Errorf("inactive sessions must be skipped: %v", got)
	}
}

func TestPrefetcherWarmsOnSessionAdded(t *testing.T) {
	srv := prefetchServer(t, nil)

	b := bus.New()
	defer b.Close()
	rec := &seedRecorder{}

	p := NewPrefetcher(NewClient(Config{BaseURL: srv.URL}), b, 100, 10, rec.seed)
	p.Start()
	defer p.Close()

	// The subscription races Start; retry until the event lands.
	deadline := time.Now().Add(3 * time.Second)
	for len(rec.sessionIDs()) == 0 && time.Now().Before(deadline) {
		b.Publish(bus.SessionAdded{Session: protocol.Session{ID: "sess-new"}})
		time.Sleep(50 * time.Millisecond)
	}

	ids := rec.sessionIDs()
	if len(ids) == 0 || ids[0] != "sess-new" {
		t.Fatalf("added session was never warmed, got %v", ids)
	}
}

func TestPrefetcherWarmAsyncDropsOverBudget(t *testing.T) {
	srv := prefetchServer(t, nil)

	b := bus.New()
	defer b.Close()
	rec := &seedRecorder{}

	// One token, slow refill: the second request has no budget.
	p := NewPrefetcher(NewClient(Config{BaseURL: srv.URL}), b, 0.1, 1, rec.seed)
	p.Start()
	defer p.Close()

	p.WarmAsync("sess-x")
	p.WarmAsync("sess-y")

	waitForSeeds(t, rec, 1)
	time.Sleep(200 * time.Millisecond)

	if ids := rec.sessionIDs(); len(ids) != 1 {
		t.Fatalf("expected exactly one warm within the budget, got %v", ids)
	}
}

func TestPrefetcherSeedMayBeNil(t *testing.T) {
	srv := prefetchServer(t, []protocol.Session{
		{ID: "sess-a", Status: protocol.StatusRunning},
	})

	b := bus.New()
	defer b.Close()

	p := NewPrefetcher(NewClient(Config{BaseURL: srv.URL}), b, 100, 10, nil)
	p.Start()
	time.Sleep(100 * time.Millisecond)
	p.Close()
}

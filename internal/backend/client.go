// Package backend talks to the session daemon: snapshot and session-list
// fetches over HTTP, input injection, and the two push channels (websocket
// feed, event-drop directory) that announce new output. The console never
// spawns or supervises agent processes itself; the daemon owns them.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stravu/crystal-sub005/internal/logging"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

var clientLog = logging.ForComponent(logging.CompBackend)

// DefaultSnapshotTTL bounds how long a fetched snapshot may be served from
// the in-memory response cache. Kept below the shortest reload throttle so
// event-driven reloads always see fresh data.
const DefaultSnapshotTTL = 500 * time.Millisecond

// Config holds the daemon connection settings.
type Config struct {
	// BaseURL of the daemon HTTP API, e.g. "http://127.0.0.1:8377".
	BaseURL string
	// Token is sent as a bearer token when non-empty.
	Token string
	// SnapshotTTL overrides DefaultSnapshotTTL when > 0.
	SnapshotTTL time.Duration
}

// Client is the HTTP client for the daemon API. Safe for concurrent use;
// concurrent snapshot fetches for the same session are deduplicated so the
// TUI, web surface, and prefetcher share one request.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	snapTTL time.Duration
	snapSf  singleflight.Group

	cacheMu   sync.RWMutex
	snapCache map[string]snapCacheEntry
}

type snapCacheEntry struct {
	snap *protocol.OutputSnapshot
	at   time.Time
}

// NewClient creates a daemon client. Requests carry no global timeout; every
// call takes a context and a cancelled context aborts the request, including
// the dial.
func NewClient(cfg Config) *Client {
	ttl := cfg.SnapshotTTL
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		token:     cfg.Token,
		http:      &http.Client{},
		snapTTL:   ttl,
		snapCache: make(map[string]snapCacheEntry),
	}
}

// BaseURL returns the configured daemon address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchSnapshot returns the full output snapshot for a session.
// Uses singleflight to deduplicate concurrent calls and serves repeat calls
// from a short-TTL cache.
func (c *Client) FetchSnapshot(ctx context.Context, sessionID string) (protocol.OutputSnapshot, error) {
	// Fast path: return cached snapshot if fresh
	c.cacheMu.RLock()
	if entry, ok := c.snapCache[sessionID]; ok && time.Since(entry.at) < c.snapTTL {
		c.cacheMu.RUnlock()
		return *entry.snap, nil
	}
	c.cacheMu.RUnlock()

	fetch := func() (interface{}, error) {
		// Double-check cache inside singleflight
		c.cacheMu.RLock()
		if entry, ok := c.snapCache[sessionID]; ok && time.Since(entry.at) < c.snapTTL {
			c.cacheMu.RUnlock()
			return entry.snap, nil
		}
		c.cacheMu.RUnlock()

		snap, err := c.fetchSnapshot(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		c.cacheMu.Lock()
		c.snapCache[sessionID] = snapCacheEntry{snap: snap, at: time.Now()}
		c.cacheMu.Unlock()
		return snap, nil
	}

	v, err, shared := c.snapSf.Do(sessionID, fetch)
	if err != nil && shared && ctx.Err() == nil && errors.Is(err, context.Canceled) {
		// A shared flight died with another caller's cancellation; ours is
		// still live, so run the fetch again.
		clientLog.Debug("snapshot_refetch_after_shared_cancel", slog.String("session_id", sessionID))
		v, err, _ = c.snapSf.Do(sessionID, fetch)
	}
	if err != nil {
		return protocol.OutputSnapshot{}, err
	}
	return *v.(*protocol.OutputSnapshot), nil
}

func (c *Client) fetchSnapshot(ctx context.Context, sessionID string) (*protocol.OutputSnapshot, error) {
	url := fmt.Sprintf("%s/api/sessions/%s/output", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("fetch snapshot %s: %w", sessionID, protocol.ErrSessionNotFound)
	default:
		return nil, fmt.Errorf("fetch snapshot %s: daemon returned status %d", sessionID, resp.StatusCode)
	}

	var snap protocol.OutputSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("fetch snapshot %s: parse: %w", sessionID, err)
	}
	if snap.SessionID == "" {
		snap.SessionID = sessionID
	}
	return &snap, nil
}

// InvalidateSnapshot drops the cached snapshot for a session so the next
// fetch hits the daemon.
func (c *Client) InvalidateSnapshot(sessionID string) {
	c.cacheMu.Lock()
	delete(c.snapCache, sessionID)
	c.cacheMu.Unlock()
}

// ListSessions returns all sessions known to the daemon.
func (c *Client) ListSessions(ctx context.Context) ([]protocol.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list sessions: daemon returned status %d", resp.StatusCode)
	}

	var sessions []protocol.Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("list sessions: parse: %w", err)
	}
	return sessions, nil
}

// SendInput asks the daemon to inject text into the session's agent.
func (c *Client) SendInput(ctx context.Context, sessionID, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("send input: %w", err)
	}

	url := fmt.Sprintf("%s/api/sessions/%s/input", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send input: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send input: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("send input %s: %w", sessionID, protocol.ErrSessionNotFound)
	default:
		return fmt.Errorf("send input %s: daemon returned status %d", sessionID, resp.StatusCode)
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

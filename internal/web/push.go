package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

const (
	subscriptionsFile  = "push_subscriptions.json"
	pushSendsPerSecond = 5
	pushSendBurst      = 10

	// pushDedupWindow silences identical repeat notifications for a session.
	// The daemon can replay a transition on reconnect or via drop files.
	pushDedupWindow = 90 * time.Second
)

// SubscriptionKeys carries the browser-generated encryption material.
type SubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is one registered push endpoint.
type Subscription struct {
	ID        string           `json:"id"`
	Endpoint  string           `json:"endpoint"`
	Keys      SubscriptionKeys `json:"keys"`
	CreatedAt time.Time        `json:"created_at"`
}

func validateSubscription(sub Subscription) error {
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(sub.Endpoint)
	if err != nil {
		return fmt.Errorf("endpoint is not a valid URL: %w", err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return fmt.Errorf("http endpoints are only allowed for loopback hosts")
		}
	default:
		return fmt.Errorf("endpoint scheme %q is not supported", u.Scheme)
	}
	if sub.Keys.P256DH == "" || sub.Keys.Auth == "" {
		return fmt.Errorf("subscription keys are required")
	}
	return nil
}

// subscriptionStore persists subscriptions as a JSON file. Writes go
// through a temp file and rename so readers never observe a partial file.
type subscriptionStore struct {
	mu   sync.Mutex
	path string
}

func newSubscriptionStore(dir string) *subscriptionStore {
	return &subscriptionStore{path: filepath.Join(dir, subscriptionsFile)}
}

func (s *subscriptionStore) List() ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *subscriptionStore) Count() int {
	subs, err := s.List()
	if err != nil {
		return 0
	}
	return len(subs)
}

// Upsert stores sub, matching existing entries by endpoint. A new entry
// gets a fresh ID and creation time; an existing one keeps both and only
// refreshes its keys.
func (s *subscriptionStore) Upsert(sub Subscription) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.readLocked()
	if err != nil {
		return Subscription{}, err
	}

	for i := range subs {
		if subs[i].Endpoint == sub.Endpoint {
			subs[i].Keys = sub.Keys
			if err := s.writeLocked(subs); err != nil {
				return Subscription{}, err
			}
			return subs[i], nil
		}
	}

	sub.ID = uuid.NewString()
	sub.CreatedAt = time.Now().UTC()
	subs = append(subs, sub)
	if err := s.writeLocked(subs); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *subscriptionStore) RemoveByEndpoint(endpoint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.readLocked()
	if err != nil {
		return false, err
	}

	kept := subs[:0]
	removed := false
	for _, sub := range subs {
		if sub.Endpoint == endpoint {
			removed = true
			continue
		}
		kept = append(kept, sub)
	}
	if !removed {
		return false, nil
	}
	return true, s.writeLocked(kept)
}

func (s *subscriptionStore) readLocked() ([]Subscription, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	var subs []Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return subs, nil
}

func (s *subscriptionStore) writeLocked(subs []Subscription) error {
	encoded, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(s.path), err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// pushSender delivers one payload to one endpoint and reports the
// provider's HTTP status code.
type pushSender interface {
	Send(ctx context.Context, sub Subscription, payload []byte) (int, error)
}

type webpushSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (v *webpushSender) Send(ctx context.Context, sub Subscription, payload []byte) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      v.subject,
		VAPIDPublicKey:  v.publicKey,
		VAPIDPrivateKey: v.privateKey,
		TTL:             3600,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

type pushPayload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	SessionID string `json:"session_id,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

// PushService watches lifecycle transitions on the event bus and pushes a
// notification when a session starts waiting for input or errors out.
type PushService struct {
	subject string
	keys    VAPIDKeys
	store   *subscriptionStore
	bus     *bus.Bus
	sender  pushSender
	limiter *rate.Limiter

	// dedup is how long an identical transition for the same session stays
	// silent. Zero disables suppression.
	dedup time.Duration

	mu       sync.Mutex
	notified map[string]notifyRecord

	wg sync.WaitGroup
}

type notifyRecord struct {
	status protocol.Status
	at     time.Time
}

// NewPushService loads or generates the VAPID keypair and opens the
// subscription store. Returns an error when no data directory is
// configured, which callers treat as push being disabled.
func NewPushService(cfg Config, b *bus.Bus) (*PushService, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("no data directory configured")
	}

	keys := VAPIDKeys{
		PublicKey:  cfg.PushVAPIDPublicKey,
		PrivateKey: cfg.PushVAPIDPrivateKey,
	}
	if keys.PublicKey == "" || keys.PrivateKey == "" {
		var err error
		keys, err = EnsureVAPIDKeys(cfg.DataDir)
		if err != nil {
			return nil, err
		}
	}

	subject := cfg.PushSubject
	if subject == "" {
		subject = "mailto:admin@localhost"
	}

	return &PushService{
		subject: subject,
		keys:    keys,
		store:   newSubscriptionStore(cfg.DataDir),
		bus:     b,
		sender: &webpushSender{
			subject:    subject,
			publicKey:  keys.PublicKey,
			privateKey: keys.PrivateKey,
		},
		limiter:  rate.NewLimiter(rate.Limit(pushSendsPerSecond), pushSendBurst),
		dedup:    pushDedupWindow,
		notified: make(map[string]notifyRecord),
	}, nil
}

// PublicKey returns the VAPID public key browsers need to subscribe.
func (p *PushService) PublicKey() string {
	return p.keys.PublicKey
}

// Start consumes bus events until ctx is cancelled or the bus closes.
func (p *PushService) Start(ctx context.Context) {
	events, cancel := p.bus.Subscribe(64)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				p.handleEvent(ctx, ev)
			}
		}
	}()
}

// Wait blocks until the event loop has exited.
func (p *PushService) Wait() {
	p.wg.Wait()
}

func (p *PushService) handleEvent(ctx context.Context, ev bus.Event) {
	sc, ok := ev.(bus.StatusChanged)
	if !ok {
		return
	}

	payload := pushPayload{
		SessionID: sc.SessionID,
		Tag:       "session-" + sc.SessionID,
	}
	switch sc.New {
	case protocol.StatusWaiting:
		payload.Title = "Session waiting"
		payload.Body = "session waiting for input"
	case protocol.StatusError:
		payload.Title = "Session error"
		payload.Body = "session reported an error"
	default:
		return
	}

	if p.recentlyNotified(sc.SessionID, sc.New) {
		return
	}
	p.markNotified(sc.SessionID, sc.New)

	p.notify(ctx, payload)
}

func (p *PushService) recentlyNotified(sessionID string, status protocol.Status) bool {
	if p.dedup <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.notified[sessionID]
	return ok && rec.status == status && time.Since(rec.at) <= p.dedup
}

func (p *PushService) markNotified(sessionID string, status protocol.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notified == nil {
		p.notified = make(map[string]notifyRecord)
	}
	p.notified[sessionID] = notifyRecord{status: status, at: time.Now()}
}

func (p *PushService) notify(ctx context.Context, payload pushPayload) {
	subs, err := p.store.List()
	if err != nil {
		webLog.Warn("push_list_failed", slog.String("error", err.Error()))
		return
	}
	if len(subs) == 0 {
		return
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		webLog.Warn("push_encode_failed", slog.String("error", err.Error()))
		return
	}

	for _, sub := range subs {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		status, err := p.sender.Send(ctx, sub, encoded)
		if err != nil {
			webLog.Warn("push_send_failed",
				slog.String("endpoint", sub.Endpoint),
				slog.String("error", err.Error()))
			continue
		}
		if status == http.StatusNotFound || status == http.StatusGone {
			// The push provider no longer knows this endpoint.
			if _, pruneErr := p.store.RemoveByEndpoint(sub.Endpoint); pruneErr != nil {
				webLog.Warn("push_prune_failed",
					slog.String("endpoint", sub.Endpoint),
					slog.String("error", pruneErr.Error()))
			} else {
				webLog.Info("push_subscription_pruned", slog.String("endpoint", sub.Endpoint))
			}
		}
	}
}

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}

	if s.push == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":    true,
		"public_key": s.push.PublicKey(),
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}
	if s.push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "push_disabled", "push notifications are not configured")
		return
	}

	var req struct {
		Endpoint string           `json:"endpoint"`
		Keys     SubscriptionKeys `json:"keys"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	sub := Subscription{Endpoint: strings.TrimSpace(req.Endpoint), Keys: req.Keys}
	if err := validateSubscription(sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_subscription", err.Error())
		return
	}

	saved, err := s.push.store.Upsert(sub)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}

	webLog.Info("push_subscribed", slog.String("id", saved.ID))
	writeJSON(w, http.StatusOK, map[string]any{"id": saved.ID})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}
	if s.push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "push_disabled", "push notifications are not configured")
		return
	}

	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	removed, err := s.push.store.RemoveByEndpoint(strings.TrimSpace(req.Endpoint))
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "store_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

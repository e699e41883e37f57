package backend

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/logging"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

var feedLog = logging.ForComponent(logging.CompBackend)

// Reconnect backoff bounds for the event feed.
const (
	feedBackoffMin = 250 * time.Millisecond
	feedBackoffMax = 15 * time.Second
)

// Feed subscribes to the daemon's websocket event stream and republishes
// decoded events onto the bus. It reconnects with capped exponential backoff
// and identifies itself with a stable client id so the daemon can dedupe
// subscriptions across reconnects.
type Feed struct {
	wsURL    string
	token    string
	clientID string
	bus      *bus.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewFeed creates a feed for the daemon at baseURL (http/https scheme; the
// websocket scheme is derived). Call Start to begin receiving.
func NewFeed(cfg Config, b *bus.Bus) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		wsURL:    wsEventsURL(cfg.BaseURL),
		token:    cfg.Token,
		clientID: uuid.NewString(),
		bus:      b,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func wsEventsURL(baseURL string) string {
	url := baseURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws/events"
}

// ClientID returns the stable identifier sent with every connection attempt.
func (f *Feed) ClientID() string {
	return f.clientID
}

// Start begins the connect/read loop (non-blocking).
func (f *Feed) Start() {
	f.wg.Add(1)
	go f.run()
}

func (f *Feed) run() {
	defer f.wg.Done()

	backoff := feedBackoffMin
	for {
		conn, err := f.dial()
		if err != nil {
			feedLog.Warn("feed_connect_failed",
				slog.String("url", f.wsURL),
				slog.Duration("retry_in", backoff),
				slog.String("error", err.Error()),
			)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > feedBackoffMax {
				backoff = feedBackoffMax
			}
			continue
		}

		backoff = feedBackoffMin
		feedLog.Info("feed_connected", slog.String("url", f.wsURL))

		f.setConn(conn)
		f.readLoop(conn)
		f.setConn(nil)
		_ = conn.Close()

		select {
		case <-f.ctx.Done():
			return
		default:
		}
		feedLog.Warn("feed_disconnected", slog.String("url", f.wsURL))
	}
}

func (f *Feed) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}
	url := f.wsURL + "?client_id=" + f.clientID
	conn, resp, err := websocket.DefaultDialer.DialContext(f.ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) && f.ctx.Err() == nil {
				feedLog.Warn("feed_read_failed", slog.String("error", err.Error()))
			}
			return
		}

		ev, err := protocol.ParseEvent(payload)
		if err != nil {
			feedLog.Warn("feed_bad_event", slog.String("error", err.Error()))
			continue
		}
		publishProtocolEvent(f.bus, ev)
	}
}

func (f *Feed) setConn(conn *websocket.Conn) {
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
}

// Close stops the feed and waits for the read loop to exit.
// Safe to call multiple times.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		// Closing the live connection unblocks ReadMessage.
		f.connMu.Lock()
		if f.conn != nil {
			_ = f.conn.Close()
		}
		f.connMu.Unlock()
		f.wg.Wait()
	})
	return nil
}

// publishProtocolEvent translates a daemon event envelope onto the typed bus.
// Shared by the websocket feed and the event-drop watcher.
func publishProtocolEvent(b *bus.Bus, ev protocol.Event) {
	switch ev.Type {
	case protocol.EventOutputAvailable:
		b.Publish(bus.OutputAvailable{SessionID: ev.SessionID})
	case protocol.EventStatusChanged:
		b.Publish(bus.StatusChanged{SessionID: ev.SessionID, Old: ev.OldStatus, New: ev.NewStatus})
	case protocol.EventSessionAdded:
		b.Publish(bus.SessionAdded{Session: protocol.Session{ID: ev.SessionID}})
	case protocol.EventSessionRemoved:
		b.Publish(bus.SessionRemoved{SessionID: ev.SessionID})
	}
}

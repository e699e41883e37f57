package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stravu/crystal-sub005/internal/bus"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

// allowWSOrigin accepts same-host browser connections and any
// non-browser client that sends no Origin header.
func allowWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type wsFrame struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
	Old       string    `json:"old,omitempty"`
	New       string    `json:"new,omitempty"`
	Text      string    `json:"text,omitempty"`
	Time      time.Time `json:"time"`
}

// frameFor maps a bus event onto its wire frame. OutputAvailable is
// deliberately excluded: remote status consumers poll /api/state for
// content and only need the low-frequency transitions here.
func frameFor(ev bus.Event) (wsFrame, bool) {
	now := time.Now().UTC()
	switch e := ev.(type) {
	case bus.LoadStateChanged:
		return wsFrame{
			Type:      "load_state",
			SessionID: e.SessionID,
			State:     e.State,
			Error:     e.Err,
			Time:      now,
		}, true
	case bus.StatusChanged:
		return wsFrame{
			Type:      "status",
			SessionID: e.SessionID,
			Old:       string(e.Old),
			New:       string(e.New),
			Time:      now,
		}, true
	case bus.Notice:
		return wsFrame{
			Type:      "notice",
			SessionID: e.SessionID,
			Text:      e.Text,
			Time:      now,
		}, true
	case bus.SessionAdded:
		return wsFrame{
			Type:      "session_added",
			SessionID: e.Session.ID,
			Time:      now,
		}, true
	case bus.SessionRemoved:
		return wsFrame{
			Type:      "session_removed",
			SessionID: e.SessionID,
			Time:      now,
		}, true
	}
	return wsFrame{}, false
}

// handleStateWS upgrades the connection and streams lifecycle and load
// state transitions as JSON frames until the client disconnects or the
// server shuts down.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		webLog.Warn("ws_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	events, cancelSub := s.bus.Subscribe(128)
	defer cancelSub()

	// Reader goroutine: the client never sends data frames, but reading
	// is how gorilla surfaces close frames and dead peers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
			return
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame, send := frameFor(ev)
			if !send {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

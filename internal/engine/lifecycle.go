package engine

import (
	"log/slog"

	"github.com/stravu/crystal-sub005/internal/logging"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

var lifecycleLog = logging.ForComponent(logging.CompLifecycle)

// Tracker turns session status transitions into coordinator actions. It owns
// no state of its own; the continuing-conversation window and the
// waiting-for-first-output flag live in the coordinator it drives.
type Tracker struct {
	co  *Coordinator
	deb *Debouncer
}

// NewTracker wires a tracker to its coordinator and debouncer.
func NewTracker(co *Coordinator, deb *Debouncer) *Tracker {
	return &Tracker{co: co, deb: deb}
}

// HandleTransition processes one (old, new) status change.
func (t *Tracker) HandleTransition(sessionID string, oldStatus, newStatus protocol.Status) {
	lifecycleLog.Debug("status_transition",
		slog.String("session", sessionID),
		slog.String("from", string(oldStatus)),
		slog.String("to", string(newStatus)))

	started := oldStatus == protocol.StatusInitializing && newStatus == protocol.StatusRunning
	restarted := (oldStatus == protocol.StatusStopped || oldStatus == protocol.StatusWaiting) &&
		newStatus == protocol.StatusInitializing

	// A session that just started with nothing cached gets an immediate
	// fresh load, unless the user is mid-conversation and the snapshot
	// would race their pending input.
	if started && !t.co.HasOutput(sessionID) && !t.co.ContinuingConversation(sessionID) {
		t.co.ClearSinkFor(sessionID)
		t.co.RequestLoad(sessionID, true)
	}

	// Starts and restarts always schedule a throttled reload on top:
	// output may have appeared regardless of the cache.
	if started || restarted {
		t.deb.OnNotify(sessionID)
	}
}

// SwitchTo changes the active session. The previous session's in-flight load
// is aborted and the new session's cursors start from zero.
func (t *Tracker) SwitchTo(sessionID string) {
	t.co.SwitchTo(sessionID)
}

// SetContinuingConversation opens (or closes) the one-cycle suppression
// window after user input.
func (t *Tracker) SetContinuingConversation(sessionID string, v bool) {
	t.co.SetContinuingConversation(sessionID, v)
}

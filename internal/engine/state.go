package engine

import (
	"context"
	"time"

	"github.com/stravu/crystal-sub005/internal/protocol"
)

// LoadState is the per-session load lifecycle observed by UI surfaces.
type LoadState string

const (
	LoadIdle    LoadState = "idle"
	LoadLoading LoadState = "loading"
	LoadLoaded  LoadState = "loaded"
	LoadFailed  LoadState = "error"
)

// syncState is the coordinator-owned bookkeeping for one session. All fields
// are guarded by the coordinator mutex; nothing outside the coordinator and
// tracker mutates them.
type syncState struct {
	load LoadState

	// loading marks an in-flight fetch. At most one load may be in flight
	// per session; the marker is paired with the cancel func and an epoch
	// so a superseded fetch can never clobber its successor's bookkeeping.
	loading     bool
	cancel      context.CancelFunc
	epoch       uint64
	loadStarted time.Time

	retryAttempt int
	retryTimer   *time.Timer

	lastErr *LoadError

	// continuing suppresses the initial idle-triggered load for one cycle
	// after the user sends input, so the response isn't clobbered by a
	// snapshot taken before it arrived. Cleared on the first load success.
	continuing bool

	// waitingFirst is true until the session has produced any output or
	// messages. UI surfaces render it as a "waiting for output" hint.
	waitingFirst bool

	// emitted records whether anything was ever written to the sink for
	// this session; the one-time archived notice is suppressed once true.
	emitted         bool
	archivedNoticed bool
}

func newSyncState() *syncState {
	return &syncState{
		load:         LoadIdle,
		waitingFirst: true,
	}
}

// stopRetryLocked cancels a scheduled retry, if any.
func (st *syncState) stopRetryLocked() {
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
}

// sessionData is the read-through cache of one session's output, replaced
// wholesale by each snapshot.
type sessionData struct {
	chunks   []string
	messages []protocol.Message
	terminal []string
}

func (d *sessionData) hasOutput() bool {
	return d != nil && (len(d.chunks) > 0 || len(d.messages) > 0)
}

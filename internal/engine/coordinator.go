package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/logging"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

var engineLog = logging.ForComponent(logging.CompEngine)

// SnapshotFetcher returns a full, authoritative output snapshot for a
// session. Implementations report an archived or deleted session by
// returning an error wrapping protocol.ErrSessionNotFound.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, sessionID string) (protocol.OutputSnapshot, error)
}

const (
	defaultRetryBase  = 1000 * time.Millisecond
	defaultMaxRetries = 3

	// A loading marker older than this is treated as wedged and force-reset
	// by the next request instead of blocking reloads forever.
	defaultStuckAfter = 30 * time.Second
)

// Coordinator owns the per-session load state machine: at most one in-flight
// snapshot fetch per session, cancellation when the active session changes,
// and bounded linear-backoff retries for sessions still starting up.
//
// All mutable state lives behind one mutex. Fetches run in goroutines, and
// every resumption re-validates the cancellation token, the active session
// id, and the load epoch before mutating anything, so a superseded fetch
// always completes as a silent no-op.
type Coordinator struct {
	fetch SnapshotFetcher
	sink  Sink
	bus   *bus.Bus

	mu       sync.Mutex
	states   map[string]*syncState
	store    map[string]*sessionData
	writer   *IncrementalWriter
	active   string
	closed   bool
	epochSeq uint64

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// Overridable in tests.
	retryBase  time.Duration
	maxRetries int
	stuckAfter time.Duration
}

// NewCoordinator creates a coordinator emitting into sink and publishing
// LoadStateChanged events onto b (which may be nil).
func NewCoordinator(fetcher SnapshotFetcher, sink Sink, b *bus.Bus) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		fetch:      fetcher,
		sink:       sink,
		bus:        b,
		states:     make(map[string]*syncState),
		store:      make(map[string]*sessionData),
		writer:     NewIncrementalWriter(),
		baseCtx:    ctx,
		baseCancel: cancel,
		retryBase:  defaultRetryBase,
		maxRetries: defaultMaxRetries,
		stuckAfter: defaultStuckAfter,
	}
}

// RequestLoad asks for a fresh snapshot of sessionID. The call returns
// immediately; callers observe progress through LoadState and the bus.
//
// isNewSession marks a session whose process is still starting: its fetch
// failures are retried on the 1s/2s/3s ladder instead of surfacing at once.
func (c *Coordinator) RequestLoad(sessionID string, isNewSession bool) {
	c.mu.Lock()
	if c.closed || sessionID == "" {
		c.mu.Unlock()
		return
	}

	// Switching sessions aborts the stale fetch: any load still in flight
	// for a session other than the active one is cancelled before this one
	// proceeds.
	for id, st := range c.states {
		if st.loading && id != c.active {
			c.abortLocked(id, st)
		}
	}

	st := c.stateLocked(sessionID)
	if st.loading {
		if time.Since(st.loadStarted) < c.stuckAfter {
			// The in-flight load already targets the latest state.
			c.mu.Unlock()
			return
		}
		engineLog.Warn("load_stuck_reset",
			slog.String("session", sessionID),
			slog.Duration("age", time.Since(st.loadStarted)))
		c.abortLocked(sessionID, st)
	}

	// A direct request supersedes any scheduled retry.
	st.stopRetryLocked()

	st.loading = true
	st.loadStarted = time.Now()
	ctx, cancel := context.WithCancel(c.baseCtx)
	st.cancel = cancel
	// Epochs are coordinator-wide so a state recreated after eviction can
	// never hand a stale goroutine a matching epoch.
	c.epochSeq++
	st.epoch = c.epochSeq
	epoch := st.epoch
	c.setLoadLocked(sessionID, st, LoadLoading)
	c.wg.Add(1)
	c.mu.Unlock()

	engineLog.Debug("load_start",
		slog.String("session", sessionID),
		slog.Bool("new_session", isNewSession))
	go c.runLoad(ctx, sessionID, isNewSession, epoch)
}

func (c *Coordinator) runLoad(ctx context.Context, sessionID string, isNewSession bool, epoch uint64) {
	defer c.wg.Done()

	snap, err := c.fetch.FetchSnapshot(ctx, sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.states[sessionID]
	if st == nil {
		// Evicted while in flight.
		return
	}
	if st.epoch == epoch {
		// Clear the loading marker exactly once per attempt. A mismatched
		// epoch means an abort already cleared it and a newer load owns
		// the bookkeeping now.
		st.loading = false
		st.cancel = nil
	}

	// Re-validate after the suspension point. A cancelled token, a session
	// switch, or a superseding load all make this completion a silent no-op.
	if ctx.Err() != nil || c.active != sessionID || st.epoch != epoch {
		engineLog.Debug("load_superseded", slog.String("session", sessionID))
		return
	}

	if err != nil {
		c.failLocked(sessionID, st, isNewSession, err)
		return
	}
	c.applySnapshotLocked(sessionID, st, snap)
}

// applySnapshotLocked installs a successful snapshot: the cached sequences
// are replaced (the backend copy is authoritative), bookkeeping is reset,
// and the delta is emitted for both buffers.
func (c *Coordinator) applySnapshotLocked(sessionID string, st *syncState, snap protocol.OutputSnapshot) {
	data := &sessionData{
		chunks:   snap.Chunks,
		messages: snap.Messages,
		terminal: snap.TerminalChunks,
	}
	c.store[sessionID] = data

	st.retryAttempt = 0
	st.lastErr = nil
	st.continuing = false
	if data.hasOutput() {
		st.waitingFirst = false
	}
	c.setLoadLocked(sessionID, st, LoadLoaded)
	c.emitLocked(sessionID, st, data)

	engineLog.Debug("load_applied",
		slog.String("session", sessionID),
		slog.Int("chunks", len(data.chunks)),
		slog.Int("terminal_chunks", len(data.terminal)))
}

func (c *Coordinator) failLocked(sessionID string, st *syncState, isNewSession bool, err error) {
	if errors.Is(err, protocol.ErrSessionNotFound) {
		// Archived mid-flight: terminal and silent, with at most one
		// informational notice if this session never showed anything.
		c.setLoadLocked(sessionID, st, LoadIdle)
		if !st.emitted && !st.archivedNoticed {
			st.archivedNoticed = true
			c.sink.Notice("session archived")
			if c.bus != nil {
				c.bus.Publish(bus.Notice{SessionID: sessionID, Text: "session archived"})
			}
		}
		engineLog.Info("load_session_gone", slog.String("session", sessionID))
		return
	}

	if isNewSession && st.retryAttempt < c.maxRetries {
		delay := c.retryBase * time.Duration(st.retryAttempt+1)
		st.retryAttempt++
		st.lastErr = &LoadError{Kind: KindTransient, SessionID: sessionID, Err: err}
		c.setLoadLocked(sessionID, st, LoadFailed)
		st.retryTimer = time.AfterFunc(delay, func() { c.retryFire(sessionID) })
		engineLog.Warn("load_retry_scheduled",
			slog.String("session", sessionID),
			slog.Int("attempt", st.retryAttempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		return
	}

	st.lastErr = &LoadError{Kind: KindExhausted, SessionID: sessionID, Err: err}
	c.setLoadLocked(sessionID, st, LoadFailed)
	engineLog.Error("load_exhausted",
		slog.String("session", sessionID),
		slog.Int("attempts", st.retryAttempt),
		slog.String("error", err.Error()))
}

// retryFire runs when a scheduled retry elapses. It re-validates that the
// session is still active and not already loading before issuing the retry.
func (c *Coordinator) retryFire(sessionID string) {
	c.mu.Lock()
	st := c.states[sessionID]
	if st == nil || c.closed {
		c.mu.Unlock()
		return
	}
	st.retryTimer = nil
	if c.active != sessionID || st.loading {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.RequestLoad(sessionID, true)
}

// emitLocked assembles both buffers and routes the resulting instructions to
// the sink. Only the active session may touch the sink.
func (c *Coordinator) emitLocked(sessionID string, st *syncState, data *sessionData) {
	if c.active != sessionID || data == nil {
		return
	}
	for _, kind := range []BufferKind{BufferOutput, BufferTerminal} {
		chunks := data.chunks
		if kind == BufferTerminal {
			chunks = data.terminal
		}
		in := c.writer.ApplyUpdate(sessionID, kind, assembleFor(kind, chunks))
		applyInstruction(c.sink, in)
		if in.Op == OpWriteAll || in.Op == OpWriteSuffix {
			st.emitted = true
		}
	}
}

// SwitchTo makes sessionID the active session: the previous session's
// in-flight work is aborted, both cursors of the new session reset to zero,
// and any cached output is painted immediately while the fresh fetch runs.
func (c *Coordinator) SwitchTo(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.active == sessionID {
		return
	}
	prev := c.active
	c.active = sessionID
	if prev != "" {
		if prevSt := c.states[prev]; prevSt != nil {
			c.abortLocked(prev, prevSt)
			// The retry budget belongs to a load cycle; changing the
			// target session resets it.
			prevSt.retryAttempt = 0
		}
	}

	st := c.stateLocked(sessionID)
	c.writer.ResetSession(sessionID)
	data := c.store[sessionID]
	st.waitingFirst = !data.hasOutput()
	if data != nil {
		// Warm paint from cache; the authoritative snapshot reconciles via
		// the normal grow/shrink rules when it lands.
		c.emitLocked(sessionID, st, data)
	}
	engineLog.Info("session_switch", slog.String("from", prev), slog.String("to", sessionID))
}

// ClearSinkFor empties both buffers ahead of a fresh-session load, cursor and
// sink together. Only the active session may clear the sink.
func (c *Coordinator) ClearSinkFor(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.active != sessionID {
		return
	}
	c.writer.ResetSession(sessionID)
	c.sink.Clear(BufferOutput)
	c.sink.Clear(BufferTerminal)
}

// ForceResync discards the session's sync bookkeeping (including a wedged
// loading marker) and issues a fresh full load. Bound to the manual resync
// key in the TUI.
func (c *Coordinator) ForceResync(sessionID string) {
	c.mu.Lock()
	if c.closed || sessionID == "" {
		c.mu.Unlock()
		return
	}
	st := c.stateLocked(sessionID)
	c.abortLocked(sessionID, st)
	st.retryAttempt = 0
	st.lastErr = nil
	c.writer.ResetSession(sessionID)
	engineLog.Info("force_resync", slog.String("session", sessionID))
	c.mu.Unlock()

	c.RequestLoad(sessionID, true)
}

// Evict drops all engine state for a session (archive/delete).
func (c *Coordinator) Evict(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.states[sessionID]; st != nil {
		c.abortLocked(sessionID, st)
		delete(c.states, sessionID)
	}
	delete(c.store, sessionID)
	c.writer.Evict(sessionID)
	engineLog.Debug("session_evicted", slog.String("session", sessionID))
}

// Seed installs a cached snapshot (e.g. from the on-disk cache) without
// changing load state, so a switch can paint before the first fetch lands.
// Live data is never overwritten.
func (c *Coordinator) Seed(snap protocol.OutputSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || snap.SessionID == "" {
		return
	}
	if _, ok := c.store[snap.SessionID]; ok {
		return
	}
	c.store[snap.SessionID] = &sessionData{
		chunks:   snap.Chunks,
		messages: snap.Messages,
		terminal: snap.TerminalChunks,
	}
}

// SetContinuingConversation marks that the user just sent input whose
// response has not arrived. The next idle-triggered initial load is
// suppressed for one cycle; the flag clears on the first load success.
func (c *Coordinator) SetContinuingConversation(sessionID string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateLocked(sessionID).continuing = v
}

// ContinuingConversation reports whether the suppression window is open.
func (c *Coordinator) ContinuingConversation(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.states[sessionID]
	return st != nil && st.continuing
}

// LoadState returns the session's load lifecycle state.
func (c *Coordinator) LoadState(sessionID string) LoadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.states[sessionID]; st != nil {
		return st.load
	}
	return LoadIdle
}

// LastError returns the most recent surfaced load error, or nil.
func (c *Coordinator) LastError(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.states[sessionID]; st != nil && st.lastErr != nil {
		return st.lastErr
	}
	return nil
}

// IsWaitingForFirstOutput reports whether the session has yet to produce any
// output or messages.
func (c *Coordinator) IsWaitingForFirstOutput(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.states[sessionID]; st != nil {
		return st.waitingFirst
	}
	return true
}

// HasOutput reports whether the cached session has any chunks or messages.
func (c *Coordinator) HasOutput(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store[sessionID].hasOutput()
}

// ChunkCount returns the cached chunk count; the debouncer's throttle ladder
// keys off it.
func (c *Coordinator) ChunkCount(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if data := c.store[sessionID]; data != nil {
		return len(data.chunks)
	}
	return 0
}

// ActiveSession returns the currently active session id.
func (c *Coordinator) ActiveSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Close cancels all in-flight work and waits for load goroutines to drain.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, st := range c.states {
		st.stopRetryLocked()
		if st.cancel != nil {
			st.cancel()
			st.cancel = nil
		}
	}
	c.mu.Unlock()

	c.baseCancel()
	c.wg.Wait()
}

// abortLocked cancels a session's in-flight load and any scheduled retry.
// MUST be called with mu held.
func (c *Coordinator) abortLocked(sessionID string, st *syncState) {
	hadRetry := st.retryTimer != nil
	st.stopRetryLocked()
	if st.loading {
		if st.cancel != nil {
			st.cancel()
			st.cancel = nil
		}
		st.loading = false
		c.setLoadLocked(sessionID, st, LoadIdle)
		engineLog.Debug("load_cancelled", slog.String("session", sessionID))
	} else if hadRetry {
		c.setLoadLocked(sessionID, st, LoadIdle)
	}
}

// stateLocked returns (creating if needed) the session's sync state.
// MUST be called with mu held.
func (c *Coordinator) stateLocked(sessionID string) *syncState {
	st := c.states[sessionID]
	if st == nil {
		st = newSyncState()
		c.states[sessionID] = st
	}
	return st
}

// setLoadLocked updates the load state and publishes the change.
// MUST be called with mu held.
func (c *Coordinator) setLoadLocked(sessionID string, st *syncState, ls LoadState) {
	st.load = ls
	if c.bus == nil {
		return
	}
	errMsg := ""
	if ls == LoadFailed && st.lastErr != nil {
		errMsg = st.lastErr.Error()
	}
	c.bus.Publish(bus.LoadStateChanged{SessionID: sessionID, State: string(ls), Err: errMsg})
}

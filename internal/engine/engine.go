// Package engine synchronizes session output between the daemon and a local
// display sink: it coordinates snapshot loads, throttles reload signals,
// windows large outputs, and emits only the incremental delta.
package engine

import (
	"context"
	"time"

	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

// Config assembles an Engine. Fetcher and Sink are required; Bus may be nil
// when no other surface observes load state. The remaining fields override
// defaults and exist mainly for tests.
type Config struct {
	Fetcher SnapshotFetcher
	Sink    Sink
	Bus     *bus.Bus

	RetryBase       time.Duration
	MaxRetries      int
	Throttle        []ThrottleStep
	ThrottleCeiling time.Duration
}

// Engine bundles the coordinator, debouncer, and lifecycle tracker behind
// the handful of operations the rest of the application uses.
type Engine struct {
	co      *Coordinator
	deb     *Debouncer
	tracker *Tracker
	bus     *bus.Bus
}

// New builds a fully wired engine.
func New(cfg Config) *Engine {
	co := NewCoordinator(cfg.Fetcher, cfg.Sink, cfg.Bus)
	if cfg.RetryBase > 0 {
		co.retryBase = cfg.RetryBase
	}
	if cfg.MaxRetries > 0 {
		co.maxRetries = cfg.MaxRetries
	}
	deb := NewDebouncer(
		func(sessionID string) { co.RequestLoad(sessionID, false) },
		co.ChunkCount,
		cfg.Throttle,
		cfg.ThrottleCeiling,
	)
	return &Engine{
		co:      co,
		deb:     deb,
		tracker: NewTracker(co, deb),
		bus:     cfg.Bus,
	}
}

// Run consumes daemon events from the bus until ctx ends or the bus closes.
func (e *Engine) Run(ctx context.Context) {
	if e.bus == nil {
		<-ctx.Done()
		return
	}
	ch, cancel := e.bus.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev bus.Event) {
	switch ev := ev.(type) {
	case bus.OutputAvailable:
		e.deb.OnNotify(ev.SessionID)
	case bus.StatusChanged:
		e.tracker.HandleTransition(ev.SessionID, ev.Old, ev.New)
	case bus.SessionRemoved:
		e.Evict(ev.SessionID)
	case bus.SessionAdded:
		// Engine state is created lazily on first load; nothing to do.
	case bus.LoadStateChanged, bus.Notice:
		// Our own publications echoing back.
	}
}

// OnNotify feeds one "output available" push notification.
func (e *Engine) OnNotify(sessionID string) { e.deb.OnNotify(sessionID) }

// RequestLoad, SwitchTo, SetContinuingConversation, and HandleTransition are
// the tracker/coordinator operations exposed to UI surfaces.

func (e *Engine) RequestLoad(sessionID string, isNewSession bool) {
	e.co.RequestLoad(sessionID, isNewSession)
}

func (e *Engine) SwitchTo(sessionID string) { e.tracker.SwitchTo(sessionID) }

func (e *Engine) SetContinuingConversation(sessionID string, v bool) {
	e.tracker.SetContinuingConversation(sessionID, v)
}

func (e *Engine) HandleTransition(sessionID string, oldStatus, newStatus protocol.Status) {
	e.tracker.HandleTransition(sessionID, oldStatus, newStatus)
}

// ForceResync drops sync state for the session (wedged or not) and reloads
// from scratch. Any pending throttled reload is cancelled first.
func (e *Engine) ForceResync(sessionID string) {
	e.deb.CancelPending(sessionID)
	e.co.ForceResync(sessionID)
}

// Evict removes all engine state for an archived/deleted session.
func (e *Engine) Evict(sessionID string) {
	e.deb.Evict(sessionID)
	e.co.Evict(sessionID)
}

// Seed installs a cached snapshot for warm starts.
func (e *Engine) Seed(snap protocol.OutputSnapshot) { e.co.Seed(snap) }

// Read-only observers for UI chrome.

func (e *Engine) LoadState(sessionID string) LoadState { return e.co.LoadState(sessionID) }

func (e *Engine) LastError(sessionID string) error { return e.co.LastError(sessionID) }

func (e *Engine) IsWaitingForFirstOutput(sessionID string) bool {
	return e.co.IsWaitingForFirstOutput(sessionID)
}

func (e *Engine) ActiveSession() string { return e.co.ActiveSession() }

func (e *Engine) ChunkCount(sessionID string) int { return e.co.ChunkCount(sessionID) }

// Close stops timers and in-flight loads and waits for them to drain.
func (e *Engine) Close() {
	e.deb.Close()
	e.co.Close()
}

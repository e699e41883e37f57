// Package bus is a small typed publish/subscribe fanout between the backend
// feed, the synchronization engine, and the UI surfaces. Events form a closed
// set so handlers can switch exhaustively instead of string-matching.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/stravu/crystal-sub005/internal/logging"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

// Event is one bus message. The concrete types below are the full set.
type Event interface {
	event()
}

// OutputAvailable announces that the daemon has new output for a session.
type OutputAvailable struct {
	SessionID string
}

// StatusChanged announces a session lifecycle transition.
type StatusChanged struct {
	SessionID string
	Old       protocol.Status
	New       protocol.Status
}

// SessionAdded announces a newly created session.
type SessionAdded struct {
	Session protocol.Session
}

// SessionRemoved announces that a session was archived or deleted.
type SessionRemoved struct {
	SessionID string
}

// LoadStateChanged announces an engine load-state transition for observers
// (spinners, status API). State is the engine's LoadState string form.
type LoadStateChanged struct {
	SessionID string
	State     string
	Err       string // last surfaced error message, empty unless State is "error"
}

// Notice is a one-line informational message surfaced outside the output
// stream, e.g. "session archived".
type Notice struct {
	SessionID string
	Text      string
}

func (OutputAvailable) event()  {}
func (StatusChanged) event()    {}
func (SessionAdded) event()     {}
func (SessionRemoved) event()   {}
func (LoadStateChanged) event() {}
func (Notice) event()           {}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full loses the event (counted, periodically logged).
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool

	dropped atomic.Int64
}

// New constructs a Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a subscriber and returns its channel plus a cancel
// function. Cancel stops delivery; it does not close the channel. The
// channel is closed when the bus itself is closed.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

// Publish delivers ev to all current subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	dropped := 0
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.dropped.Add(int64(dropped))
		logging.Aggregate(logging.CompEngine, "bus_event_dropped")
	}
}

// Dropped returns the total number of events lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Further Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

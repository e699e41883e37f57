package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/stravu/crystal-sub005/internal/logging"
)

// ThrottleStep maps an output size to a reload throttle interval.
type ThrottleStep struct {
	MaxChunks int
	Interval  time.Duration
}

// defaultThrottle is the adaptive reload ladder: the more output a session
// has accumulated, the coarser its reload cadence, since each reload costs a
// full snapshot fetch plus reassembly.
var defaultThrottle = []ThrottleStep{
	{MaxChunks: 500, Interval: 1000 * time.Millisecond},
	{MaxChunks: 1000, Interval: 1500 * time.Millisecond},
	{MaxChunks: 2000, Interval: 2000 * time.Millisecond},
}

// defaultThrottleCeiling applies above the last ladder step.
const defaultThrottleCeiling = 3000 * time.Millisecond

type debounceEntry struct {
	lastFire time.Time
	timer    *time.Timer
}

// Debouncer coalesces "output available" notifications into throttled reload
// requests. A notification never fires synchronously: the first one in a
// quiet window schedules a reload a full interval out, and every further
// notification before that timer fires simply confirms it. After a fire, the
// next notification waits out the remainder of the interval.
type Debouncer struct {
	mu      sync.Mutex
	entries map[string]*debounceEntry
	closed  bool

	fire    func(sessionID string)
	sizeOf  func(sessionID string) int
	ladder  []ThrottleStep
	ceiling time.Duration
	now     func() time.Time
}

// NewDebouncer creates a debouncer that calls fire on the reload path and
// consults sizeOf for the session's current chunk count. A nil ladder uses
// the default adaptive intervals.
func NewDebouncer(fire func(sessionID string), sizeOf func(sessionID string) int, ladder []ThrottleStep, ceiling time.Duration) *Debouncer {
	if ladder == nil {
		ladder = defaultThrottle
	}
	if ceiling <= 0 {
		ceiling = defaultThrottleCeiling
	}
	return &Debouncer{
		entries: make(map[string]*debounceEntry),
		fire:    fire,
		sizeOf:  sizeOf,
		ladder:  ladder,
		ceiling: ceiling,
		now:     time.Now,
	}
}

// OnNotify records that the daemon has new output for the session and
// schedules (or confirms) the deferred reload request.
func (d *Debouncer) OnNotify(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	logging.Aggregate(logging.CompEngine, "output_notify", slog.String("session", sessionID))

	e := d.entries[sessionID]
	if e == nil {
		e = &debounceEntry{}
		d.entries[sessionID] = e
	}
	if e.timer != nil {
		// A deferred reload is already pending; this notification rides
		// along without compounding the delay.
		return
	}

	interval := d.intervalFor(d.sizeOf(sessionID))
	delay := interval
	if !e.lastFire.IsZero() {
		if since := d.now().Sub(e.lastFire); since >= 0 && since < interval {
			delay = interval - since
		}
	}
	e.timer = time.AfterFunc(delay, func() { d.fireNow(sessionID) })
}

func (d *Debouncer) fireNow(sessionID string) {
	d.mu.Lock()
	e := d.entries[sessionID]
	if e == nil || d.closed {
		d.mu.Unlock()
		return
	}
	e.timer = nil
	e.lastFire = d.now()
	d.mu.Unlock()

	logging.Aggregate(logging.CompEngine, "reload_request", slog.String("session", sessionID))
	d.fire(sessionID)
}

// intervalFor returns the throttle interval for a session with n chunks.
func (d *Debouncer) intervalFor(n int) time.Duration {
	for _, step := range d.ladder {
		if n <= step.MaxChunks {
			return step.Interval
		}
	}
	return d.ceiling
}

// CancelPending drops any deferred reload for the session. Used on session
// eviction and force resync, where the caller is about to reload explicitly.
func (d *Debouncer) CancelPending(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.entries[sessionID]; e != nil && e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Evict drops all debounce state for a session.
func (d *Debouncer) Evict(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.entries[sessionID]; e != nil {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(d.entries, sessionID)
	}
}

// Close stops all pending timers. Notifications after Close are ignored.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, e := range d.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

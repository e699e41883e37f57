package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/stravu/crystal-sub005/internal/logging"
)

var watcherLog = logging.ForComponent(logging.CompCache)

// DefaultPollInterval is how often the watcher checks for external changes
// when no interval is configured.
const DefaultPollInterval = 2 * time.Second

// Watcher monitors the cache database for writes from other console processes
// by polling the meta.last_modified timestamp. Polling is used instead of
// fsnotify because SQLite under WAL touches sidecar files in ways that are
// unreliable to watch on certain filesystems (9p, NFS, WSL).
type Watcher struct {
	cache     *Cache
	interval  time.Duration
	reloadCh  chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once

	// lastModified tracks the last seen modification timestamp
	lastModified int64
	modMu        sync.RWMutex

	// Tracks when this process saved, to ignore self-triggered changes.
	// The ignore window must be > the poll interval so the first poll after
	// a self-save always falls within the window.
	lastSaveTime time.Time
	saveMu       sync.RWMutex
}

// NewWatcher creates a watcher that polls the cache meta for changes.
// interval <= 0 selects DefaultPollInterval.
func NewWatcher(c *Cache, interval time.Duration) (*Watcher, error) {
	if c == nil {
		return nil, nil
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	// Get initial modification timestamp
	lastMod, _ := c.LastModified()

	return &Watcher{
		cache:        c,
		interval:     interval,
		lastModified: lastMod,
		reloadCh:     make(chan struct{}, 1), // Buffered to prevent blocking
		closeCh:      make(chan struct{}),
	}, nil
}

// Start begins polling for changes (non-blocking).
func (w *Watcher) Start() {
	go w.pollLoop()
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.closeCh:
			return
		case <-ticker.C:
			w.checkAndNotify()
		}
	}
}

// checkAndNotify checks if the meta timestamp has changed and notifies if so.
func (w *Watcher) checkAndNotify() {
	ts, err := w.cache.LastModified()
	if err != nil {
		watcherLog.Debug("watcher_poll_failed", slog.String("error", err.Error()))
		return
	}

	w.modMu.Lock()
	changed := ts > w.lastModified
	if changed {
		w.lastModified = ts
	}
	w.modMu.Unlock()

	if !changed {
		return
	}

	// Changes within the ignore window after our own save are this process's
	// writes landing, not another console instance.
	w.saveMu.RLock()
	lastSave := w.lastSaveTime
	w.saveMu.RUnlock()

	if time.Since(lastSave) < w.ignoreWindow() {
		watcherLog.Debug("watcher_ignoring_own_save")
		return
	}

	watcherLog.Debug("watcher_cache_changed", slog.Int64("timestamp", ts))

	// Non-blocking send (drop if channel full)
	select {
	case w.reloadCh <- struct{}{}:
	default:
		watcherLog.Debug("watcher_reload_channel_full")
	}
}

func (w *Watcher) ignoreWindow() time.Duration {
	return w.interval + time.Second
}

// ReloadChannel returns the channel that signals when reload is needed.
func (w *Watcher) ReloadChannel() <-chan struct{} {
	return w.reloadCh
}

// NotifySave should be called right before this process writes to the cache.
// It marks the current time so the watcher can ignore the resulting change.
func (w *Watcher) NotifySave() {
	w.saveMu.Lock()
	w.lastSaveTime = time.Now()
	w.saveMu.Unlock()
}

// TriggerReload sends a reload signal without waiting for a poll.
func (w *Watcher) TriggerReload() {
	// Update lastModified to current to prevent re-triggering
	if ts, err := w.cache.LastModified(); err == nil {
		w.modMu.Lock()
		w.lastModified = ts
		w.modMu.Unlock()
	}
	select {
	case w.reloadCh <- struct{}{}:
		watcherLog.Debug("watcher_trigger_reload")
	default:
		watcherLog.Debug("watcher_trigger_reload_channel_full")
	}
}

// Close stops the watcher and releases resources. Safe to call multiple times.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.closeCh)
	})
	return nil
}

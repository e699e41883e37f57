package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/logging"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

var dropLog = logging.ForComponent(logging.CompBackend)

// dropDebounce coalesces bursts of file events before processing.
const dropDebounce = 100 * time.Millisecond

// DropWatcher watches an event-drop directory for JSON event files written by
// daemons on the same host. Each file holds one protocol.Event; files are
// consumed (published to the bus, then removed) so the directory stays small.
// This is the fallback path when the websocket feed is unavailable.
type DropWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	bus     *bus.Bus
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDropWatcher creates a watcher for dir, creating it if needed.
// Call Start() in a goroutine.
func NewDropWatcher(dir string, b *bus.Bus) (*DropWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create event-drop dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &DropWatcher{
		dir:     dir,
		watcher: watcher,
		bus:     b,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins watching the drop directory. Must be called in a goroutine.
// Blocks until Stop() is called.
func (w *DropWatcher) Start() {
	if err := w.watcher.Add(w.dir); err != nil {
		dropLog.Warn("drop_watcher_add_failed",
			slog.String("dir", w.dir),
			slog.String("error", err.Error()),
		)
		return
	}

	// Consume files written while no console was running.
	w.sweepExisting()

	// Debounce timer: coalesce rapid file events
	var debounceTimer *time.Timer
	pendingFiles := make(map[string]bool)
	var pendingMu sync.Mutex

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only process .json file writes/creates (not .tmp files)
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			pendingMu.Lock()
			pendingFiles[event.Name] = true
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(dropDebounce, func() {
				pendingMu.Lock()
				files := make([]string, 0, len(pendingFiles))
				for f := range pendingFiles {
					files = append(files, f)
				}
				pendingFiles = make(map[string]bool)
				pendingMu.Unlock()

				for _, f := range files {
					w.consumeEventFile(f)
				}
			})
			pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			dropLog.Warn("drop_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Stop shuts down the watcher.
func (w *DropWatcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
}

// sweepExisting consumes event files already present at startup.
func (w *DropWatcher) sweepExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		w.consumeEventFile(filepath.Join(w.dir, entry.Name()))
	}
}

// consumeEventFile reads, publishes, and removes a single event file.
// Malformed files are removed without publishing so they can't wedge the
// directory.
func (w *DropWatcher) consumeEventFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	ev, err := protocol.ParseEvent(data)
	if err != nil {
		dropLog.Warn("drop_event_malformed",
			slog.String("file", filepath.Base(path)),
			slog.String("error", err.Error()),
		)
		_ = os.Remove(path)
		return
	}

	publishProtocolEvent(w.bus, ev)
	_ = os.Remove(path)

	dropLog.Debug("drop_event_consumed",
		slog.String("type", string(ev.Type)),
		slog.String("session_id", ev.SessionID),
	)
}

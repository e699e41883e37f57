package logging

import (
	"log/slog"
	"sync"
	"time"
)

// bucketKey identifies one event type for batching.
type bucketKey struct {
	Component string
	Event     string
}

// bucket tracks a batched event's count and most recent fields.
type bucket struct {
	Count  int64
	Fields []slog.Attr
}

// Aggregator batches high-frequency events and emits one summary line per
// event type each flush interval. Feed frames and reload notifications are
// recorded here instead of being logged individually.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// If logger is nil, recorded events are silently dropped.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		buckets:  make(map[bucketKey]*bucket),
		done:     make(chan struct{}),
	}
}

// Start begins the background flush goroutine.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.flushLoop()
}

// Stop flushes remaining entries and stops the background goroutine.
func (a *Aggregator) Stop() {
	close(a.done)
	a.wg.Wait()
	a.flush()
}

// Record increments the counter for an event type.
// Fields are kept from the most recent call (last-writer-wins for context).
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := bucketKey{Component: component, Event: event}
	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{}
		a.buckets[key] = b
	}
	b.Count++
	if len(fields) > 0 {
		b.Fields = fields
	}
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.done:
			return
		}
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.buckets) == 0 {
		a.mu.Unlock()
		return
	}
	// Swap out buckets under lock
	buckets := a.buckets
	a.buckets = make(map[bucketKey]*bucket)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	for key, b := range buckets {
		attrs := []any{
			slog.String("component", key.Component),
			slog.String("event", key.Event),
			slog.Int64("count", b.Count),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		}
		for _, f := range b.Fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}

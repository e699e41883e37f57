package backend

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/logging"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

var prefetchLog = logging.ForComponent(logging.CompBackend)

// Prefetcher warms the snapshot cache for known sessions at a bounded rate so
// switching to a session paints from warm data instead of waiting on a fetch.
// Fetches go through the shared Client, so a prefetch and a user-triggered
// load for the same session collapse into one request.
type Prefetcher struct {
	client  *Client
	bus     *bus.Bus
	limiter *rate.Limiter
	seed    func(snap protocol.OutputSnapshot)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPrefetcher creates a prefetcher. seed is called with every fetched
// snapshot (typically the engine's Seed, which never overwrites live state);
// it may be nil when only the client-side cache should be warmed.
func NewPrefetcher(client *Client, b *bus.Bus, perSecond float64, burst int, seed func(protocol.OutputSnapshot)) *Prefetcher {
	if perSecond <= 0 {
		perSecond = 2
	}
	if burst <= 0 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetcher{
		client:  client,
		bus:     b,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		seed:    seed,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the initial warm sweep and the event-driven warming loop
// (non-blocking).
func (p *Prefetcher) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *Prefetcher) run() {
	defer p.wg.Done()

	events, unsubscribe := p.bus.Subscribe(16)
	defer unsubscribe()

	p.sweep()

	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if added, isAdd := ev.(bus.SessionAdded); isAdd {
				if err := p.limiter.Wait(p.ctx); err != nil {
					return
				}
				p.warm(added.Session.ID)
			}
		}
	}
}

// sweep warms every session whose process may still produce output.
func (p *Prefetcher) sweep() {
	sessions, err := p.client.ListSessions(p.ctx)
	if err != nil {
		prefetchLog.Debug("prefetch_list_failed", slog.String("error", err.Error()))
		return
	}
	for _, s := range sessions {
		if !s.Status.Active() {
			continue
		}
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
		p.warm(s.ID)
	}
}

// WarmAsync warms a single session in the background if the rate budget
// allows, dropping the request otherwise. The TUI calls this when the list
// selection moves, ahead of an actual switch.
func (p *Prefetcher) WarmAsync(sessionID string) {
	if p.ctx.Err() != nil || !p.limiter.Allow() {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.warm(sessionID)
	}()
}

func (p *Prefetcher) warm(sessionID string) {
	snap, err := p.client.FetchSnapshot(p.ctx, sessionID)
	if err != nil {
		prefetchLog.Debug("prefetch_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if p.seed != nil {
		p.seed(snap)
	}
}

// Close stops the prefetcher and waits for in-flight warms to finish.
// Safe to call multiple times.
func (p *Prefetcher) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
	return nil
}

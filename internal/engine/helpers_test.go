package engine

import (
	"context"
	"sync"
	"time"

	"github.com/stravu/crystal-sub005/internal/protocol"
)

// fakeFetcher scripts snapshot responses per session and counts calls.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	times   map[string][]time.Time
	handler func(ctx context.Context, sessionID string, call int) (protocol.OutputSnapshot, error)
}

func newFakeFetcher(handler func(ctx context.Context, sessionID string, call int) (protocol.OutputSnapshot, error)) *fakeFetcher {
	return &fakeFetcher{
		calls:   make(map[string]int),
		times:   make(map[string][]time.Time),
		handler: handler,
	}
}

func (f *fakeFetcher) FetchSnapshot(ctx context.Context, sessionID string) (protocol.OutputSnapshot, error) {
	f.mu.Lock()
	f.calls[sessionID]++
	call := f.calls[sessionID]
	f.times[sessionID] = append(f.times[sessionID], time.Now())
	f.mu.Unlock()
	return f.handler(ctx, sessionID, call)
}

func (f *fakeFetcher) callCount(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[sessionID]
}

func (f *fakeFetcher) callTimes(sessionID string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.times[sessionID]))
	copy(out, f.times[sessionID])
	return out
}

// snapshotOf builds a snapshot with the given output chunks.
func snapshotOf(sessionID string, chunks ...string) protocol.OutputSnapshot {
	return protocol.OutputSnapshot{
		SessionID:  sessionID,
		Chunks:     chunks,
		CapturedAt: time.Now(),
	}
}

type sinkCall struct {
	op   WriteOp
	kind BufferKind
	text string
}

// recordingSink captures every sink operation in order.
type recordingSink struct {
	mu      sync.Mutex
	calls   []sinkCall
	notices []string
	bottom  bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{bottom: true}
}

func (s *recordingSink) WriteAll(kind BufferKind, text string) {
	s.record(sinkCall{op: OpWriteAll, kind: kind, text: text})
}

func (s *recordingSink) WriteSuffix(kind BufferKind, text string) {
	s.record(sinkCall{op: OpWriteSuffix, kind: kind, text: text})
}

func (s *recordingSink) Clear(kind BufferKind) {
	s.record(sinkCall{op: OpResetAndClear, kind: kind})
}

func (s *recordingSink) ScrolledToBottom() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bottom
}

func (s *recordingSink) Notice(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, text)
}

func (s *recordingSink) record(c sinkCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

// outputCalls returns the operations applied to the output buffer.
func (s *recordingSink) outputCalls() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkCall
	for _, c := range s.calls {
		if c.kind == BufferOutput {
			out = append(out, c)
		}
	}
	return out
}

func (s *recordingSink) writesOf(op WriteOp) []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkCall
	for _, c := range s.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (s *recordingSink) noticeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notices)
}

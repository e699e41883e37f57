package engine

import "sync"

// WriteOp is the kind of sink operation an update resolves to.
type WriteOp int

const (
	// OpNoop means the sink already shows everything worth showing.
	OpNoop WriteOp = iota
	// OpWriteAll replaces the sink contents with Text.
	OpWriteAll
	// OpWriteSuffix appends Text to the sink.
	OpWriteSuffix
	// OpResetAndClear empties the sink.
	OpResetAndClear
)

func (op WriteOp) String() string {
	switch op {
	case OpWriteAll:
		return "write_all"
	case OpWriteSuffix:
		return "write_suffix"
	case OpResetAndClear:
		return "reset_and_clear"
	}
	return "noop"
}

// WriteInstruction tells the sink what to do with one buffer update. Whether
// the view should auto-scroll is decided by the sink from its own scroll
// position at apply time; the writer does not own scroll state.
type WriteInstruction struct {
	Op   WriteOp
	Kind BufferKind
	Text string
}

type cursorKey struct {
	sessionID string
	kind      BufferKind
}

// IncrementalWriter tracks, per (session, buffer kind), how much of the
// assembled text has already been emitted, and converts each new full text
// into the minimal sink operation.
//
// The cursor only moves backward in two sanctioned cases: an explicit clear
// (empty text) zeroes it together with the sink, and a non-clear shrink
// resynchronizes it silently without touching the sink, so windowing
// artifacts never visibly erase content.
type IncrementalWriter struct {
	mu      sync.Mutex
	cursors map[cursorKey]int
}

// NewIncrementalWriter creates an empty cursor book.
func NewIncrementalWriter() *IncrementalWriter {
	return &IncrementalWriter{
		cursors: make(map[cursorKey]int),
	}
}

// ApplyUpdate computes the sink operation for newFullText and advances the
// cursor accordingly.
func (w *IncrementalWriter) ApplyUpdate(sessionID string, kind BufferKind, newFullText string) WriteInstruction {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := cursorKey{sessionID: sessionID, kind: kind}
	cursor := w.cursors[key]
	n := len(newFullText)

	switch {
	case n == 0 && cursor > 0:
		// Explicit clear: cursor resets atomically with the sink.
		w.cursors[key] = 0
		return WriteInstruction{Op: OpResetAndClear, Kind: kind}

	case n == 0:
		return WriteInstruction{Op: OpNoop, Kind: kind}

	case cursor == 0:
		// First emission for this session (or first after a clear). A full
		// write lets the sink replace stale content from a prior session.
		w.cursors[key] = n
		return WriteInstruction{Op: OpWriteAll, Kind: kind, Text: newFullText}

	case n < cursor:
		// Non-clear shrink: a windowing artifact, not a reset. Resync the
		// cursor and leave the sink alone.
		w.cursors[key] = n
		return WriteInstruction{Op: OpNoop, Kind: kind}

	case n > cursor:
		w.cursors[key] = n
		return WriteInstruction{Op: OpWriteSuffix, Kind: kind, Text: newFullText[cursor:]}

	default: // n == cursor
		return WriteInstruction{Op: OpNoop, Kind: kind}
	}
}

// Cursor returns the current offset for (sessionID, kind).
func (w *IncrementalWriter) Cursor(sessionID string, kind BufferKind) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursors[cursorKey{sessionID: sessionID, kind: kind}]
}

// ResetSession zeroes both buffer cursors for a session. Used when switching
// the active session and on force resync, where the next update should paint
// the sink from scratch.
func (w *IncrementalWriter) ResetSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cursors[cursorKey{sessionID: sessionID, kind: BufferOutput}] = 0
	w.cursors[cursorKey{sessionID: sessionID, kind: BufferTerminal}] = 0
}

// Evict drops all cursor state for a session.
func (w *IncrementalWriter) Evict(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cursors, cursorKey{sessionID: sessionID, kind: BufferOutput})
	delete(w.cursors, cursorKey{sessionID: sessionID, kind: BufferTerminal})
}

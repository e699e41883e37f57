package engine

// Sink is the rendering destination for incremental output. The TUI
// transcript pane implements it over a viewport; the tail command implements
// it over stdout.
//
// Implementations decide auto-scroll themselves: a sink that was scrolled to
// the bottom before a write stays pinned to the bottom after it, one that
// was scrolled up holds its position.
type Sink interface {
	// WriteAll replaces the buffer's contents.
	WriteAll(kind BufferKind, text string)
	// WriteSuffix appends to the buffer.
	WriteSuffix(kind BufferKind, text string)
	// Clear empties the buffer.
	Clear(kind BufferKind)
	// ScrolledToBottom reports whether the view is pinned to the newest
	// output.
	ScrolledToBottom() bool
	// Notice shows a one-line informational message outside the output
	// stream (e.g. "session archived").
	Notice(text string)
}

// applyInstruction routes a write instruction to the sink. Noop deliberately
// touches nothing.
func applyInstruction(s Sink, in WriteInstruction) {
	switch in.Op {
	case OpWriteAll:
		s.WriteAll(in.Kind, in.Text)
	case OpWriteSuffix:
		s.WriteSuffix(in.Kind, in.Text)
	case OpResetAndClear:
		s.Clear(in.Kind)
	}
}

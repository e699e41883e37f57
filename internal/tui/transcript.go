package tui

import (
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/stravu/crystal-sub005/internal/engine"
)

// Transcript is the engine's rendering sink: one text buffer per kind
// (conversation output, raw terminal) behind a viewport showing the active
// one. Engine goroutines write through the sink methods while the bubbletea
// loop reads View; one mutex covers both sides.
//
// Auto-scroll follows the sink contract: a view pinned to the bottom before a
// write stays pinned after it, a view scrolled up holds its position.
type Transcript struct {
	mu   sync.Mutex
	vp   viewport.Model
	bufs [2]strings.Builder
	kind engine.BufferKind

	notice string

	// onChange wakes the bubbletea loop after a write from an engine
	// goroutine. Wired to Program.Send by the caller; may be nil.
	onChange func()
}

// NewTranscript creates an empty transcript pinned to the bottom.
func NewTranscript() *Transcript {
	vp := viewport.New(80, 20)
	vp.SetContent("")
	return &Transcript{vp: vp}
}

// SetOnChange installs the repaint hook. Called once during wiring, before
// the engine starts writing.
func (t *Transcript) SetOnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// WriteAll replaces the buffer's contents.
func (t *Transcript) WriteAll(kind engine.BufferKind, text string) {
	t.mu.Lock()
	t.bufs[kind].Reset()
	t.bufs[kind].WriteString(text)
	t.refreshLocked(kind)
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// WriteSuffix appends to the buffer.
func (t *Transcript) WriteSuffix(kind engine.BufferKind, text string) {
	t.mu.Lock()
	t.bufs[kind].WriteString(text)
	t.refreshLocked(kind)
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Clear empties the buffer.
func (t *Transcript) Clear(kind engine.BufferKind) {
	t.mu.Lock()
	t.bufs[kind].Reset()
	t.refreshLocked(kind)
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ScrolledToBottom reports whether the view is pinned to the newest output.
func (t *Transcript) ScrolledToBottom() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vp.AtBottom()
}

// Notice shows a one-line informational message outside the output stream.
func (t *Transcript) Notice(text string) {
	t.mu.Lock()
	t.notice = text
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// CurrentNotice returns the pending notice line, or "".
func (t *Transcript) CurrentNotice() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notice
}

// ClearNotice dismisses the notice line.
func (t *Transcript) ClearNotice() {
	t.mu.Lock()
	t.notice = ""
	t.mu.Unlock()
}

// Reset empties both buffers and the notice ahead of a session switch, so
// the pane never shows the previous session's text while the new one loads.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.bufs[engine.BufferOutput].Reset()
	t.bufs[engine.BufferTerminal].Reset()
	t.notice = ""
	t.vp.SetContent("")
	t.vp.GotoTop()
	t.mu.Unlock()
}

// ActiveKind returns the buffer currently shown.
func (t *Transcript) ActiveKind() engine.BufferKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind
}

// ToggleKind flips between the output and terminal buffers. The view pins to
// the bottom of the newly shown buffer.
func (t *Transcript) ToggleKind() {
	t.mu.Lock()
	if t.kind == engine.BufferOutput {
		t.kind = engine.BufferTerminal
	} else {
		t.kind = engine.BufferOutput
	}
	t.setContentLocked()
	t.vp.GotoBottom()
	t.mu.Unlock()
}

// Len returns the raw byte length of a buffer.
func (t *Transcript) Len(kind engine.BufferKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bufs[kind].Len()
}

// Text returns a buffer's raw contents.
func (t *Transcript) Text(kind engine.BufferKind) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bufs[kind].String()
}

// SetSize resizes the viewport and re-wraps the visible buffer.
func (t *Transcript) SetSize(width, height int) {
	t.mu.Lock()
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	wasBottom := t.vp.AtBottom()
	t.vp.Width = width
	t.vp.Height = height
	t.setContentLocked()
	if wasBottom {
		t.vp.GotoBottom()
	}
	t.mu.Unlock()
}

// Update routes scroll input (pgup/pgdown/wheel) to the viewport.
func (t *Transcript) Update(msg tea.Msg) tea.Cmd {
	t.mu.Lock()
	var cmd tea.Cmd
	t.vp, cmd = t.vp.Update(msg)
	t.mu.Unlock()
	return cmd
}

// ScrollToBottom pins the view to the newest output.
func (t *Transcript) ScrollToBottom() {
	t.mu.Lock()
	t.vp.GotoBottom()
	t.mu.Unlock()
}

// View renders the viewport.
func (t *Transcript) View() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.vp.View()
}

// refreshLocked re-renders the viewport after a write to kind. Writes to the
// buffer not currently shown leave the viewport untouched.
func (t *Transcript) refreshLocked(kind engine.BufferKind) {
	if kind != t.kind {
		return
	}
	wasBottom := t.vp.AtBottom()
	t.setContentLocked()
	if wasBottom {
		t.vp.GotoBottom()
	}
}

// setContentLocked wraps the active buffer to the viewport width and installs
// it as content. Wrapping keeps long daemon output lines readable; the
// viewport itself never wraps.
func (t *Transcript) setContentLocked() {
	raw := t.bufs[t.kind].String()
	if raw == "" {
		t.vp.SetContent("")
		return
	}
	t.vp.SetContent(lipgloss.NewStyle().Width(t.vp.Width).Render(raw))
}

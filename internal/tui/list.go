package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"

	"github.com/stravu/crystal-sub005/internal/protocol"
)

// SessionList is the left pane: all known sessions with status glyphs, an
// optional fuzzy filter, and a cursor. Selection survives list reloads by
// session id.
type SessionList struct {
	items    []protocol.Session
	visible  []int // indexes into items after filtering
	cursor   int
	activeID string // session currently shown in the transcript

	filter    textinput.Model
	filtering bool

	width  int
	height int
}

// sessionSource adapts the item slice for fuzzy matching on titles.
type sessionSource struct {
	items []protocol.Session
}

func (s sessionSource) String(i int) string { return s.items[i].Title }
func (s sessionSource) Len() int            { return len(s.items) }

// NewSessionList creates an empty list.
func NewSessionList() *SessionList {
	ti := textinput.New()
	ti.Placeholder = "Filter sessions..."
	ti.Prompt = "/ "
	ti.CharLimit = 100
	ti.Width = 24

	return &SessionList{filter: ti}
}

// SetItems replaces the session set, keeping the cursor on the same session
// when it still exists.
func (l *SessionList) SetItems(items []protocol.Session) {
	var keepID string
	if s, ok := l.Selected(); ok {
		keepID = s.ID
	}
	l.items = items
	l.applyFilter()
	if keepID != "" {
		l.selectID(keepID)
	}
}

// SetStatus updates one session's status in place. Unknown ids are ignored;
// the authoritative list arrives with the next reload.
func (l *SessionList) SetStatus(sessionID string, status protocol.Status) {
	for i := range l.items {
		if l.items[i].ID == sessionID {
			l.items[i].Status = status
			return
		}
	}
}

// Remove drops a session from the list.
func (l *SessionList) Remove(sessionID string) {
	for i := range l.items {
		if l.items[i].ID == sessionID {
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	l.applyFilter()
}

// Add appends a session if it is not already present.
func (l *SessionList) Add(s protocol.Session) {
	for i := range l.items {
		if l.items[i].ID == s.ID {
			l.items[i] = s
			l.applyFilter()
			return
		}
	}
	l.items = append(l.items, s)
	l.applyFilter()
}

// SetActive marks the session shown in the transcript pane.
func (l *SessionList) SetActive(sessionID string) { l.activeID = sessionID }

// SetSize sets the pane dimensions.
func (l *SessionList) SetSize(width, height int) {
	l.width = width
	l.height = height
	w := width - 6
	if w < 10 {
		w = 10
	}
	l.filter.Width = w
}

// Len returns the number of visible rows.
func (l *SessionList) Len() int { return len(l.visible) }

// Items returns the full session set, unfiltered.
func (l *SessionList) Items() []protocol.Session { return l.items }

// Selected returns the session under the cursor.
func (l *SessionList) Selected() (protocol.Session, bool) {
	if l.cursor < 0 || l.cursor >= len(l.visible) {
		return protocol.Session{}, false
	}
	return l.items[l.visible[l.cursor]], true
}

// MoveUp moves the cursor up one row.
func (l *SessionList) MoveUp() {
	if l.cursor > 0 {
		l.cursor--
	}
}

// MoveDown moves the cursor down one row.
func (l *SessionList) MoveDown() {
	if l.cursor < len(l.visible)-1 {
		l.cursor++
	}
}

// StartFilter opens the fuzzy filter input.
func (l *SessionList) StartFilter() {
	l.filtering = true
	l.filter.SetValue("")
	l.filter.Focus()
	l.applyFilter()
}

// StopFilter closes the filter and restores the full list.
func (l *SessionList) StopFilter() {
	l.filtering = false
	l.filter.Blur()
	l.filter.SetValue("")
	l.applyFilter()
}

// Filtering reports whether the filter input owns the keyboard.
func (l *SessionList) Filtering() bool { return l.filtering }

// UpdateFilter feeds a key event into the filter input and recomputes the
// visible rows.
func (l *SessionList) UpdateFilter(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	l.filter, cmd = l.filter.Update(msg)
	l.applyFilter()
	return cmd
}

// applyFilter recomputes visible from the current query. An empty query
// shows everything in daemon order.
func (l *SessionList) applyFilter() {
	query := strings.TrimSpace(l.filter.Value())
	if !l.filtering || query == "" {
		l.visible = l.visible[:0]
		for i := range l.items {
			l.visible = append(l.visible, i)
		}
	} else {
		matches := fuzzy.FindFrom(query, sessionSource{items: l.items})
		l.visible = l.visible[:0]
		for _, m := range matches {
			l.visible = append(l.visible, m.Index)
		}
	}
	if l.cursor >= len(l.visible) {
		l.cursor = len(l.visible) - 1
	}
	if l.cursor < 0 {
		l.cursor = 0
	}
}

// selectID moves the cursor to the given session if visible.
func (l *SessionList) selectID(sessionID string) {
	for row, idx := range l.visible {
		if l.items[idx].ID == sessionID {
			l.cursor = row
			return
		}
	}
}

// View renders the pane at its configured size.
func (l *SessionList) View() string {
	var b strings.Builder

	rows := l.height
	if l.filtering {
		b.WriteString(FilterPromptStyle.Render(l.filter.View()))
		b.WriteString("\n")
		rows--
	}
	if rows < 1 {
		rows = 1
	}

	if len(l.visible) == 0 {
		if l.filtering {
			b.WriteString(DimStyle.Render("  no matches"))
		} else {
			b.WriteString(DimStyle.Render("  no sessions"))
		}
		return b.String()
	}

	// Keep the cursor row inside the visible window.
	start := 0
	if l.cursor >= rows {
		start = l.cursor - rows + 1
	}
	end := start + rows
	if end > len(l.visible) {
		end = len(l.visible)
	}

	for row := start; row < end; row++ {
		item := l.items[l.visible[row]]
		b.WriteString(l.renderRow(item, row == l.cursor))
		if row < end-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// renderRow renders one session line: cursor prefix, status glyph, title,
// dim chunk count. Titles are truncated to the pane width.
func (l *SessionList) renderRow(item protocol.Session, selected bool) string {
	prefix := "  "
	if selected {
		prefix = SessionSelectionPrefix.Render("› ")
	}

	glyph := StatusIndicator(item.Status)
	if selected {
		glyph = SessionStatusSelStyle.Render(statusGlyph(item.Status))
	}

	meta := ""
	if item.ChunkCount > 0 {
		meta = fmt.Sprintf(" %d", item.ChunkCount)
	}

	// prefix(2) + glyph(1) + space(1) + meta
	maxTitle := l.width - 4 - runewidth.StringWidth(meta)
	if maxTitle < 4 {
		maxTitle = 4
	}
	title := runewidth.Truncate(item.Title, maxTitle, "…")

	var titleStyled, metaStyled string
	switch {
	case selected:
		titleStyled = SessionTitleSelStyle.Render(title)
		metaStyled = SessionMetaSelStyle.Render(meta)
	case item.ID == l.activeID:
		titleStyled = SessionTitleActive.Render(title)
		metaStyled = SessionMetaStyle.Render(meta)
	default:
		titleStyled = SessionTitleDefault.Render(title)
		metaStyled = SessionMetaStyle.Render(meta)
	}

	return prefix + glyph + " " + titleStyled + metaStyled
}

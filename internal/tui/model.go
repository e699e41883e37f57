package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"

	"github.com/stravu/crystal-sub005/internal/backend"
	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/engine"
	"github.com/stravu/crystal-sub005/internal/logging"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

var tuiLog = logging.ForComponent(logging.CompTUI)

const (
	tickInterval = 2 * time.Second

	// Transient errors auto-dismiss; sync failures stay until resolved.
	errorDismissAfter = 5 * time.Second

	minTerminalWidth  = 40
	minTerminalHeight = 10

	helpBarHeight = 2
)

// Messages delivered into Update. All private; external callers reach the
// model through the bus and the transcript change channel.
type (
	sessionsLoadedMsg struct {
		sessions []protocol.Session
		err      error
	}
	busEventMsg struct {
		ev bus.Event
	}
	transcriptChangedMsg struct{}
	themeChangedMsg      struct {
		dark bool
	}
	inputSentMsg struct {
		sessionID string
		err       error
	}
	tickMsg time.Time
)

// ModelConfig carries the wired dependencies for the console model.
// Transcript must be the same sink instance the engine writes into.
type ModelConfig struct {
	Engine     *engine.Engine
	Client     *backend.Client
	Bus        *bus.Bus
	Transcript *Transcript
	Prefetcher *backend.Prefetcher // optional
	Theme      *ThemeWatcher       // optional, only when theme is "system"
	Version    string

	// SaveSessions persists the daemon's session list (optional). Called
	// only when the list actually changed, so the periodic refresh doesn't
	// turn into a steady write load.
	SaveSessions func([]protocol.Session)
}

// Model is the root bubbletea model: session list on the left, live
// transcript on the right, input line below it.
type Model struct {
	eng      *engine.Engine
	client   *backend.Client
	prefetch *backend.Prefetcher

	list       *SessionList
	transcript *Transcript
	input      textinput.Model
	spin       spinner.Model

	events       <-chan bus.Event
	cancelSub    func()
	transcriptCh chan struct{}
	theme        *ThemeWatcher
	saveSessions func([]protocol.Session)

	version  string
	activeID string

	inputMode      bool
	initialLoading bool

	width  int
	height int

	err     error
	errTime time.Time
}

// NewModel wires the console model. The transcript's change hook is claimed
// here: engine writes from any goroutine wake the UI through an internal
// channel, the same way storage watchers notify older deck UIs.
func NewModel(cfg ModelConfig) *Model {
	ti := textinput.New()
	ti.Placeholder = "press i to send input"
	ti.Prompt = "❯ "
	ti.PromptStyle = InputPromptStyle
	ti.CharLimit = 4096

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorAccent)

	events, cancelSub := cfg.Bus.Subscribe(128)

	m := &Model{
		eng:            cfg.Engine,
		client:         cfg.Client,
		prefetch:       cfg.Prefetcher,
		list:           NewSessionList(),
		transcript:     cfg.Transcript,
		input:          ti,
		spin:           sp,
		events:         events,
		cancelSub:      cancelSub,
		transcriptCh:   make(chan struct{}, 1),
		theme:          cfg.Theme,
		saveSessions:   cfg.SaveSessions,
		version:        cfg.Version,
		initialLoading: true,
	}

	cfg.Transcript.SetOnChange(func() {
		select {
		case m.transcriptCh <- struct{}{}:
		default:
		}
	})

	return m
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.loadSessions,
		m.tick(),
		listenForEvents(m.events),
		listenForTranscript(m.transcriptCh),
	}
	if m.theme != nil {
		cmds = append(cmds, listenForTheme(m.theme))
	}
	return tea.Batch(cmds...)
}

// loadSessions fetches the session list from the daemon.
func (m *Model) loadSessions() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessions, err := m.client.ListSessions(ctx)
	return sessionsLoadedMsg{sessions: sessions, err: err}
}

// sendInput posts one line of user input to a session.
func (m *Model) sendInput(sessionID, text string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := m.client.SendInput(ctx, sessionID, text)
		return inputSentMsg{sessionID: sessionID, err: err}
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// listenForEvents blocks on the bus subscription until the next event.
// Re-armed from Update after each delivery.
func listenForEvents(ch <-chan bus.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return busEventMsg{ev: ev}
	}
}

// listenForTranscript waits for the engine to write into the transcript.
func listenForTranscript(ch chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return transcriptChangedMsg{}
	}
}

// listenForTheme waits for an OS dark mode flip.
func listenForTheme(tw *ThemeWatcher) tea.Cmd {
	return func() tea.Msg {
		dark, ok := <-tw.ChangeChannel()
		if !ok {
			return nil
		}
		return themeChangedMsg{dark: dark}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateSizes()
		return m, nil

	case sessionsLoadedMsg:
		m.initialLoading = false
		if msg.err != nil {
			m.setError(msg.err)
			return m, nil
		}
		if m.saveSessions != nil && !sessionListsEqual(m.list.Items(), msg.sessions) {
			m.saveSessions(msg.sessions)
		}
		m.list.SetItems(msg.sessions)
		if m.activeID == "" && len(msg.sessions) > 0 {
			m.switchTo(msg.sessions[0])
		}
		return m, nil

	case busEventMsg:
		cmd := m.handleBusEvent(msg.ev)
		return m, tea.Batch(cmd, listenForEvents(m.events))

	case transcriptChangedMsg:
		// Repaint; content already landed in the transcript.
		return m, listenForTranscript(m.transcriptCh)

	case themeChangedMsg:
		if msg.dark {
			InitTheme("dark")
		} else {
			InitTheme("light")
		}
		tuiLog.Info("theme_switched", "dark", msg.dark)
		return m, listenForTheme(m.theme)

	case inputSentMsg:
		if msg.err != nil {
			// No restart is coming, close the suppression window.
			m.eng.SetContinuingConversation(msg.sessionID, false)
			m.setError(msg.err)
		}
		return m, nil

	case spinner.TickMsg:
		if m.activeID != "" && m.eng.LoadState(m.activeID) == engine.LoadLoading {
			var cmd tea.Cmd
			m.spin, cmd = m.spin.Update(msg)
			return m, cmd
		}
		// Not loading: swallow the tick and let the spinner go quiet.
		return m, nil

	case tickMsg:
		if m.err != nil && time.Since(m.errTime) > errorDismissAfter {
			m.err = nil
		}
		return m, tea.Batch(m.loadSessions, m.tick())

	case tea.MouseMsg:
		return m, m.transcript.Update(msg)

	case tea.KeyMsg:
		if m.list.Filtering() {
			return m.handleFilterKey(msg)
		}
		if m.inputMode {
			return m.handleInputKey(msg)
		}
		return m.handleMainKey(msg)
	}

	return m, nil
}

// handleBusEvent applies one bus event to UI state. The engine has its own
// subscription; this one only keeps the widgets current.
func (m *Model) handleBusEvent(ev bus.Event) tea.Cmd {
	switch ev := ev.(type) {
	case bus.StatusChanged:
		m.list.SetStatus(ev.SessionID, ev.New)

	case bus.SessionAdded:
		m.list.Add(ev.Session)

	case bus.SessionRemoved:
		m.list.Remove(ev.SessionID)

	case bus.LoadStateChanged:
		if ev.SessionID == m.activeID && ev.State == string(engine.LoadLoading) {
			return m.spin.Tick
		}

	case bus.OutputAvailable, bus.Notice:
		// Repaint only. Output flows through the engine into the
		// transcript; notices are read from the transcript at render.
	}
	return nil
}

func (m *Model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.list.StopFilter()
		return m, nil
	case "enter":
		if s, ok := m.list.Selected(); ok {
			m.switchTo(s)
		}
		m.list.StopFilter()
		return m, nil
	case "up":
		m.list.MoveUp()
		return m, nil
	case "down":
		m.list.MoveDown()
		return m, nil
	default:
		return m, m.list.UpdateFilter(msg)
	}
}

func (m *Model) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.inputMode = false
		m.input.Blur()
		return m, nil
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.activeID == "" {
			return m, nil
		}
		id := m.activeID
		// Open the suppression window before the daemon can restart the
		// session in response to this input.
		m.eng.SetContinuingConversation(id, true)
		m.input.SetValue("")
		return m, m.sendInput(id, text)
	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
}

func (m *Model) handleMainKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.cancelSub()
		if m.theme != nil {
			m.theme.Close()
		}
		return m, tea.Quit

	case "up", "k":
		m.list.MoveUp()
		m.warmSelected()
		return m, nil

	case "down", "j":
		m.list.MoveDown()
		m.warmSelected()
		return m, nil

	case "enter":
		if s, ok := m.list.Selected(); ok {
			m.switchTo(s)
		}
		return m, nil

	case "tab":
		m.transcript.ToggleKind()
		return m, nil

	case "r":
		if m.activeID != "" {
			m.eng.ForceResync(m.activeID)
		}
		return m, nil

	case "/":
		m.list.StartFilter()
		return m, nil

	case "i":
		if m.activeID != "" {
			m.inputMode = true
			m.input.Focus()
		}
		return m, nil

	case "G":
		m.transcript.ScrollToBottom()
		return m, nil

	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		return m, m.transcript.Update(msg)
	}

	return m, nil
}

// warmSelected prefetches the highlighted session so switching to it paints
// from cache.
func (m *Model) warmSelected() {
	if m.prefetch == nil {
		return
	}
	if s, ok := m.list.Selected(); ok && s.ID != m.activeID {
		m.prefetch.WarmAsync(s.ID)
	}
}

// switchTo makes a session active: the pane is wiped before the engine
// repaints it from cache, so nothing from the previous session survives the
// gap while the fresh snapshot is in flight.
func (m *Model) switchTo(s protocol.Session) {
	if s.ID == m.activeID {
		return
	}
	m.activeID = s.ID
	m.list.SetActive(s.ID)
	m.transcript.Reset()
	m.eng.SwitchTo(s.ID)
	m.eng.RequestLoad(s.ID, s.Status == protocol.StatusInitializing)
}

func (m *Model) setError(err error) {
	if err != nil {
		m.err = err
		m.errTime = time.Now()
	}
}

// updateSizes distributes the window between panes. Fixed chrome: header 1,
// help bar 2; right pane internals: tab row 2, status line 1, input line 1.
func (m *Model) updateSizes() {
	contentHeight := m.height - 1 - helpBarHeight
	if contentHeight < 4 {
		contentHeight = 4
	}

	leftWidth := int(float64(m.width) * 0.35)
	if leftWidth < 20 {
		leftWidth = 20
	}
	rightWidth := m.width - leftWidth - 3
	if rightWidth < 20 {
		rightWidth = 20
	}

	panelContentHeight := contentHeight - 2

	m.list.SetSize(leftWidth, panelContentHeight)

	vpHeight := panelContentHeight - 2
	if vpHeight < 1 {
		vpHeight = 1
	}
	m.transcript.SetSize(rightWidth, vpHeight)

	m.input.Width = rightWidth - 4
	if m.input.Width < 10 {
		m.input.Width = 10
	}
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	if m.width < minTerminalWidth || m.height < minTerminalHeight {
		return lipgloss.Place(
			m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			lipgloss.NewStyle().
				Foreground(ColorYellow).
				Render(fmt.Sprintf(
					"Terminal too small (%dx%d)\nMinimum: %dx%d",
					m.width, m.height,
					minTerminalWidth, minTerminalHeight,
				)),
		)
	}

	if m.initialLoading {
		return renderLoadingSplash(m.width, m.height)
	}

	var b strings.Builder

	// Header bar: title, status counts, version badge.
	title := TitleStyle.Render("Crystal Console")
	stats := StatusCounts(m.list.Items())
	versionBadge := lipgloss.NewStyle().
		Foreground(ColorComment).
		Faint(true).
		Render("v" + m.version)

	headerLeft := lipgloss.JoinHorizontal(lipgloss.Left, title, "  ", stats)
	headerPadding := m.width - lipgloss.Width(headerLeft) - lipgloss.Width(versionBadge) - 2
	if headerPadding < 1 {
		headerPadding = 1
	}
	headerBar := lipgloss.NewStyle().
		Background(ColorSurface).
		Width(m.width).
		Render(headerLeft + strings.Repeat(" ", headerPadding) + versionBadge)
	b.WriteString(headerBar)
	b.WriteString("\n")

	// Main content: sessions left, transcript right.
	contentHeight := m.height - 1 - helpBarHeight
	leftWidth := int(float64(m.width) * 0.35)
	if leftWidth < 20 {
		leftWidth = 20
	}
	rightWidth := m.width - leftWidth - 3
	if rightWidth < 20 {
		rightWidth = 20
	}

	leftPanel := renderPanelTitle("SESSIONS", leftWidth) + "\n" +
		ensureExactHeight(m.list.View(), contentHeight-2)
	rightPanel := m.renderTranscriptPanel(rightWidth, contentHeight)

	separatorStyle := lipgloss.NewStyle().Foreground(ColorBorder)
	separatorLines := make([]string, contentHeight)
	for i := range separatorLines {
		separatorLines[i] = separatorStyle.Render(" │ ")
	}
	separator := strings.Join(separatorLines, "\n")

	leftPanel = ensureExactWidth(ensureExactHeight(leftPanel, contentHeight), leftWidth)
	rightPanel = ensureExactWidth(ensureExactHeight(rightPanel, contentHeight), rightWidth)

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, leftPanel, separator, rightPanel))
	b.WriteString("\n")

	b.WriteString(m.renderHelpBar())

	// Transient error line rides below the help bar; the exact-height
	// trim drops it once dismissed.
	if m.err != nil {
		remaining := errorDismissAfter - time.Since(m.errTime)
		if remaining < 0 {
			remaining = 0
		}
		dismissHint := lipgloss.NewStyle().Foreground(ColorText).Render(
			fmt.Sprintf(" (auto-dismiss in %ds)", int(remaining.Seconds())+1))
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render("⚠ "+m.err.Error()) + dismissHint)
	}

	result := ensureExactHeight(b.String(), m.height)
	return lipgloss.NewStyle().Width(m.width).Render(result)
}

// renderTranscriptPanel renders the right pane: buffer tabs, viewport,
// status line, input line.
func (m *Model) renderTranscriptPanel(width, height int) string {
	var b strings.Builder

	// Tab row with an activity spinner while a load is in flight.
	outputTab := TabInactiveStyle.Render("OUTPUT")
	terminalTab := TabInactiveStyle.Render("TERMINAL")
	if m.transcript.ActiveKind() == engine.BufferOutput {
		outputTab = TabActiveStyle.Render("OUTPUT")
	} else {
		terminalTab = TabActiveStyle.Render("TERMINAL")
	}
	tabs := outputTab + " " + terminalTab

	if m.activeID != "" && m.eng.LoadState(m.activeID) == engine.LoadLoading {
		tabs += "  " + m.spin.View() + DimStyle.Render("syncing")
	}

	b.WriteString(tabs)
	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Foreground(ColorBorder).Render(strings.Repeat("─", max(0, width))))
	b.WriteString("\n")

	vpHeight := height - 4
	if vpHeight < 1 {
		vpHeight = 1
	}
	b.WriteString(ensureExactHeight(m.renderTranscriptBody(width, vpHeight), vpHeight))
	b.WriteString("\n")

	b.WriteString(m.renderStatusLine(width))
	b.WriteString("\n")

	b.WriteString(m.input.View())

	return b.String()
}

// renderTranscriptBody shows the viewport, or a hint while there is nothing
// to show yet.
func (m *Model) renderTranscriptBody(width, height int) string {
	if m.activeID == "" {
		return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center,
			DimStyle.Render("select a session"))
	}
	if m.transcript.Len(m.transcript.ActiveKind()) == 0 {
		hint := "no output yet"
		if m.eng.IsWaitingForFirstOutput(m.activeID) {
			hint = "waiting for first output..."
		}
		return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center,
			DimStyle.Render(hint))
	}
	return m.transcript.View()
}

// renderStatusLine surfaces, in priority order: a persistent sync failure,
// a one-shot notice, or nothing.
func (m *Model) renderStatusLine(width int) string {
	if m.activeID == "" {
		return ""
	}
	if m.eng.LoadState(m.activeID) == engine.LoadFailed {
		text := "sync failed"
		if err := m.eng.LastError(m.activeID); err != nil {
			text = "sync failed: " + err.Error()
		}
		return ErrorBannerStyle.Render(truncate.StringWithTail(text+" (r to retry)", uint(max(1, width)), "..."))
	}
	if n := m.transcript.CurrentNotice(); n != "" {
		return NoticeStyle.Render(truncate.StringWithTail("✻ "+n, uint(max(1, width)), "..."))
	}
	return ""
}

// renderHelpBar renders a border line plus context-aware shortcuts.
func (m *Model) renderHelpBar() string {
	borderStyle := lipgloss.NewStyle().Foreground(ColorBorder)
	border := borderStyle.Render(strings.Repeat("─", max(0, m.width)))

	var hints []string
	switch {
	case m.list.Filtering():
		hints = []string{
			MenuKey("⏎", "Switch"),
			MenuKey("esc", "Cancel"),
		}
	case m.inputMode:
		hints = []string{
			MenuKey("⏎", "Send"),
			MenuKey("esc", "Done"),
		}
	default:
		hints = []string{
			MenuKey("⏎", "Switch"),
			MenuKey("tab", "Buffer"),
			MenuKey("i", "Input"),
			MenuKey("r", "Resync"),
			MenuKey("/", "Filter"),
		}
	}

	globalStyle := lipgloss.NewStyle().Foreground(ColorComment)
	rightPart := globalStyle.Render("↑↓ Nav  q Quit")

	leftPart := strings.Join(hints, "  ")
	padding := m.width - lipgloss.Width(leftPart) - lipgloss.Width(rightPart) - 2
	if padding < 2 {
		padding = 2
	}

	return lipgloss.JoinVertical(lipgloss.Left, border,
		leftPart+strings.Repeat(" ", padding)+rightPart)
}

// renderPanelTitle renders a section title with an underline spanning the
// panel width.
func renderPanelTitle(title string, width int) string {
	if len(title) > width && width > 3 {
		title = title[:width-3] + "..."
	}
	titleStyle := lipgloss.NewStyle().
		Foreground(ColorCyan).
		Bold(true).
		Width(width)
	underline := lipgloss.NewStyle().
		Foreground(ColorBorder).
		Render(strings.Repeat("─", max(0, width)))
	return titleStyle.Render(title) + "\n" + underline
}

// renderLoadingSplash centers a minimal banner while the first session list
// loads.
func renderLoadingSplash(width, height int) string {
	titleStyle := lipgloss.NewStyle().Foreground(ColorText).Bold(true)
	subtitleStyle := lipgloss.NewStyle().Foreground(ColorTextDim)
	indicator := lipgloss.NewStyle().Foreground(ColorGreen).Bold(true).Render("●")

	content := indicator + " " + titleStyle.Render("Crystal Console") + "\n" +
		subtitleStyle.Render("Connecting to daemon...")

	return lipgloss.Place(
		width, height,
		lipgloss.Center, lipgloss.Center,
		lipgloss.NewStyle().Align(lipgloss.Center).Width(width).Render(content),
	)
}

// sessionListsEqual compares the fields the cache mirrors, so a refresh that
// changed nothing is not persisted.
func sessionListsEqual(a, b []protocol.Session) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Title != b[i].Title ||
			a[i].Status != b[i].Status || a[i].ChunkCount != b[i].ChunkCount ||
			a[i].MessageCount != b[i].MessageCount {
			return false
		}
	}
	return true
}

// ensureExactHeight truncates or pads content to exactly n lines.
func ensureExactHeight(content string, n int) string {
	if n <= 0 {
		return ""
	}
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = lines[:n]
	} else {
		for len(lines) < n {
			lines = append(lines, "")
		}
	}
	return strings.Join(lines, "\n")
}

// ensureExactWidth pads or truncates every line to the same visual width so
// JoinHorizontal cannot bleed one panel into the other.
func ensureExactWidth(content string, width int) string {
	if width <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	result := make([]string, len(lines))
	for i, line := range lines {
		displayWidth := lipgloss.Width(line)
		switch {
		case displayWidth == width:
			result[i] = line
		case displayWidth < width:
			result[i] = line + strings.Repeat(" ", width-displayWidth)
		default:
			truncated := truncate.StringWithTail(line, uint(width), "...")
			if tw := lipgloss.Width(truncated); tw < width {
				truncated += strings.Repeat(" ", width-tw)
			}
			result[i] = truncated
		}
	}
	return strings.Join(result, "\n")
}

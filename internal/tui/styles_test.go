package tui

import (
	"strings"
	"testing"

	"github.com/stravu/crystal-sub005/internal/protocol"
)

func TestColorsDefined(t *testing.T) {
	colors := []string{
		string(ColorBg),
		string(ColorSurface),
		string(ColorBorder),
		string(ColorText),
		string(ColorAccent),
	}
	for _, c := range colors {
		if c == "" {
			t.Error("Color should not be empty")
		}
	}
}

func TestStatusIndicator(t *testing.T) {
	statuses := []protocol.Status{
		protocol.StatusRunning,
		protocol.StatusWaiting,
		protocol.StatusInitializing,
		protocol.StatusReady,
		protocol.StatusStopped,
		protocol.StatusError,
		protocol.Status("unknown"),
	}
	for _, s := range statuses {
		if StatusIndicator(s) == "" {
			t.Errorf("StatusIndicator(%s) returned empty", s)
		}
	}
}

func TestStatusGlyphs(t *testing.T) {
	tests := []struct {
		status protocol.Status
		glyph  string
	}{
		{protocol.StatusRunning, "●"},
		{protocol.StatusWaiting, "◐"},
		{protocol.StatusInitializing, "⟳"},
		{protocol.StatusError, "✕"},
		{protocol.StatusStopped, "○"},
		{protocol.StatusReady, "○"},
	}
	for _, tt := range tests {
		if got := statusGlyph(tt.status); got != tt.glyph {
			t.Errorf("statusGlyph(%s) = %s, want %s", tt.status, got, tt.glyph)
		}
	}
}

func TestMenuKey(t *testing.T) {
	result := MenuKey("q", "Quit")
	if result == "" {
		t.Error("MenuKey should not return empty string")
	}
}

func TestInitTheme_Dark(t *testing.T) {
	InitTheme("dark")
	if GetCurrentTheme() != ThemeDark {
		t.Errorf("Expected ThemeDark, got %v", GetCurrentTheme())
	}
	if ColorBg != darkColors.Bg {
		t.Errorf("ColorBg should be dark theme color")
	}
}

func TestInitTheme_Light(t *testing.T) {
	InitTheme("light")
	defer InitTheme("dark")

	if GetCurrentTheme() != ThemeLight {
		t.Errorf("Expected ThemeLight, got %v", GetCurrentTheme())
	}
	if ColorBg != lightColors.Bg {
		t.Errorf("ColorBg should be light theme color")
	}
}

func TestInitTheme_UnknownFallsBackToDark(t *testing.T) {
	InitTheme("mauve")
	if GetCurrentTheme() != ThemeDark {
		t.Errorf("Unknown theme should fall back to dark, got %v", GetCurrentTheme())
	}
}

func TestStatusCounts(t *testing.T) {
	sessions := []protocol.Session{
		{Status: protocol.StatusRunning},
		{Status: protocol.StatusInitializing},
		{Status: protocol.StatusWaiting},
		{Status: protocol.StatusStopped},
		{Status: protocol.StatusError},
	}

	out := StatusCounts(sessions)
	if !strings.Contains(out, "2 running") {
		t.Errorf("StatusCounts should fold initializing into running: %q", out)
	}
	if !strings.Contains(out, "1 waiting") {
		t.Errorf("StatusCounts missing waiting: %q", out)
	}
	if !strings.Contains(out, "1 idle") {
		t.Errorf("StatusCounts missing idle: %q", out)
	}
	if !strings.Contains(out, "1 error") {
		t.Errorf("StatusCounts missing error: %q", out)
	}
}

func TestStatusCountsEmpty(t *testing.T) {
	if !strings.Contains(StatusCounts(nil), "no sessions") {
		t.Error("StatusCounts(nil) should render the fallback")
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stravu/crystal-sub005/internal/backend"
	"github.com/stravu/crystal-sub005/internal/cache"
	"github.com/stravu/crystal-sub005/internal/config"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

// Table column widths for sessions command output
const (
	tableColStatus = 12
	tableColTitle  = 24
	tableColID     = 12
	tableColChunks = 6
)

const listTimeout = 5 * time.Second

// handleSessions lists sessions known to the daemon
func handleSessions(profile string, args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Println("Usage: crystal-console sessions [options]")
		fmt.Println()
		fmt.Println("List sessions known to the daemon. Falls back to the local")
		fmt.Println("snapshot cache when the daemon is unreachable.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  crystal-console sessions           # Table for humans")
		fmt.Println("  crystal-console sessions --json    # JSON for scripts")
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	out := NewCLIOutput(*jsonOutput, false)

	daemon := config.GetDaemonSettings()
	client := backend.NewClient(backend.Config{
		BaseURL:     daemon.BaseURL,
		Token:       daemon.Token,
		SnapshotTTL: daemon.SnapshotTTL(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
	defer cancel()

	sessions, err := client.ListSessions(ctx)
	cached := false
	if err != nil {
		sessions, cached = sessionsFromCache(profile)
		if !cached {
			out.Error(fmt.Sprintf("daemon unreachable at %s: %v", daemon.BaseURL, err), ErrCodeDaemonUnreachable)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Warning: daemon unreachable, listing from cache\n")
	}

	if *jsonOutput {
		// JSON output for scripting
		type sessionJSON struct {
			ID           string    `json:"id"`
			Title        string    `json:"title"`
			Status       string    `json:"status"`
			ChunkCount   int       `json:"chunk_count"`
			MessageCount int       `json:"message_count"`
			HasTerminal  bool      `json:"has_terminal"`
			CreatedAt    time.Time `json:"created_at"`
			UpdatedAt    time.Time `json:"updated_at"`
		}
		rows := make([]sessionJSON, 0, len(sessions))
		for _, s := range sessions {
			rows = append(rows, sessionJSON{
				ID:           s.ID,
				Title:        s.Title,
				Status:       string(s.Status),
				ChunkCount:   s.ChunkCount,
				MessageCount: s.MessageCount,
				HasTerminal:  s.HasTerminal,
				CreatedAt:    s.CreatedAt,
				UpdatedAt:    s.UpdatedAt,
			})
		}
		out.Print("", rows)
		return
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	// Table output
	fmt.Printf("  %-*s %-*s %-*s %-*s %s\n", tableColStatus, "STATUS", tableColTitle, "TITLE", tableColID, "ID", tableColChunks, "CHUNKS", "UPDATED")
	fmt.Println(strings.Repeat("-", tableColStatus+tableColTitle+tableColID+tableColChunks+18))
	for _, s := range sessions {
		title := truncate(s.Title, tableColTitle)
		fmt.Printf("%s %-*s %-*s %-*s %-*d %s\n",
			StatusSymbol(s.Status),
			tableColStatus, string(s.Status),
			tableColTitle, title,
			tableColID, TruncateID(s.ID),
			tableColChunks, s.ChunkCount,
			formatAge(s.UpdatedAt))
	}
	fmt.Printf("\nTotal: %d sessions\n", len(sessions))
}

// sessionsFromCache loads the session list from the profile's snapshot cache.
// Only an existing cache counts; a fresh profile reports unreachable instead
// of an empty list.
func sessionsFromCache(profile string) ([]protocol.Session, bool) {
	profileDir, err := config.EnsureProfileDir(config.EffectiveProfile(profile))
	if err != nil {
		return nil, false
	}
	dbPath := filepath.Join(profileDir, "cache.db")
	if _, err := os.Stat(dbPath); err != nil {
		return nil, false
	}
	c, err := cache.Open(dbPath)
	if err != nil {
		return nil, false
	}
	defer c.Close()
	if err := c.Migrate(); err != nil {
		return nil, false
	}
	sessions, err := c.ListSessions()
	if err != nil {
		return nil, false
	}
	return sessions, true
}

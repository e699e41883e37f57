package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stravu/crystal-sub005/internal/cache"
	"github.com/stravu/crystal-sub005/internal/config"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

func TestSessionsFromCacheMissingDatabase(t *testing.T) {
	profile := "_test_sessions_missing"
	dir, err := config.EnsureProfileDir(profile)
	if err != nil {
		t.Fatalf("EnsureProfileDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	if sessions, ok := sessionsFromCache(profile); ok {
		t.Fatalf("fresh profile should not count as cached, got %v", sessions)
	}
}

func TestSessionsFromCacheRoundtrip(t *testing.T) {
	profile := "_test_sessions_cache"
	dir, err := config.EnsureProfileDir(profile)
	if err != nil {
		t.Fatalf("EnsureProfileDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	c, err := cache.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	want := []protocol.Session{
		{ID: "sess-cache-1", Title: "Cached Bot", Status: protocol.StatusRunning,
			ChunkCount: 7, CreatedAt: now, UpdatedAt: now},
	}
	if err := c.UpsertSessions(want); err != nil {
		t.Fatalf("UpsertSessions: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, ok := sessionsFromCache(profile)
	if !ok {
		t.Fatal("expected a cache hit after writing sessions")
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 session, got %d", len(got))
	}
	if got[0].ID != "sess-cache-1" || got[0].Title != "Cached Bot" {
		t.Errorf("unexpected session %+v", got[0])
	}
	if got[0].Status != protocol.StatusRunning {
		t.Errorf("status = %s, want running", got[0].Status)
	}
	if got[0].ChunkCount != 7 {
		t.Errorf("chunk count = %d, want 7", got[0].ChunkCount)
	}
}

// Package protocol defines the wire types shared between the console and the
// session daemon: session descriptors, output snapshots, and the event
// envelope carried over the websocket feed and the event-drop directory.
package protocol

import (
	"time"
)

// Status represents the lifecycle state of a session as reported by the daemon.
type Status string

const (
	StatusInitializing Status = "initializing" // Process is starting, output may not exist yet
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusWaiting      Status = "waiting" // Agent is waiting for user input
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusInitializing, StatusReady, StatusRunning, StatusWaiting, StatusStopped, StatusError:
		return true
	}
	return false
}

// Active reports whether the session's process is expected to produce output.
func (s Status) Active() bool {
	return s == StatusInitializing || s == StatusRunning || s == StatusWaiting
}

// Session describes one supervised agent session.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
	ChunkCount   int       `json:"chunk_count"`   // Raw output chunks held by the daemon
	MessageCount int       `json:"message_count"` // Structured conversation messages
	HasTerminal  bool      `json:"has_terminal,omitempty"`
}

// Message is one structured conversation entry.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// OutputSnapshot is a full, authoritative copy of a session's output as of
// capture time. Consumers replace any locally cached sequences with these;
// they never append.
type OutputSnapshot struct {
	SessionID      string    `json:"session_id"`
	Chunks         []string  `json:"chunks"`
	Messages       []Message `json:"messages,omitempty"`
	TerminalChunks []string  `json:"terminal_chunks,omitempty"`
	CapturedAt     time.Time `json:"captured_at,omitempty"`
}

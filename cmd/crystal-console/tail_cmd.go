package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/stravu/crystal-sub005/internal/backend"
	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/config"
	"github.com/stravu/crystal-sub005/internal/engine"
	"github.com/stravu/crystal-sub005/internal/protocol"
)

const onceTimeout = 15 * time.Second

// handleTail streams one session's output to stdout
func handleTail(profile string, args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	terminal := fs.Bool("terminal", false, "Stream the terminal buffer instead of conversation output")
	once := fs.Bool("once", false, "Print the current output and exit")

	fs.Usage = func() {
		fmt.Println("Usage: crystal-console tail [options] <session>")
		fmt.Println()
		fmt.Println("Stream a session's output to stdout. The session may be named by")
		fmt.Println("title, full ID, or an ID prefix of at least 6 characters.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  crystal-console tail build-bot           # Follow until interrupted")
		fmt.Println("  crystal-console tail build-bot --once    # Print and exit")
		fmt.Println("  crystal-console tail build-bot --terminal")
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	identifier := fs.Arg(0)
	if identifier == "" {
		fs.Usage()
		os.Exit(1)
	}

	out := NewCLIOutput(false, false)

	daemon := config.GetDaemonSettings()
	client := backend.NewClient(backend.Config{
		BaseURL:     daemon.BaseURL,
		Token:       daemon.Token,
		SnapshotTTL: daemon.SnapshotTTL(),
	})

	listCtx, listCancel := context.WithTimeout(context.Background(), listTimeout)
	sessions, err := client.ListSessions(listCtx)
	listCancel()
	if err != nil {
		out.Error(fmt.Sprintf("daemon unreachable at %s: %v", daemon.BaseURL, err), ErrCodeDaemonUnreachable)
		os.Exit(1)
	}

	sess, msg, code := ResolveSession(identifier, sessions)
	if sess == nil {
		out.Error(msg, code)
		os.Exit(1)
	}

	kind := engine.BufferOutput
	if *terminal {
		kind = engine.BufferTerminal
	}

	b := bus.New()
	defer b.Close()

	// Subscribe before requesting the load so the completion event cannot
	// slip past us.
	events, cancelSub := b.Subscribe(64)
	defer cancelSub()

	sink := &stdoutSink{kind: kind, w: os.Stdout}
	eng := engine.New(engine.Config{
		Fetcher: client,
		Sink:    sink,
		Bus:     b,
	})
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eng.Run(ctx)

	eng.SwitchTo(sess.ID)
	eng.RequestLoad(sess.ID, sess.Status == protocol.StatusInitializing)

	if *once {
		waitOnce(ctx, eng, events, sess.ID)
		return
	}

	// Follow mode: wire up the live feed so new output streams in.
	feed := backend.NewFeed(backend.Config{BaseURL: daemon.BaseURL, Token: daemon.Token}, b)
	feed.Start()
	defer feed.Close()

	if daemon.DropDir != "" {
		if dw, err := backend.NewDropWatcher(daemon.DropDir, b); err == nil {
			go dw.Start()
			defer dw.Stop()
		}
	}

	<-ctx.Done()
}

// waitOnce blocks until the session's initial load settles, then returns.
func waitOnce(ctx context.Context, eng *engine.Engine, events <-chan bus.Event, sessionID string) {
	timeout := time.After(onceTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout:
			fmt.Fprintln(os.Stderr, "Error: timed out waiting for session output")
			os.Exit(1)
		case ev, ok := <-events:
			if !ok {
				return
			}
			lsc, ok := ev.(bus.LoadStateChanged)
			if !ok || lsc.SessionID != sessionID {
				continue
			}
			switch lsc.State {
			case string(engine.LoadLoaded):
				// The state read takes the coordinator lock, ordering our
				// return after the paint emitted in the same critical
				// section as this event.
				_ = eng.LoadState(sessionID)
				return
			case string(engine.LoadFailed):
				errText := lsc.Err
				if err := eng.LastError(sessionID); err != nil {
					errText = err.Error()
				}
				fmt.Fprintf(os.Stderr, "Error: %s\n", errText)
				os.Exit(1)
			}
		}
	}
}

// stdoutSink renders engine output onto a writer (stdout in practice). Only
// one buffer kind is forwarded; writes for the other kind are dropped.
type stdoutSink struct {
	kind    engine.BufferKind
	w       io.Writer
	mu      sync.Mutex
	started bool
}

func (s *stdoutSink) WriteAll(kind engine.BufferKind, text string) {
	if kind != s.kind {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		// A full rewrite after output already streamed means the engine
		// resynced; mark the seam instead of silently reprinting history.
		fmt.Fprintln(s.w, "\n--- output resynced ---")
	}
	s.started = true
	fmt.Fprint(s.w, text)
}

func (s *stdoutSink) WriteSuffix(kind engine.BufferKind, text string) {
	if kind != s.kind {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	fmt.Fprint(s.w, text)
}

func (s *stdoutSink) Clear(kind engine.BufferKind) {
	if kind != s.kind {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
}

func (s *stdoutSink) ScrolledToBottom() bool { return true }

func (s *stdoutSink) Notice(text string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", noticeSymbol, text)
}

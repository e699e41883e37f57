package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stravu/crystal-sub005/internal/backend"
	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/config"
	"github.com/stravu/crystal-sub005/internal/engine"
	"github.com/stravu/crystal-sub005/internal/logging"
	"github.com/stravu/crystal-sub005/internal/web"
)

const webShutdownTimeout = 5 * time.Second

// handleWeb runs the local status API server
func handleWeb(profile string, args []string) {
	webCfg := config.GetWebSettings()

	fs := flag.NewFlagSet("web", flag.ExitOnError)
	listen := fs.String("listen", webCfg.Listen, "Bind address")
	token := fs.String("token", webCfg.Token, "Require this token on API requests")
	noPush := fs.Bool("no-push", false, "Disable Web Push notifications")

	fs.Usage = func() {
		fmt.Println("Usage: crystal-console web [options]")
		fmt.Println()
		fmt.Println("Serve session status over HTTP: /api/state for polling,")
		fmt.Println("/ws/state for live transitions, and Web Push for waiting")
		fmt.Println("and errored sessions.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  crystal-console web")
		fmt.Println("  crystal-console web --listen 0.0.0.0:8490 --token s3cret")
		fmt.Println("  crystal-console web --no-push")
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	effectiveProfile := config.EffectiveProfile(profile)
	profileDir, err := config.EnsureProfileDir(effectiveProfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	initLogging(profileDir)
	defer logging.Shutdown()

	webLog := logging.ForComponent(logging.CompWeb)
	webLog.Info("web_started",
		slog.String("version", Version),
		slog.String("profile", effectiveProfile),
		slog.String("listen", *listen))

	daemon := config.GetDaemonSettings()
	client := backend.NewClient(backend.Config{
		BaseURL:     daemon.BaseURL,
		Token:       daemon.Token,
		SnapshotTTL: daemon.SnapshotTTL(),
	})

	b := bus.New()
	defer b.Close()

	eng := engine.New(engine.Config{
		Fetcher: client,
		Sink:    discardSink{},
		Bus:     b,
	})
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	feed := backend.NewFeed(backend.Config{BaseURL: daemon.BaseURL, Token: daemon.Token}, b)
	feed.Start()
	defer feed.Close()

	if daemon.DropDir != "" {
		if dw, err := backend.NewDropWatcher(daemon.DropDir, b); err != nil {
			webLog.Warn("drop_watcher_failed", slog.String("error", err.Error()))
		} else {
			go dw.Start()
			defer dw.Stop()
		}
	}

	// Push state (VAPID keys, subscriptions) lives in the profile dir.
	// Leaving DataDir empty keeps push off entirely.
	dataDir := ""
	if webCfg.GetPushEnabled() && !*noPush {
		dataDir = profileDir
	}

	srv := web.NewServer(web.Config{
		ListenAddr:  *listen,
		Token:       *token,
		DataDir:     dataDir,
		PushSubject: webCfg.PushSubject,
	}, eng, client, b)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		webLog.Info("web_stopping")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), webShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			webLog.Error("web_shutdown_failed", slog.String("error", err.Error()))
		}
	}()

	fmt.Printf("crystal-console web v%s\n", Version)
	fmt.Printf("Listening on http://%s\n", srv.Addr())
	if *token == "" {
		fmt.Println("Warning: no token set; anyone who can reach the port can read session status")
	}
	fmt.Println("Press Ctrl+C to stop")

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	webLog.Info("web_stopped")
}

// discardSink drops all engine output. The web server only serves load and
// status state, never the transcript itself.
type discardSink struct{}

func (discardSink) WriteAll(engine.BufferKind, string)    {}
func (discardSink) WriteSuffix(engine.BufferKind, string) {}
func (discardSink) Clear(engine.BufferKind)               {}
func (discardSink) ScrolledToBottom() bool                { return true }
func (discardSink) Notice(string)                         {}

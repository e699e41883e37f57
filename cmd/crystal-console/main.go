package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/stravu/crystal-sub005/internal/backend"
	"github.com/stravu/crystal-sub005/internal/bus"
	"github.com/stravu/crystal-sub005/internal/cache"
	"github.com/stravu/crystal-sub005/internal/config"
	"github.com/stravu/crystal-sub005/internal/engine"
	"github.com/stravu/crystal-sub005/internal/logging"
	"github.com/stravu/crystal-sub005/internal/protocol"
	"github.com/stravu/crystal-sub005/internal/tui"
)

const Version = "0.4.1"

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss color profile based on terminal capabilities.
// Prefers TrueColor for best visuals, falls back to ANSI256 for compatibility.
func initColorProfile() {
	// Allow user override via environment variable
	// CRYSTAL_CONSOLE_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("CRYSTAL_CONSOLE_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	// Explicit TrueColor support
	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	// Check TERM for capability hints
	termName := os.Getenv("TERM")
	trueColorTerms := []string{
		"xterm-256color",
		"screen-256color",
		"tmux-256color",
		"xterm-direct",
		"alacritty",
		"kitty",
		"wezterm",
	}
	for _, t := range trueColorTerms {
		if strings.Contains(termName, t) || termName == t {
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		}
	}

	// Common terminal emulators announce themselves via env vars
	if os.Getenv("WT_SESSION") != "" || // Windows Terminal
		os.Getenv("ITERM_SESSION_ID") != "" || // iTerm2
		os.Getenv("TERMINAL_EMULATOR") != "" || // JetBrains terminals
		os.Getenv("KONSOLE_VERSION") != "" { // Konsole
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	// Fallback: ANSI256 works in SSH, basic terminals, and older emulators
	lipgloss.SetColorProfile(termenv.ANSI256)
}

func main() {
	// Extract global -p/--profile flag before subcommand dispatch
	profile, args := extractProfileFlag(os.Args[1:])

	if len(args) > 0 {
		switch args[0] {
		case "version", "--version", "-v":
			fmt.Printf("crystal-console v%s\n", Version)
			return
		case "help", "--help", "-h":
			printHelp()
			return
		case "sessions", "list", "ls":
			handleSessions(profile, args[1:])
			return
		case "tail":
			handleTail(profile, args[1:])
			return
		case "web":
			handleWeb(profile, args[1:])
			return
		case "logs":
			handleLogs(profile, args[1:])
			return
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}

	runTUI(profile)
}

func runTUI(profile string) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "Error: the TUI needs an interactive terminal")
		fmt.Fprintln(os.Stderr, "Use 'crystal-console sessions --json' for scripted output.")
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
	installRingDump(profileDir)

	if err := config.CreateExampleConfig(); err != nil {
		logging.ForComponent(logging.CompConfig).Warn("example_config_failed",
			slog.String("error", err.Error()))
	}
	if _, err := config.LoadUserConfig(); err != nil {
		logging.ForComponent(logging.CompConfig).Warn("user_config_invalid",
			slog.String("error", err.Error()))
	}

	mainLog := logging.ForComponent(logging.CompMain)
	mainLog.Info("console_started",
		slog.String("version", Version),
		slog.String("profile", effectiveProfile),
		slog.Int("pid", os.Getpid()))

	daemon := config.GetDaemonSettings()
	client := backend.NewClient(backend.Config{
		BaseURL:     daemon.BaseURL,
		Token:       daemon.Token,
		SnapshotTTL: daemon.SnapshotTTL(),
	})

	// Snapshot cache: persists fetched output so restarts and sibling
	// instances paint instantly before the daemon answers.
	var (
		snapCache *cache.Cache
		watcher   *cache.Watcher
	)
	if c, err := cache.Open(filepath.Join(profileDir, "cache.db")); err != nil {
		mainLog.Warn("cache_unavailable", slog.String("error", err.Error()))
	} else if err := c.Migrate(); err != nil {
		mainLog.Warn("cache_migrate_failed", slog.String("error", err.Error()))
		_ = c.Close()
	} else {
		snapCache = c
		defer snapCache.Close()

		interval := time.Duration(config.GetCacheSettings().WatchIntervalSecs) * time.Second
		if w, err := cache.NewWatcher(snapCache, interval); err == nil && w != nil {
			watcher = w
			watcher.Start()
			defer watcher.Close()
		}
	}

	b := bus.New()
	transcript := tui.NewTranscript()
	eng := engine.New(engine.Config{
		Fetcher: &cachingFetcher{client: client, cache: snapCache, watcher: watcher},
		Sink:    transcript,
		Bus:     b,
	})

	if snapCache != nil {
		seedFromCache(eng, snapCache)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	if snapCache != nil && watcher != nil {
		// Another console instance wrote the cache; pick up what it fetched.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-watcher.ReloadChannel():
					seedFromCache(eng, snapCache)
				}
			}
		}()
	}

	if snapCache != nil {
		// Prune cached snapshots when the daemon archives a session.
		events, cancelSub := b.Subscribe(16)
		go func() {
			defer cancelSub()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					rm, removed := ev.(bus.SessionRemoved)
					if !removed {
						continue
					}
					if watcher != nil {
						watcher.NotifySave()
					}
					if err := snapCache.DeleteSession(rm.SessionID); err != nil {
						logging.ForComponent(logging.CompCache).Warn("cache_prune_failed",
							slog.String("session_id", rm.SessionID),
							slog.String("error", err.Error()))
					}
				}
			}
		}()
	}

	feed := backend.NewFeed(backend.Config{BaseURL: daemon.BaseURL, Token: daemon.Token}, b)
	feed.Start()
	defer feed.Close()

	if daemon.DropDir != "" {
		if dw, err := backend.NewDropWatcher(daemon.DropDir, b); err != nil {
			mainLog.Warn("drop_watcher_failed", slog.String("error", err.Error()))
		} else {
			go dw.Start()
			defer dw.Stop()
		}
	}

	var pf *backend.Prefetcher
	if pfCfg := config.GetPrefetchSettings(); pfCfg.GetEnabled() {
		pf = backend.NewPrefetcher(client, b, pfCfg.PerSecond, pfCfg.Burst,
			func(snap protocol.OutputSnapshot) {
				eng.Seed(snap)
				saveSnapshot(snapCache, watcher, snap)
			})
		pf.Start()
		defer pf.Close()
	}

	theme := config.GetTheme()
	tui.InitTheme(config.ResolveTheme())
	var tw *tui.ThemeWatcher
	if theme == "system" {
		tw = tui.NewThemeWatcher(ctx)
	}

	model := tui.NewModel(tui.ModelConfig{
		Engine:     eng,
		Client:     client,
		Bus:        b,
		Transcript: transcript,
		Prefetcher: pf,
		Theme:      tw,
		Version:    Version,
		SaveSessions: func(sessions []protocol.Session) {
			if snapCache == nil {
				return
			}
			if watcher != nil {
				watcher.NotifySave()
			}
			if err := snapCache.UpsertSessions(sessions); err != nil {
				logging.ForComponent(logging.CompCache).Warn("session_list_save_failed",
					slog.String("error", err.Error()))
			}
		},
	})

	p := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		p.Quit()
	}()

	_, runErr := p.Run()
	signal.Stop(sigChan)
	cancel()
	eng.Close()
	b.Close()
	if runErr != nil {
		fmt.Printf("Error: %v\n", runErr)
		os.Exit(1)
	}
	mainLog.Info("console_stopped")
}

// initLogging wires the structured logger to the profile's console.log.
func initLogging(profileDir string) {
	ls := config.GetLogSettings()
	logging.Init(logging.Config{
		LogDir:                profileDir,
		Level:                 ls.Level,
		Format:                ls.Format,
		MaxSizeMB:             ls.MaxSizeMB,
		MaxBackups:            ls.MaxBackups,
		MaxAgeDays:            ls.RetentionDays,
		Compress:              ls.GetCompress(),
		RingBufferSize:        ls.RingBufferKB * 1024,
		AggregateIntervalSecs: ls.AggregateIntervalSecs,
		PprofEnabled:          ls.PprofEnabled,
		Debug:                 os.Getenv(config.LogLevelEnvVar) == "debug",
	})
}

// installRingDump makes SIGUSR1 dump the in-memory log ring for post-mortem
// debugging without restarting the console.
func installRingDump(profileDir string) {
	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(profileDir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				logging.ForComponent(logging.CompMain).Error("crash_dump_failed",
					slog.String("error", err.Error()))
			} else {
				logging.ForComponent(logging.CompMain).Info("crash_dump_written",
					slog.String("path", dumpPath))
			}
		}
	}()
}

// cachingFetcher persists every successful snapshot fetch so future runs and
// sibling instances can warm-paint from disk.
type cachingFetcher struct {
	client  *backend.Client
	cache   *cache.Cache
	watcher *cache.Watcher
}

func (f *cachingFetcher) FetchSnapshot(ctx context.Context, sessionID string) (protocol.OutputSnapshot, error) {
	snap, err := f.client.FetchSnapshot(ctx, sessionID)
	if err != nil {
		return snap, err
	}
	saveSnapshot(f.cache, f.watcher, snap)
	return snap, nil
}

func saveSnapshot(c *cache.Cache, w *cache.Watcher, snap protocol.OutputSnapshot) {
	if c == nil {
		return
	}
	if w != nil {
		// Mark before writing so the watcher ignores our own change.
		w.NotifySave()
	}
	if err := c.SaveSnapshot(&snap); err != nil {
		logging.ForComponent(logging.CompCache).Warn("snapshot_save_failed",
			slog.String("session_id", snap.SessionID),
			slog.String("error", err.Error()))
	}
}

// seedFromCache warm-fills the engine with cached snapshots. Seeding never
// overwrites sessions the engine already holds fresher data for.
func seedFromCache(eng *engine.Engine, c *cache.Cache) {
	sessions, err := c.ListSessions()
	if err != nil {
		logging.ForComponent(logging.CompCache).Warn("cache_list_failed",
			slog.String("error", err.Error()))
		return
	}
	for _, sess := range sessions {
		snap, err := c.LoadSnapshot(sess.ID)
		if err != nil {
			continue
		}
		eng.Seed(*snap)
	}
}

// extractProfileFlag extracts -p or --profile from args, returning the profile and remaining args
func extractProfileFlag(args []string) (string, []string) {
	var profile string
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "-p=") {
			profile = strings.TrimPrefix(arg, "-p=")
			continue
		}
		if strings.HasPrefix(arg, "--profile=") {
			profile = strings.TrimPrefix(arg, "--profile=")
			continue
		}

		if arg == "-p" || arg == "--profile" {
			if i+1 < len(args) {
				profile = args[i+1]
				i++
				continue
			}
		}

		remaining = append(remaining, arg)
	}

	return profile, remaining
}

func printHelp() {
	fmt.Printf("crystal-console v%s\n", Version)
	fmt.Println("Terminal console for crystal session daemons")
	fmt.Println()
	fmt.Println("Usage: crystal-console [-p profile] [command]")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  -p, --profile <name>   Use specific profile (default: 'default')")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none)           Open the console TUI")
	fmt.Println("  sessions, ls     List sessions known to the daemon")
	fmt.Println("  tail <session>   Stream one session's output to stdout")
	fmt.Println("  web              Run the local status API server")
	fmt.Println("  logs             Print recent console log output")
	fmt.Println("  version          Show version")
	fmt.Println("  help             Show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  crystal-console                       # Open the TUI")
	fmt.Println("  crystal-console -p work               # Open the TUI with the 'work' profile")
	fmt.Println("  crystal-console sessions --json       # List sessions for scripting")
	fmt.Println("  crystal-console tail build-bot        # Follow a session's output")
	fmt.Println("  crystal-console tail build-bot --once # Print the current output and exit")
	fmt.Println("  crystal-console web --listen 127.0.0.1:9000")
	fmt.Println("  crystal-console logs -n 50")
	fmt.Println()
	fmt.Println("Configuration: ~/.crystal-console/config.toml")
	fmt.Println("Environment:   CRYSTAL_CONSOLE_PROFILE, CRYSTAL_CONSOLE_LOG, CRYSTAL_CONSOLE_COLOR")
}

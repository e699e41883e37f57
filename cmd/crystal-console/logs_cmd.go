package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/stravu/crystal-sub005/internal/config"
)

// handleLogs prints recent console log output
func handleLogs(profile string, args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	lineCount := fs.Int("n", 200, "Number of lines to print")
	list := fs.Bool("list", false, "List log files instead of printing")

	fs.Usage = func() {
		fmt.Println("Usage: crystal-console logs [options]")
		fmt.Println()
		fmt.Println("Print the tail of the profile's console log.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  crystal-console logs            # Last 200 lines")
		fmt.Println("  crystal-console logs -n 50")
		fmt.Println("  crystal-console logs --list     # Show rotated files too")
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	profileDir, err := config.EnsureProfileDir(config.EffectiveProfile(profile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *list {
		listLogFiles(profileDir)
		return
	}

	logPath := filepath.Join(profileDir, "console.log")
	data, err := os.ReadFile(logPath)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Println("No log file yet. The TUI and web commands write logs as they run.")
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > *lineCount {
		lines = lines[len(lines)-*lineCount:]
	}
	for _, line := range lines {
		fmt.Println(line)
	}
}

// listLogFiles prints the current and rotated log files with sizes.
func listLogFiles(profileDir string) {
	files, err := filepath.Glob(filepath.Join(profileDir, "console*"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Println("No log files yet.")
		return
	}
	sort.Strings(files)
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		fmt.Printf("%-44s %10s  %s\n",
			filepath.Base(f),
			humanize.Bytes(uint64(info.Size())),
			info.ModTime().Format("2006-01-02 15:04:05"))
	}
}

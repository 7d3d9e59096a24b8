// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Peekctl prints the sessions of a running peek daemon: each session's
// source tab, viewer overlays, capture state, and per-viewer links.
//
//	peekctl [--address URL] [--json] [--color auto|always|never]
//	peekctl watch --tab N [--session ID] [--address URL]
//
// watch attaches a headless viewer surface for tab N and prints what it
// receives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/peek/coordinator"
	"github.com/bureau-foundation/peek/lib/process"
	"github.com/bureau-foundation/peek/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal("peekctl", err)
	}
}

const defaultAddress = "http://127.0.0.1:7457"

// usageError exits with code 2.
type usageError struct{ error }

func (usageError) ExitCode() int { return 2 }

func run() error {
	if len(os.Args) > 1 && os.Args[1] == "watch" {
		return runWatch(os.Args[2:], newLogger())
	}
	var (
		address     string
		asJSON      bool
		colorMode   string
		timeout     time.Duration
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("peekctl", pflag.ContinueOnError)
	flagSet.StringVar(&address, "address", defaultAddress, "daemon base URL")
	flagSet.BoolVar(&asJSON, "json", false, "print the raw session report")
	flagSet.StringVar(&colorMode, "color", "auto", "color output: auto, always, never")
	flagSet.DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return usageError{err}
	}
	if showVersion {
		fmt.Printf("peekctl %s\n", version.Info())
		return nil
	}
	if flagSet.NArg() > 0 {
		return usageError{fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))}
	}
	profile, err := colorProfile(colorMode, os.Stdout)
	if err != nil {
		return usageError{err}
	}

	logger := newLogger()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reports, raw, err := fetch(ctx, address)
	if err != nil {
		return err
	}
	logger.Debug("fetched session report", "address", address, "sessions", len(reports))

	if asJSON {
		_, err := os.Stdout.Write(raw)
		return err
	}
	width := 0
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if columns, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width = columns
		}
	}
	_, err = io.WriteString(os.Stdout, render(reports, profile, width))
	return err
}

// newLogger logs text to a terminal and JSON otherwise.
func newLogger() *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelWarn}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}

func colorProfile(mode string, output *os.File) (termenv.Profile, error) {
	switch mode {
	case "auto":
		return termenv.NewOutput(output).EnvColorProfile(), nil
	case "always":
		return termenv.ANSI256, nil
	case "never":
		return termenv.Ascii, nil
	default:
		return termenv.Ascii, fmt.Errorf("invalid --color %q", mode)
	}
}

func fetch(ctx context.Context, address string) ([]coordinator.SessionReport, []byte, error) {
	url := strings.TrimRight(address, "/") + "/debug/sessions"
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, nil, fmt.Errorf("contacting daemon: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading session report: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("daemon returned %s", response.Status)
	}
	var reports []coordinator.SessionReport
	if err := json.Unmarshal(body, &reports); err != nil {
		return nil, nil, fmt.Errorf("decoding session report: %w", err)
	}
	return reports, body, nil
}

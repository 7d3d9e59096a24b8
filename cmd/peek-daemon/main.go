// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Peek-daemon is the capture and signaling daemon. Browser surfaces and
// the host shim connect to it over WebSocket; it keeps the session
// registry, runs one encode pipeline per session, and negotiates a
// WebRTC connection per viewer tab.
//
// Configuration comes from the file named by --config or PEEK_CONFIG.
//
// HTTP endpoints on the listen address:
//
//	/surface?tab=N    viewer and source surfaces (WebSocket)
//	/host             the browser host shim (WebSocket)
//	/metrics          Prometheus metrics
//	/debug/sessions   JSON session report, read by peekctl
//	/healthz          liveness
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/peek/capture"
	"github.com/bureau-foundation/peek/coordinator"
	"github.com/bureau-foundation/peek/encode"
	"github.com/bureau-foundation/peek/lib/clock"
	"github.com/bureau-foundation/peek/lib/config"
	"github.com/bureau-foundation/peek/lib/kvstore"
	"github.com/bureau-foundation/peek/lib/process"
	"github.com/bureau-foundation/peek/lib/version"
	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal("peek-daemon", err)
	}
}

func run() error {
	var (
		configPath    string
		listen        string
		logLevel      string
		patternWidth  int
		patternHeight int
		showVersion   bool
	)

	flagSet := pflag.NewFlagSet("peek-daemon", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to peek.yaml (default: $PEEK_CONFIG)")
	flagSet.StringVar(&listen, "listen", "", "override the configured listen address")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.IntVar(&patternWidth, "pattern-width", 1280, "width of the test pattern granted to captured tabs")
	flagSet.IntVar(&patternHeight, "pattern-height", 720, "height of the test pattern granted to captured tabs")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("peek-daemon %s\n", version.Full())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ffmpeg := encode.FFmpeg{Binary: cfg.Encoder.FFmpeg, Logger: logger}
	if err := ffmpeg.Available(); err != nil {
		return fmt.Errorf("VP8 encoder unavailable: %w", err)
	}

	store, err := kvstore.OpenFile(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	registry := coordinator.NewRegistry(store, logger)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}

	defaultTheme, err := loadTheme(cfg.ThemeFile)
	if err != nil {
		return err
	}

	realClock := clock.Real()
	webSocketRelay := relay.NewWebSocketRelay(relay.WebSocketConfig{
		InjectTimeout:  cfg.Relay.InjectTimeout,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		StrictOrigins:  cfg.Relay.StrictOrigins,
	}, realClock, logger)
	defer webSocketRelay.Close()

	params := capture.DefaultEncoderParams()
	params.MaxBitrate = cfg.Encoder.MaxBitrate
	params.FrameRate = cfg.Encoder.FrameRate

	engine := capture.NewEngine(
		capture.PatternAcquirer{
			Width:    patternWidth,
			Height:   patternHeight,
			Interval: cfg.Render.FallbackInterval,
			Clock:    realClock,
		},
		coordinator.NewOutbox(registry, webSocketRelay, logger),
		capture.Config{
			ICE:              relay.ICEConfigFromServers(cfg.ICE.Servers),
			Encoder:          ffmpeg.Factory(),
			EncoderParams:    params,
			FrameCallbacks:   cfg.Render.FrameCallbacks,
			FallbackInterval: cfg.Render.FallbackInterval,
			ZeroFrameGrace:   cfg.Render.ZeroFrameGrace,
		},
		realClock,
		logger,
	)
	defer engine.Close()

	coord := coordinator.New(coordinator.Config{
		Registry:         registry,
		Store:            store,
		Engine:           engine,
		Relay:            webSocketRelay,
		Clock:            realClock,
		Logger:           logger,
		GeometryDebounce: cfg.Store.Debounce,
		DefaultTheme:     defaultTheme,
	})
	defer coord.Close()
	webSocketRelay.SetHandler(coord.Handle)
	coord.Resume(ctx)

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	server := &http.Server{
		Handler:           newMux(webSocketRelay, func() []coordinator.SessionReport { return coord.Report(engine.Snapshot()) }),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	logger.Info("peek daemon listening",
		"address", listener.Addr().String(),
		"environment", cfg.Environment,
		"store", cfg.Store.Path,
		"sessions", registry.Len(),
		"version", version.Info(),
	)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// loadTheme reads the optional default theme file. Empty path keeps
// the built-in default.
func loadTheme(path string) (*protocol.Theme, error) {
	if path == "" {
		return nil, nil
	}
	theme := protocol.DefaultTheme
	if err := config.LoadTheme(path, &theme); err != nil {
		return nil, fmt.Errorf("loading default theme: %w", err)
	}
	return &theme, nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/peek/lib/clock"
	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
	"github.com/bureau-foundation/peek/viewer"
)

// runWatch attaches a headless viewer surface to the daemon's relay
// and prints per-session receive counters until interrupted.
func runWatch(args []string, logger *slog.Logger) error {
	var (
		address   string
		tab       int
		sessionID string
		origin    string
		interval  time.Duration
		loopback  bool
	)
	flagSet := pflag.NewFlagSet("peekctl watch", pflag.ContinueOnError)
	flagSet.StringVar(&address, "address", defaultAddress, "daemon base URL")
	flagSet.IntVar(&tab, "tab", 0, "tab id to attach as (required)")
	flagSet.StringVar(&sessionID, "session", "", "request an output of this session on attach")
	flagSet.StringVar(&origin, "origin", "", "Origin header for relays with strict origins")
	flagSet.DurationVar(&interval, "interval", 2*time.Second, "status print interval")
	flagSet.BoolVar(&loopback, "loopback", true, "gather loopback ICE candidates")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return usageError{err}
	}
	if tab <= 0 {
		return usageError{errors.New("watch requires --tab")}
	}
	if interval <= 0 {
		return usageError{fmt.Errorf("invalid --interval %s", interval)}
	}
	target, err := surfaceURL(address, tab)
	if err != nil {
		return usageError{err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	endpoint, err := relay.Dial(ctx, target, header, logger)
	if err != nil {
		return err
	}
	defer endpoint.Close()

	surface := viewer.New(viewer.Config{
		Endpoint: endpoint,
		ICE:      relay.ICEConfig{IncludeLoopback: loopback},
		Logger:   logger,
	})
	defer surface.Close()

	if sessionID != "" {
		if err := surface.Send(ctx, protocol.TypeCreateOutput, protocol.CreateOutput{SessionID: sessionID, OutputTab: tab}); err != nil {
			return fmt.Errorf("requesting output: %w", err)
		}
	}

	ticker := clock.Real().NewTicker(interval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				printWatch(os.Stdout, surface, tab)
			}
		}
	}()

	err = surface.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err == nil {
		return errors.New("relay closed the connection")
	}
	return err
}

// surfaceURL maps the daemon's http(s) address to its relay surface
// endpoint for tab.
func surfaceURL(address string, tab int) (string, error) {
	parsed, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parsing --address: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported --address scheme %q", parsed.Scheme)
	}
	parsed.Path = "/surface"
	parsed.RawQuery = url.Values{"tab": {strconv.Itoa(tab)}}.Encode()
	return parsed.String(), nil
}

// watchStatus is what the viewer knows about one session.
type watchStatus interface {
	Sessions() []string
	OfferID(sessionID string) string
	Packets(sessionID string) int64
	Aspect(sessionID string) (viewer.Aspect, bool)
	Overlays(sessionID string) []string
}

func printWatch(w io.Writer, status watchStatus, tab int) {
	sessions := status.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintf(w, "tab %d: waiting for an offer\n", tab)
		return
	}
	slices.Sort(sessions)
	for _, sessionID := range sessions {
		offer := status.OfferID(sessionID)
		if len(offer) > 8 {
			offer = offer[:8]
		}
		line := fmt.Sprintf("tab %d session %s offer %s packets %d overlays %d",
			tab, sessionID, offer, status.Packets(sessionID), len(status.Overlays(sessionID)))
		if aspect, ok := status.Aspect(sessionID); ok {
			line += fmt.Sprintf(" aspect %dx%d", aspect.Width, aspect.Height)
		}
		fmt.Fprintln(w, line)
	}
}

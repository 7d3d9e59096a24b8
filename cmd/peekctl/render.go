// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/peek/capture"
	"github.com/bureau-foundation/peek/coordinator"
)

type styles struct {
	header  lipgloss.Style
	label   lipgloss.Style
	dim     lipgloss.Style
	good    lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	divider lipgloss.Style
}

func newStyles(profile termenv.Profile) styles {
	renderer := lipgloss.NewRenderer(io.Discard, termenv.WithProfile(profile))
	renderer.SetColorProfile(profile)
	return styles{
		header:  renderer.NewStyle().Bold(true),
		label:   renderer.NewStyle().Foreground(lipgloss.Color("6")),
		dim:     renderer.NewStyle().Foreground(lipgloss.Color("8")),
		good:    renderer.NewStyle().Foreground(lipgloss.Color("2")),
		warn:    renderer.NewStyle().Foreground(lipgloss.Color("3")),
		bad:     renderer.NewStyle().Foreground(lipgloss.Color("1")),
		divider: renderer.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// render formats the report. width bounds the divider; zero uses 60.
func render(reports []coordinator.SessionReport, profile termenv.Profile, width int) string {
	s := newStyles(profile)
	if len(reports) == 0 {
		return s.dim.Render("no sessions") + "\n"
	}
	if width <= 0 || width > 100 {
		width = 60
	}

	var builder strings.Builder
	for index, report := range reports {
		if index > 0 {
			builder.WriteString(s.divider.Render(strings.Repeat("─", width)) + "\n")
		}
		title := fmt.Sprintf("Session %d on tab %d", report.Ordinal, report.SourceTabID)
		if report.SourceTabTitle != "" {
			title += fmt.Sprintf(" %q", report.SourceTabTitle)
		}
		fmt.Fprintf(&builder, "%s  %s\n", s.header.Render(title), s.stateStyle(report.State).Render(report.State))
		fmt.Fprintf(&builder, "  %s %s\n", s.label.Render("id"), s.dim.Render(report.ID))

		tabs := make([]int, 0, len(report.Outputs))
		for tab := range report.Outputs {
			tabs = append(tabs, tab)
		}
		slices.Sort(tabs)
		fmt.Fprintf(&builder, "  %s %d", s.label.Render("outputs"), report.OutputCount)
		for _, tab := range tabs {
			fmt.Fprintf(&builder, "  tab %d×%d", tab, len(report.Outputs[tab]))
		}
		builder.WriteString("\n")

		if report.Capture == nil {
			fmt.Fprintf(&builder, "  %s %s\n", s.label.Render("capture"), s.warn.Render("none"))
			continue
		}
		s.writeCapture(&builder, report.Capture)
	}
	return builder.String()
}

func (s styles) writeCapture(builder *strings.Builder, status *capture.SessionStatus) {
	rendering := s.dim.Render("paused")
	if status.Rendering {
		rendering = s.good.Render("rendering")
	}
	fmt.Fprintf(builder, "  %s gen %d, %d refs, %s, canvas %dx%d",
		s.label.Render("capture"), status.Generation, status.ContextRefs, rendering,
		status.CanvasWidth, status.CanvasHeight)
	if status.Crop != nil {
		fmt.Fprintf(builder, ", crop %dx%d+%d+%d", status.Crop.W, status.Crop.H, status.Crop.X, status.Crop.Y)
	}
	builder.WriteString("\n")

	for _, link := range status.Links {
		target := fmt.Sprintf("tab %d", link.TabID)
		if link.TabID == 0 {
			target = "all tabs"
		}
		offer := link.OfferID
		if len(offer) > 8 {
			offer = offer[:8]
		}
		fmt.Fprintf(builder, "    %s %s  offer %s  %s/%s",
			s.label.Render("link"), target, s.dim.Render(offer),
			link.SignalingState, s.connectionStyle(link.ConnectionState).Render(link.ConnectionState))
		if link.QueuedRemoteICE > 0 {
			fmt.Fprintf(builder, "  %d queued candidates", link.QueuedRemoteICE)
		}
		builder.WriteString("\n")
	}
}

func (s styles) stateStyle(state string) lipgloss.Style {
	switch state {
	case "idle":
		return s.good
	case "reloading", "restoring":
		return s.warn
	default:
		return s.dim
	}
}

func (s styles) connectionStyle(state string) lipgloss.Style {
	switch state {
	case "connected":
		return s.good
	case "failed", "closed":
		return s.bad
	case "disconnected":
		return s.warn
	default:
		return s.dim
	}
}

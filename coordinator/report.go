// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"github.com/bureau-foundation/peek/capture"
)

// SessionReport is the diagnostic view of one session served at
// /debug/sessions.
type SessionReport struct {
	ID              string           `json:"id"`
	SourceTabID     int              `json:"sourceTabId"`
	SourceTabTitle  string           `json:"sourceTabTitle,omitempty"`
	Ordinal         int              `json:"ordinal"`
	SourceOverlayID string           `json:"sourceOverlayId,omitempty"`
	Outputs         map[int][]string `json:"outputs"`
	OutputCount     int              `json:"outputCount"`
	State           string           `json:"state"`

	// Capture is nil when the engine holds no state for the session,
	// for example while its source tab is reloading.
	Capture *capture.SessionStatus `json:"capture,omitempty"`
}

// Report joins every registered session with the engine's status for
// it.
func (c *Coordinator) Report(captures []capture.SessionStatus) []SessionReport {
	byID := make(map[string]capture.SessionStatus, len(captures))
	for _, status := range captures {
		byID[status.SessionID] = status
	}

	sessions := c.registry.List()
	reports := make([]SessionReport, 0, len(sessions))
	for _, session := range sessions {
		report := SessionReport{
			ID:              session.ID,
			SourceTabID:     session.SourceTabID,
			SourceTabTitle:  session.SourceTabTitle,
			Ordinal:         session.Ordinal,
			SourceOverlayID: session.SourceOverlayID,
			Outputs:         session.Outputs,
			OutputCount:     session.OutputCount(),
			State:           c.state(session.ID).String(),
		}
		if status, ok := byID[session.ID]; ok {
			report.Capture = &status
		}
		reports = append(reports, report)
	}
	return reports
}

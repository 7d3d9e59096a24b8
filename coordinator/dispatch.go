// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"

	"github.com/bureau-foundation/peek/capture"
	"github.com/bureau-foundation/peek/protocol"
	"github.com/bureau-foundation/peek/relay"
)

var _ relay.Handler = (*Coordinator)(nil).Handle

// Handle dispatches one inbound relay message. Malformed payloads and
// messages for unknown sessions are logged and dropped; nothing a
// surface sends can fail another session.
func (c *Coordinator) Handle(ctx context.Context, from relay.Origin, envelope protocol.Envelope) {
	var err error
	if from.Host {
		err = c.handleHost(ctx, envelope)
	} else {
		err = c.handleSurface(ctx, from.Tab, envelope)
	}
	if err != nil {
		c.logger.Warn("dropping malformed message",
			"type", envelope.Type,
			"tab", from.Tab,
			"host", from.Host,
			"error", err,
		)
	}
}

func (c *Coordinator) handleHost(ctx context.Context, envelope protocol.Envelope) error {
	switch envelope.Type {
	case protocol.TypeTabRemoved:
		var message protocol.TabRemoved
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.TabRemoved(ctx, message.TabID)

	case protocol.TypeTabUpdated:
		var message protocol.TabUpdated
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.TabUpdated(ctx, message.TabID, message.Status, message.URL)

	case protocol.TypeNavigationCommitted:
		var message protocol.NavigationCommitted
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.NavigationCommitted(ctx, message.TabID, message.Transition)

	case protocol.TypeCommand:
		var message protocol.Command
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.Command(ctx, message.Name, message.TabID)

	default:
		c.logger.Debug("ignoring host message", "type", envelope.Type)
	}
	return nil
}

func (c *Coordinator) handleSurface(ctx context.Context, tab int, envelope protocol.Envelope) error {
	switch envelope.Type {
	case protocol.TypeStartCapture:
		var message protocol.StartCapture
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		source := message.SourceTab
		if source == 0 {
			source = tab
		}
		reply := protocol.CaptureStarted{RequestID: message.RequestID}
		if session, err := c.StartCapture(ctx, source, message.Title); err != nil {
			reply.Error = err.Error()
		} else {
			reply.SessionID = session.ID
			reply.Ordinal = session.Ordinal
		}
		c.send(ctx, tab, protocol.MustEncode(protocol.TypeCaptureStarted, reply))

	case protocol.TypeAssociateOverlay:
		var message protocol.AssociateOverlay
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.AssociateOverlay(ctx, message.SessionID, message.OverlayID)

	case protocol.TypeCreateOutput:
		var message protocol.CreateOutput
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		output := message.OutputTab
		if output == 0 {
			output = tab
		}
		if _, err := c.CreateOutput(ctx, message.SessionID, output); err != nil {
			c.logger.Debug("create output ignored", "session", message.SessionID, "error", err)
		}

	case protocol.TypeCloseOutput:
		var message protocol.CloseOutput
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		target := message.TabID
		if target == 0 {
			target = tab
		}
		c.CloseOutput(ctx, message.SessionID, target, message.OverlayID)

	case protocol.TypeStopSession:
		var message protocol.StopSession
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.StopSession(ctx, message.SessionID)

	case protocol.TypeReconnect:
		var message protocol.Reconnect
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.Reconnect(ctx, message.SessionID, tab)

	case protocol.TypeRequestOffer:
		var message protocol.RequestOffer
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		target := message.TabID
		if target == 0 {
			target = tab
		}
		if err := c.RequestOffer(ctx, message.SessionID, target); err != nil {
			c.logger.Warn("requested offer failed", "session", message.SessionID, "tab", target, "error", err)
		}

	case protocol.TypeOutputTabBoot:
		c.OutputTabBoot(ctx, tab)

	case protocol.TypeVerifyOutput:
		var message protocol.VerifyOutput
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.send(ctx, tab, protocol.MustEncode(protocol.TypeOutputVerified, protocol.OutputVerified{
			SessionID: message.SessionID,
			OverlayID: message.OverlayID,
			Valid:     c.VerifyOutput(message.SessionID, tab, message.OverlayID),
		}))

	case protocol.TypeRequestOutputCount:
		var message protocol.SessionRef
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.SendOutputCount(ctx, message.SessionID, tab)

	case protocol.TypeRequestAspect:
		var message protocol.SessionRef
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.engine.SendAspect(ctx, message.SessionID, tab)

	case protocol.TypeFocusSourceTab:
		var message protocol.SessionRef
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.FocusSourceTab(ctx, message.SessionID)

	case protocol.TypeBroadcastTheme:
		var message protocol.BroadcastTheme
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.BroadcastTheme(ctx, message.Theme)

	case protocol.TypeSessionTheme:
		var message protocol.SessionTheme
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.SetSessionTheme(ctx, message.SessionID, message.Theme)

	case protocol.TypeSaveGeometry:
		var message protocol.SaveGeometry
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.SaveGeometry(message.OverlayID, message.Geometry)

	case protocol.TypeSaveOverlayState:
		var message protocol.SaveOverlayState
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.SaveOverlayState(message.OverlayID, message.State)

	case protocol.TypeFlushGeometry:
		var message protocol.OverlayRef
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.FlushOverlay(message.OverlayID)

	case protocol.TypeSurfaceUnload:
		c.FlushAll()

	case protocol.TypeLoadOverlay:
		var message protocol.OverlayRef
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.send(ctx, tab, protocol.MustEncode(protocol.TypeOverlayRestore, c.LoadOverlay(ctx, message.OverlayID)))

	case protocol.TypeCropUpdate:
		var message protocol.CropUpdate
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		c.UpdateCrop(ctx, message)

	case protocol.TypeAnswer:
		var message protocol.Answer
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		if !c.fromLinkTab(message.SessionID, message.TabID, tab) {
			return nil
		}
		c.negotiationResult("answer", message.SessionID, message.TabID,
			c.engine.ApplyAnswer(ctx, message.SessionID, message.TabID, message.OfferID, message.SDP))

	case protocol.TypeIceCandidate:
		var message protocol.IceCandidate
		if err := envelope.Decode(&message); err != nil {
			return err
		}
		if !c.fromLinkTab(message.SessionID, message.TabID, tab) {
			return nil
		}
		c.negotiationResult("ice", message.SessionID, message.TabID,
			c.engine.AddRemoteIce(ctx, message.SessionID, message.TabID, message.OfferID, message.Candidate))

	default:
		c.logger.Debug("ignoring surface message", "type", envelope.Type, "tab", tab)
	}
	return nil
}

// fromLinkTab checks that a negotiation message for a per-tab link came
// from that tab. Legacy session-wide messages carry no tab.
func (c *Coordinator) fromLinkTab(sessionID string, linkTab, from int) bool {
	if linkTab == 0 || linkTab == from {
		return true
	}
	c.logger.Debug("negotiation message from foreign tab dropped", "session", sessionID, "tab", linkTab, "from", from)
	return false
}

// negotiationResult logs the outcome of an answer or candidate. Stale
// and mismatched messages are expected during renegotiation.
func (c *Coordinator) negotiationResult(kind, sessionID string, tab int, err error) {
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrStaleOffer),
		errors.Is(err, capture.ErrWrongSignalingState),
		errors.Is(err, capture.ErrNoLink):
		c.logger.Debug("stale negotiation message dropped", "kind", kind, "session", sessionID, "tab", tab, "error", err)
	default:
		c.logger.Warn("applying negotiation message failed", "kind", kind, "session", sessionID, "tab", tab, "error", err)
	}
}

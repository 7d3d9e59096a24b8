// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/peek/lib/config"
	"github.com/bureau-foundation/peek/protocol"
)

// ICEConfig holds what every PeerConnection on either side of a link is
// built from.
type ICEConfig struct {
	// Servers is the STUN/TURN list. Empty yields host candidates only,
	// which is enough on one machine.
	Servers []webrtc.ICEServer

	// IncludeLoopback gathers loopback candidates. Tests and
	// single-machine setups need it because loopback may be the only
	// interface.
	IncludeLoopback bool
}

// ICEConfigFromServers converts configured servers.
func ICEConfigFromServers(servers []config.ICEServer) ICEConfig {
	result := ICEConfig{}
	for _, server := range servers {
		result.Servers = append(result.Servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return result
}

// NewPeerConnection builds a PeerConnection whose media engine offers
// VP8 only.
func (c ICEConfig) NewPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
			RTCPFeedback: []webrtc.RTCPFeedback{
				{Type: "goog-remb"},
				{Type: "ccm", Parameter: "fir"},
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
			},
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("registering VP8: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(c.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: c.Servers})
}

// CandidateInit converts a browser candidate to pion's form.
func CandidateInit(candidate protocol.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}
}

// CandidateFromInit converts a gathered candidate for the wire.
func CandidateFromInit(init webrtc.ICECandidateInit) protocol.Candidate {
	return protocol.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Control messages, surface to coordinator.
const (
	TypeStartCapture       = "start-capture"
	TypeCaptureStarted     = "capture-started"
	TypeCreateOutput       = "create-output"
	TypeCloseOutput        = "close-output"
	TypeStopSession        = "stop-session"
	TypeAssociateOverlay   = "associate-overlay"
	TypeReconnect          = "reconnect"
	TypeRequestOffer       = "request-offer"
	TypeOutputTabBoot      = "output-tab-boot"
	TypeVerifyOutput       = "verify-output"
	TypeOutputVerified     = "output-verified"
	TypeRequestOutputCount = "request-output-count"
	TypeRequestAspect      = "request-aspect"
	TypeFocusSourceTab     = "focus-source-tab"
	TypeBroadcastTheme     = "broadcast-theme"
	TypeSessionTheme       = "session-theme"
	TypeSaveGeometry       = "save-geometry"
	TypeSaveOverlayState   = "save-overlay-state"
	TypeFlushGeometry      = "flush-geometry"
	TypeSurfaceUnload      = "surface-unload"
	TypeLoadOverlay        = "load-overlay"
	TypeOverlayRestore     = "overlay-restore"
)

// Negotiation and geometry.
const (
	TypeOffer               = "offer"
	TypeAnswer              = "answer"
	TypeIceCandidate        = "ice-candidate"
	TypeCropUpdate          = "crop-update"
	TypeAspectRatioChanged  = "aspect-ratio-changed"
	TypeOutputsCountChanged = "outputs-count-changed"
)

// Surface commands, coordinator to surface.
const (
	TypeCreateOutputOverlay   = "create-output-overlay"
	TypeHideOverlay           = "hide-overlay"
	TypeSetOverlayKind        = "set-overlay-kind"
	TypeShowOverlay           = "show-overlay"
	TypeThemeUpdate           = "theme-update"
	TypeRestoreSourceGeometry = "restore-source-geometry"
)

// Host channel.
const (
	TypeTabRemoved          = "tab-removed"
	TypeTabUpdated          = "tab-updated"
	TypeNavigationCommitted = "navigation-committed"
	TypeCommand             = "command"
	TypeInjectSurface       = "inject-surface"
	TypeFocusTab            = "focus-tab"
)

// Overlay kinds carried by SetOverlayKind.
const (
	KindSource = "source"
	KindOutput = "output"
)

// Keyboard commands carried by Command.
const (
	CommandStartCaptureBox       = "start-capture-box"
	CommandAddOutputForLatestBox = "add-output-for-latest-box"
)

// Tab status values carried by TabUpdated.
const (
	StatusLoading  = "loading"
	StatusComplete = "complete"
)

// TransitionReload is the NavigationCommitted transition for a reload.
const TransitionReload = "reload"

// Geometry is an overlay rectangle in CSS pixels relative to its tab's
// viewport.
type Geometry struct {
	Left   float64 `json:"left" cbor:"left"`
	Top    float64 `json:"top" cbor:"top"`
	Width  float64 `json:"width" cbor:"width"`
	Height float64 `json:"height" cbor:"height"`
}

// Theme is the visual style of an overlay.
type Theme struct {
	ShadowColor string  `json:"shadowColor" cbor:"shadowColor"`
	Radius      int     `json:"radius" cbor:"radius"`
	BorderWidth int     `json:"borderWidth" cbor:"borderWidth"`
	Opacity     float64 `json:"opacity" cbor:"opacity"`
}

// DefaultTheme is used when neither the session nor the global options
// carry a theme.
var DefaultTheme = Theme{
	ShadowColor: "#000000",
	Radius:      2,
	BorderWidth: 0,
	Opacity:     0.1,
}

// OverlayState is the persisted pause state of one output overlay.
type OverlayState struct {
	Paused bool   `json:"paused" cbor:"paused"`
	Poster string `json:"poster,omitempty" cbor:"poster,omitempty"`
}

// StartCapture asks the coordinator to capture SourceTab.
type StartCapture struct {
	SourceTab int    `json:"sourceTab"`
	Title     string `json:"title,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// CaptureStarted answers StartCapture. Error is set when acquisition
// failed and no session exists.
type CaptureStarted struct {
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Ordinal   int    `json:"ordinal,omitempty"`
	Error     string `json:"error,omitempty"`
}

type CreateOutput struct {
	SessionID string `json:"sessionId"`
	OutputTab int    `json:"outputTab"`
}

type CloseOutput struct {
	SessionID string `json:"sessionId"`
	TabID     int    `json:"tabId"`
	OverlayID string `json:"overlayId"`
}

type StopSession struct {
	SessionID string `json:"sessionId"`
}

type AssociateOverlay struct {
	SessionID string `json:"sessionId"`
	OverlayID string `json:"overlayId"`
}

// Reconnect is sent by a viewer surface restored from a suspended state.
type Reconnect struct {
	SessionID string `json:"sessionId"`
	TabID     int    `json:"tabId"`
}

// RequestOffer asks the engine for a fresh negotiation of one link.
type RequestOffer struct {
	SessionID string `json:"sessionId"`
	TabID     int    `json:"tabId,omitempty"`
}

// OutputTabBoot is sent by a surface as soon as it loads, before the
// host reports the tab complete.
type OutputTabBoot struct {
	TabID int `json:"tabId"`
}

type VerifyOutput struct {
	SessionID string `json:"sessionId"`
	OverlayID string `json:"overlayId"`
}

type OutputVerified struct {
	SessionID string `json:"sessionId"`
	OverlayID string `json:"overlayId"`
	Valid     bool   `json:"valid"`
}

// SessionRef is the payload of messages that only name a session:
// RequestOutputCount, RequestAspect, FocusSourceTab.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

type BroadcastTheme struct {
	Theme Theme `json:"theme"`
}

type SessionTheme struct {
	SessionID string `json:"sessionId"`
	Theme     Theme  `json:"theme"`
}

type SaveGeometry struct {
	OverlayID string   `json:"overlayId"`
	Geometry  Geometry `json:"geometry"`
}

type SaveOverlayState struct {
	OverlayID string       `json:"overlayId"`
	State     OverlayState `json:"state"`
}

// OverlayRef is the payload of FlushGeometry and LoadOverlay.
type OverlayRef struct {
	OverlayID string `json:"overlayId"`
}

// OverlayRestore answers LoadOverlay. Nil fields had no saved value.
type OverlayRestore struct {
	OverlayID string        `json:"overlayId"`
	Geometry  *Geometry     `json:"geometry,omitempty"`
	State     *OverlayState `json:"state,omitempty"`
}

// Offer carries an SDP offer to a viewer. SrcWidth and SrcHeight are
// the crop size when one is set, else the native video size.
type Offer struct {
	SessionID string `json:"sessionId"`
	TabID     int    `json:"tabId,omitempty"`
	SDP       string `json:"sdp"`
	SrcWidth  int    `json:"srcWidth"`
	SrcHeight int    `json:"srcHeight"`
	OfferID   string `json:"offerId"`
}

type Answer struct {
	SessionID string `json:"sessionId"`
	TabID     int    `json:"tabId,omitempty"`
	SDP       string `json:"sdp"`
	OfferID   string `json:"offerId"`
}

// Candidate mirrors the browser's RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type IceCandidate struct {
	SessionID string    `json:"sessionId"`
	TabID     int       `json:"tabId,omitempty"`
	Candidate Candidate `json:"candidate"`
	OfferID   string    `json:"offerId,omitempty"`
}

// CropUpdate reports the source overlay rectangle so the engine can
// crop the captured frame to it.
type CropUpdate struct {
	SessionID      string   `json:"sessionId"`
	Geometry       Geometry `json:"geometry"`
	ViewportWidth  float64  `json:"viewportWidth"`
	ViewportHeight float64  `json:"viewportHeight"`
	DPR            float64  `json:"dpr"`
}

type AspectRatioChanged struct {
	SessionID string `json:"sessionId"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type OutputsCountChanged struct {
	SessionID string `json:"sessionId"`
	Count     int    `json:"count"`
}

type CreateOutputOverlay struct {
	SessionID   string `json:"sessionId"`
	OverlayID   string `json:"overlayId"`
	Theme       Theme  `json:"theme"`
	Ordinal     int    `json:"ordinal"`
	SourceTitle string `json:"sourceTitle,omitempty"`
}

// HideOverlay removes an overlay. An empty OverlayID hides every
// overlay of the session in the receiving tab.
type HideOverlay struct {
	SessionID string `json:"sessionId"`
	OverlayID string `json:"overlayId,omitempty"`
}

type SetOverlayKind struct {
	SessionID string `json:"sessionId"`
	OverlayID string `json:"overlayId,omitempty"`
	Kind      string `json:"kind"`
	Ordinal   int    `json:"ordinal"`
}

type ShowOverlay struct {
	SessionID string `json:"sessionId"`
	OverlayID string `json:"overlayId,omitempty"`
}

type ThemeUpdate struct {
	SessionID string `json:"sessionId"`
	Theme     Theme  `json:"theme"`
}

type RestoreSourceGeometry struct {
	SessionID string   `json:"sessionId"`
	OverlayID string   `json:"overlayId"`
	Geometry  Geometry `json:"geometry"`
}

type TabRemoved struct {
	TabID int `json:"tabId"`
}

// TabUpdated reports a tab status change. URL is set only when the tab
// navigated to a different address.
type TabUpdated struct {
	TabID  int    `json:"tabId"`
	Status string `json:"status,omitempty"`
	URL    string `json:"url,omitempty"`
}

// NavigationCommitted is reported for main-frame navigations only.
type NavigationCommitted struct {
	TabID      int    `json:"tabId"`
	Transition string `json:"transition"`
}

// Command is a keyboard shortcut. TabID is the active tab when it fired.
type Command struct {
	Name  string `json:"name"`
	TabID int    `json:"tabId"`
}

type InjectSurface struct {
	TabID int `json:"tabId"`
}

type FocusTab struct {
	TabID int `json:"tabId"`
}

package types

import (
	"fmt"
	"time"
)

// EventKind tags the normalized event variants
type EventKind string

const (
	EventCallCreated      EventKind = "call_created"
	EventCallStateChanged EventKind = "call_state_changed"
	EventTranscript       EventKind = "transcript_received"
	EventRecordingReady   EventKind = "recording_ready"
	EventClientDial       EventKind = "client_dial"
	EventClientHangup     EventKind = "client_hangup"
)

// EventSource identifies which producer emitted the event
type EventSource string

const (
	SourceTelephony EventSource = "telephony"
	SourceWebRTC    EventSource = "webrtc"
)

// Event is the single normalized form every inbound payload is reduced
// to at the boundary. Downstream components never see raw webhook JSON.
// Exactly one of the pointer fields is set, matching Kind.
type Event struct {
	Kind   EventKind
	Source EventSource

	// ExternalCallID is the telephony-network call identifier, when known
	ExternalCallID string

	// WebRTCCallID is the browser-side call identifier, when known
	WebRTCCallID string

	// ExternalEventID dedups redelivered webhooks; may be empty
	ExternalEventID string

	ReceivedAt time.Time

	State      *CallStateChange
	Transcript *TranscriptTurn
	Recording  *Recording
	Dial       *DialIntent
}

// IdempotencyKey returns the dedup key for the event, or "" when the
// producer supplied no event identifier
func (e *Event) IdempotencyKey() string {
	if e.ExternalEventID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s", e.Source, e.ExternalEventID)
}

// CallStateChange carries a telephony call-state transition
type CallStateChange struct {
	State      string // created, ringing, answered, ended
	FromNumber string
	ToNumber   string
	StartTime  *time.Time
	AnswerTime *time.Time
	EndTime    *time.Time
	EndReason  string
}

// DialIntent carries a WebRTC client's request to start a call
type DialIntent struct {
	PhoneNumber   string
	AgentID       string
	ListeningMode ListeningMode
}

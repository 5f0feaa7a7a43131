// Package normalizer reduces every inbound payload, telephony webhook or
// WebRTC client intent, to the typed event the rest of the pipeline
// consumes. Validation happens once here; downstream components never
// touch raw JSON.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/livecall/backend/internal/types"
)

// ErrMalformedEvent rejects payloads that match no known variant.
// Handlers translate it to a 400; no state is touched.
var ErrMalformedEvent = errors.New("malformed event")

// ErrEmptyUtterance marks transcription frames with no text. They are
// acknowledged and dropped, matching upstream transcriber behavior.
var ErrEmptyUtterance = errors.New("empty utterance")

// transcribePayload is the live-transcription webhook shape
type transcribePayload struct {
	EventID    string  `json:"event_id"`
	Confidence float64 `json:"confidence"`
	Utterance  struct {
		Role       string  `json:"role"`
		Content    string  `json:"content"`
		Confidence float64 `json:"confidence"`
		Timestamp  int64   `json:"timestamp"` // microseconds since epoch
		Final      bool    `json:"final"`
	} `json:"utterance"`
	CallInfo struct {
		CallID string `json:"call_id"`
	} `json:"call_info"`
	SequenceNumber int `json:"sequence_number"`
	ChannelData    struct {
		SWMLVars struct {
			UserVariables struct {
				DestinationNumber string `json:"destination_number"`
			} `json:"userVariables"`
		} `json:"SWMLVars"`
	} `json:"channel_data"`
}

// callStatePayload is the call-state webhook shape
type callStatePayload struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Params    struct {
		CallID    string `json:"call_id"`
		CallState string `json:"call_state"`
		Direction string `json:"direction"`
		Parent    struct {
			CallID string `json:"call_id"`
		} `json:"parent"`
		Device struct {
			Params struct {
				FromNumber string `json:"from_number"`
				ToNumber   string `json:"to_number"`
			} `json:"params"`
		} `json:"device"`
		StartTime  int64  `json:"start_time"`  // milliseconds since epoch
		AnswerTime int64  `json:"answer_time"` // milliseconds since epoch
		EndTime    int64  `json:"end_time"`    // milliseconds since epoch
		EndReason  string `json:"end_reason"`
	} `json:"params"`
}

// recordingPayload is the recording-status webhook shape
type recordingPayload struct {
	EventID string `json:"event_id"`
	Params  struct {
		RecordingID string `json:"recording_id"`
		CallID      string `json:"call_id"`
		State       string `json:"state"`
		URL         string `json:"url"`
		Record      struct {
			Audio struct {
				Format    string `json:"format"`
				Stereo    bool   `json:"stereo"`
				Direction string `json:"direction"`
			} `json:"audio"`
		} `json:"record"`
	} `json:"params"`
}

// dialPayload is the WebRTC client's dial intent
type dialPayload struct {
	WebRTCCallID  string `json:"webrtc_call_id"`
	PhoneNumber   string `json:"phone_number"`
	AgentID       string `json:"agent_id"`
	ListeningMode string `json:"listening_mode"`
}

// knownCallStates are the only accepted call_state values
var knownCallStates = map[string]bool{
	"created":  true,
	"ringing":  true,
	"answered": true,
	"ended":    true,
}

// NormalizeTranscribe parses a live-transcription webhook body
func NormalizeTranscribe(raw []byte) (*types.Event, error) {
	var p transcribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if p.CallInfo.CallID == "" {
		return nil, fmt.Errorf("%w: missing call_info.call_id", ErrMalformedEvent)
	}
	if p.Utterance.Content == "" {
		return nil, ErrEmptyUtterance
	}

	var speaker types.Speaker
	switch p.Utterance.Role {
	case "remote-caller":
		speaker = types.SpeakerCustomer
	case "local-caller":
		speaker = types.SpeakerAgent
	default:
		return nil, fmt.Errorf("%w: unknown utterance role %q", ErrMalformedEvent, p.Utterance.Role)
	}

	confidence := p.Utterance.Confidence
	if confidence == 0 {
		confidence = p.Confidence
	}

	ts := time.Now().UTC()
	if p.Utterance.Timestamp > 0 {
		ts = time.UnixMicro(p.Utterance.Timestamp).UTC()
	}

	return &types.Event{
		Kind:            types.EventTranscript,
		Source:          types.SourceTelephony,
		ExternalCallID:  p.CallInfo.CallID,
		ExternalEventID: p.EventID,
		ReceivedAt:      time.Now().UTC(),
		Transcript: &types.TranscriptTurn{
			Speaker:         speaker,
			Text:            p.Utterance.Content,
			Confidence:      confidence,
			SequenceNumber:  p.SequenceNumber,
			Timestamp:       ts,
			ExternalEventID: p.EventID,
			Final:           p.Utterance.Final,
		},
	}, nil
}

// NormalizeCallState parses a call-state webhook body. The parent call
// id, when present, identifies the WebRTC leg the PSTN leg belongs to
// and is preferred for session lookup.
func NormalizeCallState(raw []byte) (*types.Event, error) {
	var p callStatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	callID := p.Params.CallID
	webrtcID := ""
	if p.Params.Parent.CallID != "" {
		// Child PSTN leg: the parent is the browser-originated call
		webrtcID = p.Params.Parent.CallID
	}
	if callID == "" && webrtcID == "" {
		return nil, fmt.Errorf("%w: missing params.call_id", ErrMalformedEvent)
	}
	if !knownCallStates[p.Params.CallState] {
		return nil, fmt.Errorf("%w: unknown call_state %q", ErrMalformedEvent, p.Params.CallState)
	}

	kind := types.EventCallStateChanged
	if p.Params.CallState == "created" {
		kind = types.EventCallCreated
	}

	return &types.Event{
		Kind:            kind,
		Source:          types.SourceTelephony,
		ExternalCallID:  callID,
		WebRTCCallID:    webrtcID,
		ExternalEventID: p.EventID,
		ReceivedAt:      time.Now().UTC(),
		State: &types.CallStateChange{
			State:      p.Params.CallState,
			FromNumber: p.Params.Device.Params.FromNumber,
			ToNumber:   p.Params.Device.Params.ToNumber,
			StartTime:  msTime(p.Params.StartTime),
			AnswerTime: msTime(p.Params.AnswerTime),
			EndTime:    msTime(p.Params.EndTime),
			EndReason:  p.Params.EndReason,
		},
	}, nil
}

// NormalizeRecordingStatus parses a recording-status webhook body
func NormalizeRecordingStatus(raw []byte) (*types.Event, error) {
	var p recordingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if p.Params.CallID == "" || p.Params.RecordingID == "" {
		return nil, fmt.Errorf("%w: missing recording identifiers", ErrMalformedEvent)
	}

	return &types.Event{
		Kind:            types.EventRecordingReady,
		Source:          types.SourceTelephony,
		ExternalCallID:  p.Params.CallID,
		ExternalEventID: p.EventID,
		ReceivedAt:      time.Now().UTC(),
		Recording: &types.Recording{
			RecordingID: p.Params.RecordingID,
			CallID:      p.Params.CallID,
			URL:         p.Params.URL,
			Format:      p.Params.Record.Audio.Format,
			Stereo:      p.Params.Record.Audio.Stereo,
			Direction:   p.Params.Record.Audio.Direction,
			State:       p.Params.State,
		},
	}, nil
}

// NormalizeDial parses a WebRTC client dial intent
func NormalizeDial(raw []byte) (*types.Event, error) {
	var p dialPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if p.WebRTCCallID == "" {
		return nil, fmt.Errorf("%w: missing webrtc_call_id", ErrMalformedEvent)
	}

	mode := types.ListeningMode(p.ListeningMode)
	switch mode {
	case types.ListenAgent, types.ListenCustomer, types.ListenBoth:
	case "":
		mode = types.ListenBoth
	default:
		return nil, fmt.Errorf("%w: unknown listening_mode %q", ErrMalformedEvent, p.ListeningMode)
	}

	return &types.Event{
		Kind:         types.EventClientDial,
		Source:       types.SourceWebRTC,
		WebRTCCallID: p.WebRTCCallID,
		ReceivedAt:   time.Now().UTC(),
		Dial: &types.DialIntent{
			PhoneNumber:   p.PhoneNumber,
			AgentID:       p.AgentID,
			ListeningMode: mode,
		},
	}, nil
}

// NormalizeHangup builds the client hangup event for a call id taken
// from the request path
func NormalizeHangup(webrtcCallID string) (*types.Event, error) {
	if webrtcCallID == "" {
		return nil, fmt.Errorf("%w: missing call id", ErrMalformedEvent)
	}
	return &types.Event{
		Kind:         types.EventClientHangup,
		Source:       types.SourceWebRTC,
		WebRTCCallID: webrtcCallID,
		ReceivedAt:   time.Now().UTC(),
	}, nil
}

// msTime converts a milliseconds-since-epoch value, zero meaning unset
func msTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

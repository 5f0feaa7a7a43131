package normalizer

import (
	"errors"
	"testing"
	"time"

	"github.com/livecall/backend/internal/types"
)

func TestNormalizeTranscribe(t *testing.T) {
	raw := []byte(`{
		"event_id": "ev-1",
		"utterance": {
			"role": "remote-caller",
			"content": "my card was declined",
			"confidence": 0.92,
			"timestamp": 1700000000000000,
			"final": false
		},
		"call_info": {"call_id": "ext-1"},
		"sequence_number": 7
	}`)

	ev, err := NormalizeTranscribe(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ev.Kind != types.EventTranscript {
		t.Errorf("expected kind %s, got %s", types.EventTranscript, ev.Kind)
	}
	if ev.ExternalCallID != "ext-1" {
		t.Errorf("expected external call id ext-1, got %s", ev.ExternalCallID)
	}
	if ev.Transcript.Speaker != types.SpeakerCustomer {
		t.Errorf("expected customer speaker, got %s", ev.Transcript.Speaker)
	}
	if ev.Transcript.Text != "my card was declined" {
		t.Errorf("unexpected text: %s", ev.Transcript.Text)
	}
	if ev.Transcript.SequenceNumber != 7 {
		t.Errorf("expected sequence 7, got %d", ev.Transcript.SequenceNumber)
	}
	want := time.UnixMicro(1700000000000000).UTC()
	if !ev.Transcript.Timestamp.Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, ev.Transcript.Timestamp)
	}
	if ev.IdempotencyKey() != "telephony:ev-1" {
		t.Errorf("unexpected idempotency key: %s", ev.IdempotencyKey())
	}
}

func TestNormalizeTranscribeAgentRole(t *testing.T) {
	raw := []byte(`{
		"utterance": {"role": "local-caller", "content": "how can I help"},
		"call_info": {"call_id": "ext-1"}
	}`)

	ev, err := NormalizeTranscribe(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Transcript.Speaker != types.SpeakerAgent {
		t.Errorf("expected agent speaker, got %s", ev.Transcript.Speaker)
	}
}

func TestNormalizeTranscribeConfidenceFallback(t *testing.T) {
	raw := []byte(`{
		"confidence": 0.7,
		"utterance": {"role": "remote-caller", "content": "hello"},
		"call_info": {"call_id": "ext-1"}
	}`)

	ev, err := NormalizeTranscribe(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Transcript.Confidence != 0.7 {
		t.Errorf("expected top-level confidence fallback 0.7, got %f", ev.Transcript.Confidence)
	}
}

func TestNormalizeTranscribeEmptyUtterance(t *testing.T) {
	raw := []byte(`{
		"utterance": {"role": "remote-caller", "content": ""},
		"call_info": {"call_id": "ext-1"}
	}`)

	_, err := NormalizeTranscribe(raw)
	if !errors.Is(err, ErrEmptyUtterance) {
		t.Errorf("expected ErrEmptyUtterance, got %v", err)
	}
}

func TestNormalizeTranscribeMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{`},
		{"missing call id", `{"utterance":{"role":"remote-caller","content":"hi"}}`},
		{"unknown role", `{"utterance":{"role":"narrator","content":"hi"},"call_info":{"call_id":"x"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizeTranscribe([]byte(tc.raw))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestNormalizeCallState(t *testing.T) {
	raw := []byte(`{
		"event_type": "calling.call.state",
		"event_id": "ev-2",
		"params": {
			"call_id": "pstn-1",
			"call_state": "answered",
			"direction": "outbound",
			"parent": {"call_id": "webrtc-1"},
			"device": {"params": {"from_number": "+15551230000", "to_number": "+15559870000"}},
			"start_time": 1700000000000,
			"answer_time": 1700000005000
		}
	}`)

	ev, err := NormalizeCallState(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ev.Kind != types.EventCallStateChanged {
		t.Errorf("expected state-changed kind, got %s", ev.Kind)
	}
	if ev.ExternalCallID != "pstn-1" {
		t.Errorf("expected external id pstn-1, got %s", ev.ExternalCallID)
	}
	if ev.WebRTCCallID != "webrtc-1" {
		t.Errorf("expected parent call id to become the webrtc id, got %s", ev.WebRTCCallID)
	}
	if ev.State.State != "answered" {
		t.Errorf("expected answered state, got %s", ev.State.State)
	}
	if ev.State.AnswerTime == nil || ev.State.AnswerTime.UnixMilli() != 1700000005000 {
		t.Errorf("unexpected answer time: %v", ev.State.AnswerTime)
	}
	if ev.State.EndTime != nil {
		t.Errorf("expected nil end time, got %v", ev.State.EndTime)
	}
}

func TestNormalizeCallStateCreated(t *testing.T) {
	raw := []byte(`{"params": {"call_id": "pstn-1", "call_state": "created"}}`)

	ev, err := NormalizeCallState(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != types.EventCallCreated {
		t.Errorf("expected call-created kind, got %s", ev.Kind)
	}
}

func TestNormalizeCallStateUnknownState(t *testing.T) {
	raw := []byte(`{"params": {"call_id": "pstn-1", "call_state": "levitating"}}`)

	_, err := NormalizeCallState(raw)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestNormalizeCallStateMissingIDs(t *testing.T) {
	raw := []byte(`{"params": {"call_state": "ringing"}}`)

	_, err := NormalizeCallState(raw)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestNormalizeRecordingStatus(t *testing.T) {
	raw := []byte(`{
		"event_id": "ev-3",
		"params": {
			"recording_id": "rec-1",
			"call_id": "pstn-1",
			"state": "finished",
			"url": "https://example.com/rec-1.wav",
			"record": {"audio": {"format": "wav", "stereo": true, "direction": "both"}}
		}
	}`)

	ev, err := NormalizeRecordingStatus(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ev.Kind != types.EventRecordingReady {
		t.Errorf("expected recording kind, got %s", ev.Kind)
	}
	if ev.Recording.RecordingID != "rec-1" {
		t.Errorf("expected recording id rec-1, got %s", ev.Recording.RecordingID)
	}
	if ev.Recording.Format != "wav" || !ev.Recording.Stereo {
		t.Errorf("unexpected audio metadata: %+v", ev.Recording)
	}
}

func TestNormalizeRecordingStatusMissingIDs(t *testing.T) {
	raw := []byte(`{"params": {"state": "finished"}}`)

	_, err := NormalizeRecordingStatus(raw)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestNormalizeDial(t *testing.T) {
	raw := []byte(`{
		"webrtc_call_id": "webrtc-1",
		"phone_number": "+15559870000",
		"agent_id": "agent-7",
		"listening_mode": "customer"
	}`)

	ev, err := NormalizeDial(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ev.Kind != types.EventClientDial {
		t.Errorf("expected dial kind, got %s", ev.Kind)
	}
	if ev.Source != types.SourceWebRTC {
		t.Errorf("expected webrtc source, got %s", ev.Source)
	}
	if ev.Dial.ListeningMode != types.ListenCustomer {
		t.Errorf("expected customer listening mode, got %s", ev.Dial.ListeningMode)
	}
}

func TestNormalizeDialDefaultsListeningMode(t *testing.T) {
	raw := []byte(`{"webrtc_call_id": "webrtc-1"}`)

	ev, err := NormalizeDial(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Dial.ListeningMode != types.ListenBoth {
		t.Errorf("expected default both mode, got %s", ev.Dial.ListeningMode)
	}
}

func TestNormalizeDialRejectsUnknownMode(t *testing.T) {
	raw := []byte(`{"webrtc_call_id": "webrtc-1", "listening_mode": "psychic"}`)

	_, err := NormalizeDial(raw)
	if !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestNormalizeHangup(t *testing.T) {
	ev, err := NormalizeHangup("webrtc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != types.EventClientHangup {
		t.Errorf("expected hangup kind, got %s", ev.Kind)
	}
	if ev.WebRTCCallID != "webrtc-1" {
		t.Errorf("expected webrtc-1, got %s", ev.WebRTCCallID)
	}

	if _, err := NormalizeHangup(""); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent for empty id, got %v", err)
	}
}

package reconciler

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/livecall/backend/internal/hub"
	"github.com/livecall/backend/internal/types"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	channel string
	env     types.Envelope
	prio    hub.Priority
}

func (f *fakePublisher) Publish(channel string, env types.Envelope, prio hub.Priority) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{channel, env, prio})
	return 1
}

func (f *fakePublisher) SubscriberCount(_ string) int { return 0 }

func (f *fakePublisher) byEvent(event string) []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMsg
	for _, m := range f.published {
		if m.env.Event == event {
			out = append(out, m)
		}
	}
	return out
}

type fakeTurnSink struct {
	mu     sync.Mutex
	turns  []types.TranscriptTurn
	closed []string
}

func (f *fakeTurnSink) Append(turn types.TranscriptTurn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
}

func (f *fakeTurnSink) CloseCall(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, callID)
}

func (f *fakeTurnSink) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

func (f *fakeTurnSink) closedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type fakeEndSink struct {
	mu         sync.Mutex
	ended      []string
	summarized []types.CallSession
}

func (f *fakeEndSink) MarkEnded(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, callID)
}

func (f *fakeEndSink) SummarizeCall(session types.CallSession, _ []types.TranscriptTurn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summarized = append(f.summarized, session)
}

func (f *fakeEndSink) summaries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.summarized)
}

type fakeStore struct {
	mu      sync.Mutex
	records []types.CallRecord
	turns   []types.TranscriptTurn
}

func (f *fakeStore) SaveCallRecord(record types.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeStore) SaveTranscriptTurn(turn types.TranscriptTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return nil
}

func (f *fakeStore) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fixture struct {
	rec   *Reconciler
	pub   *fakePublisher
	sink  *fakeTurnSink
	ends  *fakeEndSink
	store *fakeStore
}

func newFixture() *fixture {
	pub := &fakePublisher{}
	sink := &fakeTurnSink{}
	ends := &fakeEndSink{}
	store := &fakeStore{}
	rec := New(pub, sink, ends, store, zerolog.New(&bytes.Buffer{}))
	return &fixture{rec: rec, pub: pub, sink: sink, ends: ends, store: store}
}

// waitFor polls until cond holds; worker goroutines apply events
// asynchronously
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func stateEvent(extID, webrtcID, state string, eventID string) *types.Event {
	return &types.Event{
		Kind:            types.EventCallStateChanged,
		Source:          types.SourceTelephony,
		ExternalCallID:  extID,
		WebRTCCallID:    webrtcID,
		ExternalEventID: eventID,
		ReceivedAt:      time.Now().UTC(),
		State:           &types.CallStateChange{State: state},
	}
}

func transcriptEvent(extID string, seq int, text, eventID string) *types.Event {
	return &types.Event{
		Kind:            types.EventTranscript,
		Source:          types.SourceTelephony,
		ExternalCallID:  extID,
		ExternalEventID: eventID,
		ReceivedAt:      time.Now().UTC(),
		Transcript: &types.TranscriptTurn{
			Speaker:        types.SpeakerCustomer,
			Text:           text,
			SequenceNumber: seq,
			Timestamp:      time.Now().UTC(),
		},
	}
}

func dialEvent(webrtcID string) *types.Event {
	return &types.Event{
		Kind:         types.EventClientDial,
		Source:       types.SourceWebRTC,
		WebRTCCallID: webrtcID,
		ReceivedAt:   time.Now().UTC(),
		Dial: &types.DialIntent{
			PhoneNumber:   "+15551230000",
			AgentID:       "agent-7",
			ListeningMode: types.ListenBoth,
		},
	}
}

func (fx *fixture) sessionStatus(id string) types.CallStatus {
	s, ok := fx.rec.Session(id)
	if !ok {
		return ""
	}
	return s.Status
}

func TestProvisionalSessionFromFirstEvent(t *testing.T) {
	fx := newFixture()

	// A transcript for an unseen call still creates a session
	id := fx.rec.Handle(transcriptEvent("ext-1", 1, "hello", "ev-1"))
	if id == "" {
		t.Fatal("expected a session id")
	}

	waitFor(t, func() bool { return fx.sink.turnCount() == 1 })

	s, ok := fx.rec.Session(id)
	if !ok {
		t.Fatal("expected session to exist")
	}
	if s.Status != types.CallStatusPending {
		t.Errorf("expected provisional pending status, got %s", s.Status)
	}
	if s.ExternalCallID != "ext-1" {
		t.Errorf("expected external id bound, got %q", s.ExternalCallID)
	}
}

func TestSameExternalIDSameSession(t *testing.T) {
	fx := newFixture()

	a := fx.rec.Handle(stateEvent("ext-1", "", "created", "ev-1"))
	b := fx.rec.Handle(transcriptEvent("ext-1", 1, "hello", "ev-2"))

	if a != b {
		t.Errorf("expected both events on one session, got %s and %s", a, b)
	}
}

func TestDualIDMergesToOneSession(t *testing.T) {
	fx := newFixture()

	// Browser dials first, telephony reports the child leg with the
	// parent's webrtc id later
	a := fx.rec.Handle(dialEvent("webrtc-1"))
	b := fx.rec.Handle(stateEvent("ext-1", "webrtc-1", "ringing", "ev-1"))
	c := fx.rec.Handle(transcriptEvent("ext-1", 1, "hello", "ev-2"))

	if a != b || b != c {
		t.Errorf("expected one session for both identifiers, got %s / %s / %s", a, b, c)
	}

	waitFor(t, func() bool { return fx.sessionStatus(a) == types.CallStatusRinging })
	s, _ := fx.rec.Session(a)
	if s.ExternalCallID != "ext-1" || s.WebRTCCallID != "webrtc-1" {
		t.Errorf("expected both identifiers on the session, got %+v", s)
	}
}

func TestUncorrelatedSessionsStaySeparate(t *testing.T) {
	fx := newFixture()

	a := fx.rec.Handle(dialEvent("webrtc-1"))
	b := fx.rec.Handle(stateEvent("ext-1", "", "created", "ev-1"))
	if a == b {
		t.Fatal("expected two distinct sessions before correlation")
	}

	// An event carrying both ids routes by its source, never merges
	c := fx.rec.Handle(stateEvent("ext-1", "webrtc-1", "ringing", "ev-2"))
	if c != b {
		t.Errorf("expected telephony event routed to the telephony session, got %s", c)
	}
}

func TestLifecycleToEnded(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "created", "ev-1"))
	fx.rec.Handle(stateEvent("ext-1", "", "ringing", "ev-2"))
	fx.rec.Handle(stateEvent("ext-1", "", "answered", "ev-3"))
	fx.rec.Handle(transcriptEvent("ext-1", 1, "hello", "ev-4"))
	fx.rec.Handle(stateEvent("ext-1", "", "ended", "ev-5"))

	waitFor(t, func() bool { return fx.sessionStatus(id) == types.CallStatusEnded })

	// Each transition publishes to the call channel and general
	waitFor(t, func() bool { return len(fx.pub.byEvent(types.MsgCallStatus)) == 8 })

	for _, m := range fx.pub.byEvent(types.MsgCallStatus) {
		if m.prio != hub.PriorityHigh {
			t.Error("status messages must be high priority")
		}
	}

	waitFor(t, func() bool { return fx.store.recordCount() == 1 })
	fx.store.mu.Lock()
	record := fx.store.records[0]
	fx.store.mu.Unlock()
	if record.Status != string(types.CallStatusEnded) {
		t.Errorf("expected ended record, got %s", record.Status)
	}
	if record.TurnCount != 1 {
		t.Errorf("expected 1 turn in record, got %d", record.TurnCount)
	}
}

func TestNeverAnsweredEndsFailed(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "created", "ev-1"))
	fx.rec.Handle(stateEvent("ext-1", "", "ringing", "ev-2"))
	fx.rec.Handle(stateEvent("ext-1", "", "ended", "ev-3"))

	waitFor(t, func() bool { return fx.sessionStatus(id) == types.CallStatusFailed })

	// Failed calls produce no summary
	time.Sleep(50 * time.Millisecond)
	if fx.ends.summaries() != 0 {
		t.Errorf("expected no summary for a failed call, got %d", fx.ends.summaries())
	}
}

func TestTerminalDominatesReordering(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "created", "ev-1"))
	fx.rec.Handle(stateEvent("ext-1", "", "ended", "ev-2"))
	waitFor(t, func() bool { return fx.sessionStatus(id).IsTerminal() })

	// The late answered event must not resurrect the call
	fx.rec.Handle(stateEvent("ext-1", "", "answered", "ev-3"))
	time.Sleep(50 * time.Millisecond)

	if !fx.sessionStatus(id).IsTerminal() {
		t.Errorf("expected terminal status to persist, got %s", fx.sessionStatus(id))
	}
}

func TestIllegalTransitionIgnored(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "answered", "ev-1"))
	waitFor(t, func() bool { return fx.sessionStatus(id) == types.CallStatusActive })

	fx.rec.Handle(stateEvent("ext-1", "", "ringing", "ev-2"))
	time.Sleep(50 * time.Millisecond)

	if fx.sessionStatus(id) != types.CallStatusActive {
		t.Errorf("expected active to survive a late ringing, got %s", fx.sessionStatus(id))
	}
}

func TestDuplicateEventAppliedOnce(t *testing.T) {
	fx := newFixture()

	fx.rec.Handle(transcriptEvent("ext-1", 1, "hello", "ev-dup"))
	fx.rec.Handle(transcriptEvent("ext-1", 1, "hello", "ev-dup"))

	waitFor(t, func() bool { return fx.sink.turnCount() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if fx.sink.turnCount() != 1 {
		t.Errorf("expected redelivered webhook applied once, got %d turns", fx.sink.turnCount())
	}
}

func TestTranscriptAfterTerminalDiscarded(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "answered", "ev-1"))
	fx.rec.Handle(stateEvent("ext-1", "", "ended", "ev-2"))
	waitFor(t, func() bool { return fx.sessionStatus(id) == types.CallStatusEnded })

	fx.rec.Handle(transcriptEvent("ext-1", 1, "too late", "ev-3"))
	time.Sleep(50 * time.Millisecond)

	if fx.sink.turnCount() != 0 {
		t.Errorf("expected no turns after call end, got %d", fx.sink.turnCount())
	}
}

func TestHangupEndsSession(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(dialEvent("webrtc-1"))
	fx.rec.Handle(&types.Event{
		Kind:         types.EventClientHangup,
		Source:       types.SourceWebRTC,
		WebRTCCallID: "webrtc-1",
		ReceivedAt:   time.Now().UTC(),
	})

	waitFor(t, func() bool { return fx.sessionStatus(id) == types.CallStatusEnding })

	// Network confirms afterwards
	fx.rec.Handle(stateEvent("", "webrtc-1", "ended", "ev-1"))
	waitFor(t, func() bool { return fx.sessionStatus(id) == types.CallStatusEnded })
}

func TestFinishNotifiesSinks(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "answered", "ev-1"))
	fx.rec.Handle(transcriptEvent("ext-1", 1, "hello", "ev-2"))
	fx.rec.Handle(stateEvent("ext-1", "", "ended", "ev-3"))

	waitFor(t, func() bool { return fx.sessionStatus(id) == types.CallStatusEnded })
	waitFor(t, func() bool { return len(fx.sink.closedCalls()) == 1 })

	if fx.sink.closedCalls()[0] != id {
		t.Errorf("expected windower closed for %s", id)
	}

	fx.ends.mu.Lock()
	ended := append([]string(nil), fx.ends.ended...)
	fx.ends.mu.Unlock()
	if len(ended) != 1 || ended[0] != id {
		t.Errorf("expected dispatcher cutoff for %s, got %v", id, ended)
	}

	waitFor(t, func() bool { return fx.ends.summaries() == 1 })
}

func TestRecordingBroadcast(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "answered", "ev-1"))
	fx.rec.Handle(&types.Event{
		Kind:            types.EventRecordingReady,
		Source:          types.SourceTelephony,
		ExternalCallID:  "ext-1",
		ExternalEventID: "ev-2",
		ReceivedAt:      time.Now().UTC(),
		Recording: &types.Recording{
			RecordingID: "rec-1",
			URL:         "https://example.com/rec-1.wav",
			Format:      "wav",
		},
	})

	waitFor(t, func() bool { return len(fx.pub.byEvent(types.MsgRecordingAvailable)) == 1 })

	m := fx.pub.byEvent(types.MsgRecordingAvailable)[0]
	if m.channel != id {
		t.Errorf("expected recording broadcast on the call channel, got %s", m.channel)
	}
	payload := m.env.Data.(types.RecordingAvailable)
	if payload.RecordingID != "rec-1" {
		t.Errorf("unexpected recording payload: %+v", payload)
	}
}

func TestTranscriptBroadcastAndSequence(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "answered", "ev-1"))

	// Producer supplies no sequence numbers; arrival order is assigned
	fx.rec.Handle(transcriptEvent("ext-1", 0, "first", "ev-2"))
	fx.rec.Handle(transcriptEvent("ext-1", 0, "second", "ev-3"))

	waitFor(t, func() bool { return fx.sink.turnCount() == 2 })

	fx.sink.mu.Lock()
	first, second := fx.sink.turns[0], fx.sink.turns[1]
	fx.sink.mu.Unlock()

	if first.SequenceNumber != 1 || second.SequenceNumber != 2 {
		t.Errorf("expected assigned sequences 1,2, got %d,%d", first.SequenceNumber, second.SequenceNumber)
	}
	if first.CallID != id {
		t.Errorf("expected turns keyed by session id, got %s", first.CallID)
	}

	updates := fx.pub.byEvent(types.MsgTranscriptionUpdate)
	if len(updates) != 2 {
		t.Errorf("expected 2 transcription broadcasts, got %d", len(updates))
	}
	for _, m := range updates {
		if m.prio != hub.PriorityLow {
			t.Error("transcription updates are low priority")
		}
	}
}

func TestRecentTurnsLimit(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "answered", "ev-1"))
	fx.rec.Handle(transcriptEvent("ext-1", 1, "one", "ev-2"))
	fx.rec.Handle(transcriptEvent("ext-1", 2, "two", "ev-3"))
	fx.rec.Handle(transcriptEvent("ext-1", 3, "three", "ev-4"))

	waitFor(t, func() bool { return fx.sink.turnCount() == 3 })

	recent := fx.rec.RecentTurns(id, 2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(recent))
	}
	if recent[0].Text != "two" || recent[1].Text != "three" {
		t.Errorf("expected the most recent turns in order, got %q, %q", recent[0].Text, recent[1].Text)
	}

	if got := fx.rec.RecentTurns("unknown", 2); got != nil {
		t.Errorf("expected nil for unknown session, got %v", got)
	}
}

func TestArchiveRemovesSession(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "answered", "ev-1"))
	waitFor(t, func() bool { return fx.sessionStatus(id) == types.CallStatusActive })

	fx.rec.archive(id)

	if _, ok := fx.rec.Session(id); ok {
		t.Error("expected session removed")
	}

	// The external id is free again; a new event makes a new session
	other := fx.rec.Handle(stateEvent("ext-1", "", "created", "ev-9"))
	if other == id {
		t.Error("expected a fresh session after archive")
	}
}

func TestArchiveDuringIdentifierBackfill(t *testing.T) {
	fx := newFixture()

	// The session is keyed by webrtc id; correlating call-state events
	// backfill the external id while archive runs concurrently
	id := fx.rec.Handle(dialEvent("webrtc-1"))
	waitFor(t, func() bool { return fx.sessionStatus(id) == types.CallStatusPending })

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			fx.rec.Handle(stateEvent("ext-1", "webrtc-1", "ringing", fmt.Sprintf("ev-%d", i)))
		}
	}()
	fx.rec.archive(id)
	<-done

	// Whatever the interleaving, neither identifier may point at the
	// archived session
	fx.rec.mu.RLock()
	extID, extOK := fx.rec.byExternal["ext-1"]
	rtcID, rtcOK := fx.rec.byWebRTC["webrtc-1"]
	fx.rec.mu.RUnlock()
	if extOK && extID == id {
		t.Error("external id still indexed to the archived session")
	}
	if rtcOK && rtcID == id {
		t.Error("webrtc id still indexed to the archived session")
	}
}

func TestBindAfterArchiveIgnored(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "answered", "ev-1"))
	waitFor(t, func() bool { return fx.sessionStatus(id) == types.CallStatusActive })
	fx.rec.archive(id)

	fx.rec.bindExternal(id, "ext-2")

	other := fx.rec.Handle(stateEvent("ext-2", "", "created", "ev-2"))
	if other == id {
		t.Error("expected a fresh session, not the archived one")
	}
}

func TestStatusUpdatePayload(t *testing.T) {
	fx := newFixture()

	id := fx.rec.Handle(stateEvent("ext-1", "", "ringing", "ev-1"))
	waitFor(t, func() bool { return len(fx.pub.byEvent(types.MsgCallStatus)) >= 2 })

	m := fx.pub.byEvent(types.MsgCallStatus)[0]
	payload := m.env.Data.(types.StatusUpdate)
	if payload.CallID != id {
		t.Errorf("expected session id in payload, got %s", payload.CallID)
	}
	if payload.Status != types.CallStatusRinging {
		t.Errorf("expected ringing, got %s", payload.Status)
	}
	if payload.CallState != "ringing" {
		t.Errorf("expected raw call_state echoed, got %s", payload.CallState)
	}
}

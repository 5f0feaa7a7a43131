package reconciler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livecall/backend/internal/hub"
	"github.com/livecall/backend/internal/metrics"
	"github.com/livecall/backend/internal/types"
	"github.com/rs/zerolog"
)

// callWorker is the single logical owner of one CallSession. Events
// arrive over its channel and are applied strictly in order.
type callWorker struct {
	sessionID  string
	reconciler *Reconciler
	events     chan *types.Event
	logger     zerolog.Logger

	// Owned by the run goroutine; stateMu only guards snapshot reads
	// and the closed flag
	stateMu   sync.RWMutex
	closed    bool
	session   *types.CallSession
	turns     []types.TranscriptTurn
	seen      map[string]struct{}
	nextSeq   int
	announced bool
}

// submit hands an event to the worker without blocking the ingest path
func (w *callWorker) submit(ev *types.Event) {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.events <- ev:
	default:
		w.logger.Warn().Str("kind", string(ev.Kind)).Msg("worker event queue full, dropping event")
		metrics.Get().RecordEventError()
	}
}

// stop shuts the worker down; late events are discarded
func (w *callWorker) stop() {
	w.stateMu.Lock()
	if w.closed {
		w.stateMu.Unlock()
		return
	}
	w.closed = true
	w.stateMu.Unlock()
	close(w.events)
}

// run applies events one at a time
func (w *callWorker) run() {
	for ev := range w.events {
		w.process(ev)
		metrics.Get().RecordEventProcessed()
	}
}

func (w *callWorker) process(ev *types.Event) {
	if key := ev.IdempotencyKey(); key != "" {
		if _, dup := w.seen[key]; dup {
			metrics.Get().RecordDuplicateEvent()
			w.logger.Debug().Str("idempotency_key", key).Msg("duplicate event acknowledged")
			return
		}
		w.seen[key] = struct{}{}
	}

	switch ev.Kind {
	case types.EventClientDial:
		w.applyDial(ev)
	case types.EventCallCreated, types.EventCallStateChanged:
		w.applyCallState(ev)
	case types.EventClientHangup:
		w.transition(types.CallStatusEnding, "hangup")
	case types.EventTranscript:
		w.applyTranscript(ev)
	case types.EventRecordingReady:
		w.applyRecording(ev)
	}
}

func (w *callWorker) applyDial(ev *types.Event) {
	w.stateMu.Lock()
	if ev.Dial != nil {
		if ev.Dial.PhoneNumber != "" {
			w.session.PhoneNumber = ev.Dial.PhoneNumber
		}
		if ev.Dial.AgentID != "" {
			w.session.AgentID = ev.Dial.AgentID
		}
		w.session.ListeningMode = ev.Dial.ListeningMode
	}
	w.session.Direction = types.DirectionOutbound
	if w.session.WebRTCCallID == "" {
		w.session.WebRTCCallID = ev.WebRTCCallID
	}
	w.stateMu.Unlock()

	w.transition(types.CallStatusPending, "dial")
}

func (w *callWorker) applyCallState(ev *types.Event) {
	st := ev.State

	// Backfill identifiers and fields regardless of transition legality
	learnedExternal := ""
	w.stateMu.Lock()
	if w.session.ExternalCallID == "" && ev.ExternalCallID != "" {
		w.session.ExternalCallID = ev.ExternalCallID
		learnedExternal = ev.ExternalCallID
	}
	if w.session.WebRTCCallID == "" && ev.WebRTCCallID != "" {
		w.session.WebRTCCallID = ev.WebRTCCallID
	}
	if st.ToNumber != "" && w.session.PhoneNumber == "" {
		w.session.PhoneNumber = st.ToNumber
	}
	if st.StartTime != nil && w.session.StartTime == nil {
		w.session.StartTime = st.StartTime
	}
	if st.AnswerTime != nil && w.session.AnswerTime == nil {
		w.session.AnswerTime = st.AnswerTime
	}
	if st.EndTime != nil && w.session.EndTime == nil {
		w.session.EndTime = st.EndTime
	}
	answered := w.session.AnswerTime != nil ||
		w.session.Status.Rank() >= types.CallStatusActive.Rank()
	w.stateMu.Unlock()

	if learnedExternal != "" {
		w.reconciler.bindExternal(w.sessionID, learnedExternal)
	}

	switch st.State {
	case "created":
		w.transition(types.CallStatusPending, st.State)
	case "ringing":
		w.transition(types.CallStatusRinging, st.State)
	case "answered":
		w.transition(types.CallStatusActive, st.State)
	case "ended":
		// A call that was never answered did not complete
		if answered {
			w.transition(types.CallStatusEnded, st.State)
		} else {
			w.transition(types.CallStatusFailed, st.State)
		}
	}
}

// transition applies the per-call state machine. Illegal transitions are
// logged and ignored, never fatal. Events reaching a terminal session
// only backfill fields and trigger no broadcast.
func (w *callWorker) transition(to types.CallStatus, callState string) {
	w.stateMu.Lock()
	cur := w.session.Status

	if cur.IsTerminal() {
		w.stateMu.Unlock()
		return
	}
	if cur == to && w.announced {
		w.stateMu.Unlock()
		return
	}
	if to.Rank() < cur.Rank() {
		w.stateMu.Unlock()
		metrics.Get().RecordIllegalTransition()
		w.logger.Warn().
			Str("from", string(cur)).
			Str("to", string(to)).
			Msg("illegal status transition ignored")
		return
	}

	w.session.Status = to
	w.session.UpdatedAt = time.Now().UTC()
	if to.IsTerminal() && w.session.EndTime == nil {
		now := time.Now().UTC()
		w.session.EndTime = &now
	}
	w.announced = true
	snapshot := *w.session
	turnsCopy := append([]types.TranscriptTurn(nil), w.turns...)
	w.stateMu.Unlock()

	w.logger.Info().
		Str("from", string(cur)).
		Str("to", string(to)).
		Msg("call status changed")

	env := types.Envelope{
		Event: types.MsgCallStatus,
		Data: types.StatusUpdate{
			CallID:    w.sessionID,
			Status:    to,
			CallState: callState,
		},
	}
	// Status reaches both the call's channel and the general channel,
	// and is never dropped for a live subscriber
	w.reconciler.publisher.Publish(w.sessionID, env, hub.PriorityHigh)
	w.reconciler.publisher.Publish(types.GeneralChannel, env, hub.PriorityHigh)

	if to.IsTerminal() {
		w.finish(snapshot, turnsCopy)
	}
}

// finish runs the end-of-call path: stop windowing, cut off suggestion
// broadcasts, persist the record, and kick off the call summary
func (w *callWorker) finish(session types.CallSession, turns []types.TranscriptTurn) {
	w.reconciler.turns.CloseCall(w.sessionID)
	w.reconciler.ends.MarkEnded(w.sessionID)

	record := sessionToRecord(session, len(turns))
	store := w.reconciler.store
	logger := w.logger
	go func() {
		if err := store.SaveCallRecord(record); err != nil {
			logger.Error().Err(err).Msg("failed to save call record")
		}
	}()

	if len(turns) > 0 && session.Status == types.CallStatusEnded {
		w.reconciler.ends.SummarizeCall(session, turns)
	}

	w.reconciler.scheduleArchive(w.sessionID)
}

func (w *callWorker) applyTranscript(ev *types.Event) {
	w.stateMu.Lock()
	if w.session.Status.IsTerminal() {
		w.stateMu.Unlock()
		w.logger.Debug().Msg("transcript after call end discarded")
		return
	}

	turn := *ev.Transcript
	turn.ID = uuid.New().String()
	turn.CallID = w.sessionID
	if turn.SequenceNumber == 0 {
		// Producer supplied no ordering; assign arrival order
		w.nextSeq++
		turn.SequenceNumber = w.nextSeq
	} else if turn.SequenceNumber > w.nextSeq {
		w.nextSeq = turn.SequenceNumber
	}
	w.turns = append(w.turns, turn)
	w.stateMu.Unlock()

	metrics.Get().RecordTurnBuffered()

	store := w.reconciler.store
	logger := w.logger
	go func() {
		if err := store.SaveTranscriptTurn(turn); err != nil {
			logger.Error().Err(err).Str("turn_id", turn.ID).Msg("failed to save transcript turn")
		}
	}()

	w.reconciler.publisher.Publish(w.sessionID, types.Envelope{
		Event: types.MsgTranscriptionUpdate,
		Data: types.TranscriptionUpdate{
			CallID:          w.sessionID,
			TranscriptionID: turn.ID,
			Speaker:         turn.Speaker,
			Text:            turn.Text,
			Confidence:      turn.Confidence,
			SequenceNumber:  turn.SequenceNumber,
			Timestamp:       turn.Timestamp.Format(time.RFC3339),
		},
	}, hub.PriorityLow)

	w.reconciler.turns.Append(turn)
}

func (w *callWorker) applyRecording(ev *types.Event) {
	rec := *ev.Recording
	rec.CallID = w.sessionID

	w.reconciler.publisher.Publish(w.sessionID, types.Envelope{
		Event: types.MsgRecordingAvailable,
		Data: types.RecordingAvailable{
			CallID:       w.sessionID,
			RecordingID:  rec.RecordingID,
			RecordingURL: rec.URL,
			Format:       rec.Format,
		},
	}, hub.PriorityLow)
}

// snapshot returns a copy of the session for readers outside the worker
func (w *callWorker) snapshot() types.CallSession {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return *w.session
}

// recentTurns returns up to n most recent turns in chronological order
func (w *callWorker) recentTurns(n int) []types.TranscriptTurn {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	start := 0
	if n > 0 && len(w.turns) > n {
		start = len(w.turns) - n
	}
	return append([]types.TranscriptTurn(nil), w.turns[start:]...)
}

// sessionToRecord converts a finished session to its persisted form
func sessionToRecord(s types.CallSession, turnCount int) types.CallRecord {
	record := types.CallRecord{
		CallID:          s.ID,
		DateKey:         s.CreatedAt.Format("2006-01-02"),
		ExternalCallID:  s.ExternalCallID,
		WebRTCCallID:    s.WebRTCCallID,
		PhoneNumber:     s.PhoneNumber,
		AgentID:         s.AgentID,
		Direction:       string(s.Direction),
		Status:          string(s.Status),
		DurationSeconds: s.DurationSeconds(),
		TurnCount:       turnCount,
	}
	if s.StartTime != nil {
		record.StartTime = s.StartTime.Format(time.RFC3339)
	}
	if s.EndTime != nil {
		record.EndTime = s.EndTime.Format(time.RFC3339)
	}
	return record
}

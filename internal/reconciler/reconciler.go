// Package reconciler owns all call session state. Two producers report
// the same physical call, the telephony network by externalCallId and the
// browser client by webrtcCallId, with no ordering guarantee; the
// reconciler folds both streams into one authoritative session per call.
//
// Mutation is serialized through one worker goroutine per session, so
// concurrent events for the same call never race while different calls
// proceed fully in parallel.
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

// archiveDelay is how long a terminal session lingers to absorb late
// field backfill before it is garbage-collected
const archiveDelay = 30 * time.Second

// Publisher pushes domain events to realtime subscribers
type Publisher interface {
	Publish(channel string, env types.Envelope, prio hub.Priority) int
	SubscriberCount(channel string) int
}

// TurnSink receives accepted transcript turns for windowing
type TurnSink interface {
	Append(turn types.TranscriptTurn)
	// CloseCall flushes any buffered turns and refuses further windows
	CloseCall(callID string)
}

// EndSink is notified when sessions reach a terminal status
type EndSink interface {
	// MarkEnded stops suggestion broadcasts for the call
	MarkEnded(callID string)
	// SummarizeCall produces the whole-call wrap-up asynchronously
	SummarizeCall(session types.CallSession, turns []types.TranscriptTurn)
}

// Store persists sessions and turns
type Store interface {
	SaveCallRecord(record types.CallRecord) error
	SaveTranscriptTurn(turn types.TranscriptTurn) error
}

// Reconciler routes normalized events to per-call workers
type Reconciler struct {
	mu         sync.RWMutex
	workers    map[string]*callWorker // session id -> worker
	byExternal map[string]string      // externalCallId -> session id
	byWebRTC   map[string]string      // webrtcCallId -> session id

	publisher Publisher
	turns     TurnSink
	ends      EndSink
	store     Store
	logger    zerolog.Logger
}

// New creates a Reconciler
func New(publisher Publisher, turns TurnSink, ends EndSink, store Store, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		workers:    make(map[string]*callWorker),
		byExternal: make(map[string]string),
		byWebRTC:   make(map[string]string),
		publisher:  publisher,
		turns:      turns,
		ends:       ends,
		store:      store,
		logger:     logger,
	}
}

// Handle routes one normalized event to its session's worker, creating a
// session when the event references a call not yet seen. Returns the
// session id the event was routed to.
func (r *Reconciler) Handle(ev *types.Event) string {
	w := r.resolveWorker(ev)
	w.submit(ev)
	return w.sessionID
}

// resolveWorker finds or creates the worker owning the event's call,
// maintaining the dual-identifier index
func (r *Reconciler) resolveWorker(ev *types.Event) *callWorker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var byExt, byRTC string
	var extOK, rtcOK bool
	if ev.ExternalCallID != "" {
		byExt, extOK = r.byExternal[ev.ExternalCallID]
	}
	if ev.WebRTCCallID != "" {
		byRTC, rtcOK = r.byWebRTC[ev.WebRTCCallID]
	}

	switch {
	case extOK && rtcOK:
		if byExt != byRTC {
			// Both producers created a session before a correlating
			// event arrived. First-writer-wins: keep them separate and
			// route by the id native to the event's source.
			r.logger.Warn().
				Str("external_call_id", ev.ExternalCallID).
				Str("webrtc_call_id", ev.WebRTCCallID).
				Str("session_by_external", byExt).
				Str("session_by_webrtc", byRTC).
				Msg("uncorrelated duplicate sessions for one call")
			if ev.Source == types.SourceWebRTC {
				return r.workers[byRTC]
			}
			return r.workers[byExt]
		}
		return r.workers[byExt]

	case extOK:
		// Late correlation: the event supplies the WebRTC id too
		if ev.WebRTCCallID != "" {
			r.byWebRTC[ev.WebRTCCallID] = byExt
		}
		return r.workers[byExt]

	case rtcOK:
		if ev.ExternalCallID != "" {
			r.byExternal[ev.ExternalCallID] = byRTC
		}
		return r.workers[byRTC]
	}

	// First event for this call; a provisional session is created even
	// when the event kind is not a create
	w := r.newWorker(ev)
	if ev.ExternalCallID != "" {
		r.byExternal[ev.ExternalCallID] = w.sessionID
	}
	if ev.WebRTCCallID != "" {
		r.byWebRTC[ev.WebRTCCallID] = w.sessionID
	}
	r.workers[w.sessionID] = w
	return w
}

// newWorker spawns the single-owner goroutine for a new session
func (r *Reconciler) newWorker(ev *types.Event) *callWorker {
	now := time.Now().UTC()
	session := &types.CallSession{
		ID:             uuid.New().String(),
		ExternalCallID: ev.ExternalCallID,
		WebRTCCallID:   ev.WebRTCCallID,
		Status:         types.CallStatusPending,
		ListeningMode:  types.ListenBoth,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	w := &callWorker{
		sessionID:  session.ID,
		session:    session,
		reconciler: r,
		events:     make(chan *types.Event, 64),
		seen:       make(map[string]struct{}),
		logger:     r.logger.With().Str("session_id", session.ID).Logger(),
	}
	go w.run()

	metrics.Get().RecordSessionCreated()
	w.logger.Info().
		Str("external_call_id", ev.ExternalCallID).
		Str("webrtc_call_id", ev.WebRTCCallID).
		Str("source", string(ev.Source)).
		Msg("call session created")

	return w
}

// Session returns a snapshot of a session by internal id
func (r *Reconciler) Session(sessionID string) (types.CallSession, bool) {
	r.mu.RLock()
	w, ok := r.workers[sessionID]
	r.mu.RUnlock()
	if !ok {
		return types.CallSession{}, false
	}
	return w.snapshot(), true
}

// RecentTurns returns up to n most recent turns of a call in
// chronological order
func (r *Reconciler) RecentTurns(sessionID string, n int) []types.TranscriptTurn {
	r.mu.RLock()
	w, ok := r.workers[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return w.recentTurns(n)
}

// scheduleArchive removes a terminal session once its subscribers are
// gone. Sessions with live subscribers are rechecked instead of dropped.
func (r *Reconciler) scheduleArchive(sessionID string) {
	time.AfterFunc(archiveDelay, func() {
		if r.publisher.SubscriberCount(sessionID) > 0 {
			r.scheduleArchive(sessionID)
			return
		}
		r.archive(sessionID)
	})
}

// archive drops a terminal session's worker and index entries
func (r *Reconciler) archive(sessionID string) {
	r.mu.Lock()
	w, ok := r.workers[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	// The worker may still be backfilling identifier fields; snapshot
	// takes its state lock instead of reading the session directly
	session := w.snapshot()
	delete(r.workers, sessionID)
	if session.ExternalCallID != "" {
		delete(r.byExternal, session.ExternalCallID)
	}
	if session.WebRTCCallID != "" {
		delete(r.byWebRTC, session.WebRTCCallID)
	}
	r.mu.Unlock()

	w.stop()
	metrics.Get().RecordSessionArchived()
	r.logger.Info().Str("session_id", sessionID).Msg("call session archived")
}

// bindExternal registers a late-learned external id for a session.
// Called from the session's own worker.
func (r *Reconciler) bindExternal(sessionID, externalCallID string) {
	r.mu.Lock()
	if _, live := r.workers[sessionID]; !live {
		// Archived while the worker drained; never index a dead session
		r.mu.Unlock()
		return
	}
	if _, taken := r.byExternal[externalCallID]; !taken {
		r.byExternal[externalCallID] = sessionID
	}
	r.mu.Unlock()
}

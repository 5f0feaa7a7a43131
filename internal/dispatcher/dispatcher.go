// Package dispatcher turns closed transcript windows into ranked
// document suggestions. Collaborator calls are bounded by a timeout and
// degrade silently; a failed or slow dispatch never affects the call
// itself or any other call's processing.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/livecall/backend/internal/hub"
	"github.com/livecall/backend/internal/metrics"
	"github.com/livecall/backend/internal/types"
	"github.com/rs/zerolog"
)

// Searcher is the vector-search collaborator
type Searcher interface {
	Search(ctx context.Context, query string, limit int, similarityFloor float64) ([]types.RankedDocument, error)
}

// Analyzer is the LLM collaborator
type Analyzer interface {
	AnalyzeContext(ctx context.Context, turns []types.TranscriptTurn) (summary string, topics []string, err error)
	GenerateSearchQuery(ctx context.Context, summary string, topics []string) (string, error)
	SummarizeCall(ctx context.Context, turns []types.TranscriptTurn) (types.CallSummary, error)
	SummarizeConversation(ctx context.Context, conversation string) (string, error)
}

// FeedbackSource contributes agent feedback and usage recency to ranking
type FeedbackSource interface {
	Record(fb types.DocumentFeedback)
	RecordUse(documentID string)
	Score(documentID string) float64
	RecentlyUsed(documentID string) bool
}

// Publisher pushes suggestions to realtime subscribers
type Publisher interface {
	Publish(channel string, env types.Envelope, prio hub.Priority) int
}

// TurnSource supplies recent turns for on-demand summaries. Set after
// construction to avoid circular init with the reconciler.
type TurnSource interface {
	RecentTurns(callID string, n int) []types.TranscriptTurn
}

// Options tune dispatch behavior
type Options struct {
	// Timeout bounds each collaborator round trip
	Timeout time.Duration
	// SimilarityFloor discards weaker search hits
	SimilarityFloor float64
	// MaxDocuments caps the documents per suggestion
	MaxDocuments int
	// MinTurns skips windows with too little context
	MinTurns int
	// Cooldown suppresses re-surfacing a document for the same call
	Cooldown time.Duration
	// Backlog bounds the queued windows per call
	Backlog int
}

// Dispatcher runs at most one job per call at a time; additional windows
// queue FIFO per call while jobs for other calls proceed in parallel
type Dispatcher struct {
	searcher  Searcher
	analyzer  Analyzer
	feedback  FeedbackSource
	publisher Publisher
	turns     TurnSource
	opts      Options
	logger    zerolog.Logger

	mu    sync.Mutex
	calls map[string]*callState
}

// callState is the per-call dispatch queue and suggestion context
type callState struct {
	queue      []types.Window
	inFlight   bool
	ended      bool
	surfaced   map[string]time.Time // doc id -> last surfaced
	categories map[string]int       // category -> hits this call
}

// New creates a Dispatcher
func New(searcher Searcher, analyzer Analyzer, feedback FeedbackSource, publisher Publisher, opts Options, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		searcher:  searcher,
		analyzer:  analyzer,
		feedback:  feedback,
		publisher: publisher,
		opts:      opts,
		calls:     make(map[string]*callState),
		logger:    logger,
	}
}

// SetTurnSource wires the reconciler in after construction
func (d *Dispatcher) SetTurnSource(ts TurnSource) {
	d.turns = ts
}

// Dispatch accepts a closed window. Never blocks.
func (d *Dispatcher) Dispatch(window types.Window) {
	d.mu.Lock()
	st := d.state(window.CallID)
	if st.ended {
		d.mu.Unlock()
		return
	}
	if st.inFlight {
		st.queue = append(st.queue, window)
		if len(st.queue) > d.opts.Backlog {
			// Keep the freshest context; the oldest window is stale
			st.queue = st.queue[1:]
			d.logger.Debug().
				Str("call_id", window.CallID).
				Msg("dispatch backlog full, oldest window dropped")
		}
		d.mu.Unlock()
		return
	}
	st.inFlight = true
	d.mu.Unlock()

	go d.run(window)
}

// MarkEnded stops suggestion broadcasts for the call. An in-flight job
// finishes but its output is discarded.
func (d *Dispatcher) MarkEnded(callID string) {
	d.mu.Lock()
	st := d.state(callID)
	st.ended = true
	st.queue = nil
	if !st.inFlight {
		delete(d.calls, callID)
	}
	d.mu.Unlock()
}

// run executes one job, then drains the call's queue
func (d *Dispatcher) run(window types.Window) {
	for {
		suggestion := d.process(window)

		d.mu.Lock()
		st := d.state(window.CallID)
		ended := st.ended
		d.mu.Unlock()

		if suggestion != nil {
			if ended {
				// Computed but never shown after hangup
				metrics.Get().RecordDispatchDiscarded()
				d.logger.Debug().
					Str("call_id", window.CallID).
					Msg("suggestion discarded, call already ended")
			} else {
				metrics.Get().RecordSuggestion()
				d.publisher.Publish(window.CallID, types.Envelope{
					Event: types.MsgAISuggestion,
					Data:  *suggestion,
				}, hub.PriorityLow)
			}
		}

		d.mu.Lock()
		if len(st.queue) == 0 || st.ended {
			st.inFlight = false
			if st.ended {
				delete(d.calls, window.CallID)
			}
			d.mu.Unlock()
			return
		}
		window = st.queue[0]
		st.queue = st.queue[1:]
		d.mu.Unlock()
	}
}

// process runs one window through the collaborators. A nil result means
// nothing to surface; errors degrade silently per call.
func (d *Dispatcher) process(window types.Window) *types.AssistanceSuggestion {
	if len(window.Turns) < d.opts.MinTurns {
		return nil
	}

	metrics.Get().RecordDispatchJob()
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()

	summary, topics, err := d.analyzer.AnalyzeContext(ctx, window.Turns)
	if err != nil {
		d.degrade(window.CallID, "context analysis", err)
		return nil
	}
	if summary == "" && len(topics) == 0 {
		return nil
	}

	query, err := d.analyzer.GenerateSearchQuery(ctx, summary, topics)
	if err != nil || query == "" {
		// The plain conversation still makes a workable query
		query = joinTurns(window.Turns)
	}

	docs, err := d.searcher.Search(ctx, query, d.opts.MaxDocuments*2, d.opts.SimilarityFloor)
	if err != nil {
		d.degrade(window.CallID, "vector search", err)
		return nil
	}
	if len(docs) == 0 {
		return nil
	}

	ranked := d.rank(window.CallID, docs)
	if len(ranked) == 0 {
		return nil
	}

	return &types.AssistanceSuggestion{
		CallID:    window.CallID,
		Documents: ranked,
		Summary:   summary,
		Topics:    topics,
		CreatedAt: time.Now().UTC(),
	}
}

// rank applies the composite score and the per-call cooldown, returning
// at most MaxDocuments documents best-first
func (d *Dispatcher) rank(callID string, docs []types.RankedDocument) []types.RankedDocument {
	d.mu.Lock()
	st := d.state(callID)
	now := time.Now()

	kept := make([]types.RankedDocument, 0, len(docs))
	for _, doc := range docs {
		if last, ok := st.surfaced[doc.DocumentID]; ok && now.Sub(last) < d.opts.Cooldown {
			continue
		}
		doc.Score = doc.Similarity
		if d.feedback.RecentlyUsed(doc.DocumentID) {
			doc.Score += 0.1
		}
		if doc.Category != "" {
			affinity := float64(st.categories[doc.Category]) * 0.05
			if affinity > 0.15 {
				affinity = 0.15
			}
			doc.Score += affinity
		}
		doc.Score += d.feedback.Score(doc.DocumentID)
		kept = append(kept, doc)
	}
	d.mu.Unlock()

	sortByScore(kept)
	if len(kept) > d.opts.MaxDocuments {
		kept = kept[:d.opts.MaxDocuments]
	}

	d.mu.Lock()
	for _, doc := range kept {
		st.surfaced[doc.DocumentID] = now
		if doc.Category != "" {
			st.categories[doc.Category]++
		}
	}
	d.mu.Unlock()

	for _, doc := range kept {
		d.feedback.RecordUse(doc.DocumentID)
	}
	return kept
}

// SummarizeCall produces the whole-call wrap-up asynchronously and
// broadcasts it to the call's channel
func (d *Dispatcher) SummarizeCall(session types.CallSession, turns []types.TranscriptTurn) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
		defer cancel()

		summary, err := d.analyzer.SummarizeCall(ctx, turns)
		if err != nil {
			d.degrade(session.ID, "call summary", err)
			return
		}
		summary.CallID = session.ID
		summary.TurnCount = len(turns)

		d.publisher.Publish(session.ID, types.Envelope{
			Event: types.MsgCallSummary,
			Data:  summary,
		}, hub.PriorityLow)
	}()
}

// HandleFeedback records an agent's verdict on a surfaced document
func (d *Dispatcher) HandleFeedback(fb types.DocumentFeedback) {
	d.feedback.Record(fb)
}

// Turn counts for on-demand summaries when the client omits or
// exaggerates the requested window
const (
	defaultSummaryTurns = 10
	maxSummaryTurns     = 50
)

// HandleSummaryRequest answers a client conversation:summary request
// over the call's recent turns
func (d *Dispatcher) HandleSummaryRequest(callID string, count int) (types.ConversationSummaryReply, error) {
	if d.turns == nil {
		return types.ConversationSummaryReply{}, errors.New("turn source not configured")
	}
	if count <= 0 {
		count = defaultSummaryTurns
	}
	if count > maxSummaryTurns {
		count = maxSummaryTurns
	}
	turns := d.turns.RecentTurns(callID, count)
	if len(turns) == 0 {
		return types.ConversationSummaryReply{}, fmt.Errorf("no transcript for call %s", callID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()

	summary, err := d.analyzer.SummarizeConversation(ctx, joinTurns(turns))
	if err != nil {
		return types.ConversationSummaryReply{}, err
	}
	return types.ConversationSummaryReply{
		CallID:  callID,
		Summary: summary,
		Count:   len(turns),
	}, nil
}

// degrade logs a collaborator failure; the call is unaffected
func (d *Dispatcher) degrade(callID, step string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.Get().RecordDispatchTimeout()
	}
	d.logger.Warn().Err(err).
		Str("call_id", callID).
		Str("step", step).
		Msg("assistance degraded, continuing without suggestion")
}

// state returns the per-call state, creating it on first use. Caller
// holds d.mu.
func (d *Dispatcher) state(callID string) *callState {
	st, ok := d.calls[callID]
	if !ok {
		st = &callState{
			surfaced:   make(map[string]time.Time),
			categories: make(map[string]int),
		}
		d.calls[callID] = st
	}
	return st
}

// joinTurns renders turns as "Speaker: text" lines
func joinTurns(turns []types.TranscriptTurn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		switch t.Speaker {
		case types.SpeakerAgent:
			b.WriteString("Agent: ")
		case types.SpeakerCustomer:
			b.WriteString("Customer: ")
		}
		b.WriteString(t.Text)
	}
	return b.String()
}

// sortByScore orders documents best-first
func sortByScore(docs []types.RankedDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].Score > docs[j].Score
	})
}

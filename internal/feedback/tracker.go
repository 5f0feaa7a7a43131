// Package feedback accumulates agent verdicts on surfaced documents and
// recency-of-use bookkeeping. The dispatcher folds both into its
// document re-ranking.
package feedback

import (
	"sync"
	"time"

	"github.com/livecall/backend/internal/types"
	"github.com/rs/zerolog"
)

// recencyWindow is how long a recent surfacing keeps boosting a document
const recencyWindow = 10 * time.Minute

// docStats aggregates the history of one document
type docStats struct {
	helpful    int
	unhelpful  int
	lastUsedAt time.Time
}

// Tracker holds per-document feedback and usage state
type Tracker struct {
	mu     sync.RWMutex
	docs   map[string]*docStats
	logger zerolog.Logger
}

// NewTracker creates a Tracker
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		docs:   make(map[string]*docStats),
		logger: logger,
	}
}

// Record stores one agent verdict
func (t *Tracker) Record(fb types.DocumentFeedback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats(fb.DocumentID)
	if fb.Helpful {
		s.helpful++
	} else {
		s.unhelpful++
	}

	t.logger.Debug().
		Str("doc_id", fb.DocumentID).
		Str("agent_id", fb.AgentID).
		Bool("helpful", fb.Helpful).
		Msg("document feedback recorded")
}

// RecordUse marks a document as surfaced now
func (t *Tracker) RecordUse(documentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats(documentID).lastUsedAt = time.Now()
}

// Score returns the feedback contribution to ranking, in [-0.2, 0.2]
func (t *Tracker) Score(documentID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.docs[documentID]
	if !ok {
		return 0
	}
	total := s.helpful + s.unhelpful
	if total == 0 {
		return 0
	}
	ratio := float64(s.helpful-s.unhelpful) / float64(total)
	return ratio * 0.2
}

// RecentlyUsed reports whether the document was surfaced within the
// recency window, for the ranking boost
func (t *Tracker) RecentlyUsed(documentID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.docs[documentID]
	if !ok {
		return false
	}
	return !s.lastUsedAt.IsZero() && time.Since(s.lastUsedAt) < recencyWindow
}

// stats returns the entry for a document, creating it on first use.
// Caller holds the write lock.
func (t *Tracker) stats(documentID string) *docStats {
	s, ok := t.docs[documentID]
	if !ok {
		s = &docStats{}
		t.docs[documentID] = s
	}
	return s
}

// Package windower groups each call's transcript turns into bounded,
// ordered windows for AI analysis. Turns may arrive out of order; they
// are re-sorted by sequence number and held back briefly when a gap is
// detected, but never dropped.
package windower

import (
	"sort"
	"sync"
	"time"

	"github.com/livecall/backend/internal/metrics"
	"github.com/livecall/backend/internal/types"
	"github.com/rs/zerolog"
)

// Dispatcher receives closed windows. Dispatch must not block; the
// dispatcher owns its own per-call queueing.
type Dispatcher interface {
	Dispatch(window types.Window)
}

// Options tune the flush triggers
type Options struct {
	// SilenceGap flushes the buffer after this much quiet
	SilenceGap time.Duration
	// MaxTurns flushes when the buffer reaches this many turns
	MaxTurns int
	// SequenceGrace is how long a sequence gap holds a flush back
	SequenceGrace time.Duration
}

// Windower maintains one buffer per active call
type Windower struct {
	mu         sync.Mutex
	buffers    map[string]*buffer
	dispatcher Dispatcher
	opts       Options
	logger     zerolog.Logger
}

// New creates a Windower
func New(dispatcher Dispatcher, opts Options, logger zerolog.Logger) *Windower {
	return &Windower{
		buffers:    make(map[string]*buffer),
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
}

// Append accepts one transcript turn for its call's buffer
func (w *Windower) Append(turn types.TranscriptTurn) {
	b := w.buffer(turn.CallID)
	if window, ok := b.add(turn); ok {
		w.emit(window)
	}
}

// CloseCall flushes whatever is buffered and refuses further turns for
// the call. Called when the session reaches a terminal status.
func (w *Windower) CloseCall(callID string) {
	w.mu.Lock()
	b, ok := w.buffers[callID]
	if ok {
		delete(w.buffers, callID)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	if window, ok := b.close(); ok {
		w.emit(window)
	}
}

// buffer returns the call's buffer, creating it on first use
func (w *Windower) buffer(callID string) *buffer {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.buffers[callID]
	if !ok {
		b = &buffer{callID: callID, windower: w}
		w.buffers[callID] = b
	}
	return b
}

func (w *Windower) emit(window types.Window) {
	metrics.Get().RecordWindowFlushed()
	w.logger.Debug().
		Str("call_id", window.CallID).
		Int("turns", len(window.Turns)).
		Msg("window closed")
	w.dispatcher.Dispatch(window)
}

// buffer is the per-call ordered turn buffer. All fields are guarded by
// mu; timers re-enter through flushAsync.
type buffer struct {
	mu       sync.Mutex
	windower *Windower
	callID   string

	pending      []types.TranscriptTurn // sorted by SequenceNumber
	lastFlushed  int                    // highest sequence number flushed
	closed       bool
	silenceTimer *time.Timer
	graceTimer   *time.Timer
}

// add inserts a turn and evaluates the flush triggers. Returns a window
// when a trigger fired.
func (b *buffer) add(turn types.TranscriptTurn) (types.Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.Window{}, false
	}
	if turn.SequenceNumber <= b.lastFlushed {
		// Straggler from an already-flushed window; the turn was
		// delivered to subscribers on ingest, only analysis skips it
		b.windower.logger.Debug().
			Str("call_id", b.callID).
			Int("sequence", turn.SequenceNumber).
			Msg("late turn below flushed watermark")
		return types.Window{}, false
	}

	b.insert(turn)
	b.resetSilenceTimer()

	// Final flag flushes unconditionally
	if turn.Final {
		return b.flushLocked("final"), true
	}

	if len(b.pending) >= b.windower.opts.MaxTurns {
		if b.gapFree() {
			return b.flushLocked("max_turns"), true
		}
		// A gap holds the flush back until it fills or grace expires
		b.armGraceTimer()
	}
	return types.Window{}, false
}

// close flushes the remainder and marks the buffer dead
func (b *buffer) close() (types.Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return types.Window{}, false
	}
	b.closed = true
	b.stopTimers()
	if len(b.pending) == 0 {
		return types.Window{}, false
	}
	return b.flushLocked("call_ended"), true
}

// insert places the turn in sequence order, ignoring duplicates
func (b *buffer) insert(turn types.TranscriptTurn) {
	i := sort.Search(len(b.pending), func(i int) bool {
		return b.pending[i].SequenceNumber >= turn.SequenceNumber
	})
	if i < len(b.pending) && b.pending[i].SequenceNumber == turn.SequenceNumber {
		return
	}
	b.pending = append(b.pending, types.TranscriptTurn{})
	copy(b.pending[i+1:], b.pending[i:])
	b.pending[i] = turn
}

// gapFree reports whether pending forms a contiguous run after the
// flushed watermark
func (b *buffer) gapFree() bool {
	next := b.lastFlushed + 1
	for _, t := range b.pending {
		if t.SequenceNumber != next {
			return false
		}
		next++
	}
	return true
}

// flushLocked drains the buffer into a window. Caller holds mu.
func (b *buffer) flushLocked(reason string) types.Window {
	turns := b.pending
	b.pending = nil
	b.lastFlushed = turns[len(turns)-1].SequenceNumber
	b.stopTimers()

	b.windower.logger.Debug().
		Str("call_id", b.callID).
		Str("reason", reason).
		Int("turns", len(turns)).
		Msg("flushing window")

	return types.Window{CallID: b.callID, Turns: turns}
}

// flushAsync fires from a timer; the buffer may have emptied or closed
// in the meantime
func (b *buffer) flushAsync(reason string) {
	b.mu.Lock()
	if b.closed || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	window := b.flushLocked(reason)
	b.mu.Unlock()
	b.windower.emit(window)
}

func (b *buffer) resetSilenceTimer() {
	if b.silenceTimer != nil {
		b.silenceTimer.Stop()
	}
	b.silenceTimer = time.AfterFunc(b.windower.opts.SilenceGap, func() {
		b.flushAsync("silence")
	})
}

// armGraceTimer schedules a forced flush for a gapped buffer; re-sorted
// turns go out even when the gap never fills
func (b *buffer) armGraceTimer() {
	if b.graceTimer != nil {
		return
	}
	b.graceTimer = time.AfterFunc(b.windower.opts.SequenceGrace, func() {
		b.mu.Lock()
		b.graceTimer = nil
		b.mu.Unlock()
		b.flushAsync("sequence_grace")
	})
}

func (b *buffer) stopTimers() {
	if b.silenceTimer != nil {
		b.silenceTimer.Stop()
		b.silenceTimer = nil
	}
	if b.graceTimer != nil {
		b.graceTimer.Stop()
		b.graceTimer = nil
	}
}

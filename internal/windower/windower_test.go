package windower

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/livecall/backend/internal/types"
)

type captureDispatcher struct {
	mu      sync.Mutex
	windows []types.Window
	signal  chan struct{}
}

func newCaptureDispatcher() *captureDispatcher {
	return &captureDispatcher{signal: make(chan struct{}, 16)}
}

func (c *captureDispatcher) Dispatch(window types.Window) {
	c.mu.Lock()
	c.windows = append(c.windows, window)
	c.mu.Unlock()
	c.signal <- struct{}{}
}

func (c *captureDispatcher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

func (c *captureDispatcher) window(i int) types.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.windows[i]
}

func (c *captureDispatcher) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a window")
	}
}

func turn(callID string, seq int, text string) types.TranscriptTurn {
	return types.TranscriptTurn{
		CallID:         callID,
		Speaker:        types.SpeakerCustomer,
		Text:           text,
		SequenceNumber: seq,
	}
}

func testOptions() Options {
	return Options{
		SilenceGap:    50 * time.Millisecond,
		MaxTurns:      3,
		SequenceGrace: 30 * time.Millisecond,
	}
}

func TestFlushOnMaxTurns(t *testing.T) {
	disp := newCaptureDispatcher()
	w := New(disp, testOptions(), zerolog.New(&bytes.Buffer{}))

	w.Append(turn("c1", 1, "one"))
	w.Append(turn("c1", 2, "two"))
	w.Append(turn("c1", 3, "three"))

	disp.wait(t)
	if disp.count() != 1 {
		t.Fatalf("expected 1 window, got %d", disp.count())
	}

	win := disp.window(0)
	if len(win.Turns) != 3 {
		t.Errorf("expected 3 turns, got %d", len(win.Turns))
	}
	for i, tr := range win.Turns {
		if tr.SequenceNumber != i+1 {
			t.Errorf("turn %d out of order: sequence %d", i, tr.SequenceNumber)
		}
	}
}

func TestFlushOnFinalFlag(t *testing.T) {
	disp := newCaptureDispatcher()
	w := New(disp, testOptions(), zerolog.New(&bytes.Buffer{}))

	w.Append(turn("c1", 1, "one"))
	final := turn("c1", 2, "two")
	final.Final = true
	w.Append(final)

	disp.wait(t)
	if disp.count() != 1 {
		t.Fatalf("expected 1 window, got %d", disp.count())
	}
	if len(disp.window(0).Turns) != 2 {
		t.Errorf("expected 2 turns, got %d", len(disp.window(0).Turns))
	}
}

func TestFlushOnSilence(t *testing.T) {
	disp := newCaptureDispatcher()
	w := New(disp, testOptions(), zerolog.New(&bytes.Buffer{}))

	w.Append(turn("c1", 1, "one"))

	disp.wait(t)
	if disp.count() != 1 {
		t.Fatalf("expected silence flush, got %d windows", disp.count())
	}
}

func TestOutOfOrderResorted(t *testing.T) {
	disp := newCaptureDispatcher()
	w := New(disp, testOptions(), zerolog.New(&bytes.Buffer{}))

	w.Append(turn("c1", 2, "two"))
	w.Append(turn("c1", 1, "one"))
	w.Append(turn("c1", 3, "three"))

	disp.wait(t)
	win := disp.window(0)
	for i, tr := range win.Turns {
		if tr.SequenceNumber != i+1 {
			t.Errorf("expected sorted sequence at %d, got %d", i, tr.SequenceNumber)
		}
	}
}

func TestGapHoldsFlushUntilGrace(t *testing.T) {
	disp := newCaptureDispatcher()
	opts := testOptions()
	opts.SilenceGap = time.Second // keep silence out of this test
	w := New(disp, opts, zerolog.New(&bytes.Buffer{}))

	// Sequence 2 missing: buffer reaches MaxTurns but is not contiguous
	w.Append(turn("c1", 1, "one"))
	w.Append(turn("c1", 3, "three"))
	w.Append(turn("c1", 4, "four"))

	if disp.count() != 0 {
		t.Fatalf("expected gapped buffer to hold, got %d windows", disp.count())
	}

	disp.wait(t)
	win := disp.window(0)
	if len(win.Turns) != 3 {
		t.Errorf("expected grace flush with 3 turns, got %d", len(win.Turns))
	}
}

func TestGapFilledFlushesImmediately(t *testing.T) {
	disp := newCaptureDispatcher()
	opts := testOptions()
	opts.SilenceGap = time.Second
	opts.SequenceGrace = time.Second
	w := New(disp, opts, zerolog.New(&bytes.Buffer{}))

	w.Append(turn("c1", 1, "one"))
	w.Append(turn("c1", 3, "three"))
	w.Append(turn("c1", 2, "two"))

	disp.wait(t)
	if disp.count() != 1 {
		t.Fatalf("expected immediate flush once the gap filled, got %d", disp.count())
	}
}

func TestDuplicateSequenceIgnored(t *testing.T) {
	disp := newCaptureDispatcher()
	w := New(disp, testOptions(), zerolog.New(&bytes.Buffer{}))

	w.Append(turn("c1", 1, "one"))
	w.Append(turn("c1", 1, "one again"))
	w.Append(turn("c1", 2, "two"))
	w.Append(turn("c1", 3, "three"))

	disp.wait(t)
	win := disp.window(0)
	if len(win.Turns) != 3 {
		t.Errorf("expected duplicate dropped, got %d turns", len(win.Turns))
	}
	if win.Turns[0].Text != "one" {
		t.Errorf("expected first arrival kept, got %q", win.Turns[0].Text)
	}
}

func TestStragglerBelowWatermarkDropped(t *testing.T) {
	disp := newCaptureDispatcher()
	w := New(disp, testOptions(), zerolog.New(&bytes.Buffer{}))

	w.Append(turn("c1", 1, "one"))
	w.Append(turn("c1", 2, "two"))
	w.Append(turn("c1", 3, "three"))
	disp.wait(t)

	// Arrives after its window already flushed
	w.Append(turn("c1", 2, "late"))

	w.Append(turn("c1", 4, "four"))
	w.Append(turn("c1", 5, "five"))
	w.Append(turn("c1", 6, "six"))
	disp.wait(t)

	if disp.count() != 2 {
		t.Fatalf("expected 2 windows, got %d", disp.count())
	}
	second := disp.window(1)
	for _, tr := range second.Turns {
		if tr.Text == "late" {
			t.Error("straggler must not reappear in a later window")
		}
	}
}

func TestCloseCallFlushesRemainder(t *testing.T) {
	disp := newCaptureDispatcher()
	opts := testOptions()
	opts.SilenceGap = time.Second
	w := New(disp, opts, zerolog.New(&bytes.Buffer{}))

	w.Append(turn("c1", 1, "one"))
	w.CloseCall("c1")

	disp.wait(t)
	if disp.count() != 1 {
		t.Fatalf("expected remainder flush, got %d windows", disp.count())
	}
}

func TestClosedBufferRefusesTurns(t *testing.T) {
	disp := newCaptureDispatcher()
	w := New(disp, testOptions(), zerolog.New(&bytes.Buffer{}))

	b := w.buffer("c1")
	if _, ok := b.close(); ok {
		t.Fatal("expected empty close to emit nothing")
	}
	if _, ok := b.add(turn("c1", 1, "one")); ok {
		t.Error("expected closed buffer to refuse turns")
	}
	if len(b.pending) != 0 {
		t.Errorf("expected nothing buffered, got %d", len(b.pending))
	}
}

func TestCloseCallEmptyBufferEmitsNothing(t *testing.T) {
	disp := newCaptureDispatcher()
	w := New(disp, testOptions(), zerolog.New(&bytes.Buffer{}))

	w.CloseCall("c1")
	if disp.count() != 0 {
		t.Errorf("expected no windows, got %d", disp.count())
	}
}

func TestIndependentCallBuffers(t *testing.T) {
	disp := newCaptureDispatcher()
	opts := testOptions()
	opts.SilenceGap = time.Second
	w := New(disp, opts, zerolog.New(&bytes.Buffer{}))

	w.Append(turn("c1", 1, "one"))
	w.Append(turn("c1", 2, "two"))
	w.Append(turn("c2", 1, "uno"))
	w.Append(turn("c1", 3, "three"))

	disp.wait(t)
	if disp.count() != 1 {
		t.Fatalf("expected only c1 to flush, got %d", disp.count())
	}
	if disp.window(0).CallID != "c1" {
		t.Errorf("expected c1 window, got %s", disp.window(0).CallID)
	}
}

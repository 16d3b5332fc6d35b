package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"promptstash/internal/models"
)

type recordingHandler struct {
	mu       sync.Mutex
	attempts []int
	results  []error
	done     chan struct{}
}

// newRecordingHandler fails with the queued results in order, then succeeds.
func newRecordingHandler(results ...error) *recordingHandler {
	return &recordingHandler{results: results, done: make(chan struct{}, 16)}
}

func (h *recordingHandler) handle(_ context.Context, _ models.WorkItem, attempt int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, attempt)
	var err error
	if len(h.results) > 0 {
		err = h.results[0]
		h.results = h.results[1:]
	}
	h.done <- struct{}{}
	return err
}

func (h *recordingHandler) seen() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, len(h.attempts))
	copy(out, h.attempts)
	return out
}

func waitDeliveries(t *testing.T, h *recordingHandler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func newTransport(t *testing.T, h *recordingHandler) *MemoryTransport {
	t.Helper()
	transport := NewMemoryTransport(context.Background(), h.handle, 1)
	transport.redeliverAfter = 10 * time.Millisecond
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = transport.Shutdown(ctx)
	})
	return transport
}

func TestMemoryTransportDeliversOnce(t *testing.T) {
	h := newRecordingHandler()
	transport := newTransport(t, h)

	if err := transport.Publish(context.Background(), models.WorkItem{SessionID: "s1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitDeliveries(t, h, 1)
	if got := h.seen(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected attempts %v", got)
	}
}

func TestMemoryTransportRedeliversTransientFailures(t *testing.T) {
	h := newRecordingHandler(Transient(errors.New("blob store down")))
	transport := newTransport(t, h)

	if err := transport.Publish(context.Background(), models.WorkItem{SessionID: "s1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitDeliveries(t, h, 2)
	if got := h.seen(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected attempts [1 2], got %v", got)
	}
}

func TestMemoryTransportStopsAtAttemptBudget(t *testing.T) {
	transient := Transient(errors.New("still down"))
	h := newRecordingHandler(transient, transient, transient, transient)
	transport := newTransport(t, h)

	if err := transport.Publish(context.Background(), models.WorkItem{SessionID: "s1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitDeliveries(t, h, MaxAttempts)

	// No further delivery arrives after the budget is spent.
	select {
	case <-h.done:
		t.Fatalf("delivered beyond the attempt budget")
	case <-time.After(100 * time.Millisecond):
	}
	if got := h.seen(); len(got) != MaxAttempts {
		t.Fatalf("expected %d attempts, got %v", MaxAttempts, got)
	}
}

func TestMemoryTransportSettlesPermanentFailures(t *testing.T) {
	h := newRecordingHandler(errors.New("unknown platform"))
	transport := newTransport(t, h)

	if err := transport.Publish(context.Background(), models.WorkItem{SessionID: "s1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitDeliveries(t, h, 1)

	select {
	case <-h.done:
		t.Fatalf("permanent failure must not be redelivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransientClassification(t *testing.T) {
	base := errors.New("boom")
	if IsTransient(base) {
		t.Fatalf("plain error must not be transient")
	}
	wrapped := Transient(base)
	if !IsTransient(wrapped) {
		t.Fatalf("Transient wrapper not detected")
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("Transient must preserve the cause")
	}
	// Detection survives further wrapping.
	if !IsTransient(wrapErr(wrapped)) {
		t.Fatalf("wrapped transient not detected")
	}
}

func wrapErr(err error) error {
	return &wrapper{err}
}

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }

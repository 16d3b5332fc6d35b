package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"promptstash/internal/models"
)

const defaultMemoryQueueSize = 64

type delivery struct {
	item    models.WorkItem
	attempt int
}

// MemoryTransport runs the work item handler on in-process goroutines. It
// mirrors the durable transport's contract: at-least-once delivery with up
// to MaxAttempts attempts per item. Used when no SQS queue is configured,
// and by tests.
type MemoryTransport struct {
	handler Handler
	jobs    chan delivery
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// delay before a redelivery; tests shorten it
	redeliverAfter time.Duration
}

func NewMemoryTransport(parent context.Context, handler Handler, workers int) *MemoryTransport {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(parent)
	t := &MemoryTransport{
		handler:        handler,
		jobs:           make(chan delivery, defaultMemoryQueueSize),
		ctx:            ctx,
		cancel:         cancel,
		redeliverAfter: 500 * time.Millisecond,
	}
	for i := 0; i < workers; i++ {
		t.wg.Add(1)
		go t.run()
	}
	return t
}

// Publish enqueues the first delivery of a work item.
func (t *MemoryTransport) Publish(ctx context.Context, item models.WorkItem) error {
	select {
	case t.jobs <- delivery{item: item, attempt: 1}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return errors.New("queue transport stopped")
	default:
		return errors.New("queue is full")
	}
}

func (t *MemoryTransport) run() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case d := <-t.jobs:
			err := t.handler(t.ctx, d.item, d.attempt)
			if err == nil {
				continue
			}
			if IsTransient(err) && d.attempt < MaxAttempts {
				log.Printf("queue: transient failure for session %s (attempt %d/%d): %v", d.item.SessionID, d.attempt, MaxAttempts, err)
				t.redeliver(delivery{item: d.item, attempt: d.attempt + 1})
				continue
			}
			log.Printf("queue: work item for session %s settled with error: %v", d.item.SessionID, err)
		}
	}
}

func (t *MemoryTransport) redeliver(d delivery) {
	timer := time.NewTimer(t.redeliverAfter)
	go func() {
		defer timer.Stop()
		select {
		case <-t.ctx.Done():
		case <-timer.C:
			select {
			case t.jobs <- d:
			case <-t.ctx.Done():
			}
		}
	}()
}

// Shutdown stops the workers and waits for in-flight deliveries.
func (t *MemoryTransport) Shutdown(ctx context.Context) error {
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"promptstash/internal/models"
	"promptstash/internal/parser"
	"promptstash/internal/queue"
	"promptstash/internal/registry"
)

const (
	// DefaultTimeout bounds one whole import run.
	DefaultTimeout = 5 * time.Minute

	// Prompts persisted between two progress snapshots.
	batchSize = 50

	// Progress milestones. Persisting fills the span between
	// progressPersistFrom and progressPersistTo proportionally.
	progressStarting    = 0
	progressFetching    = 10
	progressParsing     = 25
	progressPersistFrom = 30
	progressPersistTo   = 95
	progressDone        = 100
)

// Registry is the slice of the session registry the dispatcher needs: it is
// the only actor allowed to move a session out of processing.
type Registry interface {
	Finalize(ctx context.Context, sessionID string, outcome registry.Outcome) error
}

// ProgressWriter receives snapshot overwrites as the run advances.
type ProgressWriter interface {
	Write(ctx context.Context, snapshot models.ProgressSnapshot) error
}

// PromptSink is the downstream persistence collaborator. A failure for one
// record is never fatal to the session.
type PromptSink interface {
	SavePrompt(ctx context.Context, userID, sessionID string, prompt models.NormalizedPrompt) error
}

// BlobFetcher loads the uploaded export content from its storage location.
type BlobFetcher interface {
	Fetch(ctx context.Context, blobURL string) ([]byte, error)
}

// Dispatcher executes one work item per invocation: validate, fetch, parse,
// persist, finalize. It is invoked by the queue transport with at-least-once
// semantics and must tolerate duplicate deliveries; all its writes are
// idempotent (snapshot overwrites, check-and-set finalize).
type Dispatcher struct {
	registry Registry
	progress ProgressWriter
	sink     PromptSink
	fetcher  BlobFetcher
	timeout  time.Duration
}

func NewDispatcher(reg Registry, prog ProgressWriter, sink PromptSink, fetcher BlobFetcher, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		registry: reg,
		progress: prog,
		sink:     sink,
		fetcher:  fetcher,
		timeout:  timeout,
	}
}

// Process handles one delivery of a work item. attempt is the transport's
// delivery counter (1-based, capped at queue.MaxAttempts). A transient error
// return requests redelivery; any other error is settled by the transport.
func (d *Dispatcher) Process(ctx context.Context, item models.WorkItem, attempt int) error {
	if err := item.Validate(); err != nil {
		// Permanent: the payload will not improve on redelivery.
		log.Printf("worker: invalid work item (session %q): %v", item.SessionID, err)
		if item.SessionID != "" {
			d.fail(ctx, item, fmt.Sprintf("invalid import request: %v", err))
		}
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	started := time.Now()
	d.snapshot(ctx, item, models.StatusProcessing, progressStarting, "Starting import")

	d.snapshot(ctx, item, models.StatusProcessing, progressFetching, "Downloading export file")
	content, err := d.fetcher.Fetch(ctx, item.BlobURL)
	if err != nil {
		if ctx.Err() != nil {
			d.fail(ctx, item, fmt.Sprintf("import timed out while downloading: %v", err))
			return fmt.Errorf("fetch %s: %w", item.BlobURL, err)
		}
		if attempt < queue.MaxAttempts {
			// Let the transport redeliver within its budget.
			d.snapshot(ctx, item, models.StatusProcessing, progressFetching,
				fmt.Sprintf("Download failed, retrying (attempt %d of %d)", attempt, queue.MaxAttempts))
			return queue.Transient(fmt.Errorf("fetch %s: %w", item.BlobURL, err))
		}
		d.fail(ctx, item, fmt.Sprintf("could not download export file: %v", err))
		return fmt.Errorf("fetch %s: %w", item.BlobURL, err)
	}

	d.snapshot(ctx, item, models.StatusProcessing, progressParsing,
		fmt.Sprintf("Parsing %s export", item.Platform))
	prompts := parser.ForPlatform(item.Platform).Parse(content)
	total := len(prompts)

	processed, failed := 0, 0
	for start := 0; start < total; start += batchSize {
		if err := ctx.Err(); err != nil {
			d.fail(ctx, item, "import timed out while saving prompts")
			return fmt.Errorf("persist batch: %w", err)
		}
		end := start + batchSize
		if end > total {
			end = total
		}
		for _, prompt := range prompts[start:end] {
			if err := d.sink.SavePrompt(ctx, item.UserID, item.SessionID, prompt); err != nil {
				// Partial-success semantics: count and continue.
				failed++
				log.Printf("worker: save prompt %s for session %s failed: %v", prompt.ID, item.SessionID, err)
				continue
			}
			processed++
		}
		d.snapshot(ctx, item, models.StatusProcessing, persistProgress(start+len(prompts[start:end]), total),
			fmt.Sprintf("Imported %d of %d prompts", processed+failed, total))
	}

	outcome := registry.Completed(total, processed, failed, map[string]string{
		"duration_ms": strconv.FormatInt(time.Since(started).Milliseconds(), 10),
	})
	if err := d.registry.Finalize(ctx, item.SessionID, outcome); err != nil {
		d.fail(ctx, item, fmt.Sprintf("could not record import result: %v", err))
		return fmt.Errorf("finalize session %s: %w", item.SessionID, err)
	}

	d.emit(ctx, models.ProgressSnapshot{
		SessionID: item.SessionID,
		Status:    models.StatusCompleted,
		Progress:  progressDone,
		Message:   fmt.Sprintf("Import complete: %d prompts imported, %d failed", processed, failed),
		Metadata: map[string]string{
			"total":     strconv.Itoa(total),
			"processed": strconv.Itoa(processed),
			"failed":    strconv.Itoa(failed),
		},
	})
	return nil
}

func persistProgress(done, total int) int {
	if total == 0 {
		return progressPersistTo
	}
	return progressPersistFrom + (progressPersistTo-progressPersistFrom)*done/total
}

// fail finalizes the session and publishes the terminal snapshot. The
// session must never stay in processing after a worker failure, so this
// runs on a fresh context when the run's own context is already dead.
func (d *Dispatcher) fail(ctx context.Context, item models.WorkItem, message string) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := d.registry.Finalize(ctx, item.SessionID, registry.Failed(message)); err != nil && !errors.Is(err, registry.ErrNotFound) {
		log.Printf("worker: finalize failed session %s: %v", item.SessionID, err)
	}
	d.emit(ctx, models.ProgressSnapshot{
		SessionID: item.SessionID,
		Status:    models.StatusFailed,
		Progress:  0,
		Message:   message,
	})
}

func (d *Dispatcher) snapshot(ctx context.Context, item models.WorkItem, status models.SessionStatus, pct int, message string) {
	d.emit(ctx, models.ProgressSnapshot{
		SessionID: item.SessionID,
		Status:    status,
		Progress:  pct,
		Message:   message,
	})
}

func (d *Dispatcher) emit(ctx context.Context, snapshot models.ProgressSnapshot) {
	// Snapshots are best effort; a write failure never aborts the run.
	if err := d.progress.Write(ctx, snapshot); err != nil {
		log.Printf("worker: progress write for session %s failed: %v", snapshot.SessionID, err)
	}
}

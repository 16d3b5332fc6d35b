package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"promptstash/internal/models"
)

var (
	// ErrNotFound is returned when the session id is unknown.
	ErrNotFound = errors.New("import session not found")
	// ErrForbidden is returned when the caller does not own the session.
	ErrForbidden = errors.New("import session belongs to another user")
	// ErrConflict is returned when a transition is attempted from the wrong state.
	ErrConflict = errors.New("import session is not in the expected state")
)

// Outcome is the terminal result of a worker run.
type Outcome struct {
	Status    models.SessionStatus
	Total     int
	Processed int
	Failed    int
	Error     string
	Metadata  map[string]string
}

// Completed builds a successful outcome.
func Completed(total, processed, failed int, metadata map[string]string) Outcome {
	return Outcome{
		Status:    models.StatusCompleted,
		Total:     total,
		Processed: processed,
		Failed:    failed,
		Metadata:  metadata,
	}
}

// Failed builds a failed outcome carrying the user-visible message.
func Failed(message string) Outcome {
	return Outcome{Status: models.StatusFailed, Error: message}
}

// Registry is the durable source of truth for import sessions. It owns every
// status transition; the worker dispatcher is the only caller of Finalize.
type Registry struct {
	db *sql.DB
}

func New(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Create records a new pending session and returns its id.
func (r *Registry) Create(ctx context.Context, userID string, platform models.Platform, file models.FileDescriptor) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO import_sessions (id, user_id, platform, status, file_name, file_size, mime_type, blob_url, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, platform, models.StatusPending, file.Name, file.Size, file.MimeType, file.BlobURL, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert import session: %w", err)
	}
	return id, nil
}

// AttachFile stores the blob location and moves the session to processing.
// Only the owner may attach, and only while the session is still pending.
func (r *Registry) AttachFile(ctx context.Context, sessionID, userID, blobURL string) error {
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.UserID != userID {
		return ErrForbidden
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE import_sessions SET blob_url = ?, status = ? WHERE id = ? AND status = ?`,
		blobURL, models.StatusProcessing, sessionID, models.StatusPending,
	)
	if err != nil {
		return fmt.Errorf("attach file: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach file rows: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// Finalize moves a processing session to its terminal state. The transition is
// a check-and-set on status, so a duplicate delivery finalizing the same
// session a second time is a no-op; the anomaly is logged and swallowed.
func (r *Registry) Finalize(ctx context.Context, sessionID string, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", outcome.Status)
	}
	meta := "{}"
	if len(outcome.Metadata) > 0 {
		data, err := json.Marshal(outcome.Metadata)
		if err != nil {
			return fmt.Errorf("marshal outcome metadata: %w", err)
		}
		meta = string(data)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE import_sessions
		 SET status = ?, total_prompts = ?, processed_prompts = ?, failed_prompts = ?, error = ?, metadata = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		outcome.Status, outcome.Total, outcome.Processed, outcome.Failed, outcome.Error, meta, time.Now().UTC(),
		sessionID, models.StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize rows: %w", err)
	}
	if affected == 0 {
		current, getErr := r.Get(ctx, sessionID)
		if getErr != nil {
			return getErr
		}
		log.Printf("registry: duplicate finalize for session %s ignored (status=%s)", sessionID, current.Status)
		return nil
	}
	return nil
}

// Get loads a session by id.
func (r *Registry) Get(ctx context.Context, sessionID string) (*models.ImportSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, platform, status, file_name, file_size, mime_type, blob_url,
		        total_prompts, processed_prompts, failed_prompts, error, metadata, started_at, completed_at
		 FROM import_sessions WHERE id = ?`, sessionID,
	)
	return scanSession(row)
}

// ListByUser returns the user's sessions, newest first.
func (r *Registry) ListByUser(ctx context.Context, userID string) ([]*models.ImportSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, platform, status, file_name, file_size, mime_type, blob_url,
		        total_prompts, processed_prompts, failed_prompts, error, metadata, started_at, completed_at
		 FROM import_sessions WHERE user_id = ? ORDER BY started_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.ImportSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.ImportSession, error) {
	var (
		session     models.ImportSession
		meta        string
		completedAt sql.NullTime
	)
	err := row.Scan(
		&session.ID, &session.UserID, &session.Platform, &session.Status,
		&session.File.Name, &session.File.Size, &session.File.MimeType, &session.File.BlobURL,
		&session.TotalPrompts, &session.ProcessedPrompts, &session.FailedPrompts,
		&session.Error, &meta, &session.StartedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan import session: %w", err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &session.Metadata); err != nil {
			log.Printf("registry: decode metadata for session %s failed: %v", session.ID, err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		session.CompletedAt = &t
	}
	return &session, nil
}

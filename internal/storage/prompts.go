package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"promptstash/internal/models"
)

// PromptStore persists normalized prompts produced by an import. It is the
// default implementation of the dispatcher's downstream sink.
type PromptStore struct {
	db *sql.DB
}

func NewPromptStore(db *sql.DB) *PromptStore {
	return &PromptStore{db: db}
}

// SavePrompt writes one normalized prompt for the owning user and session.
func (s *PromptStore) SavePrompt(ctx context.Context, userID, sessionID string, prompt models.NormalizedPrompt) error {
	meta := "{}"
	if len(prompt.Metadata) > 0 {
		data, err := json.Marshal(prompt.Metadata)
		if err != nil {
			return fmt.Errorf("marshal prompt metadata: %w", err)
		}
		meta = string(data)
	}
	createdAt := time.Now().UTC()
	if prompt.Timestamp != nil {
		createdAt = prompt.Timestamp.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts (id, user_id, session_id, content, response, source_ref, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		prompt.ID, userID, sessionID, prompt.Content, prompt.Response, prompt.SourceRef, meta, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert prompt: %w", err)
	}
	return nil
}

// CountBySession returns the number of persisted prompts for a session.
func (s *PromptStore) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prompts WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prompts: %w", err)
	}
	return n, nil
}

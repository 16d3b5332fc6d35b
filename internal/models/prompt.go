package models

import "time"

// NormalizedPrompt is the common shape all platform parsers converge to.
// Parsers create it; the prompt sink consumes it.
type NormalizedPrompt struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Response  string            `json:"response,omitempty"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	SourceRef string            `json:"source_ref"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

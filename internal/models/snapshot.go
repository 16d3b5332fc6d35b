package models

// ProgressSnapshot is the latest known progress state for a session.
// Ephemeral, overwritten on every update, bounded by the store TTL.
type ProgressSnapshot struct {
	SessionID string            `json:"sessionId"`
	Status    SessionStatus     `json:"status"`
	Progress  int               `json:"progress"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

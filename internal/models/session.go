package models

import (
	"fmt"
	"strings"
	"time"
)

// Platform identifies the AI assistant product an export file came from.
type Platform string

const (
	PlatformChatGPT Platform = "chatgpt"
	PlatformClaude  Platform = "claude"
	PlatformGemini  Platform = "gemini"
	PlatformCline   Platform = "cline"
	PlatformCursor  Platform = "cursor"
	PlatformFile    Platform = "file"
)

// ParsePlatform normalizes a client-supplied platform tag.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformChatGPT:
		return PlatformChatGPT, nil
	case PlatformClaude:
		return PlatformClaude, nil
	case PlatformGemini:
		return PlatformGemini, nil
	case PlatformCline:
		return PlatformCline, nil
	case PlatformCursor:
		return PlatformCursor, nil
	case PlatformFile:
		return PlatformFile, nil
	}
	return "", fmt.Errorf("unsupported platform %q", s)
}

// SessionStatus is the durable lifecycle state of an import attempt.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusProcessing SessionStatus = "processing"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FileDescriptor describes the uploaded export file.
type FileDescriptor struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	BlobURL  string `json:"blob_url,omitempty"`
}

// ImportSession tracks one user-initiated import attempt end to end.
type ImportSession struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	Platform         Platform          `json:"platform"`
	Status           SessionStatus     `json:"status"`
	File             FileDescriptor    `json:"file"`
	TotalPrompts     int               `json:"total_prompts"`
	ProcessedPrompts int               `json:"processed_prompts"`
	FailedPrompts    int               `json:"failed_prompts"`
	Error            string            `json:"error,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

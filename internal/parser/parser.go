package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"promptstash/internal/models"
)

// Upper bound for a single line in JSONL fallbacks.
const maxLineSize = 10 * 1024 * 1024

// Parser converts raw export bytes into normalized prompts. Implementations
// never fail: malformed input degrades to whatever could be extracted,
// possibly an empty slice.
type Parser interface {
	Platform() models.Platform
	Parse(content []byte) []models.NormalizedPrompt
}

// Fixed dispatch table over the supported platforms.
var parsers = map[models.Platform]Parser{
	models.PlatformChatGPT: chatgptParser{},
	models.PlatformClaude:  claudeParser{},
	models.PlatformGemini:  geminiParser{},
	models.PlatformCline:   clineParser{},
	models.PlatformCursor:  cursorParser{},
	models.PlatformFile:    fileParser{},
}

// ForPlatform selects the parser for a platform tag. Unknown tags fall back
// to the generic file parser.
func ForPlatform(platform models.Platform) Parser {
	if p, ok := parsers[platform]; ok {
		return p
	}
	return fileParser{}
}

// newPrompt builds a normalized prompt with a collision-resistant id and a
// deterministic source reference for traceability.
func newPrompt(platform models.Platform, conversationID string, index int, content, response string, ts *time.Time, meta map[string]string) models.NormalizedPrompt {
	if conversationID == "" {
		conversationID = "-"
	}
	if meta == nil {
		meta = make(map[string]string)
	}
	return models.NormalizedPrompt{
		ID:        uuid.NewString(),
		Content:   strings.TrimSpace(content),
		Response:  strings.TrimSpace(response),
		Timestamp: ts,
		SourceRef: fmt.Sprintf("%s:%s:%d", platform, conversationID, index),
		Metadata:  meta,
	}
}

// parseTimestamp accepts the timestamp layouts seen across export formats.
func parseTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// unixTime converts export epoch-seconds (possibly fractional) to time.
func unixTime(sec float64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9)).UTC()
	return &t
}

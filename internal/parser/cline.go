package parser

import (
	"encoding/json"
	"strings"

	"promptstash/internal/models"
)

// clineParser understands Cline task exports: the structured
// api_conversation_history.json form, or the markdown transcript with
// "**User:**"/"**Cline:**" section markers.
type clineParser struct{}

func (clineParser) Platform() models.Platform { return models.PlatformCline }

type clineHistoryMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Ts      float64         `json:"ts"`
}

func (p clineParser) Parse(content []byte) []models.NormalizedPrompt {
	if prompts := p.parseHistory(content); len(prompts) > 0 {
		return prompts
	}
	// Markdown transcript. No recognizable markers means nothing
	// attributable to the user: zero records, not an error.
	return segmentText(string(content), segmentOptions{
		platform: models.PlatformCline,
	})
}

func (p clineParser) parseHistory(content []byte) []models.NormalizedPrompt {
	var msgs []clineHistoryMessage
	if err := json.Unmarshal(content, &msgs); err != nil {
		return nil
	}

	var prompts []models.NormalizedPrompt
	for i := 0; i < len(msgs); i++ {
		if msgs[i].Role != "user" {
			continue
		}
		text := strings.TrimSpace(extractClaudeContent(msgs[i].Content))
		if text == "" {
			continue
		}
		response := ""
		if i+1 < len(msgs) && msgs[i+1].Role == "assistant" {
			response = extractClaudeContent(msgs[i+1].Content)
		}
		prompts = append(prompts, newPrompt(models.PlatformCline, "task", len(prompts), text, response, unixTime(msgs[i].Ts/1000), map[string]string{
			"format": "cline-history",
		}))
	}
	return prompts
}

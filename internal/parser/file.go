package parser

import (
	"encoding/json"
	"strings"

	"promptstash/internal/models"
)

// fileParser is the generic fallback for files with no known platform. It
// accepts a flat JSON list of prompt-shaped objects, and otherwise imports
// plain text: role-marked turns when markers exist, one prompt per
// blank-line block when they do not.
type fileParser struct{}

func (fileParser) Platform() models.Platform { return models.PlatformFile }

type genericRecord struct {
	Prompt   string `json:"prompt"`
	Content  string `json:"content"`
	Text     string `json:"text"`
	Response string `json:"response"`
}

func (r genericRecord) body() string {
	if r.Prompt != "" {
		return r.Prompt
	}
	if r.Content != "" {
		return r.Content
	}
	return r.Text
}

func (p fileParser) Parse(content []byte) []models.NormalizedPrompt {
	var records []genericRecord
	if err := json.Unmarshal(content, &records); err == nil {
		var prompts []models.NormalizedPrompt
		for _, rec := range records {
			text := strings.TrimSpace(rec.body())
			if text == "" {
				continue
			}
			prompts = append(prompts, newPrompt(models.PlatformFile, "json", len(prompts), text, rec.Response, nil, map[string]string{
				"format": "generic-json",
			}))
		}
		if len(prompts) > 0 {
			return prompts
		}
	}

	return segmentText(string(content), segmentOptions{
		platform:     models.PlatformFile,
		keepUnmarked: true,
	})
}

package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"promptstash/internal/models"
)

// geminiParser understands the Gemini conversation export: a wrapper object
// (or bare list) of conversations whose messages carry an author tag of
// "user" or "model".
type geminiParser struct{}

func (geminiParser) Platform() models.Platform { return models.PlatformGemini }

type geminiExport struct {
	Conversations []geminiConversation `json:"conversations"`
}

type geminiConversation struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Title          string          `json:"title"`
	Messages       []geminiMessage `json:"messages"`
}

type geminiMessage struct {
	Author     string `json:"author"`
	Role       string `json:"role"`
	Text       string `json:"text"`
	Content    string `json:"content"`
	CreateTime string `json:"create_time"`
}

func (m geminiMessage) speaker() string {
	role := strings.ToLower(m.Author)
	if role == "" {
		role = strings.ToLower(m.Role)
	}
	switch role {
	case "user", "human":
		return "user"
	case "model", "assistant", "gemini":
		return "model"
	}
	return ""
}

func (m geminiMessage) body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Content
}

func (p geminiParser) Parse(content []byte) []models.NormalizedPrompt {
	conversations := decodeGeminiConversations(content)

	var prompts []models.NormalizedPrompt
	for _, conv := range conversations {
		prompts = append(prompts, p.parseConversation(conv)...)
	}
	if len(prompts) > 0 {
		return prompts
	}

	if prompts := p.parseJSONL(content); len(prompts) > 0 {
		return prompts
	}
	return segmentText(string(content), segmentOptions{
		platform: models.PlatformGemini,
	})
}

func decodeGeminiConversations(content []byte) []geminiConversation {
	var export geminiExport
	if err := json.Unmarshal(content, &export); err == nil && len(export.Conversations) > 0 {
		return export.Conversations
	}
	var list []geminiConversation
	if err := json.Unmarshal(content, &list); err == nil {
		return list
	}
	var single geminiConversation
	if err := json.Unmarshal(content, &single); err == nil && len(single.Messages) > 0 {
		return []geminiConversation{single}
	}
	return nil
}

func (p geminiParser) parseConversation(conv geminiConversation) []models.NormalizedPrompt {
	convID := conv.ConversationID
	if convID == "" {
		convID = conv.ID
	}
	msgs := conv.Messages

	var prompts []models.NormalizedPrompt
	for i := 0; i < len(msgs); i++ {
		if msgs[i].speaker() != "user" {
			continue
		}
		text := strings.TrimSpace(msgs[i].body())
		if text == "" {
			continue
		}
		response := ""
		if i+1 < len(msgs) && msgs[i+1].speaker() == "model" {
			response = msgs[i+1].body()
		}
		meta := map[string]string{
			"format":          "gemini-export",
			"conversation_id": convID,
		}
		if conv.Title != "" {
			meta["conversation_title"] = conv.Title
		}
		prompts = append(prompts, newPrompt(models.PlatformGemini, convID, len(prompts), text, response, parseTimestamp(msgs[i].CreateTime), meta))
	}
	return prompts
}

func (p geminiParser) parseJSONL(content []byte) []models.NormalizedPrompt {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var msgs []geminiMessage
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg geminiMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.speaker() == "" || strings.TrimSpace(msg.body()) == "" {
			continue
		}
		msgs = append(msgs, msg)
	}

	var prompts []models.NormalizedPrompt
	for i := 0; i < len(msgs); i++ {
		if msgs[i].speaker() != "user" {
			continue
		}
		response := ""
		if i+1 < len(msgs) && msgs[i+1].speaker() == "model" {
			response = msgs[i+1].body()
		}
		prompts = append(prompts, newPrompt(models.PlatformGemini, "jsonl", len(prompts), msgs[i].body(), response, parseTimestamp(msgs[i].CreateTime), map[string]string{
			"format": "gemini-jsonl",
		}))
	}
	return prompts
}

package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"promptstash/internal/models"
)

// claudeParser understands the Claude account data export
// (conversations.json with chat_messages) and the JSONL session-log variant.
type claudeParser struct{}

func (claudeParser) Platform() models.Platform { return models.PlatformClaude }

type claudeConversation struct {
	UUID         string          `json:"uuid"`
	Name         string          `json:"name"`
	CreatedAt    string          `json:"created_at"`
	ChatMessages []claudeChatMsg `json:"chat_messages"`
}

type claudeChatMsg struct {
	UUID      string `json:"uuid"`
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	CreatedAt string `json:"created_at"`
	Content   []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (m claudeChatMsg) body() string {
	if strings.TrimSpace(m.Text) != "" {
		return m.Text
	}
	var parts []string
	for _, block := range m.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (p claudeParser) Parse(content []byte) []models.NormalizedPrompt {
	var conversations []claudeConversation
	if err := json.Unmarshal(content, &conversations); err != nil {
		var single claudeConversation
		if err := json.Unmarshal(content, &single); err == nil && len(single.ChatMessages) > 0 {
			conversations = []claudeConversation{single}
		}
	}

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
		platform: models.PlatformClaude,
	})
}

func (p claudeParser) parseConversation(conv claudeConversation) []models.NormalizedPrompt {
	var prompts []models.NormalizedPrompt
	msgs := conv.ChatMessages
	for i := 0; i < len(msgs); i++ {
		if msgs[i].Sender != "human" {
			continue
		}
		text := strings.TrimSpace(msgs[i].body())
		if text == "" {
			continue
		}
		response := ""
		if i+1 < len(msgs) && msgs[i+1].Sender == "assistant" {
			response = msgs[i+1].body()
		}
		meta := map[string]string{
			"format":          "claude-export",
			"conversation_id": conv.UUID,
		}
		if conv.Name != "" {
			meta["conversation_title"] = conv.Name
		}
		prompts = append(prompts, newPrompt(models.PlatformClaude, conv.UUID, len(prompts), text, response, parseTimestamp(msgs[i].CreatedAt), meta))
	}
	return prompts
}

// JSONL session-log records: {"type":"user","message":{...},"timestamp":...}.
type claudeLogRecord struct {
	Type      string          `json:"type"`
	IsMeta    bool            `json:"isMeta"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type claudeLogMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (p claudeParser) parseJSONL(content []byte) []models.NormalizedPrompt {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	type logTurn struct {
		role string
		text string
		ts   string
	}
	var turns []logTurn
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec claudeLogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.IsMeta || (rec.Type != "user" && rec.Type != "assistant") {
			continue
		}
		var msg claudeLogMessage
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			continue
		}
		text := extractClaudeContent(msg.Content)
		if text == "" {
			continue
		}
		turns = append(turns, logTurn{role: rec.Type, text: text, ts: rec.Timestamp})
	}

	var prompts []models.NormalizedPrompt
	for i := 0; i < len(turns); i++ {
		if turns[i].role != "user" {
			continue
		}
		response := ""
		if i+1 < len(turns) && turns[i+1].role == "assistant" {
			response = turns[i+1].text
		}
		prompts = append(prompts, newPrompt(models.PlatformClaude, "jsonl", len(prompts), turns[i].text, response, parseTimestamp(turns[i].ts), map[string]string{
			"format": "claude-jsonl",
		}))
	}
	return prompts
}

// extractClaudeContent accepts both the plain-string and the content-block
// forms of a message body.
func extractClaudeContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return ""
}

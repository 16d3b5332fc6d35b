package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"promptstash/internal/models"
)

// Cursor bubble types as stored in its workspace database.
const (
	cursorBubbleUser      = 1
	cursorBubbleAssistant = 2
)

// cursorParser understands Cursor chat exports: chats made of message
// bubbles typed 1 (user) and 2 (assistant).
type cursorParser struct{}

func (cursorParser) Platform() models.Platform { return models.PlatformCursor }

type cursorExport struct {
	Chats []cursorChat `json:"chats"`
}

type cursorChat struct {
	ChatID  string         `json:"chatId"`
	Name    string         `json:"name"`
	Bubbles []cursorBubble `json:"bubbles"`
}

type cursorBubble struct {
	BubbleID  string `json:"bubbleId"`
	Type      int    `json:"type"`
	Text      string `json:"text"`
	RichText  string `json:"richText"`
	Timestamp int64  `json:"timestamp"`
}

func (b cursorBubble) body() string {
	if b.Text != "" {
		return b.Text
	}
	return b.RichText
}

func (p cursorParser) Parse(content []byte) []models.NormalizedPrompt {
	chats := decodeCursorChats(content)

	var prompts []models.NormalizedPrompt
	for _, chat := range chats {
		prompts = append(prompts, p.parseChat(chat)...)
	}
	if len(prompts) > 0 {
		return prompts
	}

	if prompts := p.parseJSONL(content); len(prompts) > 0 {
		return prompts
	}
	return segmentText(string(content), segmentOptions{
		platform: models.PlatformCursor,
	})
}

func decodeCursorChats(content []byte) []cursorChat {
	var export cursorExport
	if err := json.Unmarshal(content, &export); err == nil && len(export.Chats) > 0 {
		return export.Chats
	}
	var list []cursorChat
	if err := json.Unmarshal(content, &list); err == nil {
		return list
	}
	var single cursorChat
	if err := json.Unmarshal(content, &single); err == nil && len(single.Bubbles) > 0 {
		return []cursorChat{single}
	}
	return nil
}

func (p cursorParser) parseChat(chat cursorChat) []models.NormalizedPrompt {
	bubbles := chat.Bubbles

	var prompts []models.NormalizedPrompt
	for i := 0; i < len(bubbles); i++ {
		if bubbles[i].Type != cursorBubbleUser {
			continue
		}
		text := strings.TrimSpace(bubbles[i].body())
		if text == "" {
			continue
		}
		response := ""
		if i+1 < len(bubbles) && bubbles[i+1].Type == cursorBubbleAssistant {
			response = bubbles[i+1].body()
		}
		var ts *time.Time
		if bubbles[i].Timestamp > 0 {
			t := time.UnixMilli(bubbles[i].Timestamp).UTC()
			ts = &t
		}
		meta := map[string]string{
			"format":          "cursor-export",
			"conversation_id": chat.ChatID,
		}
		if chat.Name != "" {
			meta["conversation_title"] = chat.Name
		}
		prompts = append(prompts, newPrompt(models.PlatformCursor, chat.ChatID, len(prompts), text, response, ts, meta))
	}
	return prompts
}

func (p cursorParser) parseJSONL(content []byte) []models.NormalizedPrompt {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var bubbles []cursorBubble
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var bubble cursorBubble
		if err := json.Unmarshal(line, &bubble); err != nil {
			continue
		}
		if bubble.Type != cursorBubbleUser && bubble.Type != cursorBubbleAssistant {
			continue
		}
		if strings.TrimSpace(bubble.body()) == "" {
			continue
		}
		bubbles = append(bubbles, bubble)
	}
	if len(bubbles) == 0 {
		return nil
	}
	return p.parseChat(cursorChat{ChatID: "jsonl", Bubbles: bubbles})
}

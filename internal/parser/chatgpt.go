package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"promptstash/internal/models"
)

// chatgptParser understands the conversations.json ChatGPT data export: a
// list of conversations, each holding a mapping of message nodes linked
// parent-to-child.
type chatgptParser struct{}

func (chatgptParser) Platform() models.Platform { return models.PlatformChatGPT }

type chatgptConversation struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Title          string                 `json:"title"`
	CreateTime     float64                `json:"create_time"`
	Mapping        map[string]chatgptNode `json:"mapping"`
}

type chatgptNode struct {
	ID       string          `json:"id"`
	Message  *chatgptMessage `json:"message"`
	Parent   string          `json:"parent"`
	Children []string        `json:"children"`
}

type chatgptMessage struct {
	Author struct {
		Role string `json:"role"`
	} `json:"author"`
	CreateTime *float64 `json:"create_time"`
	Content    struct {
		ContentType string            `json:"content_type"`
		Parts       []json.RawMessage `json:"parts"`
	} `json:"content"`
}

func (p chatgptParser) Parse(content []byte) []models.NormalizedPrompt {
	var conversations []chatgptConversation
	if err := json.Unmarshal(content, &conversations); err != nil {
		var single chatgptConversation
		if err := json.Unmarshal(content, &single); err == nil && len(single.Mapping) > 0 {
			conversations = []chatgptConversation{single}
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
		platform:     models.PlatformChatGPT,
		counterparts: []string{"gpt"},
	})
}

type chatgptTurn struct {
	role string
	text string
	ts   *time.Time
}

func (p chatgptParser) parseConversation(conv chatgptConversation) []models.NormalizedPrompt {
	convID := conv.ConversationID
	if convID == "" {
		convID = conv.ID
	}

	turns := orderedTurns(conv.Mapping)

	var prompts []models.NormalizedPrompt
	for i := 0; i < len(turns); i++ {
		if turns[i].role != "user" {
			continue
		}
		text := strings.TrimSpace(turns[i].text)
		if text == "" {
			continue
		}
		response := ""
		if i+1 < len(turns) && turns[i+1].role == "assistant" {
			response = turns[i+1].text
		}
		meta := map[string]string{
			"format":          "chatgpt-export",
			"conversation_id": convID,
		}
		if conv.Title != "" {
			meta["conversation_title"] = conv.Title
		}
		prompts = append(prompts, newPrompt(models.PlatformChatGPT, convID, len(prompts), text, response, turns[i].ts, meta))
	}
	return prompts
}

// orderedTurns flattens the mapping into message order. The export links
// nodes parent-to-child; a broken chain falls back to timestamp order.
func orderedTurns(mapping map[string]chatgptNode) []chatgptTurn {
	root := ""
	messageCount := 0
	for id, node := range mapping {
		if node.Message != nil {
			messageCount++
		}
		if node.Parent == "" {
			root = id
		} else if _, ok := mapping[node.Parent]; !ok && root == "" {
			root = id
		}
	}

	var turns []chatgptTurn
	visited := make(map[string]bool, len(mapping))
	for id := root; id != "" && !visited[id]; {
		visited[id] = true
		node := mapping[id]
		if turn, ok := nodeTurn(node); ok {
			turns = append(turns, turn)
		}
		if len(node.Children) == 0 {
			break
		}
		id = node.Children[0]
	}
	if len(turns) == messageCount {
		return turns
	}

	// Chain walk missed messages (forked or truncated mapping); collect
	// everything and order by create_time, node id as the tiebreaker so the
	// result does not depend on map iteration order.
	type idTurn struct {
		id   string
		turn chatgptTurn
	}
	var collected []idTurn
	for id, node := range mapping {
		if turn, ok := nodeTurn(node); ok {
			collected = append(collected, idTurn{id: id, turn: turn})
		}
	}
	sort.Slice(collected, func(i, j int) bool {
		ti, tj := collected[i].turn.ts, collected[j].turn.ts
		if ti != nil && tj != nil && !ti.Equal(*tj) {
			return ti.Before(*tj)
		}
		if ti != nil && tj == nil {
			return true
		}
		if ti == nil && tj != nil {
			return false
		}
		return collected[i].id < collected[j].id
	})
	turns = turns[:0]
	for _, c := range collected {
		turns = append(turns, c.turn)
	}
	return turns
}

func nodeTurn(node chatgptNode) (chatgptTurn, bool) {
	msg := node.Message
	if msg == nil {
		return chatgptTurn{}, false
	}
	role := msg.Author.Role
	if role != "user" && role != "assistant" {
		return chatgptTurn{}, false
	}
	if msg.Content.ContentType != "" && msg.Content.ContentType != "text" {
		return chatgptTurn{}, false
	}
	var parts []string
	for _, raw := range msg.Content.Parts {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		return chatgptTurn{}, false
	}
	turn := chatgptTurn{role: role, text: text}
	if msg.CreateTime != nil {
		turn.ts = unixTime(*msg.CreateTime)
	}
	return turn, true
}

// parseJSONL handles the flat message-per-line variant some exporters emit.
func (p chatgptParser) parseJSONL(content []byte) []models.NormalizedPrompt {
	type lineMessage struct {
		Role   string `json:"role"`
		Author struct {
			Role string `json:"role"`
		} `json:"author"`
		Content string `json:"content"`
		Text    string `json:"text"`
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var turns []chatgptTurn
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg lineMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		role := msg.Role
		if role == "" {
			role = msg.Author.Role
		}
		if role != "user" && role != "assistant" {
			continue
		}
		text := msg.Content
		if text == "" {
			text = msg.Text
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		turns = append(turns, chatgptTurn{role: role, text: text})
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
		prompts = append(prompts, newPrompt(models.PlatformChatGPT, "jsonl", len(prompts), turns[i].text, response, nil, map[string]string{
			"format": "chatgpt-jsonl",
		}))
	}
	return prompts
}

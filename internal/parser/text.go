package parser

import (
	"regexp"
	"strings"

	"promptstash/internal/models"
)

// Role aliases matched case-insensitively by the heuristic fallback. The
// counterpart set is extended per platform with the product name.
var userAliases = []string{"you", "user", "human"}
var baseCounterpartAliases = []string{"assistant", "model", "ai"}

type segmentOptions struct {
	platform models.Platform
	// Additional counterpart aliases, e.g. the platform name.
	counterparts []string
	// When true, text without any role markers is still imported one prompt
	// per blank-line block. Only the generic file parser sets this; for a
	// platform export the absence of markers means nothing attributable to
	// the user was found.
	keepUnmarked bool
}

type textTurn struct {
	user bool
	text string
}

// segmentText is the last-resort parse path: split on role markers (or
// blank-line blocks when unmarked input is allowed), keep user turns as
// prompts and attach the following counterpart turn as the response.
func segmentText(content string, opts segmentOptions) []models.NormalizedPrompt {
	// Normalize line endings so CRLF input segments the same as LF.
	content = strings.ReplaceAll(content, "\r\n", "\n")
	marker := markerPattern(opts)
	lines := strings.Split(content, "\n")

	var turns []textTurn
	var current *textTurn
	sawMarker := false
	for _, line := range lines {
		if m := marker.FindStringSubmatch(line); m != nil {
			sawMarker = true
			role := strings.ToLower(m[1])
			if role == "" {
				role = strings.ToLower(m[2])
			}
			turn := textTurn{user: isUserAlias(role)}
			if rest := strings.TrimSpace(m[3]); rest != "" {
				turn.text = rest
			}
			turns = append(turns, turn)
			current = &turns[len(turns)-1]
			continue
		}
		if current != nil {
			if current.text != "" {
				current.text += "\n"
			}
			current.text += line
		}
	}

	if !sawMarker {
		if !opts.keepUnmarked {
			return nil
		}
		return unmarkedBlocks(content, opts.platform)
	}

	var prompts []models.NormalizedPrompt
	for i := 0; i < len(turns); i++ {
		if !turns[i].user {
			continue
		}
		text := strings.TrimSpace(turns[i].text)
		if text == "" {
			continue
		}
		response := ""
		if i+1 < len(turns) && !turns[i+1].user {
			response = strings.TrimSpace(turns[i+1].text)
		}
		prompts = append(prompts, newPrompt(opts.platform, "text", len(prompts), text, response, nil, map[string]string{
			"format": "text",
		}))
	}
	return prompts
}

// unmarkedBlocks imports each blank-line-separated block as one prompt.
func unmarkedBlocks(content string, platform models.Platform) []models.NormalizedPrompt {
	var prompts []models.NormalizedPrompt
	for _, block := range strings.Split(content, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		prompts = append(prompts, newPrompt(platform, "text", len(prompts), block, "", nil, map[string]string{
			"format": "text",
		}))
	}
	return prompts
}

func markerPattern(opts segmentOptions) *regexp.Regexp {
	aliases := append([]string{}, userAliases...)
	aliases = append(aliases, baseCounterpartAliases...)
	aliases = append(aliases, opts.counterparts...)
	if name := string(opts.platform); name != "" && name != string(models.PlatformFile) {
		aliases = append(aliases, regexp.QuoteMeta(name))
	}
	// Matches markers like "User:", "**Cline:**", "**User**:" or
	// "[assistant]:" at line start.
	a := strings.Join(aliases, "|")
	return regexp.MustCompile(`(?i)^\s*(?:\*\*(` + a + `):\*\*|(?:\*\*|\[)?(` + a + `)(?:\*\*|\])?\s*[:：])\s*(.*)$`)
}

func isUserAlias(role string) bool {
	for _, alias := range userAliases {
		if role == alias {
			return true
		}
	}
	return false
}

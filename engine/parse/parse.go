// Package parse extracts text and structured JSON from the remote model
// service's response envelope: a dual-shape extractor, fenced-code
// stripping, and schema-bound JSON decoding.
package parse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slideforge/slideforge/engine/agentclient"
	"github.com/slideforge/slideforge/engine/domain"
)

// ExtractOutputText returns env.OutputText when present; otherwise it
// concatenates, with newline separators, every "text" field of every
// "output_text"-typed content entry across env.Output. Absent → "".
func ExtractOutputText(env agentclient.Envelope) string {
	if env.OutputText != nil {
		return *env.OutputText
	}

	var parts []string
	for _, item := range env.Output {
		for _, content := range item.Content {
			if content.Type == "output_text" {
				parts = append(parts, content.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// StripCodeFences drops a leading/trailing fenced code block, if present:
// if text starts with triple backticks, everything up to the first newline
// and everything from the last triple backticks onward is dropped.
func StripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	firstNL := strings.IndexByte(trimmed, '\n')
	if firstNL == -1 {
		return trimmed
	}
	body := trimmed[firstNL+1:]

	lastFence := strings.LastIndex(body, "```")
	if lastFence == -1 {
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(body[:lastFence])
}

// ParseJSONFromOutputText extracts the output text, strips fences, and
// decodes it as JSON into T. A decode failure returns domain.ErrParse.
func ParseJSONFromOutputText[T any](env agentclient.Envelope) (T, error) {
	var out T
	text := StripCodeFences(ExtractOutputText(env))
	if text == "" {
		return out, fmt.Errorf("%w: empty model output", domain.ErrParse)
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return out, fmt.Errorf("%w: %v", domain.ErrParse, err)
	}
	return out, nil
}

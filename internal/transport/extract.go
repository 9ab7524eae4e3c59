package transport

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

type extractor func(map[string]any) (string, bool)

// chatExtractors is tried in order; the first non-empty string wins.
var chatExtractors = []extractor{
	firstChoice("message", "content"),
	firstChoice("text"),
	firstChoice("content"),
	field("response"),
	field("content"),
	field("text"),
	field("message"),
}

const unknownShapeLimit = 500

// extractChatText pulls the generated text out of a response body of
// unknown shape. Non-JSON bodies are returned verbatim.
func extractChatText(body []byte) string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return string(body)
	}
	for _, extract := range chatExtractors {
		if text, ok := extract(doc); ok {
			return text
		}
	}
	return "server returned: " + truncate(string(body), unknownShapeLimit)
}

func field(name string) extractor {
	return func(doc map[string]any) (string, bool) {
		return nonEmptyString(doc[name])
	}
}

func firstChoice(path ...string) extractor {
	return func(doc map[string]any) (string, bool) {
		choices, ok := doc["choices"].([]any)
		if !ok || len(choices) == 0 {
			return "", false
		}
		var node any = choices[0]
		for _, key := range path {
			obj, ok := node.(map[string]any)
			if !ok {
				return "", false
			}
			node = obj[key]
		}
		return nonEmptyString(node)
	}
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}

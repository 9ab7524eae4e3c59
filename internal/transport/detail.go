package transport

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const detailLimit = 200

// errorDetail extracts a short human-readable reason from a non-2xx body:
// a JSON error message, an HTML page title or text, or the raw body.
func errorDetail(contentType string, body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	var doc map[string]any
	if json.Unmarshal(trimmed, &doc) == nil {
		if errObj, ok := doc["error"].(map[string]any); ok {
			if msg, ok := nonEmptyString(errObj["message"]); ok {
				return truncate(msg, detailLimit)
			}
		}
		for _, key := range []string{"error", "message", "detail"} {
			if msg, ok := nonEmptyString(doc[key]); ok {
				return truncate(msg, detailLimit)
			}
		}
	}

	if strings.Contains(contentType, "html") || trimmed[0] == '<' {
		if page, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed)); err == nil {
			if title := strings.TrimSpace(page.Find("title").First().Text()); title != "" {
				return truncate(title, detailLimit)
			}
			if text := strings.Join(strings.Fields(page.Find("body").Text()), " "); text != "" {
				return truncate(text, detailLimit)
			}
		}
	}
	return truncate(string(trimmed), detailLimit)
}

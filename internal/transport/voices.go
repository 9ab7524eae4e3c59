package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Voice describes one voice offered by the speech service.
type Voice struct {
	Name      string `json:"Name"`
	ShortName string `json:"ShortName"`
	Gender    string `json:"Gender"`
	Locale    string `json:"Locale"`
	LocalName string `json:"LocalName,omitempty"`
}

// ListVoices returns the voices for lang, fetching them once and caching the
// first successful answer.
func (c *Client) ListVoices(ctx context.Context, lang string) ([]Voice, error) {
	if lang == "" {
		lang = "zh"
	}
	c.voicesMu.Lock()
	cached, ok := c.voices[lang]
	c.voicesMu.Unlock()
	if ok {
		return cached, nil
	}
	if c.opts.VoicesURL == "" {
		return nil, &ConfigError{Field: "voices_url"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SpeechTimeout)
	defer cancel()

	u, err := url.Parse(c.opts.VoicesURL)
	if err != nil {
		return nil, fmt.Errorf("parse voices url: %w", err)
	}
	q := u.Query()
	q.Set("l", lang)
	q.Set("f", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create voices request: %w", err)
	}
	c.metrics.attempt(ctx, "voices")
	resp, err := c.http.Do(req)
	if err != nil {
		c.debug.Addf("voice list request failed: %v", err)
		return nil, wrapRequestError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapRequestError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(resp.StatusCode, errorDetail(resp.Header.Get("Content-Type"), data))
	}
	var voices []Voice
	if err := json.Unmarshal(data, &voices); err != nil {
		return nil, &TransportError{Kind: KindDecode, Status: resp.StatusCode, Message: "decode voice list: " + err.Error(), Err: err}
	}

	c.voicesMu.Lock()
	c.voices[lang] = voices
	c.voicesMu.Unlock()
	c.debug.Addf("loaded %d voices for %s", len(voices), lang)
	return voices, nil
}

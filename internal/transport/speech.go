package transport

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bestZwei/AIBC/internal/segment"
	"go.opentelemetry.io/otel/attribute"
)

// SpeechRequest is one synthesis call for a single chunk of text.
type SpeechRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
	Rate  int    `json:"rate"`
	Pitch int    `json:"pitch"`
}

// Speech is the result of synthesizing one utterance. Units are in text order;
// short text always yields exactly one unit.
type Speech struct {
	Text  string
	Units []*segment.AudioUnit
}

// Synthesize converts text to audio. Long text is split at sentence
// boundaries and each chunk synthesized in order. Every chunk walks the
// backend chain (remote, local, silent), so only blank input or a cancelled
// context produce an error.
func (c *Client) Synthesize(ctx context.Context, text, voice string, rate, pitch int) (Speech, error) {
	if strings.TrimSpace(text) == "" {
		c.debug.Addf("speech text is empty, skipping synthesis")
		return Speech{}, &ValidationError{Message: "speech text is empty"}
	}

	ctx, span := c.metrics.tracer.Start(ctx, "transport.Synthesize")
	defer span.End()

	chunks := []string{text}
	if utf8.RuneCountInString(text) > c.opts.LongTextThreshold {
		chunks = SplitChunks(text, c.opts.MaxChunkSize)
		c.debug.Addf("long text (%d chars) split into %d chunks", utf8.RuneCountInString(text), len(chunks))
	}
	span.SetAttributes(attribute.String("speech.voice", voice), attribute.Int("speech.chunks", len(chunks)))

	units := make([]*segment.AudioUnit, 0, len(chunks))
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return Speech{}, err
		}
		unit := c.synthesizeChunk(ctx, SpeechRequest{Text: chunk, Voice: voice, Rate: rate, Pitch: pitch})
		units = append(units, unit)
	}
	return Speech{Text: text, Units: units}, nil
}

func (c *Client) synthesizeChunk(ctx context.Context, req SpeechRequest) *segment.AudioUnit {
	for i, backend := range c.backends {
		if i > 0 {
			c.metrics.fallback(ctx, backend.Name())
		}
		unit, err := c.callBackend(ctx, i, backend, req)
		if err == nil && unit != nil {
			unit.Text = req.Text
			if unit.Backend == "" {
				unit.Backend = backend.Name()
			}
			return unit
		}
		c.debug.Addf("%s synthesis failed: %v", backend.Name(), err)
	}
	return segment.Placeholder(req.Text)
}

// callBackend bounds fallback backends by SpeechTimeout. The remote backend
// applies its own per-attempt deadline around retries.
func (c *Client) callBackend(ctx context.Context, i int, backend Backend, req SpeechRequest) (*segment.AudioUnit, error) {
	if i == 0 {
		return backend.Synthesize(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.SpeechTimeout)
	defer cancel()
	return backend.Synthesize(ctx, req)
}

// SplitChunks splits text into sentence-bounded chunks of at most maxRunes
// runes. A single sentence longer than maxRunes is cut at the limit.
func SplitChunks(text string, maxRunes int) []string {
	var (
		chunks  []string
		current []rune
	)
	flush := func() {
		if s := strings.TrimSpace(string(current)); s != "" {
			chunks = append(chunks, s)
		}
		current = current[:0]
	}

	for _, sentence := range splitSentences(text) {
		runes := []rune(sentence)
		if len(current)+len(runes) > maxRunes {
			flush()
		}
		for len(runes) > maxRunes {
			chunks = append(chunks, strings.TrimSpace(string(runes[:maxRunes])))
			runes = runes[maxRunes:]
		}
		current = append(current, runes...)
	}
	flush()
	return chunks
}

// splitSentences cuts after each terminator, keeping the terminator and any
// whitespace that follows it with the preceding sentence.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		end := i + 1
		for end < len(runes) && (isTerminator(runes[end]) || unicode.IsSpace(runes[end])) {
			end++
		}
		out = append(out, string(runes[start:end]))
		start = end
		i = end - 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

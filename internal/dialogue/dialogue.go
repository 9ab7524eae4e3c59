// Package dialogue turns free-form model output into per-speaker utterances.
package dialogue

import (
	"fmt"
	"strings"

	"github.com/bestZwei/AIBC/internal/segment"
)

const (
	fullWidthColon = "："
	asciiColon     = ":"

	// sentence terminator appended by SplitInHalf
	terminator = "。"

	stockLinePrimary   = "接下来是我们的内容。"
	stockLineSecondary = "希望大家喜欢。"
)

// ParseError reports model output that contains no speaker markers.
type ParseError struct {
	Text string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("no dialogue markers found in %d characters of text", len([]rune(e.Text)))
}

// ErrUnparseable is the ParseError value returned for empty input.
var ErrUnparseable = &ParseError{}

// Separate scans text line by line. A line starting with "<name>：" or
// "<name>:" for one of the two speakers switches the current speaker; any
// other non-blank line is joined to the current utterance with a space.
// Lines before the first marker are dropped. Text without markers yields nil.
func Separate(text, speakerA, speakerB string) []segment.Utterance {
	var (
		out     []segment.Utterance
		current string
		buf     strings.Builder
	)
	flush := func() {
		if current == "" {
			return
		}
		if body := strings.TrimSpace(buf.String()); body != "" {
			out = append(out, segment.Utterance{Speaker: current, Text: body})
		}
		buf.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if speaker, rest, ok := cutMarker(line, speakerA, speakerB); ok {
			flush()
			current = speaker
			buf.WriteString(rest)
			continue
		}
		if current == "" || strings.TrimSpace(line) == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(strings.TrimSpace(line))
	}
	flush()
	return out
}

// Parse is Separate with an error for unparseable text.
func Parse(text, speakerA, speakerB string) ([]segment.Utterance, error) {
	utterances := Separate(text, speakerA, speakerB)
	if len(utterances) == 0 {
		if strings.TrimSpace(text) == "" {
			return nil, ErrUnparseable
		}
		return nil, &ParseError{Text: text}
	}
	return utterances, nil
}

// SplitInHalf formats unmarked text as a two-speaker dialogue: the first
// ceil(n/2) sentences go to speakerA, the rest to speakerB. Text that already
// carries a speakerA marker is returned unchanged.
func SplitInHalf(text, speakerA, speakerB string) string {
	if HasMarker(text, speakerA) {
		return text
	}
	sentences := splitSentences(text)
	mid := (len(sentences) + 1) / 2

	first := joinSentences(sentences[:mid])
	if first == "" {
		first = stockLinePrimary
	}
	second := joinSentences(sentences[mid:])
	if second == "" {
		second = stockLineSecondary
	}
	return speakerA + fullWidthColon + first + "\n" + speakerB + fullWidthColon + second
}

// HasMarker reports whether text contains a speaker marker for name.
func HasMarker(text, name string) bool {
	if name == "" {
		return false
	}
	return strings.Contains(text, name+fullWidthColon) || strings.Contains(text, name+asciiColon)
}

func cutMarker(line, speakerA, speakerB string) (string, string, bool) {
	trimmed := strings.TrimLeft(line, " \t")
	for _, name := range []string{speakerA, speakerB} {
		if name == "" {
			continue
		}
		for _, colon := range []string{fullWidthColon, asciiColon} {
			if rest, ok := strings.CutPrefix(trimmed, name+colon); ok {
				return name, rest, true
			}
		}
	}
	return "", "", false
}

func splitSentences(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case '.', '!', '?', '。', '！', '？':
			return true
		}
		return false
	})
	sentences := make([]string, 0, len(fields))
	for _, f := range fields {
		if s := strings.TrimSpace(f); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func joinSentences(sentences []string) string {
	if len(sentences) == 0 {
		return ""
	}
	return strings.Join(sentences, terminator) + terminator
}

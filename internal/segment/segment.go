package segment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies a broadcast segment. Topic types are channel specific
// (news, story, science, chat, interview, discussion) and are not listed here.
type Type string

const (
	TypeIntro           Type = "intro"
	TypeUserInteraction Type = "userInteraction"
	TypeTransition      Type = "transition"
	TypeFallback        Type = "fallback"
	TypeError           Type = "error"
)

// IsTopic reports whether t is a channel topic type.
func (t Type) IsTopic() bool {
	switch t {
	case TypeIntro, TypeUserInteraction, TypeTransition, TypeFallback, TypeError, "":
		return false
	}
	return true
}

// Utterance is a single line of dialogue.
type Utterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// AudioUnit is one playable piece of synthesized speech.
type AudioUnit struct {
	Data        []byte `json:"-"`
	MIME        string `json:"mime,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
	Text        string `json:"text"`
	Backend     string `json:"backend,omitempty"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

// Placeholder returns an inert unit that plays as silence.
func Placeholder(text string) *AudioUnit {
	return &AudioUnit{Text: text, Backend: "silent", Placeholder: true}
}

// Silent reports whether the unit carries no playable audio.
func (u *AudioUnit) Silent() bool {
	return u == nil || u.Placeholder || len(u.Data) == 0
}

// Segment is the unit of broadcast content handed to the playback queue.
type Segment struct {
	ID          string       `json:"id"`
	Type        Type         `json:"type"`
	DisplayText string       `json:"display_text"`
	Utterances  []Utterance  `json:"utterances,omitempty"`
	Audio       []*AudioUnit `json:"audio,omitempty"`
	Question    string       `json:"question,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// New builds a segment with a fresh identifier.
func New(t Type, text string, utterances []Utterance, audio []*AudioUnit) Segment {
	return Segment{
		ID:          uuid.NewString(),
		Type:        t,
		DisplayText: text,
		Utterances:  utterances,
		Audio:       audio,
		CreatedAt:   time.Now().UTC(),
	}
}

// Valid checks the structural invariants of a segment.
func (s Segment) Valid() error {
	if s.Type == "" {
		return errors.New("segment type is required")
	}
	if strings.TrimSpace(s.DisplayText) == "" {
		return errors.New("segment display text is empty")
	}
	if len(s.Audio) != 0 && len(s.Audio) != len(s.Utterances) {
		return fmt.Errorf("segment has %d audio units for %d utterances", len(s.Audio), len(s.Utterances))
	}
	return nil
}

// Units returns the number of playable units. A text-only segment counts as one.
func (s Segment) Units() int {
	if len(s.Audio) == 0 {
		return 1
	}
	return len(s.Audio)
}

// Residual splits a multi-unit segment into its first unit and the remainder.
// The remainder keeps the segment identity and text.
func (s Segment) Residual() (Segment, *Segment) {
	if len(s.Audio) <= 1 {
		return s, nil
	}
	head := s
	head.Audio = s.Audio[:1:1]
	rest := s
	rest.Audio = append([]*AudioUnit(nil), s.Audio[1:]...)
	if len(s.Utterances) == len(s.Audio) {
		head.Utterances = s.Utterances[:1:1]
		rest.Utterances = append([]Utterance(nil), s.Utterances[1:]...)
	}
	return head, &rest
}

// Unit returns the unit to play for a single-unit segment. Text-only segments
// yield a placeholder carrying the display text.
func (s Segment) Unit() *AudioUnit {
	if len(s.Audio) == 0 {
		return Placeholder(s.DisplayText)
	}
	return s.Audio[0]
}

// Speaker returns the speaker of the first utterance, if any.
func (s Segment) Speaker() string {
	if len(s.Utterances) == 0 {
		return ""
	}
	return s.Utterances[0].Speaker
}

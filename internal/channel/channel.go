// Package channel holds the broadcast channel catalog: speakers, segment
// weights, voices and prompt templates.
package channel

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bestZwei/AIBC/internal/segment"
	"gopkg.in/yaml.v3"
)

// Prompt template kinds.
const (
	PromptIntro           = "intro"
	PromptSegment         = "segment"
	PromptUserInteraction = "userInteraction"
)

//go:embed defaults.yaml
var defaultCatalog []byte

// Speaker describes one host of a channel.
type Speaker struct {
	Name  string `yaml:"name" json:"name"`
	Role  string `yaml:"role" json:"role"`
	Voice string `yaml:"voice" json:"voice"`
}

type Speakers struct {
	Primary   Speaker `yaml:"primary" json:"primary"`
	Secondary Speaker `yaml:"secondary" json:"secondary"`
}

// Weight is one entry of a channel's segment-type distribution.
type Weight struct {
	Type   segment.Type `yaml:"type" json:"type"`
	Weight float64      `yaml:"weight" json:"weight"`
}

// Channel is a themed program stream.
type Channel struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Speakers    Speakers          `yaml:"speakers" json:"speakers"`
	Segments    []Weight          `yaml:"segments" json:"segments"`
	Prompts     map[string]string `yaml:"prompts" json:"prompts,omitempty"`
}

type file struct {
	Channels []Channel `yaml:"channels"`
}

// Default returns the built-in channel set.
func Default() []Channel {
	channels, err := Parse(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("built-in channel catalog is invalid: %v", err))
	}
	return channels
}

// Load reads a channel catalog from disk.
func Load(path string) ([]Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a YAML channel catalog.
func Parse(data []byte) ([]Channel, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse channel catalog: %w", err)
	}
	if len(f.Channels) == 0 {
		return nil, errors.New("channel catalog declares no channels")
	}
	return f.Channels, nil
}

// Validate ensures a channel contains required fields.
func Validate(ch Channel) error {
	if ch.ID == "" {
		return fmt.Errorf("channel id is required")
	}
	if ch.Speakers.Primary.Name == "" || ch.Speakers.Secondary.Name == "" {
		return fmt.Errorf("channel %s: both speakers need a name", ch.ID)
	}
	if ch.Speakers.Primary.Name == ch.Speakers.Secondary.Name {
		return fmt.Errorf("channel %s: speakers must have distinct names", ch.ID)
	}
	if len(ch.Segments) == 0 {
		return fmt.Errorf("channel %s: segments must declare at least one type", ch.ID)
	}
	var total float64
	for _, w := range ch.Segments {
		if w.Type == "" {
			return fmt.Errorf("channel %s: segment type is required", ch.ID)
		}
		if w.Weight < 0 {
			return fmt.Errorf("channel %s: weight for %s must be >= 0", ch.ID, w.Type)
		}
		total += w.Weight
	}
	if total <= 0 {
		return fmt.Errorf("channel %s: segment weights must sum to a positive value", ch.ID)
	}
	for kind := range ch.Prompts {
		switch kind {
		case PromptIntro, PromptSegment, PromptUserInteraction:
		default:
			return fmt.Errorf("channel %s: prompt kind %q not supported", ch.ID, kind)
		}
	}
	return nil
}

// DisplayName is the channel name, or its id when unnamed.
func (ch Channel) DisplayName() string {
	if ch.Name != "" {
		return ch.Name
	}
	return ch.ID
}

// VoiceFor maps a speaker name to its voice. Unknown speakers get the primary voice.
func (ch Channel) VoiceFor(speaker string) string {
	if speaker == ch.Speakers.Secondary.Name {
		return ch.Speakers.Secondary.Voice
	}
	return ch.Speakers.Primary.Voice
}

// PromptData returns the placeholder values shared by every template.
func (ch Channel) PromptData() map[string]string {
	return map[string]string{
		"host1":   ch.Speakers.Primary.Name,
		"host2":   ch.Speakers.Secondary.Name,
		"role1":   ch.Speakers.Primary.Role,
		"role2":   ch.Speakers.Secondary.Role,
		"channel": ch.DisplayName(),
	}
}

// Fill replaces {key} placeholders in template with values from data.
// Unknown placeholders are left untouched.
func Fill(template string, data map[string]string) string {
	if len(data) == 0 {
		return template
	}
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

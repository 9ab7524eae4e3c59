package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bestZwei/AIBC/internal/channel"
	"github.com/bestZwei/AIBC/internal/dialogue"
	"github.com/bestZwei/AIBC/internal/segment"
	"github.com/bestZwei/AIBC/internal/transport"
)

const systemPrompt = "你是一档中文AI广播节目的撰稿人，只输出主播之间的对话内容，不要输出任何说明或标注。"

var errNoText = errors.New("chat service returned no text")

func (g *Generator) intro(ctx context.Context, ch channel.Channel) segment.Segment {
	prompt := channel.Fill(g.catalog.Template(ch.ID, channel.PromptIntro), ch.PromptData())
	text, err := g.ask(ctx, prompt, nil)
	if err != nil {
		g.debugf("intro generation failed: %v", err)
		return g.single(ctx, ch, segment.TypeIntro, fmt.Sprintf(phraseIntroFallback, ch.DisplayName(), ch.Speakers.Primary.Name))
	}
	return g.dialogueSegment(ctx, ch, segment.TypeIntro, dialogue.SplitInHalf(text, ch.Speakers.Primary.Name, ch.Speakers.Secondary.Name))
}

func (g *Generator) userInteraction(ctx context.Context, ch channel.Channel) segment.Segment {
	host1, host2 := ch.Speakers.Primary.Name, ch.Speakers.Secondary.Name
	q, ok := g.popQuestion()
	if !ok {
		prompt := fmt.Sprintf(promptInvite, ch.DisplayName(), host1, ch.Speakers.Primary.Role, host2, ch.Speakers.Secondary.Role, host1, host2)
		text, err := g.ask(ctx, prompt, nil)
		if err != nil {
			g.debugf("invite generation failed: %v", err)
			return g.single(ctx, ch, segment.TypeUserInteraction, phraseInviteFallback)
		}
		return g.dialogueSegment(ctx, ch, segment.TypeUserInteraction, dialogue.SplitInHalf(text, host1, host2))
	}

	data := ch.PromptData()
	data["question"] = q.Text
	prompt := channel.Fill(g.catalog.Template(ch.ID, channel.PromptUserInteraction), data)
	var seg segment.Segment
	text, err := g.ask(ctx, prompt, g.recentContext(ch.ID))
	switch {
	case err != nil:
		g.debugf("answer generation failed: %v", err)
		seg = g.dialogueSegment(ctx, ch, segment.TypeUserInteraction, fmt.Sprintf(phraseQuestionDeferred, host1, q.Text, host2))
	case !dialogue.HasMarker(text, host1) && !dialogue.HasMarker(text, host2):
		seg = g.dialogueSegment(ctx, ch, segment.TypeUserInteraction, fmt.Sprintf(phraseQuestionWrapper, host1, q.Text, host2, strings.TrimSpace(text)))
	default:
		seg = g.dialogueSegment(ctx, ch, segment.TypeUserInteraction, text)
	}
	seg.Question = q.Text
	return seg
}

func (g *Generator) transition(ctx context.Context, ch channel.Channel) segment.Segment {
	host1, host2 := ch.Speakers.Primary.Name, ch.Speakers.Secondary.Name
	prompt := fmt.Sprintf(promptTransition, ch.DisplayName(), host1, ch.Speakers.Primary.Role, host2, ch.Speakers.Secondary.Role, host1, host2)
	text, err := g.ask(ctx, prompt, nil)
	if err != nil {
		g.debugf("transition generation failed: %v", err)
		return g.single(ctx, ch, segment.TypeTransition, phraseTransitionFallback)
	}
	return g.dialogueSegment(ctx, ch, segment.TypeTransition, dialogue.SplitInHalf(text, host1, host2))
}

func (g *Generator) topic(ctx context.Context, ch channel.Channel, typ segment.Type) segment.Segment {
	data := ch.PromptData()
	data["topic"] = displayName(typ)
	prompt := channel.Fill(g.catalog.Template(ch.ID, channel.PromptSegment), data)
	if typ != "" && !strings.Contains(prompt, displayName(typ)) {
		prompt += "\n本段节目类型：" + displayName(typ) + "。"
	}
	history := g.recentContext(ch.ID)

	var lastErr error
	for attempt := 1; attempt <= g.opts.TopicAttempts; attempt++ {
		if attempt > 1 {
			if err := g.sleep(ctx, g.opts.TopicRetryDelay); err != nil {
				lastErr = err
				break
			}
		}
		text, err := g.ask(ctx, prompt, history)
		if err == nil {
			return g.dialogueSegment(ctx, ch, typ, dialogue.SplitInHalf(text, ch.Speakers.Primary.Name, ch.Speakers.Secondary.Name))
		}
		lastErr = err
		g.debugf("%s generation attempt %d/%d failed: %v", typ, attempt, g.opts.TopicAttempts, err)
	}
	g.logger.Warn("topic generation failed", slog.String("type", string(typ)), slogError(lastErr))
	return g.single(ctx, ch, typ, fmt.Sprintf(phraseTopicFallback, displayName(typ)))
}

// ask sends one prompt. Blank replies count as failures.
func (g *Generator) ask(ctx context.Context, prompt string, history []transport.Message) (string, error) {
	messages := make([]transport.Message, 0, len(history)+2)
	messages = append(messages, transport.Message{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, transport.Message{Role: "user", Content: prompt})
	text, err := g.chat.SendChat(ctx, messages)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", errNoText
	}
	return text, nil
}

// recentContext turns the channel memory into assistant messages so the model
// avoids repeating itself.
func (g *Generator) recentContext(channelID string) []transport.Message {
	c := g.Context(channelID)
	if len(c.RecentSegments) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("最近播出的内容：\n")
	for _, s := range c.RecentSegments {
		b.WriteString("- ")
		b.WriteString(truncateRunes(s, 80))
		b.WriteString("\n")
	}
	return []transport.Message{{Role: "assistant", Content: b.String()}}
}

// dialogueSegment voices a marker-formatted dialogue. Text that yields no
// utterances is voiced as a single line from the primary speaker.
func (g *Generator) dialogueSegment(ctx context.Context, ch channel.Channel, typ segment.Type, text string) segment.Segment {
	utterances := dialogue.Separate(text, ch.Speakers.Primary.Name, ch.Speakers.Secondary.Name)
	if len(utterances) == 0 {
		return g.single(ctx, ch, typ, strings.TrimSpace(text))
	}
	voiced, audio := g.voice(ctx, ch, utterances)
	return segment.New(typ, strings.TrimSpace(text), voiced, audio)
}

// single builds a one-utterance segment from the primary speaker. When
// synthesis fails the segment is text-only.
func (g *Generator) single(ctx context.Context, ch channel.Channel, typ segment.Type, text string) segment.Segment {
	speaker := ch.Speakers.Primary.Name
	display := fmt.Sprintf("%s：%s", speaker, text)
	utterances, audio := g.voice(ctx, ch, []segment.Utterance{{Speaker: speaker, Text: text}})
	for _, u := range audio {
		if u == nil {
			return segment.New(typ, display, []segment.Utterance{{Speaker: speaker, Text: text}}, nil)
		}
	}
	return segment.New(typ, display, utterances, audio)
}

// voice synthesizes each utterance. Long utterances that come back as several
// units are expanded into one utterance per unit.
func (g *Generator) voice(ctx context.Context, ch channel.Channel, utterances []segment.Utterance) ([]segment.Utterance, []*segment.AudioUnit) {
	outUtt := make([]segment.Utterance, 0, len(utterances))
	outAudio := make([]*segment.AudioUnit, 0, len(utterances))
	for _, u := range utterances {
		if strings.TrimSpace(u.Text) == "" || g.speech == nil {
			outUtt = append(outUtt, u)
			outAudio = append(outAudio, nil)
			continue
		}
		speech, err := g.speech.Synthesize(ctx, u.Text, ch.VoiceFor(u.Speaker), g.opts.Rate, g.opts.Pitch)
		if err != nil || len(speech.Units) == 0 {
			if err != nil {
				g.debugf("speech for %s failed: %v", u.Speaker, err)
			}
			outUtt = append(outUtt, u)
			outAudio = append(outAudio, nil)
			continue
		}
		if len(speech.Units) == 1 {
			unit := speech.Units[0]
			if unit != nil {
				unit.Speaker = u.Speaker
			}
			outUtt = append(outUtt, u)
			outAudio = append(outAudio, unit)
			continue
		}
		for _, unit := range speech.Units {
			chunk := segment.Utterance{Speaker: u.Speaker}
			if unit != nil {
				unit.Speaker = u.Speaker
				chunk.Text = unit.Text
			}
			outUtt = append(outUtt, chunk)
			outAudio = append(outAudio, unit)
		}
	}
	return outUtt, outAudio
}

// SetPrompt overrides a prompt template for a channel.
func (g *Generator) SetPrompt(channelID, kind, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("prompt text is empty")
	}
	return g.catalog.SetTemplate(channelID, kind, text)
}

// ResetPrompt restores the built-in prompt template.
func (g *Generator) ResetPrompt(channelID, kind string) {
	g.catalog.ResetTemplate(channelID, kind)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Package generator decides what the station says next and produces the
// text and audio for it.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/bestZwei/AIBC/internal/channel"
	"github.com/bestZwei/AIBC/internal/segment"
	"github.com/bestZwei/AIBC/internal/transport"
)

// Chat produces text for a list of messages.
type Chat interface {
	SendChat(ctx context.Context, messages []transport.Message) (string, error)
}

// Synthesizer produces audio for text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, rate, pitch int) (transport.Speech, error)
}

// Recorder persists produced segments and listener questions.
type Recorder interface {
	RecordSegment(ctx context.Context, channelID string, seg segment.Segment) error
	RecordQuestion(ctx context.Context, channelID, text string, at time.Time) error
}

type PendingQuestion struct {
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Interaction struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// ChannelContext is the short rolling memory kept per channel.
type ChannelContext struct {
	CurrentTopic       string        `json:"current_topic,omitempty"`
	RecentSegments     []string      `json:"recent_segments"`
	RecentInteractions []Interaction `json:"recent_interactions"`
}

type HistoryEntry struct {
	Channel string       `json:"channel"`
	Type    segment.Type `json:"type"`
	Text    string       `json:"text"`
	Time    time.Time    `json:"time"`
}

type Options struct {
	// PreemptProbability is the chance that a pending question replaces the
	// drawn segment type.
	PreemptProbability float64
	TopicAttempts      int
	TopicRetryDelay    time.Duration
	HistoryLimit       int
	Rate               int
	Pitch              int
}

func DefaultOptions() Options {
	return Options{
		PreemptProbability: 0.5,
		TopicAttempts:      2,
		TopicRetryDelay:    time.Second,
		HistoryLimit:       200,
	}
}

const recentLimit = 5

var errNoSegmentTypes = errors.New("channel declares no segment types")

type Generator struct {
	catalog  *channel.Catalog
	chat     Chat
	speech   Synthesizer
	opts     Options
	recorder Recorder
	debug    *transport.DebugLog
	logger   *slog.Logger
	random   func() float64
	sleep    func(context.Context, time.Duration) error

	mu        sync.Mutex
	channelID string
	questions []PendingQuestion
	contexts  map[string]*ChannelContext
	history   []HistoryEntry
}

type Option func(*Generator)

func WithRecorder(r Recorder) Option {
	return func(g *Generator) { g.recorder = r }
}

// WithRandom replaces the uniform [0,1) source used for draws.
func WithRandom(fn func() float64) Option {
	return func(g *Generator) { g.random = fn }
}

func WithDebugLog(d *transport.DebugLog) Option {
	return func(g *Generator) { g.debug = d }
}

func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(g *Generator) { g.sleep = fn }
}

func New(catalog *channel.Catalog, chat Chat, speech Synthesizer, opts Options, logger *slog.Logger, options ...Option) *Generator {
	if opts.TopicAttempts <= 0 {
		opts.TopicAttempts = 1
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultOptions().HistoryLimit
	}
	g := &Generator{
		catalog:   catalog,
		chat:      chat,
		speech:    speech,
		opts:      opts,
		logger:    logger.With(slog.String("component", "generator")),
		random:    rand.Float64,
		sleep:     sleepContext,
		channelID: catalog.First(),
		contexts:  make(map[string]*ChannelContext),
	}
	for _, o := range options {
		o(g)
	}
	return g
}

// GenerateNext produces the next segment for the active channel. It never
// fails: any problem yields a fallback segment.
func (g *Generator) GenerateNext(ctx context.Context) (seg segment.Segment) {
	ch := g.activeChannel()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("segment generation panicked", slog.Any("panic", r))
			g.debugf("segment generation failed: %v", r)
			seg = g.single(ctx, ch, segment.TypeError, phraseErrorFallback)
		}
	}()

	typ, err := g.nextType(ch)
	if err != nil {
		g.debugf("cannot choose a segment type for %s: %v", ch.ID, err)
		seg = g.single(ctx, ch, segment.TypeFallback, fmt.Sprintf(phraseGenericFallback, ch.Speakers.Primary.Name))
		g.record(ctx, ch.ID, seg, "")
		return seg
	}
	return g.Generate(ctx, typ)
}

// Generate produces a segment of the given type for the active channel.
func (g *Generator) Generate(ctx context.Context, typ segment.Type) segment.Segment {
	ch := g.activeChannel()
	var (
		seg    segment.Segment
		answer string
	)
	switch typ {
	case segment.TypeIntro:
		seg = g.intro(ctx, ch)
	case segment.TypeUserInteraction:
		seg = g.userInteraction(ctx, ch)
		if seg.Question != "" {
			answer = seg.DisplayText
		}
	case segment.TypeTransition:
		seg = g.transition(ctx, ch)
	default:
		seg = g.topic(ctx, ch, typ)
	}
	g.record(ctx, ch.ID, seg, answer)
	return seg
}

func (g *Generator) GenerateIntro(ctx context.Context) segment.Segment {
	return g.Generate(ctx, segment.TypeIntro)
}

func (g *Generator) GenerateUserInteraction(ctx context.Context) segment.Segment {
	return g.Generate(ctx, segment.TypeUserInteraction)
}

func (g *Generator) GenerateTransition(ctx context.Context) segment.Segment {
	return g.Generate(ctx, segment.TypeTransition)
}

func (g *Generator) GenerateTopic(ctx context.Context, typ segment.Type) segment.Segment {
	return g.Generate(ctx, typ)
}

// Fallback produces the generic fallback segment for the active channel.
func (g *Generator) Fallback(ctx context.Context) segment.Segment {
	ch := g.activeChannel()
	return g.single(ctx, ch, segment.TypeFallback, fmt.Sprintf(phraseGenericFallback, ch.Speakers.Primary.Name))
}

// Announce voices a fixed line from the primary host of the active channel.
func (g *Generator) Announce(ctx context.Context, typ segment.Type, text string) segment.Segment {
	ch := g.activeChannel()
	seg := g.single(ctx, ch, typ, text)
	g.record(ctx, ch.ID, seg, "")
	return seg
}

func (g *Generator) nextType(ch channel.Channel) (segment.Type, error) {
	typ, ok := pickType(ch.Segments, g.random())
	if !ok {
		return "", errNoSegmentTypes
	}
	if typ != segment.TypeUserInteraction && g.hasQuestions() && g.random() < g.opts.PreemptProbability {
		typ = segment.TypeUserInteraction
	}
	return typ, nil
}

// AddQuestion queues a listener question for a later interaction segment.
func (g *Generator) AddQuestion(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("question is empty")
	}
	q := PendingQuestion{Text: text, SubmittedAt: time.Now().UTC()}
	g.mu.Lock()
	g.questions = append(g.questions, q)
	channelID := g.channelID
	c := g.contextLocked(channelID)
	c.RecentInteractions = appendBounded(c.RecentInteractions, Interaction{Question: q.Text})
	g.mu.Unlock()

	g.debugf("listener question queued: %s", text)
	if g.recorder != nil {
		if err := g.recorder.RecordQuestion(ctx, channelID, q.Text, q.SubmittedAt); err != nil {
			g.logger.Warn("failed to record question", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (g *Generator) PendingQuestions() []PendingQuestion {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]PendingQuestion(nil), g.questions...)
}

// SetChannel switches the active channel. Unknown ids are rejected.
func (g *Generator) SetChannel(id string) bool {
	if _, ok := g.catalog.Get(id); !ok {
		return false
	}
	g.mu.Lock()
	g.channelID = id
	g.mu.Unlock()
	return true
}

func (g *Generator) Channel() channel.Channel {
	return g.activeChannel()
}

// Context returns a copy of the rolling context for a channel.
func (g *Generator) Context(id string) ChannelContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.contexts[id]
	if !ok {
		return ChannelContext{}
	}
	return ChannelContext{
		CurrentTopic:       c.CurrentTopic,
		RecentSegments:     append([]string(nil), c.RecentSegments...),
		RecentInteractions: append([]Interaction(nil), c.RecentInteractions...),
	}
}

func (g *Generator) History() []HistoryEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]HistoryEntry(nil), g.history...)
}

func (g *Generator) activeChannel() channel.Channel {
	g.mu.Lock()
	id := g.channelID
	g.mu.Unlock()
	ch, _ := g.catalog.Get(id)
	return ch
}

func (g *Generator) hasQuestions() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.questions) > 0
}

func (g *Generator) popQuestion() (PendingQuestion, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.questions) == 0 {
		return PendingQuestion{}, false
	}
	q := g.questions[0]
	g.questions = g.questions[1:]
	return q, true
}

func (g *Generator) record(ctx context.Context, channelID string, seg segment.Segment, answer string) {
	g.mu.Lock()
	g.history = append(g.history, HistoryEntry{Channel: channelID, Type: seg.Type, Text: seg.DisplayText, Time: seg.CreatedAt})
	if over := len(g.history) - g.opts.HistoryLimit; over > 0 {
		g.history = append([]HistoryEntry(nil), g.history[over:]...)
	}
	c := g.contextLocked(channelID)
	c.RecentSegments = appendBounded(c.RecentSegments, seg.DisplayText)
	if seg.Type.IsTopic() {
		c.CurrentTopic = displayName(seg.Type)
	}
	if answer != "" {
		g.answerLocked(channelID, seg.Question, answer)
	}
	g.mu.Unlock()

	if g.recorder != nil {
		if err := g.recorder.RecordSegment(ctx, channelID, seg); err != nil {
			g.logger.Warn("failed to record segment", slog.String("error", err.Error()))
		}
	}
}

func (g *Generator) contextLocked(channelID string) *ChannelContext {
	c, ok := g.contexts[channelID]
	if !ok {
		c = &ChannelContext{}
		g.contexts[channelID] = c
	}
	return c
}

// answerLocked fills the oldest unanswered interaction for question. The
// answering channel is searched first since questions usually stay put; a
// question asked before a channel switch keeps its original channel.
func (g *Generator) answerLocked(channelID, question, answer string) {
	fill := func(c *ChannelContext) bool {
		for i := range c.RecentInteractions {
			it := &c.RecentInteractions[i]
			if it.Answer == "" && it.Question == question {
				it.Answer = answer
				return true
			}
		}
		return false
	}
	if fill(g.contextLocked(channelID)) {
		return
	}
	for id, c := range g.contexts {
		if id != channelID && fill(c) {
			return
		}
	}
	c := g.contexts[channelID]
	c.RecentInteractions = appendBounded(c.RecentInteractions, Interaction{Question: question, Answer: answer})
}

func appendBounded[T any](list []T, item T) []T {
	list = append(list, item)
	if len(list) > recentLimit {
		list = append([]T(nil), list[len(list)-recentLimit:]...)
	}
	return list
}

func (g *Generator) debugf(format string, args ...any) {
	if g.debug != nil {
		g.debug.Addf(format, args...)
		return
	}
	g.logger.Debug(fmt.Sprintf(format, args...))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

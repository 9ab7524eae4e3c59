package station

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bestZwei/AIBC/internal/channel"
	"github.com/bestZwei/AIBC/internal/playback"
	"github.com/bestZwei/AIBC/internal/segment"
	"github.com/bestZwei/AIBC/internal/transport"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeGenerator struct {
	mu        sync.Mutex
	calls     []string
	questions []string
	channel   string
	gate      chan struct{}
}

func (g *fakeGenerator) produce(kind string, typ segment.Type) segment.Segment {
	if g.gate != nil {
		<-g.gate
	}
	g.mu.Lock()
	g.calls = append(g.calls, kind)
	g.mu.Unlock()
	return segment.New(typ, "主持人："+kind, []segment.Utterance{{Speaker: "主持人", Text: kind}}, nil)
}

func (g *fakeGenerator) GenerateNext(context.Context) segment.Segment {
	return g.produce("next", "news")
}

func (g *fakeGenerator) GenerateIntro(context.Context) segment.Segment {
	return g.produce("intro", segment.TypeIntro)
}

func (g *fakeGenerator) GenerateUserInteraction(context.Context) segment.Segment {
	return g.produce("interaction", segment.TypeUserInteraction)
}

func (g *fakeGenerator) Announce(_ context.Context, typ segment.Type, text string) segment.Segment {
	g.mu.Lock()
	g.calls = append(g.calls, "announce")
	g.mu.Unlock()
	return segment.New(typ, text, nil, nil)
}

func (g *fakeGenerator) AddQuestion(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("question is empty")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.questions = append(g.questions, text)
	return nil
}

func (g *fakeGenerator) SetChannel(id string) bool {
	if id != "news" && id != "story" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channel = id
	return true
}

func (g *fakeGenerator) Channel() channel.Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.channel
	if id == "" {
		id = "news"
	}
	return channel.Channel{
		ID:   id,
		Name: "新闻台",
		Speakers: channel.Speakers{
			Primary:   channel.Speaker{Name: "小晓"},
			Secondary: channel.Speaker{Name: "云熙"},
		},
	}
}

func (g *fakeGenerator) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type fakeQueue struct {
	mu        sync.Mutex
	segments  []segment.Segment
	clears    int
	toggles   int
	volume    float64
	observers []playback.Observer
}

func (q *fakeQueue) Enqueue(seg segment.Segment) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.segments = append(q.segments, seg)
}

func (q *fakeQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.segments = nil
	q.clears++
}

func (q *fakeQueue) TogglePlayPause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.toggles++
}

func (q *fakeQueue) SkipToNext() {}

func (q *fakeQueue) SetVolume(v float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.volume = v
}

func (q *fakeQueue) State() playback.State {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.segments) == 0 {
		return playback.StateEmpty
	}
	return playback.StatePlaying
}

func (q *fakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.segments)
}

func (q *fakeQueue) Current() (segment.Segment, bool) { return segment.Segment{}, false }

func (q *fakeQueue) Subscribe(obs playback.Observer) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, obs)
	return func() {}
}

// drain empties the queue and fires QueueEmpty the way a finished queue would.
func (q *fakeQueue) drain() {
	q.mu.Lock()
	q.segments = nil
	observers := append([]playback.Observer(nil), q.observers...)
	q.mu.Unlock()
	for _, o := range observers {
		o.QueueEmpty()
	}
}

func (q *fakeQueue) types() []segment.Type {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]segment.Type, len(q.segments))
	for i, s := range q.segments {
		out[i] = s.Type
	}
	return out
}

type chatFunc func(context.Context, []transport.Message) (string, error)

func (f chatFunc) SendChat(ctx context.Context, messages []transport.Message) (string, error) {
	return f(ctx, messages)
}

func connected(context.Context, []transport.Message) (string, error) { return "connected", nil }

func configured() *transport.CredentialStore {
	return transport.NewCredentialStore(transport.Credentials{Endpoint: "http://chat", APIKey: "key"})
}

func newStation(t *testing.T, gen *fakeGenerator, queue *fakeQueue, chat Chat) *Station {
	t.Helper()
	s := New(gen, queue, chat, configured(), newLogger())
	t.Cleanup(s.Close)
	return s
}

func waitIdle(t *testing.T, s *Station) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Status().Generating }, 2*time.Second, 5*time.Millisecond)
}

func TestStartRequiresCredentials(t *testing.T) {
	gen := &fakeGenerator{}
	queue := &fakeQueue{}
	s := New(gen, queue, chatFunc(connected), transport.NewCredentialStore(transport.Credentials{Endpoint: "http://chat"}), newLogger())
	defer s.Close()

	err := s.Start()

	var cfgErr *transport.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "api_key", cfgErr.Field)
	assert.Equal(t, msgNotConfigured, s.Status().Message)
	assert.Empty(t, gen.Calls())
}

func TestStartPlaysIntroThenNext(t *testing.T) {
	gen := &fakeGenerator{}
	queue := &fakeQueue{}
	var sent []transport.Message
	s := newStation(t, gen, queue, chatFunc(func(_ context.Context, m []transport.Message) (string, error) {
		sent = m
		return "connected", nil
	}))

	require.NoError(t, s.Start())
	waitIdle(t, s)

	assert.Equal(t, []string{"intro", "next"}, gen.Calls())
	assert.Equal(t, []segment.Type{segment.TypeIntro, "news"}, queue.types())
	assert.True(t, s.Status().OnAir)
	require.Len(t, sent, 1)
	assert.Equal(t, connectPrompt, sent[0].Content)
}

func TestStartFallsBackWhenConnectionCheckFails(t *testing.T) {
	gen := &fakeGenerator{}
	queue := &fakeQueue{}
	s := newStation(t, gen, queue, chatFunc(func(context.Context, []transport.Message) (string, error) {
		return "", errors.New("unreachable")
	}))

	require.NoError(t, s.Start())
	waitIdle(t, s)

	assert.Equal(t, []string{"announce"}, gen.Calls())
	require.Equal(t, []segment.Type{segment.TypeFallback}, queue.types())
	assert.Contains(t, queue.segments[0].DisplayText, "欢迎收听AI新闻台")
	st := s.Status()
	assert.True(t, st.OnAir)
	assert.True(t, strings.HasPrefix(st.Message, "启动广播失败"))
	assert.NotEmpty(t, st.LastError)
}

func TestQueueEmptyPullsNextSegment(t *testing.T) {
	gen := &fakeGenerator{}
	queue := &fakeQueue{}
	s := newStation(t, gen, queue, chatFunc(connected))

	queue.drain()
	assert.Empty(t, gen.Calls())

	require.NoError(t, s.Start())
	waitIdle(t, s)
	queue.drain()
	waitIdle(t, s)

	assert.Equal(t, []string{"intro", "next", "next"}, gen.Calls())
}

func TestOnlyOneGenerationInFlight(t *testing.T) {
	gen := &fakeGenerator{gate: make(chan struct{})}
	queue := &fakeQueue{}
	s := newStation(t, gen, queue, chatFunc(connected))

	require.True(t, s.GenerateNext())
	assert.False(t, s.GenerateNext())
	assert.True(t, s.Status().Generating)

	close(gen.gate)
	waitIdle(t, s)
	assert.Equal(t, []string{"next"}, gen.Calls())
	assert.True(t, s.GenerateNext())
	waitIdle(t, s)
}

func TestQuestionWhileIdleAnswersImmediately(t *testing.T) {
	gen := &fakeGenerator{}
	queue := &fakeQueue{}
	s := newStation(t, gen, queue, chatFunc(connected))

	require.Error(t, s.AddQuestion(context.Background(), " "))
	require.NoError(t, s.AddQuestion(context.Background(), "你好吗？"))
	waitIdle(t, s)

	assert.Equal(t, []string{"你好吗？"}, gen.questions)
	assert.Equal(t, []segment.Type{segment.TypeUserInteraction}, queue.types())
}

func TestSetChannelRestarts(t *testing.T) {
	gen := &fakeGenerator{}
	queue := &fakeQueue{}
	s := newStation(t, gen, queue, chatFunc(connected))

	err := s.SetChannel("weather")
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Equal(t, 0, queue.clears)

	require.NoError(t, s.SetChannel("story"))
	waitIdle(t, s)
	assert.Equal(t, 1, queue.clears)
	assert.Equal(t, "story", s.Status().Channel)
	assert.Equal(t, []segment.Type{segment.TypeIntro, "news"}, queue.types())
}

func TestToggleStartsThenPauses(t *testing.T) {
	gen := &fakeGenerator{}
	queue := &fakeQueue{}
	s := newStation(t, gen, queue, chatFunc(connected))

	require.NoError(t, s.TogglePlayback())
	waitIdle(t, s)
	require.NotEmpty(t, gen.Calls())

	require.NoError(t, s.TogglePlayback())
	assert.Equal(t, 1, queue.toggles)

	s.SetVolume(0.3)
	assert.Equal(t, 0.3, queue.volume)
}

func TestOfflineIsReported(t *testing.T) {
	gen := &fakeGenerator{}
	queue := &fakeQueue{}
	s := newStation(t, gen, queue, chatFunc(connected))
	var seen []Status
	var mu sync.Mutex
	s.Watch(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	require.NoError(t, s.Start())
	waitIdle(t, s)
	s.StatusChange(false)
	s.PingFailure("请求超时")

	st := s.Status()
	assert.False(t, st.Online)
	assert.True(t, strings.HasSuffix(st.Message, msgOffline))

	s.PingSuccess(42 * time.Millisecond)
	st = s.Status()
	assert.True(t, st.Online)
	assert.Equal(t, int64(42), st.PingMillis)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen)
}

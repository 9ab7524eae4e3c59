package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bestZwei/AIBC/internal/channel"
	"github.com/bestZwei/AIBC/internal/eventstore"
	"github.com/bestZwei/AIBC/internal/generator"
	"github.com/bestZwei/AIBC/internal/playback"
	"github.com/bestZwei/AIBC/internal/segment"
	"github.com/bestZwei/AIBC/internal/station"
	"github.com/bestZwei/AIBC/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStation struct {
	mu        sync.Mutex
	status    station.Status
	startErr  error
	calls     []string
	volume    float64
	questions []string
	watchers  []func(station.Status)
}

func (f *fakeStation) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeStation) Start() error          { f.record("start"); return f.startErr }
func (f *fakeStation) Restart() error        { f.record("restart"); return nil }
func (f *fakeStation) TogglePlayback() error { f.record("toggle"); return nil }
func (f *fakeStation) Skip()                 { f.record("skip") }

func (f *fakeStation) SetVolume(v float64) {
	f.mu.Lock()
	f.volume = v
	f.mu.Unlock()
}

func (f *fakeStation) AddQuestion(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("question is empty")
	}
	f.mu.Lock()
	f.questions = append(f.questions, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeStation) SetChannel(id string) error {
	if id != "news" && id != "story" {
		return station.ErrUnknownChannel
	}
	f.mu.Lock()
	f.status.Channel = id
	f.mu.Unlock()
	return nil
}

func (f *fakeStation) Status() station.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeStation) Watch(fn func(station.Status)) func() {
	f.mu.Lock()
	f.watchers = append(f.watchers, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeStation) questionList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.questions...)
}

type fakeGenerator struct {
	history []generator.HistoryEntry
	catalog *channel.Catalog
}

func (f *fakeGenerator) SetPrompt(channelID, kind, text string) error {
	return f.catalog.SetTemplate(channelID, kind, text)
}

func (f *fakeGenerator) ResetPrompt(channelID, kind string) {
	f.catalog.ResetTemplate(channelID, kind)
}

func (f *fakeGenerator) History() []generator.HistoryEntry { return f.history }
func (f *fakeGenerator) PendingQuestions() []generator.PendingQuestion {
	return []generator.PendingQuestion{{Text: "q"}}
}
func (f *fakeGenerator) Context(string) generator.ChannelContext {
	return generator.ChannelContext{CurrentTopic: "weather"}
}

type fakeTimeline struct {
	err error
}

func (f fakeTimeline) ListSegments(_ context.Context, channelID string, limit int) ([]eventstore.SegmentRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []eventstore.SegmentRecord{{ID: "s1", ChannelID: channelID, Type: "news", DisplayText: "stored"}}, nil
}

func (f fakeTimeline) ListQuestions(context.Context, string, int) ([]eventstore.QuestionRecord, error) {
	return nil, f.err
}

// limitTimeline records the limit each query was made with.
type limitTimeline struct {
	fakeTimeline
	limits *[]int
}

func (l limitTimeline) ListSegments(ctx context.Context, channelID string, limit int) ([]eventstore.SegmentRecord, error) {
	*l.limits = append(*l.limits, limit)
	return l.fakeTimeline.ListSegments(ctx, channelID, limit)
}

func (l limitTimeline) ListQuestions(ctx context.Context, channelID string, limit int) ([]eventstore.QuestionRecord, error) {
	*l.limits = append(*l.limits, limit)
	return l.fakeTimeline.ListQuestions(ctx, channelID, limit)
}

type fakeVoices struct {
	err error
}

func (f fakeVoices) ListVoices(_ context.Context, lang string) ([]transport.Voice, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []transport.Voice{{ShortName: "zh-CN-XiaoxiaoNeural", Locale: lang}}, nil
}

type fakeEvents struct {
	mu  sync.Mutex
	obs []playback.Observer
}

func (f *fakeEvents) Subscribe(obs playback.Observer) func() {
	f.mu.Lock()
	f.obs = append(f.obs, obs)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeEvents) segmentStart(seg segment.Segment) {
	f.mu.Lock()
	obs := append([]playback.Observer(nil), f.obs...)
	f.mu.Unlock()
	for _, o := range obs {
		o.SegmentStart(seg)
	}
}

type fixture struct {
	server  *Server
	station *fakeStation
	gen     *fakeGenerator
	events  *fakeEvents
	debug   *transport.DebugLog
	catalog *channel.Catalog
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog, err := channel.NewCatalog(channel.Default())
	require.NoError(t, err)

	f := &fixture{
		station: &fakeStation{status: station.Status{Channel: "news", State: "empty"}},
		gen: &fakeGenerator{history: []generator.HistoryEntry{
			{Channel: "news", Type: "news", Text: "first"},
			{Channel: "story", Type: "story", Text: "other"},
			{Channel: "news", Type: "transition", Text: "second"},
		}, catalog: catalog},
		events:  &fakeEvents{},
		debug:   transport.NewDebugLog(5, logger),
		catalog: catalog,
	}
	deps := Deps{
		Station:        f.station,
		Generator:      f.gen,
		Catalog:        catalog,
		Voices:         fakeVoices{},
		Debug:          f.debug,
		Events:         f.events,
		Metrics:        http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		AllowedOrigins: []string{"*"},
		Logger:         logger,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.server = New(deps)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthReadyAndMetrics(t *testing.T) {
	ready := false
	f := newFixture(t, func(d *Deps) { d.Ready = func() bool { return ready } })

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/readyz", "").Code)
	ready = true
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz", "").Code)

	rec := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestControlRoutes(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/api/start", "/api/restart", "/api/toggle", "/api/skip"} {
		rec := f.do(http.MethodPost, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Equal(t, []string{"start", "restart", "toggle", "skip"}, f.station.calls)

	rec := f.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "news", decode(t, rec)["channel"])
}

func TestStartWithoutCredentials(t *testing.T) {
	f := newFixture(t, nil)
	f.station.startErr = &transport.ConfigError{Field: "api_key"}

	rec := f.do(http.MethodPost, "/api/start", "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "api_key")
}

func TestVolume(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/volume", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/volume", `{"volume": 1.5}`).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/volume", `{"volume": 0}`).Code)
	assert.Equal(t, 0.0, f.station.volume)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/volume", `{"volume": 0.4}`).Code)
	assert.Equal(t, 0.4, f.station.volume)
}

func TestQuestions(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/questions", `{"text": ""}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/questions", `{"text": "   "}`).Code)

	rec := f.do(http.MethodPost, "/api/questions", `{"text": "今天天气如何？"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"今天天气如何？"}, f.station.questionList())
}

func TestSetChannel(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/api/channel", `{"id": "nope"}`).Code)
	rec := f.do(http.MethodPut, "/api/channel", `{"id": "story"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "story", decode(t, rec)["channel"])
}

func TestChannelsAndPrompts(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPut, "/api/prompts/news/intro", `{"template": "自定义介绍"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "自定义介绍", f.catalog.Template("news", channel.PromptIntro))

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/prompts/news/bogus", `{"template": "x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/prompts/nope/intro", `{"template": "x"}`).Code)

	rec = f.do(http.MethodGet, "/api/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Channels []struct {
			ID         string            `json:"id"`
			Active     bool              `json:"active"`
			Prompts    map[string]string `json:"prompts"`
			Customized map[string]bool   `json:"customized"`
		} `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Channels)
	var found bool
	for _, ch := range body.Channels {
		if ch.ID == "news" {
			found = true
			assert.True(t, ch.Active)
			assert.True(t, ch.Customized[channel.PromptIntro])
			assert.Equal(t, "自定义介绍", ch.Prompts[channel.PromptIntro])
		}
	}
	assert.True(t, found)

	rec = f.do(http.MethodDelete, "/api/prompts/news/intro", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.catalog.Customized("news", channel.PromptIntro))
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/api/prompts/nope/intro", "").Code)
}

func TestHistoryFromMemory(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/history?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Source   string                   `json:"source"`
		Segments []generator.HistoryEntry `json:"segments"`
		Context  generator.ChannelContext `json:"context"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "memory", body.Source)
	require.Len(t, body.Segments, 2)
	assert.Equal(t, "second", body.Segments[0].Text)
	assert.Equal(t, "first", body.Segments[1].Text)
	assert.Equal(t, "weather", body.Context.CurrentTopic)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/history?limit=abc", "").Code)
}

func TestHistoryLimitIsClamped(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/api/history?limit=1099511627776", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["segments"], 2)

	var limits []int
	f = newFixture(t, func(d *Deps) { d.Timeline = limitTimeline{limits: &limits} })
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/history?limit=1099511627776", "").Code)
	assert.Equal(t, []int{maxHistoryLimit, maxHistoryLimit}, limits)

	entries := []generator.HistoryEntry{{Channel: "a", Text: "one"}, {Channel: "b", Text: "two"}}
	out := recentHistory(entries, "a", 1<<40)
	require.Len(t, out, 1)
	assert.LessOrEqual(t, cap(out), len(entries))
}

func TestHistoryFromStore(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Timeline = fakeTimeline{} })

	rec := f.do(http.MethodGet, "/api/history?channel=story", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "store", body["source"])
	segments := body["segments"].([]any)
	require.Len(t, segments, 1)
	assert.Equal(t, "story", segments[0].(map[string]any)["channel_id"])

	g := newFixture(t, func(d *Deps) { d.Timeline = fakeTimeline{err: errors.New("disk gone")} })
	assert.Equal(t, http.StatusInternalServerError, g.do(http.MethodGet, "/api/history", "").Code)
}

func TestDebugEntries(t *testing.T) {
	f := newFixture(t, nil)
	f.debug.Addf("hello %d", 1)

	rec := f.do(http.MethodGet, "/api/debug", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello 1", entries[0].(map[string]any)["message"])
}

func TestVoices(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/api/voices?lang=zh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zh-CN-XiaoxiaoNeural")

	g := newFixture(t, func(d *Deps) { d.Voices = fakeVoices{err: &transport.ConfigError{Field: "voices_url"}} })
	assert.Equal(t, http.StatusPreconditionFailed, g.do(http.MethodGet, "/api/voices", "").Code)

	h := newFixture(t, func(d *Deps) { d.Voices = fakeVoices{err: errors.New("boom")} })
	assert.Equal(t, http.StatusBadGateway, h.do(http.MethodGet, "/api/voices", "").Code)
}

func TestCORSRestrictsOrigins(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.AllowedOrigins = []string{"http://localhost:3000"} })

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebsocketStream(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	read := func() Event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	assert.Equal(t, EventStatus, read().Type)
	require.Eventually(t, func() bool { return f.server.Hub().Clients() == 1 }, time.Second, 10*time.Millisecond)

	f.events.segmentStart(segment.New("news", "播报内容", nil, nil))
	ev := read()
	assert.Equal(t, EventSegmentStart, ev.Type)
	assert.Equal(t, "播报内容", ev.Data.(map[string]any)["text"])

	f.debug.Addf("debug line")
	ev = read()
	assert.Equal(t, EventDebug, ev.Type)

	require.NoError(t, conn.WriteJSON(inbound{Type: "question", Text: "你好"}))
	require.Eventually(t, func() bool { return len(f.station.questionList()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "你好", f.station.questionList()[0])
}

// Package station runs the broadcast: it keeps the playback queue fed from the
// generator and reacts to listener, channel and connectivity events.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bestZwei/AIBC/internal/channel"
	"github.com/bestZwei/AIBC/internal/playback"
	"github.com/bestZwei/AIBC/internal/segment"
	"github.com/bestZwei/AIBC/internal/transport"
)

// ErrUnknownChannel is returned by SetChannel for ids missing from the catalog.
var ErrUnknownChannel = errors.New("unknown channel")

const (
	msgConnecting    = "正在连接..."
	msgTestingAPI    = "正在测试API连接..."
	msgIntro         = "正在生成频道介绍..."
	msgNotConfigured = "请在设置中配置API信息以开始广播"
	msgOffline       = " (网络已断开，部分功能可能受限)"
	msgUnavailable   = "欢迎收听AI%s，因为暂时无法连接AI服务，我们将为您播放预设内容。我是%s，谢谢您的收听。"

	connectPrompt = "Please respond with the word 'connected' if you can read this message."
)

type Generator interface {
	GenerateNext(ctx context.Context) segment.Segment
	GenerateIntro(ctx context.Context) segment.Segment
	GenerateUserInteraction(ctx context.Context) segment.Segment
	Announce(ctx context.Context, typ segment.Type, text string) segment.Segment
	AddQuestion(ctx context.Context, text string) error
	SetChannel(id string) bool
	Channel() channel.Channel
}

type Queue interface {
	Enqueue(seg segment.Segment)
	Clear()
	TogglePlayPause()
	SkipToNext()
	SetVolume(v float64)
	State() playback.State
	Len() int
	Current() (segment.Segment, bool)
	Subscribe(obs playback.Observer) func()
}

type Chat interface {
	SendChat(ctx context.Context, messages []transport.Message) (string, error)
}

// Status is a snapshot of the broadcast for UIs.
type Status struct {
	OnAir       bool             `json:"on_air"`
	Generating  bool             `json:"generating"`
	State       string           `json:"state"`
	Channel     string           `json:"channel"`
	ChannelName string           `json:"channel_name"`
	Message     string           `json:"message"`
	LastError   string           `json:"last_error,omitempty"`
	Queued      int              `json:"queued"`
	NowPlaying  *segment.Segment `json:"now_playing,omitempty"`
	Online      bool             `json:"online"`
	PingMillis  int64            `json:"ping_ms"`
}

type Station struct {
	gen    Generator
	queue  Queue
	chat   Chat
	creds  transport.CredentialSource
	debug  *transport.DebugLog
	logger *slog.Logger

	generating atomic.Bool
	onAir      atomic.Bool
	epoch      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	run         context.Context
	runCancel   context.CancelFunc
	message     string
	lastError   string
	online      bool
	ping        time.Duration
	watchers    map[int]func(Status)
	nextWatcher int
	unsubscribe func()
}

type Option func(*Station)

func WithDebugLog(d *transport.DebugLog) Option {
	return func(s *Station) { s.debug = d }
}

func New(gen Generator, queue Queue, chat Chat, creds transport.CredentialSource, logger *slog.Logger, options ...Option) *Station {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Station{
		gen:      gen,
		queue:    queue,
		chat:     chat,
		creds:    creds,
		logger:   logger.With(slog.String("component", "station")),
		ctx:      ctx,
		cancel:   cancel,
		online:   true,
		watchers: make(map[int]func(Status)),
	}
	for _, o := range options {
		o(s)
	}
	s.unsubscribe = queue.Subscribe(playback.ObserverFuncs{
		OnSegmentStart: s.segmentStarted,
		OnQueueEmpty:   s.queueEmpty,
		OnStatusChange: func(bool) { s.notify() },
	})
	return s
}

// Start begins broadcasting. It returns a ConfigError when credentials are
// missing; everything else happens in the background.
func (s *Station) Start() error {
	if err := s.checkConfig(); err != nil {
		s.setMessage(msgNotConfigured, err)
		s.debugf("错误: API配置未完成")
		return err
	}
	if !s.generating.CompareAndSwap(false, true) {
		return nil
	}
	ctx, epoch := s.newRun()
	s.setMessage(msgConnecting, nil)
	s.debugf("开始生成广播内容")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(epoch)
		s.boot(ctx, epoch)
	}()
	return nil
}

func (s *Station) boot(ctx context.Context, epoch uint64) {
	s.setMessage(msgTestingAPI, nil)
	if err := s.checkConnection(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("broadcast start failed", slog.String("error", err.Error()))
		s.setMessage("启动广播失败: "+err.Error(), err)
		s.debugf("启动广播失败: %v", err)
		s.playUnavailable(ctx, epoch)
		return
	}

	s.setMessage(msgIntro, nil)
	intro := s.gen.GenerateIntro(ctx)
	if !s.enqueue(epoch, intro) {
		return
	}
	s.onAir.Store(true)
	s.notify()

	next := s.gen.GenerateNext(ctx)
	s.enqueue(epoch, next)
}

func (s *Station) checkConnection(ctx context.Context) error {
	resp, err := s.chat.SendChat(ctx, []transport.Message{{Role: "system", Content: connectPrompt}})
	if err != nil {
		s.debugf("API连接测试失败: %v", err)
		return fmt.Errorf("无法连接到API: %w", err)
	}
	s.debugf("API连接测试响应: %s", resp)
	return nil
}

func (s *Station) playUnavailable(ctx context.Context, epoch uint64) {
	ch := s.gen.Channel()
	text := fmt.Sprintf(msgUnavailable, ch.DisplayName(), ch.Speakers.Primary.Name)
	seg := s.gen.Announce(ctx, segment.TypeFallback, text)
	if s.enqueue(epoch, seg) {
		s.onAir.Store(true)
		s.notify()
	}
}

// Restart clears the queue and starts over, abandoning any generation in flight.
func (s *Station) Restart() error {
	s.queue.Clear()
	s.onAir.Store(false)
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
		s.run, s.runCancel = nil, nil
	}
	s.mu.Unlock()
	s.epoch.Add(1)
	s.generating.Store(false)
	return s.Start()
}

// GenerateNext produces and enqueues one segment unless a generation is
// already running. It reports whether a generation was started.
func (s *Station) GenerateNext() bool {
	return s.generate(func(ctx context.Context) segment.Segment { return s.gen.GenerateNext(ctx) })
}

func (s *Station) generate(produce func(context.Context) segment.Segment) bool {
	if !s.generating.CompareAndSwap(false, true) {
		return false
	}
	ctx, epoch := s.currentRun()
	s.notify()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(epoch)
		s.enqueue(epoch, produce(ctx))
	}()
	return true
}

// AddQuestion queues a listener question. When the station is idle an
// interaction segment is produced straight away.
func (s *Station) AddQuestion(ctx context.Context, text string) error {
	if err := s.gen.AddQuestion(ctx, text); err != nil {
		return err
	}
	if !s.onAir.Load() && !s.generating.Load() {
		s.generate(func(ctx context.Context) segment.Segment { return s.gen.GenerateUserInteraction(ctx) })
	}
	return nil
}

// SetChannel switches channel and restarts the broadcast.
func (s *Station) SetChannel(id string) error {
	if !s.gen.SetChannel(id) {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	s.logger.Info("channel changed", slog.String("channel", id))
	return s.Restart()
}

// TogglePlayback starts the broadcast when nothing has been started yet and
// otherwise pauses or resumes the queue.
func (s *Station) TogglePlayback() error {
	if !s.onAir.Load() && s.queue.Len() == 0 && s.queue.State() == playback.StateEmpty {
		return s.Start()
	}
	s.queue.TogglePlayPause()
	return nil
}

func (s *Station) Skip() {
	s.queue.SkipToNext()
}

func (s *Station) SetVolume(v float64) {
	s.queue.SetVolume(v)
}

func (s *Station) Status() Status {
	s.mu.Lock()
	st := Status{
		Message:    s.message,
		LastError:  s.lastError,
		Online:     s.online,
		PingMillis: s.ping.Milliseconds(),
	}
	s.mu.Unlock()
	ch := s.gen.Channel()
	st.OnAir = s.onAir.Load()
	st.Generating = s.generating.Load()
	st.State = s.queue.State().String()
	st.Channel = ch.ID
	st.ChannelName = ch.DisplayName()
	st.Queued = s.queue.Len()
	if seg, ok := s.queue.Current(); ok {
		st.NowPlaying = &seg
	}
	return st
}

// Watch registers fn for status updates and returns a function removing it.
func (s *Station) Watch(fn func(Status)) func() {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Close stops background work and waits for it to finish.
func (s *Station) Close() {
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.wg.Wait()
}

// StatusChange implements netmon.Listener.
func (s *Station) StatusChange(online bool) {
	s.mu.Lock()
	s.online = online
	if !online && s.onAir.Load() && !strings.HasSuffix(s.message, msgOffline) {
		s.message += msgOffline
	}
	s.mu.Unlock()
	if !online {
		s.debugf("网络连接断开，可能影响内容生成")
	}
	s.notify()
}

// PingSuccess implements netmon.Listener. A broadcast left with nothing to
// play is restarted once connectivity returns.
func (s *Station) PingSuccess(latency time.Duration) {
	s.mu.Lock()
	s.online = true
	s.ping = latency
	s.mu.Unlock()

	if s.onAir.Load() && !s.generating.Load() && s.queue.Len() == 0 && s.queue.State() == playback.StateEmpty {
		s.debugf("网络恢复，重新加载内容")
		if err := s.Restart(); err != nil {
			s.logger.Warn("restart after reconnect failed", slog.String("error", err.Error()))
		}
	}
}

// PingFailure implements netmon.Listener.
func (s *Station) PingFailure(reason string) {
	s.mu.Lock()
	s.online = false
	s.mu.Unlock()
	s.debugf("网络连接问题: %s", reason)
}

func (s *Station) segmentStarted(seg segment.Segment) {
	text := seg.DisplayText
	if unit := seg.Unit(); unit != nil && unit.Text != "" && len(seg.Audio) > 0 {
		text = unit.Text
	}
	s.setMessage(text, nil)
}

func (s *Station) queueEmpty() {
	if s.onAir.Load() && !s.generating.Load() {
		s.GenerateNext()
	}
}

func (s *Station) enqueue(epoch uint64, seg segment.Segment) bool {
	if s.epoch.Load() != epoch || s.ctx.Err() != nil {
		s.logger.Debug("dropping stale segment", slog.String("segment", seg.ID))
		return false
	}
	if seg.Type == segment.TypeError || seg.Type == segment.TypeFallback {
		s.recordError(seg.DisplayText)
	}
	s.queue.Enqueue(seg)
	return true
}

func (s *Station) release(epoch uint64) {
	if s.epoch.Load() == epoch {
		s.generating.Store(false)
	}
	s.notify()
}

func (s *Station) newRun() (context.Context, uint64) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.run, s.runCancel = ctx, cancel
	s.mu.Unlock()
	return ctx, s.epoch.Load()
}

func (s *Station) currentRun() (context.Context, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		s.run, s.runCancel = context.WithCancel(s.ctx)
	}
	return s.run, s.epoch.Load()
}

func (s *Station) checkConfig() error {
	creds := s.creds.Credentials()
	if strings.TrimSpace(creds.Endpoint) == "" {
		return &transport.ConfigError{Field: "endpoint"}
	}
	if strings.TrimSpace(creds.APIKey) == "" {
		return &transport.ConfigError{Field: "api_key"}
	}
	return nil
}

func (s *Station) setMessage(msg string, err error) {
	s.mu.Lock()
	s.message = msg
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Station) recordError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

func (s *Station) notify() {
	s.mu.Lock()
	watchers := make([]func(Status), 0, len(s.watchers))
	for id := 0; id < s.nextWatcher; id++ {
		if fn, ok := s.watchers[id]; ok {
			watchers = append(watchers, fn)
		}
	}
	s.mu.Unlock()
	if len(watchers) == 0 {
		return
	}
	st := s.Status()
	for _, fn := range watchers {
		fn(st)
	}
}

func (s *Station) debugf(format string, args ...any) {
	if s.debug != nil {
		s.debug.Addf(format, args...)
		return
	}
	s.logger.Debug(fmt.Sprintf(format, args...))
}

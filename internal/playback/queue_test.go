package playback

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bestZwei/AIBC/internal/segment"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTrack struct {
	text    string
	mu      sync.Mutex
	paused  bool
	stopped bool
	playErr error
	once    sync.Once
	done    chan struct{}
}

func (t *fakeTrack) Play() error { return t.playErr }

func (t *fakeTrack) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
	return nil
}

func (t *fakeTrack) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
	return nil
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.finish()
	return nil
}

func (t *fakeTrack) Done() <-chan struct{} { return t.done }

func (t *fakeTrack) finish() { t.once.Do(func() { close(t.done) }) }

func (t *fakeTrack) isPaused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakePlayer struct {
	mu      sync.Mutex
	tracks  []*fakeTrack
	// failing names unit texts whose tracks refuse to play.
	failing map[string]bool
}

func (p *fakePlayer) Load(unit *segment.AudioUnit, _ float64) (Track, error) {
	if unit == nil {
		return nil, ErrNoAudio
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	tr := &fakeTrack{text: unit.Text, done: make(chan struct{})}
	if p.failing[unit.Text] {
		tr.playErr = errors.New("device busy")
	}
	p.tracks = append(p.tracks, tr)
	return tr, nil
}

func (p *fakePlayer) loaded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.tracks))
	for i, tr := range p.tracks {
		out[i] = tr.text
	}
	return out
}

func (p *fakePlayer) last() *fakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tracks) == 0 {
		return nil
	}
	return p.tracks[len(p.tracks)-1]
}

type fakeTimer struct {
	clock *fakeClock
	fn    func()
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	for i, p := range t.clock.pending {
		if p == t {
			t.clock.pending = append(t.clock.pending[:i], t.clock.pending[i+1:]...)
			return true
		}
	}
	return false
}

// fakeClock holds scheduled gap callbacks until the test fires them.
type fakeClock struct {
	mu      sync.Mutex
	pending []*fakeTimer
	delays  []time.Duration
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, fn: fn}
	c.pending = append(c.pending, t)
	c.delays = append(c.delays, d)
	return t
}

func (c *fakeClock) waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *fakeClock) fire() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, t := range pending {
		t.fn()
	}
}

type recorder struct {
	mu      sync.Mutex
	started []string
	empties int
	status  []bool
}

func (r *recorder) SegmentStart(seg segment.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, seg.Unit().Text)
}

func (r *recorder) QueueEmpty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.empties++
}

func (r *recorder) PlaybackStatusChange(playing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, playing)
}

func (r *recorder) emptyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.empties
}

func newTestQueue(t *testing.T) (*Queue, *fakePlayer, *fakeClock, *recorder) {
	t.Helper()
	player := &fakePlayer{}
	clock := &fakeClock{}
	q := NewQueue(player, DefaultOptions(), newLogger(), WithAfterFunc(clock.AfterFunc))
	rec := &recorder{}
	q.Subscribe(rec)
	return q, player, clock, rec
}

func voiced(texts ...string) segment.Segment {
	utts := make([]segment.Utterance, len(texts))
	units := make([]*segment.AudioUnit, len(texts))
	for i, text := range texts {
		utts[i] = segment.Utterance{Speaker: "A", Text: text}
		units[i] = &segment.AudioUnit{Data: []byte(text), Text: text}
	}
	return segment.New("news", "display", utts, units)
}

// finishCurrent ends the loaded track and fires the gap once it is scheduled.
func finishCurrent(t *testing.T, player *fakePlayer, clock *fakeClock) {
	t.Helper()
	player.last().finish()
	require.Eventually(t, func() bool { return clock.waiting() == 1 }, time.Second, time.Millisecond)
	clock.fire()
}

func TestUnitsPlayInOrderAcrossSplits(t *testing.T) {
	q, player, clock, rec := newTestQueue(t)

	q.Enqueue(voiced("a1", "a2", "a3"))
	q.Enqueue(voiced("b1"))
	q.Enqueue(voiced("c1", "c2"))
	assert.Equal(t, StatePlaying, q.State())

	for range 5 {
		finishCurrent(t, player, clock)
	}

	want := []string{"a1", "a2", "a3", "b1", "c1", "c2"}
	assert.Equal(t, want, player.loaded())
	assert.Equal(t, want, rec.started)
	assert.Equal(t, 0, rec.emptyCount())

	finishCurrent(t, player, clock)
	assert.Equal(t, StateEmpty, q.State())
	assert.Equal(t, 1, rec.emptyCount())
	assert.Equal(t, []bool{true, false}, rec.status)
	for _, d := range clock.delays {
		assert.Equal(t, DefaultGap, d)
	}
}

func TestEnqueueDuringGapDoesNotRestart(t *testing.T) {
	q, player, clock, _ := newTestQueue(t)

	q.Enqueue(voiced("a"))
	player.last().finish()
	require.Eventually(t, func() bool { return clock.waiting() == 1 }, time.Second, time.Millisecond)

	q.Enqueue(voiced("b"))
	assert.Equal(t, []string{"a"}, player.loaded())

	clock.fire()
	assert.Equal(t, []string{"a", "b"}, player.loaded())
}

func TestClearDropsEverythingQuietly(t *testing.T) {
	q, player, clock, rec := newTestQueue(t)

	q.Enqueue(voiced("active"))
	q.Enqueue(voiced("one"))
	q.Enqueue(voiced("two"))
	q.Enqueue(voiced("three"))
	require.Equal(t, 3, q.Len())
	active := player.last()

	q.Clear()

	assert.Equal(t, StateEmpty, q.State())
	assert.Equal(t, 0, q.Len())
	assert.True(t, active.isStopped())
	_, ok := q.Current()
	assert.False(t, ok)
	assert.Equal(t, 0, rec.emptyCount())
	assert.Never(t, func() bool { return clock.waiting() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPlayNextOnEmptyQueueSignals(t *testing.T) {
	q, _, _, rec := newTestQueue(t)

	q.PlayNext()

	assert.Equal(t, StateEmpty, q.State())
	assert.Equal(t, 1, rec.emptyCount())
	assert.Empty(t, rec.status)
}

func TestTogglePauseAndResume(t *testing.T) {
	q, player, _, rec := newTestQueue(t)

	q.TogglePlayPause()
	assert.Equal(t, StateEmpty, q.State())

	q.Enqueue(voiced("a"))
	track := player.last()

	q.TogglePlayPause()
	assert.Equal(t, StatePaused, q.State())
	assert.True(t, track.isPaused())

	q.TogglePlayPause()
	assert.Equal(t, StatePlaying, q.State())
	assert.False(t, track.isPaused())
	assert.Equal(t, []bool{true, false, true}, rec.status)
}

func TestPauseDuringGapHoldsNextUnit(t *testing.T) {
	q, player, clock, _ := newTestQueue(t)

	q.Enqueue(voiced("a", "b"))
	player.last().finish()
	require.Eventually(t, func() bool { return clock.waiting() == 1 }, time.Second, time.Millisecond)

	q.TogglePlayPause()
	assert.Equal(t, StatePaused, q.State())
	assert.Equal(t, 0, clock.waiting())

	q.TogglePlayPause()
	assert.Equal(t, []string{"a", "b"}, player.loaded())
	assert.Equal(t, StatePlaying, q.State())
}

func TestSkipEndsCurrentUnit(t *testing.T) {
	q, player, clock, _ := newTestQueue(t)

	q.Enqueue(voiced("a", "b"))
	first := player.last()

	q.SkipToNext()
	assert.True(t, first.isStopped())
	require.Equal(t, 1, clock.waiting())

	clock.fire()
	assert.Equal(t, []string{"a", "b"}, player.loaded())
}

func TestMissingUnitIsSkipped(t *testing.T) {
	q, player, clock, rec := newTestQueue(t)

	seg := voiced("a", "b")
	seg.Audio[0] = nil
	q.Enqueue(seg)

	assert.Empty(t, player.loaded())
	require.Equal(t, 1, clock.waiting())
	clock.fire()

	assert.Equal(t, []string{"b"}, player.loaded())
	assert.Equal(t, []string{"b"}, rec.started)
}

func TestUnplayableUnitIsSkipped(t *testing.T) {
	q, player, clock, rec := newTestQueue(t)
	player.failing = map[string]bool{"a": true}

	q.Enqueue(voiced("a", "b"))

	assert.Equal(t, []string{"a"}, player.loaded())
	assert.Empty(t, rec.started)
	require.Equal(t, 1, clock.waiting())
	assert.Equal(t, []time.Duration{DefaultGap}, clock.delays)

	clock.fire()
	assert.Equal(t, []string{"a", "b"}, player.loaded())
	assert.Equal(t, []string{"b"}, rec.started)
}

func TestTextOnlySegmentStillStarts(t *testing.T) {
	q, player, _, rec := newTestQueue(t)

	q.Enqueue(segment.New(segment.TypeFallback, "主持人：稍后回来。", nil, nil))

	assert.Equal(t, []string{"主持人：稍后回来。"}, player.loaded())
	assert.Equal(t, []string{"主持人：稍后回来。"}, rec.started)
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	q, _, _, _ := newTestQueue(t)
	var empties int
	cancel := q.Subscribe(ObserverFuncs{OnQueueEmpty: func() { empties++ }})

	q.PlayNext()
	cancel()
	q.PlayNext()

	assert.Equal(t, 1, empties)
}

func TestVolumeIsClamped(t *testing.T) {
	q, _, _, _ := newTestQueue(t)

	q.SetVolume(1.7)
	assert.Equal(t, 1.0, q.Volume())
	q.SetVolume(-1)
	assert.Equal(t, 0.0, q.Volume())
}

func TestExecPlayerRunsCommand(t *testing.T) {
	dir := t.TempDir()
	player, err := NewExecPlayer("sh -c 'test -s \"$0\" && test \"$1\" = 50' {file} {volume}", dir, newLogger())
	require.NoError(t, err)

	track, err := player.Load(&segment.AudioUnit{Data: []byte("RIFF"), MIME: "audio/wav"}, 0.5)
	require.NoError(t, err)
	require.NoError(t, track.Play())

	select {
	case <-track.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("player did not exit")
	}

	_, err = player.Load(nil, 1)
	assert.True(t, errors.Is(err, ErrNoAudio))

	silent, err := player.Load(segment.Placeholder("quiet"), 1)
	require.NoError(t, err)
	require.NoError(t, silent.Play())
	<-silent.Done()
}

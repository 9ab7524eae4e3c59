// Package playback sequences broadcast segments through an audio player one
// unit at a time.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/bestZwei/AIBC/internal/segment"
)

// DefaultGap is the pause between two units.
const DefaultGap = 500 * time.Millisecond

// Timer is the part of *time.Timer the queue needs.
type Timer interface {
	Stop() bool
}

type Options struct {
	Gap    time.Duration
	Volume float64
}

func DefaultOptions() Options {
	return Options{Gap: DefaultGap, Volume: 1}
}

type Option func(*Queue)

// WithAfterFunc replaces time.AfterFunc for scheduling the inter-unit gap.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(q *Queue) { q.afterFunc = fn }
}

type active struct {
	seg   segment.Segment
	track Track
	gen   uint64
}

// Queue is the broadcast playback queue. All mutations go through its
// methods and are serialized by mu.
type Queue struct {
	player    Player
	logger    *slog.Logger
	gap       time.Duration
	afterFunc func(time.Duration, func()) Timer
	units     metric.Int64Counter

	mu        sync.Mutex
	segments  []segment.Segment
	current   *active
	gapTimer  Timer
	state     State
	playing   bool
	volume    float64
	gen       uint64
	observers map[int]Observer
	nextObs   int
}

func NewQueue(player Player, opts Options, logger *slog.Logger, options ...Option) *Queue {
	if opts.Gap < 0 {
		opts.Gap = 0
	}
	q := &Queue{
		player: player,
		logger: logger.With(slog.String("component", "playback")),
		gap:    opts.Gap,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		volume:    clampVolume(opts.Volume),
		observers: make(map[int]Observer),
	}
	counter, err := otel.Meter("github.com/bestZwei/AIBC/playback").Int64Counter("aibc.playback.units",
		metric.WithDescription("Audio units handed to the player"))
	if err != nil {
		counter = noop.Int64Counter{}
	}
	q.units = counter
	for _, o := range options {
		o(q)
	}
	return q
}

// Subscribe registers an observer and returns a function removing it.
func (q *Queue) Subscribe(obs Observer) func() {
	q.mu.Lock()
	id := q.nextObs
	q.nextObs++
	q.observers[id] = obs
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		delete(q.observers, id)
		q.mu.Unlock()
	}
}

// Enqueue appends a segment. Playback starts immediately when the queue is idle.
func (q *Queue) Enqueue(seg segment.Segment) {
	var events []func(Observer)
	q.mu.Lock()
	q.segments = append(q.segments, seg)
	if q.state == StateEmpty && q.current == nil && q.gapTimer == nil {
		events = q.startNextLocked(events)
	}
	q.mu.Unlock()
	q.emit(events)
}

// PlayNext tears down the current unit and starts the next one. With nothing
// queued the queue goes idle and signals QueueEmpty.
func (q *Queue) PlayNext() {
	q.mu.Lock()
	q.stopGapLocked()
	q.teardownLocked()
	events := q.startNextLocked(nil)
	q.mu.Unlock()
	q.emit(events)
}

// TogglePlayPause starts playback when nothing is loaded, otherwise flips
// between playing and paused.
func (q *Queue) TogglePlayPause() {
	var events []func(Observer)
	q.mu.Lock()
	switch {
	case q.current != nil && q.state == StatePlaying:
		if err := q.current.track.Pause(); err != nil {
			q.logger.Warn("pause failed", slog.String("error", err.Error()))
		}
		q.state = StatePaused
		events = q.setPlayingLocked(false, events)
	case q.current != nil && q.state == StatePaused:
		if err := q.current.track.Resume(); err != nil {
			q.logger.Warn("resume failed", slog.String("error", err.Error()))
		}
		q.state = StatePlaying
		events = q.setPlayingLocked(true, events)
	case q.gapTimer != nil:
		q.stopGapLocked()
		q.state = StatePaused
		events = q.setPlayingLocked(false, events)
	case q.state == StatePaused || len(q.segments) > 0:
		events = q.startNextLocked(events)
	}
	q.mu.Unlock()
	q.emit(events)
}

// SkipToNext ends the current unit early. The usual gap follows.
func (q *Queue) SkipToNext() {
	var events []func(Observer)
	q.mu.Lock()
	switch {
	case q.current != nil:
		q.endUnitLocked()
	case q.gapTimer != nil:
		q.stopGapLocked()
		events = q.startNextLocked(events)
	case len(q.segments) > 0:
		events = q.startNextLocked(events)
	}
	q.mu.Unlock()
	q.emit(events)
}

// Clear drops everything and goes idle without signalling QueueEmpty.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.segments = nil
	q.stopGapLocked()
	q.teardownLocked()
	q.gen++
	q.state = StateEmpty
	events := q.setPlayingLocked(false, nil)
	q.mu.Unlock()
	q.emit(events)
}

// SetVolume sets the volume in [0,1]. It applies to the current track when
// the player supports it, and to every track loaded afterwards.
func (q *Queue) SetVolume(v float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.volume = clampVolume(v)
	if q.current == nil {
		return
	}
	if vs, ok := q.current.track.(interface{ SetVolume(float64) error }); ok {
		if err := vs.SetVolume(q.volume); err != nil {
			q.logger.Debug("volume change not applied", slog.String("error", err.Error()))
		}
	}
}

func (q *Queue) Volume() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.volume
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Len reports the number of queued segments, excluding the active unit.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.segments)
}

// Current returns the segment whose unit is loaded, if any.
func (q *Queue) Current() (segment.Segment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return segment.Segment{}, false
	}
	return q.current.seg, true
}

// startNextLocked loads the next unit. Units that fail to load are skipped
// after the usual gap, the same as a unit that ended.
func (q *Queue) startNextLocked(events []func(Observer)) []func(Observer) {
	if len(q.segments) == 0 {
		q.gen++
		q.state = StateEmpty
		events = q.setPlayingLocked(false, events)
		return append(events, func(o Observer) { o.QueueEmpty() })
	}

	head := q.segments[0]
	q.segments = q.segments[1:]
	unit, rest := head.Residual()
	if rest != nil {
		q.segments = append([]segment.Segment{*rest}, q.segments...)
	}

	q.gen++
	gen := q.gen
	q.state = StatePlaying
	events = q.setPlayingLocked(true, events)

	track, err := q.player.Load(unit.Unit(), q.volume)
	if err != nil {
		q.logger.Warn("audio unit failed to load", slog.String("segment", unit.ID), slog.String("error", err.Error()))
		q.scheduleGapLocked(gen)
		return events
	}
	q.current = &active{seg: unit, track: track, gen: gen}
	if err := track.Play(); err != nil {
		q.logger.Warn("audio unit failed to play", slog.String("segment", unit.ID), slog.String("error", err.Error()))
		q.endUnitLocked()
		return events
	}
	q.units.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(unit.Type))))
	go q.watch(gen, track)
	return append(events, func(o Observer) { o.SegmentStart(unit) })
}

func (q *Queue) watch(gen uint64, track Track) {
	<-track.Done()
	q.mu.Lock()
	if q.current != nil && q.current.gen == gen {
		q.endUnitLocked()
	}
	q.mu.Unlock()
}

// endUnitLocked finishes the current unit and schedules the next one.
func (q *Queue) endUnitLocked() {
	gen := q.gen
	q.teardownLocked()
	q.scheduleGapLocked(gen)
}

func (q *Queue) scheduleGapLocked(gen uint64) {
	q.stopGapLocked()
	q.gapTimer = q.afterFunc(q.gap, func() { q.advance(gen) })
}

func (q *Queue) advance(gen uint64) {
	q.mu.Lock()
	if gen != q.gen || q.gapTimer == nil {
		q.mu.Unlock()
		return
	}
	q.gapTimer = nil
	events := q.startNextLocked(nil)
	q.mu.Unlock()
	q.emit(events)
}

func (q *Queue) stopGapLocked() {
	if q.gapTimer != nil {
		q.gapTimer.Stop()
		q.gapTimer = nil
	}
}

func (q *Queue) teardownLocked() {
	if q.current == nil {
		return
	}
	cur := q.current
	q.current = nil
	if err := cur.track.Stop(); err != nil {
		q.logger.Debug("stop track", slog.String("error", err.Error()))
	}
}

func (q *Queue) setPlayingLocked(playing bool, events []func(Observer)) []func(Observer) {
	if q.playing == playing {
		return events
	}
	q.playing = playing
	return append(events, func(o Observer) { o.PlaybackStatusChange(playing) })
}

func (q *Queue) emit(events []func(Observer)) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	observers := make([]Observer, 0, len(q.observers))
	for id := 0; id < q.nextObs; id++ {
		if o, ok := q.observers[id]; ok {
			observers = append(observers, o)
		}
	}
	q.mu.Unlock()
	for _, ev := range events {
		for _, o := range observers {
			ev(o)
		}
	}
}

func clampVolume(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

package playback

import (
	"errors"
	"sync"

	"github.com/bestZwei/AIBC/internal/segment"
)

// ErrNoAudio is returned when a unit has no audio to load.
var ErrNoAudio = errors.New("audio unit missing")

// Track is one loaded audio unit.
type Track interface {
	Play() error
	Pause() error
	Resume() error
	Stop() error
	// Done is closed when playback ends for any reason.
	Done() <-chan struct{}
}

// Player turns audio units into tracks.
type Player interface {
	Load(unit *segment.AudioUnit, volume float64) (Track, error)
}

// silentTrack stands in for placeholder units. It ends as soon as it starts.
type silentTrack struct {
	once sync.Once
	done chan struct{}
}

func newSilentTrack() *silentTrack {
	return &silentTrack{done: make(chan struct{})}
}

func (s *silentTrack) Play() error {
	s.finish()
	return nil
}

func (s *silentTrack) Pause() error  { return nil }
func (s *silentTrack) Resume() error { return nil }

func (s *silentTrack) Stop() error {
	s.finish()
	return nil
}

func (s *silentTrack) Done() <-chan struct{} { return s.done }

func (s *silentTrack) finish() {
	s.once.Do(func() { close(s.done) })
}

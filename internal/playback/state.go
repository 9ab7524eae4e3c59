package playback

import "github.com/bestZwei/AIBC/internal/segment"

// State is the queue's playback state.
type State int

const (
	StateEmpty State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "empty"
	}
}

// Observer receives queue events. Calls are made synchronously, outside the
// queue lock, on the goroutine that caused the event.
type Observer interface {
	SegmentStart(seg segment.Segment)
	QueueEmpty()
	PlaybackStatusChange(playing bool)
}

// ObserverFuncs adapts optional callbacks to Observer.
type ObserverFuncs struct {
	OnSegmentStart func(segment.Segment)
	OnQueueEmpty   func()
	OnStatusChange func(bool)
}

func (o ObserverFuncs) SegmentStart(seg segment.Segment) {
	if o.OnSegmentStart != nil {
		o.OnSegmentStart(seg)
	}
}

func (o ObserverFuncs) QueueEmpty() {
	if o.OnQueueEmpty != nil {
		o.OnQueueEmpty()
	}
}

func (o ObserverFuncs) PlaybackStatusChange(playing bool) {
	if o.OnStatusChange != nil {
		o.OnStatusChange(playing)
	}
}

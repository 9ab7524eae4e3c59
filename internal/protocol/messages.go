// Package protocol defines the JSON messages the station exchanges over the
// event bus.
package protocol

import "time"

// SegmentStarted is published when a unit of a segment begins playing.
type SegmentStarted struct {
	SegmentID   string    `json:"segment_id"`
	ChannelID   string    `json:"channel_id"`
	Type        string    `json:"type"`
	Speaker     string    `json:"speaker,omitempty"`
	Text        string    `json:"text"`
	DisplayText string    `json:"display_text"`
	Question    string    `json:"question,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// QueueEmpty is published when the playback queue drains.
type QueueEmpty struct {
	ChannelID string    `json:"channel_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PlaybackStatus is published when playback starts or stops.
type PlaybackStatus struct {
	Playing   bool      `json:"playing"`
	Timestamp time.Time `json:"timestamp"`
}

// ListenerQuestion is a command asking the station to take a listener question.
type ListenerQuestion struct {
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSegmentStart     = "aibc.segment.start"
	SubjectQueueEmpty       = "aibc.queue.empty"
	SubjectPlaybackStatus   = "aibc.playback.status"
	SubjectListenerQuestion = "aibc.listener.question"
)

package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bestZwei/AIBC/internal/protocol"
	"github.com/bestZwei/AIBC/internal/segment"
)

// Bridge mirrors playback events onto the bus and turns listener question
// messages into calls on the station.
type Bridge struct {
	client  *Client
	channel func() string
	log     *slog.Logger
	subs    []*nats.Subscription
}

func NewBridge(client *Client, channel func() string) *Bridge {
	return &Bridge{
		client:  client,
		channel: channel,
		log:     client.Logger().With(slog.String("component", "bus-bridge")),
	}
}

func (b *Bridge) SegmentStart(seg segment.Segment) {
	unit := seg.Unit()
	msg := protocol.SegmentStarted{
		SegmentID:   seg.ID,
		ChannelID:   b.channel(),
		Type:        string(seg.Type),
		Speaker:     seg.Speaker(),
		DisplayText: seg.DisplayText,
		Question:    seg.Question,
		Timestamp:   time.Now().UTC(),
	}
	if unit != nil {
		msg.Text = unit.Text
	}
	b.publish(protocol.SubjectSegmentStart, msg)
}

func (b *Bridge) QueueEmpty() {
	b.publish(protocol.SubjectQueueEmpty, protocol.QueueEmpty{ChannelID: b.channel(), Timestamp: time.Now().UTC()})
}

func (b *Bridge) PlaybackStatusChange(playing bool) {
	b.publish(protocol.SubjectPlaybackStatus, protocol.PlaybackStatus{Playing: playing, Timestamp: time.Now().UTC()})
}

// HandleQuestions subscribes to listener questions and passes their text to fn.
func (b *Bridge) HandleQuestions(fn func(text string) error) error {
	sub, err := b.client.Conn().Subscribe(protocol.SubjectListenerQuestion, func(msg *nats.Msg) {
		var q protocol.ListenerQuestion
		if err := json.Unmarshal(msg.Data, &q); err != nil {
			b.log.Warn("invalid listener question", slog.String("error", err.Error()))
			return
		}
		if strings.TrimSpace(q.Text) == "" {
			return
		}
		if err := fn(q.Text); err != nil {
			b.log.Warn("listener question rejected", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe listener questions: %w", err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *Bridge) Close() {
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	b.subs = nil
}

func (b *Bridge) publish(subject string, v any) {
	if err := b.client.PublishJSON(subject, v); err != nil {
		b.log.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// Package events publishes pipeline stage transitions over watermill.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TopicStage carries StageChanged events.
const TopicStage = "memagent.stage"

const metadataSessionID = "session_id"

// StageChanged is emitted whenever a session moves between stages, including
// the internal screening and generating sub-stages.
type StageChanged struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Status    string    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is what the orchestrator needs from the bus.
type Publisher interface {
	PublishStage(ctx context.Context, ev StageChanged) error
}

// Bus publishes and subscribes StageChanged events over a watermill
// transport.
type Bus struct {
	pub message.Publisher
	sub message.Subscriber

	closeOnce sync.Once
}

var _ Publisher = &Bus{}

func NewBus(pub message.Publisher, sub message.Subscriber) (*Bus, error) {
	if pub == nil || sub == nil {
		return nil, errors.New("events: publisher and subscriber are required")
	}
	return &Bus{pub: pub, sub: sub}, nil
}

// NewInProcessBus uses a gochannel pub/sub; events never leave the process.
func NewInProcessBus() *Bus {
	gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, NewWatermillLogger(log.Logger))
	return &Bus{pub: gc, sub: gc}
}

func (b *Bus) PublishStage(ctx context.Context, ev StageChanged) error {
	if b == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "events: marshal")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(metadataSessionID, ev.SessionID)
	msg.SetContext(ctx)
	if err := b.pub.Publish(TopicStage, msg); err != nil {
		return errors.Wrap(err, "events: publish")
	}
	return nil
}

// Subscribe delivers decoded events until ctx is done. Undecodable messages
// are acked and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan StageChanged, error) {
	if b == nil {
		return nil, errors.New("events: nil bus")
	}
	msgs, err := b.sub.Subscribe(ctx, TopicStage)
	if err != nil {
		return nil, errors.Wrap(err, "events: subscribe")
	}
	out := make(chan StageChanged, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev StageChanged
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable stage event")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var err error
	b.closeOnce.Do(func() {
		perr := b.pub.Close()
		serr := b.sub.Close()
		if perr != nil {
			err = perr
		} else {
			err = serr
		}
	})
	return err
}

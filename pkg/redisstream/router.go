package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gibbonas/MemAgent/pkg/events"
)

// NewClient returns a client for s.Addr.
func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: s.Addr})
}

// BuildBus returns a stage event bus backed by Redis Streams when enabled,
// or an in-process bus otherwise.
func BuildBus(ctx context.Context, client redis.UniversalClient, s Settings) (*events.Bus, error) {
	if !s.Enabled {
		return events.NewInProcessBus(), nil
	}
	if client == nil {
		return nil, errors.New("redisstream: client is nil")
	}
	if err := EnsureGroupAtTail(ctx, client, events.TopicStage, s.Group); err != nil {
		return nil, err
	}
	pub, err := BuildPublisher(client)
	if err != nil {
		return nil, err
	}
	sub, err := BuildGroupSubscriber(client, s.Group, s.Consumer)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}
	return events.NewBus(pub, sub)
}

func BuildPublisher(client redis.UniversalClient) (message.Publisher, error) {
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, events.NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "redisstream: publisher")
	}
	return pub, nil
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given
// consumer group and consumer name.
func BuildGroupSubscriber(client redis.UniversalClient, group, consumer string) (message.Subscriber, error) {
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, events.NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "redisstream: subscriber")
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if
// it doesn't exist, so a new group does not replay history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "redisstream: create group %s", group)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

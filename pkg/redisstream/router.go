package redisstream

import (
	"context"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Transport is the publisher/subscriber pair backing the bus.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Redis      bool

	settings Settings
	client   redis.UniversalClient
	closers  []func() error
}

// BuildTransport returns a Redis Streams transport when settings.Enabled,
// otherwise an in-process GoChannel.
func BuildTransport(s Settings) (*Transport, error) {
	logger := NewWatermillLogger(log.Logger)
	if !s.Enabled {
		// blocking publish keeps deliveries from one publisher in send order
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &Transport{
			Publisher:  ch,
			Subscriber: ch,
			settings:   s,
			closers:    []func() error{ch.Close},
		}, nil
	}
	if s.Addr == "" {
		return nil, errors.New("redis transport: empty addr")
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis transport: publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis transport: subscriber")
	}

	return &Transport{
		Publisher:  pub,
		Subscriber: sub,
		Redis:      true,
		settings:   s,
		client:     client,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// GroupSubscriber returns a subscriber bound to its own consumer group so a
// second reader of the same stream sees every message.
func (t *Transport) GroupSubscriber(group, consumer string) (message.Subscriber, error) {
	if !t.Redis {
		return t.Subscriber, nil
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        t.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "redis transport: group subscriber")
	}
	t.closers = append([]func() error{sub.Close}, t.closers...)
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($) if
// it doesn't exist, so a fresh coordinator does not replay history.
func (t *Transport) EnsureGroupAtTail(ctx context.Context, stream, group string) error {
	if !t.Redis {
		return nil
	}
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// ClaimConsumerGroup fails when another consumer of the transport's group
// read from stream within activeWithin. Session state lives in the memory of
// one coordinator, so a second coordinator in the same group would split the
// traffic of every tab between two registries. A consumer that stayed idle
// longer than activeWithin is taken for a stopped coordinator.
func (t *Transport) ClaimConsumerGroup(ctx context.Context, stream string, activeWithin time.Duration) error {
	if !t.Redis {
		return nil
	}
	consumers, err := t.client.XInfoConsumers(ctx, stream, t.settings.Group).Result()
	if err != nil {
		// NOGROUP / no such key: nobody consumed the stream yet
		if strings.Contains(err.Error(), "NOGROUP") || strings.Contains(err.Error(), "no such key") {
			return nil
		}
		return errors.Wrap(err, "redis transport: inspect consumer group")
	}
	if others := activeConsumers(consumers, t.settings.Consumer, activeWithin); len(others) > 0 {
		return errors.Errorf("redis transport: group %q on %s is already consumed by %s; run one coordinator per group",
			t.settings.Group, stream, strings.Join(others, ", "))
	}
	return nil
}

func activeConsumers(consumers []redis.XInfoConsumer, self string, within time.Duration) []string {
	var out []string
	for _, c := range consumers {
		if c.Name == self || c.Idle > within {
			continue
		}
		out = append(out, c.Name)
	}
	return out
}

func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	var first error
	for _, c := range t.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	t.closers = nil
	return first
}

package bus

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tabtrail/pkg/redisstream"
)

// Handler is the coordinator's dispatch entry point. A returned error is
// logged; the message is acknowledged regardless since delivery is
// fire-and-forget.
type Handler func(ctx context.Context, env Envelope) error

// Bus connects the observer, control and coordinator endpoints over a
// watermill transport. Messages sent to the coordinator are consumed by one
// router handler, so messages from one origin are handled in send order.
type Bus struct {
	transport *redisstream.Transport
	router    *message.Router

	mu      sync.RWMutex
	handler Handler
}

func New(transport *redisstream.Transport) (*Bus, error) {
	if transport == nil {
		return nil, errors.New("bus: transport is nil")
	}
	router, err := message.NewRouter(message.RouterConfig{}, redisstream.NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "bus: new router")
	}
	router.AddMiddleware(middleware.Recoverer)

	b := &Bus{transport: transport, router: router}
	router.AddNoPublisherHandler(
		"coordinator-dispatch",
		EndpointCoordinator.Topic(),
		transport.Subscriber,
		b.dispatch,
	)
	return b, nil
}

// OnMessage installs the coordinator handler, replacing any previous one.
func (b *Bus) OnMessage(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Send publishes env to its endpoint. The in-process transport returns once
// the receiver acknowledged: the coordinator after its handler ran, Subscribe
// readers as soon as the delivery is buffered or dropped. Send therefore
// never waits on a websocket peer.
func (b *Bus) Send(_ context.Context, env Envelope) error {
	if !env.To.Valid() {
		return errors.Errorf("bus: unknown endpoint %q", env.To)
	}
	if env.Message.Action == "" {
		return errors.New("bus: message action is empty")
	}
	if env.To == EndpointObserver && !env.Sender.HasTab() {
		return errors.New("bus: observer delivery needs a tab id")
	}
	msg, err := toWatermill(env)
	if err != nil {
		return err
	}
	if err := b.transport.Publisher.Publish(env.To.Topic(), msg); err != nil {
		return errors.Wrapf(err, "bus: publish to %s", env.To)
	}
	return nil
}

// subscriptionBuffer is how many deliveries a Subscribe reader may lag.
const subscriptionBuffer = 256

// Subscribe streams deliveries addressed to a non-coordinator endpoint.
// group isolates readers when the transport is Redis Streams. Deliveries are
// acknowledged as soon as they are read off the transport; when the returned
// channel is full they are dropped and logged, so Send never waits on a slow
// reader.
func (b *Bus) Subscribe(ctx context.Context, to Endpoint, group string) (<-chan Envelope, error) {
	if to == EndpointCoordinator {
		return nil, errors.New("bus: coordinator deliveries go through OnMessage")
	}
	if !to.Valid() {
		return nil, errors.Errorf("bus: unknown endpoint %q", to)
	}
	if err := b.transport.EnsureGroupAtTail(ctx, to.Topic(), group); err != nil {
		return nil, errors.Wrap(err, "bus: ensure consumer group")
	}
	sub, err := b.transport.GroupSubscriber(group, group+"-1")
	if err != nil {
		return nil, err
	}
	msgs, err := sub.Subscribe(ctx, to.Topic())
	if err != nil {
		return nil, errors.Wrapf(err, "bus: subscribe %s", to)
	}

	out := make(chan Envelope, subscriptionBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			env, err := fromWatermill(to, msg)
			msg.Ack()
			l := log.With().Str("component", "bus").Str("endpoint", string(to)).Logger()
			if err != nil {
				l.Warn().Err(err).Msg("dropping undecodable delivery")
				continue
			}
			// a reader that fell behind loses deliveries; it must never
			// hold up the publisher
			select {
			case out <- env:
			default:
				l.Warn().
					Str("action", env.Message.Action).
					Int("tab_id", env.Sender.TabID).
					Int("buffer", cap(out)).
					Msg("subscriber not draining, dropping delivery")
			}
		}
	}()
	return out, nil
}

// coordinatorClaimWindow is how long a silent consumer of the coordinator
// group still counts as a running coordinator.
const coordinatorClaimWindow = time.Minute

// Run drives the coordinator handler until ctx is cancelled. On Redis
// Streams it refuses to start while another coordinator consumes the same
// group.
func (b *Bus) Run(ctx context.Context) error {
	if err := b.transport.ClaimConsumerGroup(ctx, EndpointCoordinator.Topic(), coordinatorClaimWindow); err != nil {
		return err
	}
	return b.router.Run(ctx)
}

// Running is closed once the router consumes messages.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	if err := b.router.Close(); err != nil {
		return err
	}
	return b.transport.Close()
}

func (b *Bus) dispatch(msg *message.Message) error {
	env, err := fromWatermill(EndpointCoordinator, msg)
	if err != nil {
		// malformed deliveries would be redelivered forever; drop them
		log.Warn().Err(err).Str("component", "bus").Str("message_id", msg.UUID).Msg("dropping undecodable coordinator message")
		return nil
	}

	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h == nil {
		log.Warn().Str("component", "bus").Str("action", env.Message.Action).Msg("no coordinator handler registered, dropping message")
		return nil
	}
	if err := h(msg.Context(), env); err != nil {
		log.Error().Err(err).
			Str("component", "bus").
			Str("action", env.Message.Action).
			Str("origin", string(env.Sender.Origin)).
			Int("tab_id", env.Sender.TabID).
			Msg("coordinator handler failed")
	}
	return nil
}

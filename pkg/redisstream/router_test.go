package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBuildTransport_InMemory(t *testing.T) {
	tr, err := BuildTransport(DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	require.False(t, tr.Redis)

	sub, err := tr.GroupSubscriber("other", "c")
	require.NoError(t, err)
	require.Equal(t, tr.Subscriber, sub)
	require.NoError(t, tr.EnsureGroupAtTail(context.Background(), "topic", "g"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := tr.Subscriber.Subscribe(ctx, "topic")
	require.NoError(t, err)

	published := make(chan error, 1)
	go func() {
		published <- tr.Publisher.Publish("topic", message.NewMessage(watermill.NewUUID(), []byte(`{"action":"SAVE"}`)))
	}()
	select {
	case msg := <-ch:
		require.JSONEq(t, `{"action":"SAVE"}`, string(msg.Payload))
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
	require.NoError(t, <-published)
}

func TestBuildTransport_RedisRequiresAddr(t *testing.T) {
	s := DefaultSettings()
	s.Enabled = true
	s.Addr = ""
	_, err := BuildTransport(s)
	require.Error(t, err)
}

func TestActiveConsumers(t *testing.T) {
	consumers := []redis.XInfoConsumer{
		{Name: "coordinator-1", Idle: time.Second},
		{Name: "coordinator-2", Idle: 5 * time.Second},
		{Name: "crashed", Idle: time.Hour},
	}
	require.Equal(t, []string{"coordinator-2"}, activeConsumers(consumers, "coordinator-1", time.Minute))
	require.Empty(t, activeConsumers(consumers[:1], "coordinator-1", time.Minute))
}

func TestClaimConsumerGroup_InMemory(t *testing.T) {
	tr, err := BuildTransport(DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	require.NoError(t, tr.ClaimConsumerGroup(context.Background(), "tabtrail.coordinator", time.Minute))
}

func TestWatermillLogger_With(t *testing.T) {
	l := NewWatermillLogger(zerolog.Nop())
	child := l.With(watermill.LogFields{"topic": "coordinator"})
	wl, ok := child.(*WatermillLogger)
	require.True(t, ok)
	require.Equal(t, "coordinator", wl.fields["topic"])
	require.Nil(t, l.fields["topic"])
	child.Info("hello", nil)
	child.Error("oops", nil, watermill.LogFields{"n": 1})
}

package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPubSub_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ps := NewRedisPubSubFromClient(client, 8)
	defer ps.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := RelayChangesChannel("selfie")
	events, err := ps.Subscribe(ctx, channel)
	require.NoError(t, err)

	evt, err := NewEvent(EventPathChanged, "sessions/s1", "client-a", map[string]int{"writes": 1})
	require.NoError(t, err)
	require.NoError(t, ps.Publish(ctx, channel, evt))

	select {
	case got := <-events:
		assert.Equal(t, EventPathChanged, got.Type)
		assert.Equal(t, "sessions/s1", got.Path)
		assert.Equal(t, "client-a", got.Origin)
		var p map[string]int
		require.NoError(t, got.UnmarshalPayload(&p))
		assert.Equal(t, 1, p["writes"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	require.NoError(t, ps.Unsubscribe(ctx, channel))
	// Shared client stays usable after Close.
	require.NoError(t, ps.Close())
	require.NoError(t, client.Ping(ctx).Err())
}

func TestNewEventWithoutPayload(t *testing.T) {
	evt, err := NewEvent(EventPathChanged, "codes/K7M2Q", "", nil)
	require.NoError(t, err)
	assert.Nil(t, evt.Payload)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestNewPubSubUnknownDriver(t *testing.T) {
	_, err := NewPubSub(Config{Driver: "kafka"})
	assert.Error(t, err)
}

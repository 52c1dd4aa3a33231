package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewBus()

	sub, err := b.Subscribe(ctx, "chan-a", "chan-b")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "chan-b", "STOP"))

	msg, ok, err := sub.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "chan-b", msg.Channel)
	require.Equal(t, "STOP", msg.Payload)
}

func TestReceiveTimeout(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	sub, err := b.Subscribe(ctx, "quiet")
	require.NoError(t, err)
	defer sub.Close()

	start := time.Now()
	_, ok, err := sub.Receive(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Publish(context.Background(), "nobody", "STOP"))
}

func TestUnrelatedChannelNotDelivered(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	sub, err := b.Subscribe(ctx, "mine")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "other", "STOP"))
	_, ok, err := sub.Receive(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	sub, err := b.Subscribe(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")
}

func TestPresenceRegisterAndPattern(t *testing.T) {
	ctx := context.Background()
	p := NewPresence()
	require.NoError(t, p.Register(ctx, "active_run:inst-1:run-1", time.Minute))
	require.NoError(t, p.Register(ctx, "active_run:inst-2:run-1", time.Minute))
	require.NoError(t, p.Register(ctx, "active_run:inst-1:run-2", time.Minute))

	keys, err := p.Keys(ctx, "active_run:*:run-1")
	require.NoError(t, err)
	require.Equal(t, []string{"active_run:inst-1:run-1", "active_run:inst-2:run-1"}, keys)

	keys, err = p.Keys(ctx, "active_run:inst-1:*")
	require.NoError(t, err)
	require.Equal(t, []string{"active_run:inst-1:run-1", "active_run:inst-1:run-2"}, keys)
}

func TestPresenceExpiry(t *testing.T) {
	ctx := context.Background()
	p := NewPresence()
	require.NoError(t, p.Register(ctx, "active_run:i:r", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	keys, err := p.Keys(ctx, "active_run:*")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestPresenceDelete(t *testing.T) {
	ctx := context.Background()
	p := NewPresence()
	require.NoError(t, p.Register(ctx, "active_run:i:r", time.Minute))
	require.NoError(t, p.Delete(ctx, "active_run:i:r"))
	keys, err := p.Keys(ctx, "active_run:*")
	require.NoError(t, err)
	require.Empty(t, keys)
}

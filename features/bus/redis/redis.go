// Package redis backs the control bus and the presence registry with Redis.
// Channels carry the short control tokens (STOP, END_STREAM, ERROR) between
// server instances; presence keys are plain SET-with-TTL entries discovered
// via SCAN.
//
// Callers build the Redis connection and pass it in; the package never owns
// the connection lifecycle.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/agentflow/runtime/bus"
)

type (
	// Options configures the Redis bus.
	Options struct {
		// Client is the Redis connection. Required.
		Client *goredis.Client
	}

	// Bus implements bus.Bus and bus.Presence over one Redis connection.
	Bus struct {
		rdb *goredis.Client
	}

	// subscription wraps a Redis pub/sub subscription.
	subscription struct {
		ps *goredis.PubSub
		ch <-chan *goredis.Message
	}
)

// New returns a Redis-backed bus. The Client field in opts is required.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Bus{rdb: opts.Client}, nil
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, channel, payload string) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish to %q: %w", channel, err)
	}
	return nil
}

// Subscribe implements bus.Bus. It waits for the subscription confirmation
// so callers can retry transient failures instead of silently listening on a
// dead subscription.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	ps := b.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe to %v: %w", channels, err)
	}
	return &subscription{ps: ps, ch: ps.Channel()}, nil
}

// Receive implements bus.Subscription.
func (s *subscription) Receive(ctx context.Context, timeout time.Duration) (bus.Message, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return bus.Message{}, false, errors.New("redis subscription closed")
		}
		return bus.Message{Channel: msg.Channel, Payload: msg.Payload}, true, nil
	case <-timer.C:
		return bus.Message{}, false, nil
	case <-ctx.Done():
		return bus.Message{}, false, ctx.Err()
	}
}

// Close implements bus.Subscription.
func (s *subscription) Close() error {
	return s.ps.Close()
}

// Register implements bus.Presence.
func (b *Bus) Register(ctx context.Context, key string, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, key, "running", ttl).Err(); err != nil {
		return fmt.Errorf("redis set presence key %q: %w", key, err)
	}
	return nil
}

// Delete implements bus.Presence.
func (b *Bus) Delete(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete presence key %q: %w", key, err)
	}
	return nil
}

// Keys implements bus.Presence using SCAN so large keyspaces are walked
// without blocking the server.
func (b *Bus) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := b.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %q: %w", pattern, err)
	}
	return out, nil
}

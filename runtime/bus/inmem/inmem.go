// Package inmem provides in-memory Bus and Presence implementations for
// tests and single-instance deployments without Redis.
package inmem

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"goa.design/agentflow/runtime/bus"
)

type (
	// Bus implements bus.Bus with per-subscription buffered channels.
	Bus struct {
		mu   sync.Mutex
		subs map[*subscription]struct{}
	}

	subscription struct {
		bus      *Bus
		channels map[string]struct{}
		ch       chan bus.Message
		closed   bool
		mu       sync.Mutex
	}

	// Presence implements bus.Presence with expiring keys.
	Presence struct {
		mu   sync.Mutex
		keys map[string]time.Time
	}
)

// subscriptionBuffer bounds undelivered control messages per subscription.
// Control traffic is a handful of tokens per run, so a small buffer suffices.
const subscriptionBuffer = 16

// NewBus returns an empty in-memory bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Publish implements bus.Bus. Slow subscribers with full buffers drop the
// message rather than block the publisher, matching fire-and-forget pub/sub
// semantics.
func (b *Bus) Publish(_ context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		select {
		case sub.ch <- bus.Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(_ context.Context, channels ...string) (bus.Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	sub := &subscription{
		bus:      b,
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan bus.Message, subscriptionBuffer),
	}
	for _, c := range channels {
		sub.channels[c] = struct{}{}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Receive implements bus.Subscription.
func (s *subscription) Receive(ctx context.Context, timeout time.Duration) (bus.Message, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return bus.Message{}, false, errors.New("subscription closed")
		}
		return msg, true, nil
	case <-timer.C:
		return bus.Message{}, false, nil
	case <-ctx.Done():
		return bus.Message{}, false, ctx.Err()
	}
}

// Close implements bus.Subscription.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	close(s.ch)
	return nil
}

// NewPresence returns an empty in-memory presence registry.
func NewPresence() *Presence {
	return &Presence{keys: make(map[string]time.Time)}
}

// Register implements bus.Presence.
func (p *Presence) Register(_ context.Context, key string, ttl time.Duration) error {
	p.mu.Lock()
	p.keys[key] = time.Now().Add(ttl)
	p.mu.Unlock()
	return nil
}

// Delete implements bus.Presence.
func (p *Presence) Delete(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.keys, key)
	p.mu.Unlock()
	return nil
}

// Keys implements bus.Presence.
func (p *Presence) Keys(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for key, expiry := range p.keys {
		if now.After(expiry) {
			delete(p.keys, key)
			continue
		}
		if ok, err := path.Match(pattern, key); err == nil && ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

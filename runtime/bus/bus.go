// Package bus defines the control-plane contracts the run controller
// coordinates through: a pub/sub bus carrying short imperative tokens between
// server instances, and a TTL'd presence registry advertising which instance
// supervises which run.
//
// Production deployments back both with Redis (features/bus/redis); tests use
// the in-memory implementation under bus/inmem.
package bus

import (
	"context"
	"time"
)

type (
	// Message is a single pub/sub delivery.
	Message struct {
		// Channel is the channel the message was published on.
		Channel string

		// Payload is the message body. Control payloads are short ASCII
		// tokens (STOP, END_STREAM, ERROR).
		Payload string
	}

	// Subscription is an open pub/sub subscription over one or more
	// channels.
	Subscription interface {
		// Receive waits up to timeout for the next message. The boolean is
		// false when the timeout elapsed without a delivery. Receive
		// returns an error only when the subscription is no longer usable.
		Receive(ctx context.Context, timeout time.Duration) (Message, bool, error)

		// Close tears down the subscription.
		Close() error
	}

	// Bus is the process-wide pub/sub used for cross-instance control.
	Bus interface {
		// Publish delivers payload to every current subscriber of channel.
		// Publishing to a channel without subscribers is not an error.
		Publish(ctx context.Context, channel, payload string) error

		// Subscribe opens a subscription on the given channels.
		Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	}

	// Presence is the TTL'd key registry advertising active runs. Keys
	// follow "active_run:{instance_id}:{run_id}"; values are arbitrary.
	Presence interface {
		// Register creates or refreshes a presence key with the given TTL.
		Register(ctx context.Context, key string, ttl time.Duration) error

		// Delete removes a presence key.
		Delete(ctx context.Context, key string) error

		// Keys returns all live keys matching a glob pattern (for example
		// "active_run:*:run-1").
		Keys(ctx context.Context, pattern string) ([]string, error)
	}
)

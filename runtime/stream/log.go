package stream

import (
	"context"
	"sync"
)

// Log is the per-run in-memory event log. The owning supervisor is the only
// appender; stream readers observe it by length-then-index snapshots and
// tolerate concurrent appends because entries are never mutated once written.
type Log struct {
	mu     sync.RWMutex
	events []Event
}

// NewLog returns an empty event log.
func NewLog() *Log {
	return &Log{}
}

// Append adds an event to the log.
func (l *Log) Append(event Event) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

// Len returns the number of events appended so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Snapshot returns the events in [from, Len()) at call time.
func (l *Log) Snapshot(from int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(l.events) {
		return nil
	}
	out := make([]Event, len(l.events)-from)
	copy(out, l.events[from:])
	return out
}

// Send implements Sink by appending to the log.
func (l *Log) Send(_ context.Context, event Event) error {
	l.Append(event)
	return nil
}

// Tee returns a sink that forwards each event to every given sink in order,
// stopping at the first failure.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, event Event) error {
		for _, s := range sinks {
			if s == nil {
				continue
			}
			if err := s.Send(ctx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/agentflow/runtime/stream"
)

type (
	// Options configures the event mirror.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client Client

		// StreamID derives the target stream name from a run id. Defaults
		// to "agent_run/<run_id>".
		StreamID func(runID string) string
	}

	// Mirror publishes run events onto per-run Pulse streams. Hand ForRun
	// to the controller's WithEventMirror option.
	Mirror struct {
		client   Client
		streamID func(runID string) string
	}

	// runSink publishes one run's events.
	runSink struct {
		mirror *Mirror
		runID  string
	}

	// Envelope wraps run events for transmission over Pulse streams.
	Envelope struct {
		// Type identifies the event kind (for example "tool_result").
		Type string `json:"type"`

		// RunID links the event to its run.
		RunID string `json:"run_id"`

		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`

		// Payload is the event in its wire shape.
		Payload stream.Event `json:"payload"`
	}
)

// NewMirror constructs a Pulse-backed event mirror. The Client field in opts
// is required; StreamID defaults to the built-in naming.
func NewMirror(opts Options) (*Mirror, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = func(runID string) string { return "agent_run/" + runID }
	}
	return &Mirror{client: opts.Client, streamID: streamID}, nil
}

// ForRun returns the sink publishing events of the given run.
func (m *Mirror) ForRun(runID string) stream.Sink {
	return &runSink{mirror: m, runID: runID}
}

// Send implements stream.Sink. Thread-safe for concurrent calls.
func (s *runSink) Send(ctx context.Context, event stream.Event) error {
	name := s.mirror.streamID(s.runID)
	handle, err := s.mirror.client.Stream(name)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      string(event.Kind()),
		RunID:     s.runID,
		Timestamp: time.Now().UTC(),
		Payload:   event,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

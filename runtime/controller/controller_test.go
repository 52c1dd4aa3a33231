package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	businmem "goa.design/agentflow/runtime/bus/inmem"
	"goa.design/agentflow/runtime/run"
	runinmem "goa.design/agentflow/runtime/run/inmem"
	"goa.design/agentflow/runtime/stream"
	threadinmem "goa.design/agentflow/runtime/thread/inmem"
)

type fixture struct {
	runs     *runinmem.Store
	threads  *threadinmem.Store
	bus      *businmem.Bus
	presence *businmem.Presence
	threadID string
}

func newTestFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		runs:     runinmem.New(),
		threads:  threadinmem.New(),
		bus:      businmem.NewBus(),
		presence: businmem.NewPresence(),
	}
	id, err := f.threads.CreateThread(context.Background(), "project-1")
	require.NoError(t, err)
	f.threadID = id
	return f
}

func (f *fixture) controller(t *testing.T, instance string, loop AgentLoop) *Controller {
	t.Helper()
	return New(instance, f.runs, f.threads, f.bus, f.presence, loop,
		withTimings(5*time.Millisecond, 20*time.Millisecond, time.Millisecond))
}

// emitN returns a loop emitting n content events spaced by interval,
// stopping cleanly when the sink rejects an event or the context ends.
func emitN(n int, interval time.Duration) AgentLoop {
	return func(ctx context.Context, _ string, sink stream.Sink) error {
		for i := 0; i < n; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
			if err := sink.Send(ctx, stream.NewContent("delta")); err != nil {
				return err
			}
		}
		return nil
	}
}

func waitStatus(t *testing.T, f *fixture, runID string, want run.Status) run.Record {
	t.Helper()
	var rec run.Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = f.runs.Load(context.Background(), runID)
		return err == nil && rec.Status == want
	}, 2*time.Second, 5*time.Millisecond, "run %s never reached status %s", runID, want)
	return rec
}

func waitRetired(t *testing.T, c *Controller, runID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		_, live := c.active[runID]
		c.mu.Unlock()
		return !live
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunCompletesAndPersistsLog(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)
	c := f.controller(t, "inst-1", emitN(3, time.Millisecond))

	runID, err := c.Start(ctx, f.threadID)
	require.NoError(t, err)

	rec := waitStatus(t, f, runID, run.StatusCompleted)
	require.False(t, rec.CompletedAt.IsZero())
	// Three content events plus the synthetic completion.
	require.Len(t, rec.Responses, 4)
	last, ok := rec.Responses[3].(stream.RunStatus)
	require.True(t, ok)
	require.Equal(t, "completed", last.Status)

	waitRetired(t, c, runID)
	keys, err := f.presence.Keys(ctx, "active_run:*")
	require.NoError(t, err)
	require.Empty(t, keys, "presence key removed on exit")
}

func TestRunFailurePersistsError(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)
	c := f.controller(t, "inst-1", func(ctx context.Context, _ string, sink stream.Sink) error {
		_ = sink.Send(ctx, stream.NewContent("partial"))
		return errors.New("model exploded")
	})

	runID, err := c.Start(ctx, f.threadID)
	require.NoError(t, err)

	rec := waitStatus(t, f, runID, run.StatusFailed)
	require.Contains(t, rec.Error, "model exploded")
	// The log carries the error status event.
	last := rec.Responses[len(rec.Responses)-1].(stream.RunStatus)
	require.Equal(t, "error", last.Status)
}

// Starting a run in a project with an active run stops the predecessor
// first: at most one run per project is ever running.
func TestAtMostOneRunningPerProject(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)
	c := f.controller(t, "inst-1", emitN(1000, time.Millisecond))

	first, err := c.Start(ctx, f.threadID)
	require.NoError(t, err)

	otherThread, err := f.threads.CreateThread(ctx, "project-1")
	require.NoError(t, err)
	second, err := c.Start(ctx, otherThread)
	require.NoError(t, err)

	waitStatus(t, f, first, run.StatusStopped)
	rec, err := f.runs.Load(ctx, second)
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, rec.Status)

	require.NoError(t, c.Stop(ctx, second))
	waitStatus(t, f, second, run.StatusStopped)
}

// Cross-instance stop: instance B's Stop publishes on the control channels
// discovered via presence and instance A's supervisor terminates within the
// poll window. The log ends without a synthetic completion and late events
// are discarded.
func TestStopMidRunCrossInstance(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	var sinkRef stream.Sink
	var sinkMu sync.Mutex
	loop := func(ctx context.Context, _ string, sink stream.Sink) error {
		sinkMu.Lock()
		sinkRef = sink
		sinkMu.Unlock()
		for i := 0; i < 100; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			if err := sink.Send(ctx, stream.NewContent("tick")); err != nil {
				return err
			}
		}
		return nil
	}
	owner := f.controller(t, "inst-a", loop)
	peer := f.controller(t, "inst-b", nil)

	runID, err := owner.Start(ctx, f.threadID)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	stopAt := time.Now()
	require.NoError(t, peer.Stop(ctx, runID))

	waitRetired(t, owner, runID)
	require.Less(t, time.Since(stopAt), 600*time.Millisecond,
		"supervisor must observe STOP within the poll window")

	rec := waitStatus(t, f, runID, run.StatusStopped)
	require.False(t, rec.CompletedAt.IsZero())

	// The supervisor has retired the run, and a late event arriving after
	// the stop is discarded.
	owner.mu.Lock()
	_, live := owner.active[runID]
	owner.mu.Unlock()
	require.False(t, live)

	sinkMu.Lock()
	late := sinkRef
	sinkMu.Unlock()
	err = late.Send(ctx, stream.NewContent("late result"))
	require.ErrorIs(t, err, errStopped)
}

// Stopping a terminal run twice yields the same persisted state: stop is
// idempotent.
func TestStopIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)
	c := f.controller(t, "inst-1", emitN(2, time.Millisecond))

	runID, err := c.Start(ctx, f.threadID)
	require.NoError(t, err)
	rec := waitStatus(t, f, runID, run.StatusCompleted)

	require.NoError(t, c.Stop(ctx, runID))
	after, err := f.runs.Load(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, rec.Status, after.Status)
	require.Equal(t, rec.CompletedAt, after.CompletedAt)
	require.Len(t, after.Responses, len(rec.Responses))

	require.NoError(t, c.Stop(ctx, runID))
}

func TestStopUnknownRun(t *testing.T) {
	f := newTestFixture(t)
	c := f.controller(t, "inst-1", nil)
	err := c.Stop(context.Background(), "missing")
	require.ErrorIs(t, err, run.ErrNotFound)
}

// Crash recovery: runs left running by a dead process transition to failed
// with the restart error.
func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)
	require.NoError(t, f.runs.Insert(ctx, run.Record{
		ID:        "stale-1",
		ThreadID:  f.threadID,
		ProjectID: "project-1",
		Status:    run.StatusRunning,
		StartedAt: time.Now().Add(-time.Hour),
	}))

	c := f.controller(t, "inst-1", nil)
	require.NoError(t, c.RecoverStale(ctx))

	rec, err := f.runs.Load(ctx, "stale-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, rec.Status)
	require.Equal(t, "server restarted while agent was running", rec.Error)
	require.False(t, rec.CompletedAt.IsZero())
}

// Stream replays the log and terminates with the synthetic completed status.
func TestStreamReplayAfterCompletion(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)
	c := f.controller(t, "inst-1", emitN(3, time.Millisecond))

	runID, err := c.Start(ctx, f.threadID)
	require.NoError(t, err)
	waitStatus(t, f, runID, run.StatusCompleted)
	waitRetired(t, c, runID)

	var got []stream.Event
	require.NoError(t, c.Stream(ctx, runID, func(ev stream.Event) error {
		got = append(got, ev)
		return nil
	}))
	// Replay of the persisted log (3 content + completion) plus the stream
	// terminator.
	require.Len(t, got, 5)
	terminator, ok := got[4].(stream.RunStatus)
	require.True(t, ok)
	require.Equal(t, "completed", terminator.Status)
}

// A live stream tails events appended after connect.
func TestStreamTailsLiveRun(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	release := make(chan struct{})
	loop := func(ctx context.Context, _ string, sink stream.Sink) error {
		if err := sink.Send(ctx, stream.NewContent("early")); err != nil {
			return err
		}
		<-release
		return sink.Send(ctx, stream.NewContent("late"))
	}
	c := f.controller(t, "inst-1", loop)

	runID, err := c.Start(ctx, f.threadID)
	require.NoError(t, err)

	var mu sync.Mutex
	var got []stream.Event
	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, runID, func(ev stream.Event) error {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	// early, late, supervisor completion, stream terminator.
	require.Len(t, got, 4)
	require.Equal(t, "completed", got[3].(stream.RunStatus).Status)
}

func TestStreamUnknownRun(t *testing.T) {
	f := newTestFixture(t)
	c := f.controller(t, "inst-1", nil)
	err := c.Stream(context.Background(), "missing", func(stream.Event) error { return nil })
	require.ErrorIs(t, err, run.ErrNotFound)
}

// Shutdown stops every run this instance supervises.
func TestShutdownStopsActiveRuns(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)
	c := f.controller(t, "inst-1", emitN(1000, time.Millisecond))

	runID, err := c.Start(ctx, f.threadID)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(shutdownCtx))
	waitStatus(t, f, runID, run.StatusStopped)
}

// The event mirror observes every event the loop sends, not the supervisor's
// terminal status; mirror failures never affect the run.
func TestEventMirror(t *testing.T) {
	ctx := context.Background()
	f := newTestFixture(t)

	var mu sync.Mutex
	mirrored := map[string]int{}
	mirror := func(runID string) stream.Sink {
		return stream.SinkFunc(func(_ context.Context, ev stream.Event) error {
			mu.Lock()
			mirrored[runID]++
			mu.Unlock()
			if ev.Kind() == stream.EventFinish {
				return errors.New("mirror down")
			}
			return nil
		})
	}
	loop := func(ctx context.Context, _ string, sink stream.Sink) error {
		if err := sink.Send(ctx, stream.NewContent("a")); err != nil {
			return err
		}
		if err := sink.Send(ctx, stream.NewContent("b")); err != nil {
			return err
		}
		// The mirror rejects this one; the run must still complete.
		return sink.Send(ctx, stream.NewFinish("stop"))
	}
	c := New("inst-1", f.runs, f.threads, f.bus, f.presence, loop,
		withTimings(5*time.Millisecond, 20*time.Millisecond, time.Millisecond),
		WithEventMirror(mirror))

	runID, err := c.Start(ctx, f.threadID)
	require.NoError(t, err)
	waitStatus(t, f, runID, run.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, mirrored[runID])
	rec, err := f.runs.Load(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, rec.Status)
}

// Package controller supervises background agent runs. It provides
// at-most-one-active-run-per-project semantics, durable status transitions
// with retried writes, cross-instance stop signalling over the control bus,
// late-join stream replay from the per-run in-memory event log, and crash
// recovery at process start.
package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentflow/runtime/bus"
	"goa.design/agentflow/runtime/run"
	"goa.design/agentflow/runtime/stream"
	"goa.design/agentflow/runtime/telemetry"
	"goa.design/agentflow/runtime/thread"
)

type (
	// AgentLoop drives one agent run against a thread, emitting every event
	// through the sink. The controller owns lifecycle and cancellation; the
	// loop owns prompting and processing.
	AgentLoop func(ctx context.Context, threadID string, sink stream.Sink) error

	// Controller supervises agent runs for one server instance.
	Controller struct {
		instanceID string
		runs       run.Store
		threads    thread.Store
		bus        bus.Bus
		presence   bus.Presence
		loop       AgentLoop
		logger     telemetry.Logger
		mirrorFor  func(runID string) stream.Sink

		presenceTTL  time.Duration
		tailInterval time.Duration
		pollTimeout  time.Duration
		retryBase    time.Duration

		mu     sync.Mutex
		active map[string]*activeRun
		wg     sync.WaitGroup
	}

	// Option configures a Controller.
	Option func(*Controller)

	// activeRun is the in-memory state of a run supervised by this
	// instance.
	activeRun struct {
		threadID string
		log      *stream.Log
		stop     chan struct{} // closed once on STOP
		stopOnce sync.Once
	}
)

// Control tokens carried on the pub/sub channels.
const (
	// TokenStop requests cooperative termination of a run.
	TokenStop = "STOP"

	// TokenEndStream announces clean completion of a run's event stream.
	TokenEndStream = "END_STREAM"

	// TokenError announces a failed run.
	TokenError = "ERROR"
)

const (
	defaultPresenceTTL  = 5 * time.Minute
	defaultTailInterval = 100 * time.Millisecond
	defaultPollTimeout  = 500 * time.Millisecond
	defaultRetryBase    = 500 * time.Millisecond

	// statusWriteAttempts bounds retries of run status writes: the store is
	// the system of record for external observers.
	statusWriteAttempts = 3

	// presenceRefreshEvery is how many appended events pass between
	// presence TTL refreshes.
	presenceRefreshEvery = 100
)

// WithLogger configures the controller logger. Nil keeps the no-op default.
func WithLogger(logger telemetry.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPresenceTTL overrides the presence key TTL.
func WithPresenceTTL(ttl time.Duration) Option {
	return func(c *Controller) {
		if ttl > 0 {
			c.presenceTTL = ttl
		}
	}
}

// WithEventMirror forwards every event the agent loop sends through the run's
// sink to a per-run sink in addition to the in-memory log, for durable
// fan-out (for example a Pulse stream per run). The supervisor's own terminal
// status events are appended to the log only. Mirror failures are logged and
// never affect the run.
func WithEventMirror(mirrorFor func(runID string) stream.Sink) Option {
	return func(c *Controller) {
		c.mirrorFor = mirrorFor
	}
}

// withTimings compresses the internal intervals for tests.
func withTimings(tail, poll, retry time.Duration) Option {
	return func(c *Controller) {
		c.tailInterval = tail
		c.pollTimeout = poll
		c.retryBase = retry
	}
}

// New returns a controller for the given instance. The instance id
// distinguishes this process on shared presence keys and control channels;
// when empty a random one is generated.
func New(instanceID string, runs run.Store, threads thread.Store, b bus.Bus, presence bus.Presence, loop AgentLoop, opts ...Option) *Controller {
	if instanceID == "" {
		instanceID = uuid.NewString()[:8]
	}
	c := &Controller{
		instanceID:   instanceID,
		runs:         runs,
		threads:      threads,
		bus:          b,
		presence:     presence,
		loop:         loop,
		logger:       telemetry.NewNoopLogger(),
		presenceTTL:  defaultPresenceTTL,
		tailInterval: defaultTailInterval,
		pollTimeout:  defaultPollTimeout,
		retryBase:    defaultRetryBase,
		active:       make(map[string]*activeRun),
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// InstanceID returns the controller's instance identifier.
func (c *Controller) InstanceID() string { return c.instanceID }

// Start launches a background run for the thread, stopping any run already
// running in the thread's project first. It returns the new run id.
func (c *Controller) Start(ctx context.Context, threadID string) (string, error) {
	projectID, err := c.threads.ProjectID(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("resolve project for thread %q: %w", threadID, err)
	}

	if activeID, err := c.runs.ActiveForProject(ctx, projectID); err != nil {
		return "", fmt.Errorf("check active run for project %q: %w", projectID, err)
	} else if activeID != "" {
		c.logger.Info(ctx, "stopping existing run before starting new one",
			"project_id", projectID, "run_id", activeID)
		if err := c.Stop(ctx, activeID); err != nil {
			return "", fmt.Errorf("stop predecessor run %q: %w", activeID, err)
		}
	}

	rec := run.Record{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		ProjectID: projectID,
		Status:    run.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := c.runs.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("persist run record: %w", err)
	}

	ar := &activeRun{
		threadID: threadID,
		log:      stream.NewLog(),
		stop:     make(chan struct{}),
	}
	c.mu.Lock()
	c.active[rec.ID] = ar
	c.mu.Unlock()

	if err := c.presence.Register(ctx, activeRunKey(c.instanceID, rec.ID), c.presenceTTL); err != nil {
		c.logger.Warn(ctx, "presence registration failed, continuing without cross-instance tracking",
			"run_id", rec.ID, "err", err)
	}

	c.wg.Add(1)
	go c.supervise(rec.ID, ar)

	c.logger.Info(ctx, "agent run started", "run_id", rec.ID, "thread_id", threadID, "instance", c.instanceID)
	return rec.ID, nil
}

// Stop requests termination of a run. The status write is retried with
// backoff; publish failures degrade to a logged warning because the local
// stop channel still works. Stopping a terminal run is a no-op on persisted
// state.
func (c *Controller) Stop(ctx context.Context, runID string) error {
	if _, err := c.runs.Load(ctx, runID); err != nil {
		return fmt.Errorf("load run %q: %w", runID, err)
	}

	if err := c.writeStatus(ctx, runID, run.StatusUpdate{
		Status:      run.StatusStopped,
		CompletedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("update run %q status to stopped: %w", runID, err)
	}

	// Local fast path: signal the supervisor directly when this instance
	// owns the run.
	c.mu.Lock()
	if ar, ok := c.active[runID]; ok {
		ar.signalStop()
	}
	c.mu.Unlock()

	if err := c.bus.Publish(ctx, controlChannel(runID), TokenStop); err != nil {
		c.logger.Warn(ctx, "publish STOP to global channel failed", "run_id", runID, "err", err)
	}

	keys, err := c.presence.Keys(ctx, activeRunPattern(runID))
	if err != nil {
		c.logger.Warn(ctx, "presence scan failed", "run_id", runID, "err", err)
		return nil
	}
	for _, key := range keys {
		instance, ok := instanceFromKey(key)
		if !ok {
			continue
		}
		if err := c.bus.Publish(ctx, instanceControlChannel(runID, instance), TokenStop); err != nil {
			c.logger.Warn(ctx, "publish STOP to instance channel failed",
				"run_id", runID, "instance", instance, "err", err)
		}
	}
	c.logger.Info(ctx, "stop initiated", "run_id", runID)
	return nil
}

// Get returns the persisted run record.
func (c *Controller) Get(ctx context.Context, runID string) (run.Record, error) {
	return c.runs.Load(ctx, runID)
}

// ListByThread returns all runs for a thread, newest first.
func (c *Controller) ListByThread(ctx context.Context, threadID string) ([]run.Record, error) {
	return c.runs.ListByThread(ctx, threadID)
}

// Stream replays the run's event log through send and, while the run is
// live on this instance, tails new events at the configured interval. The
// stream always ends with a synthetic completed status event.
func (c *Controller) Stream(ctx context.Context, runID string, send func(stream.Event) error) error {
	rec, err := c.runs.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %q: %w", runID, err)
	}

	c.mu.Lock()
	ar := c.active[runID]
	c.mu.Unlock()

	switch {
	case ar != nil:
		if err := c.tail(ctx, runID, ar, send); err != nil {
			return err
		}
	case len(rec.Responses) > 0:
		// The run finished on some instance and persisted its log; replay
		// the durable copy.
		for _, ev := range rec.Responses {
			if err := send(ev); err != nil {
				return err
			}
		}
	default:
		if err := send(stream.NewRunStatus(string(rec.Status), "Run data not available for streaming")); err != nil {
			return err
		}
	}

	return send(stream.NewRunStatus("completed", ""))
}

// tail replays the live log and follows appends until the supervisor retires
// the run or the client disconnects.
func (c *Controller) tail(ctx context.Context, runID string, ar *activeRun, send func(stream.Event) error) error {
	next := 0
	flush := func() error {
		for _, ev := range ar.log.Snapshot(next) {
			if err := send(ev); err != nil {
				return err
			}
			next++
		}
		return nil
	}
	if err := flush(); err != nil {
		return err
	}

	ticker := time.NewTicker(c.tailInterval)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		_, live := c.active[runID]
		c.mu.Unlock()
		if err := flush(); err != nil {
			return err
		}
		if !live {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RecoverStale transitions runs left in running state by a previous process
// to failed. Invoked once at process start, before any new run is accepted.
func (c *Controller) RecoverStale(ctx context.Context) error {
	ids, err := c.runs.FailRunning(ctx, "server restarted while agent was running")
	if err != nil {
		return fmt.Errorf("fail stale running runs: %w", err)
	}
	for _, id := range ids {
		c.logger.Warn(ctx, "recovered stale run from before restart", "run_id", id)
	}
	return nil
}

// Shutdown stops every run this instance supervises and waits for their
// supervisors to retire, bounded by the context.
func (c *Controller) Shutdown(ctx context.Context) error {
	keys, err := c.presence.Keys(ctx, instanceRunsPattern(c.instanceID))
	if err != nil {
		c.logger.Warn(ctx, "presence scan failed during shutdown", "err", err)
	}
	for _, key := range keys {
		runID, ok := runFromKey(key)
		if !ok {
			continue
		}
		if err := c.Stop(ctx, runID); err != nil {
			c.logger.Error(ctx, "stop during shutdown failed", "run_id", runID, "err", err)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeStatus persists a status transition, retrying with exponential
// backoff (base × 2ⁿ) because the store is the system of record.
func (c *Controller) writeStatus(ctx context.Context, runID string, upd run.StatusUpdate) error {
	var err error
	for attempt := 0; attempt < statusWriteAttempts; attempt++ {
		if attempt > 0 {
			wait := c.retryBase * (1 << (attempt - 1))
			c.logger.Warn(ctx, "retrying run status write",
				"run_id", runID, "attempt", attempt+1, "wait", wait.String(), "err", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = c.runs.UpdateStatus(ctx, runID, upd); err == nil {
			return nil
		}
	}
	return err
}

// signalStop closes the stop channel exactly once.
func (ar *activeRun) signalStop() {
	ar.stopOnce.Do(func() { close(ar.stop) })
}

// stopped reports whether a stop was signalled.
func (ar *activeRun) stopped() bool {
	select {
	case <-ar.stop:
		return true
	default:
		return false
	}
}

// controlChannel is the global control channel for a run.
func controlChannel(runID string) string {
	return "agent_run:" + runID + ":control"
}

// instanceControlChannel is the per-instance control channel for a run.
func instanceControlChannel(runID, instanceID string) string {
	return "agent_run:" + runID + ":control:" + instanceID
}

// activeRunKey is the presence key advertising that an instance supervises a
// run.
func activeRunKey(instanceID, runID string) string {
	return "active_run:" + instanceID + ":" + runID
}

// activeRunPattern matches the presence keys of every instance supervising a
// run.
func activeRunPattern(runID string) string {
	return "active_run:*:" + runID
}

// instanceRunsPattern matches the presence keys of every run supervised by an
// instance.
func instanceRunsPattern(instanceID string) string {
	return "active_run:" + instanceID + ":*"
}

// instanceFromKey extracts the instance id from a presence key.
func instanceFromKey(key string) (string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return "", false
	}
	return parts[1], true
}

// runFromKey extracts the run id from a presence key.
func runFromKey(key string) (string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return "", false
	}
	return parts[2], true
}

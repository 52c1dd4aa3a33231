package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"goa.design/agentflow/runtime/bus"
	"goa.design/agentflow/runtime/run"
	"goa.design/agentflow/runtime/stream"
)

// errStopped aborts the agent loop at the next inter-event checkpoint after a
// stop signal.
var errStopped = errors.New("agent run stopped")

// supervise is the background task owning one run: it wires the control
// subscription, drives the agent loop, persists the terminal transition and
// always retires presence and the in-memory registration on exit.
func (c *Controller) supervise(runID string, ar *activeRun) {
	defer c.wg.Done()
	ctx := context.Background()

	sub := c.subscribeControl(ctx, runID)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	watcherCtx, cancelWatcher := context.WithCancel(ctx)
	watcherDone := make(chan struct{})
	if sub != nil {
		go c.watchControl(watcherCtx, sub, runID, ar, watcherDone)
	} else {
		close(watcherDone)
	}

	// Stop requests cancel the loop context so blocking work (model stream
	// reads, store writes) unblocks promptly; the sink below discards
	// anything that still arrives afterwards.
	go func() {
		select {
		case <-ar.stop:
			cancelRun()
		case <-watcherCtx.Done():
		}
	}()

	var mirror stream.Sink
	if c.mirrorFor != nil {
		mirror = c.mirrorFor(runID)
	}

	var appended atomic.Int64
	sink := stream.SinkFunc(func(sctx context.Context, event stream.Event) error {
		if ar.stopped() {
			// Late results after STOP are discarded.
			return errStopped
		}
		ar.log.Append(event)
		if mirror != nil {
			if err := mirror.Send(sctx, event); err != nil {
				c.logger.Warn(sctx, "event mirror send failed", "run_id", runID, "err", err)
			}
		}
		if n := appended.Add(1); n%presenceRefreshEvery == 0 {
			if err := c.presence.Register(sctx, activeRunKey(c.instanceID, runID), c.presenceTTL); err != nil {
				c.logger.Warn(sctx, "presence refresh failed", "run_id", runID, "err", err)
			}
		}
		return nil
	})

	started := time.Now()
	err := c.loop(runCtx, ar.threadID, sink)

	switch {
	case ar.stopped() || errors.Is(err, errStopped):
		// Stop already wrote the terminal status; the log ends without a
		// synthetic completion event.
		c.logger.Info(ctx, "agent run stopped by signal", "run_id", runID,
			"duration", time.Since(started).String(), "events", ar.log.Len())

	case err != nil:
		c.logger.Error(ctx, "agent run failed", "run_id", runID, "err", err)
		ar.log.Append(stream.NewRunStatus("error", err.Error()))
		if werr := c.writeStatus(ctx, runID, run.StatusUpdate{
			Status:      run.StatusFailed,
			CompletedAt: time.Now().UTC(),
			Error:       fmt.Sprintf("%+v", err),
			Responses:   ar.log.Snapshot(0),
		}); werr != nil {
			c.logger.Error(ctx, "failed run status write exhausted retries", "run_id", runID, "err", werr)
		}
		c.announce(ctx, runID, TokenError)

	default:
		ar.log.Append(stream.NewRunStatus("completed", "Agent run completed successfully"))
		if werr := c.writeStatus(ctx, runID, run.StatusUpdate{
			Status:      run.StatusCompleted,
			CompletedAt: time.Now().UTC(),
			Responses:   ar.log.Snapshot(0),
		}); werr != nil {
			c.logger.Error(ctx, "completed run status write exhausted retries", "run_id", runID, "err", werr)
		}
		c.announce(ctx, runID, TokenEndStream)
		c.logger.Info(ctx, "agent run completed", "run_id", runID,
			"duration", time.Since(started).String(), "events", ar.log.Len())
	}

	cancelWatcher()
	<-watcherDone
	if sub != nil {
		if cerr := sub.Close(); cerr != nil {
			c.logger.Warn(ctx, "control subscription close failed", "run_id", runID, "err", cerr)
		}
	}
	if derr := c.presence.Delete(ctx, activeRunKey(c.instanceID, runID)); derr != nil {
		c.logger.Warn(ctx, "presence delete failed", "run_id", runID, "err", derr)
	}
	c.mu.Lock()
	delete(c.active, runID)
	c.mu.Unlock()
}

// subscribeControl opens the control subscription with retries. Failure of
// the global channel degrades to the instance channel alone; failure of both
// leaves the run controllable only through the local stop channel.
func (c *Controller) subscribeControl(ctx context.Context, runID string) bus.Subscription {
	instanceCh := instanceControlChannel(runID, c.instanceID)
	globalCh := controlChannel(runID)

	sub, err := c.subscribeWithRetry(ctx, instanceCh, globalCh)
	if err == nil {
		return sub
	}
	c.logger.Warn(ctx, "global control channel unavailable, falling back to instance channel",
		"run_id", runID, "err", err)

	sub, err = c.subscribeWithRetry(ctx, instanceCh)
	if err == nil {
		return sub
	}
	c.logger.Error(ctx, "control subscription unavailable, run only stoppable locally",
		"run_id", runID, "err", err)
	return nil
}

// subscribeWithRetry attempts the subscription up to three times with
// exponential backoff.
func (c *Controller) subscribeWithRetry(ctx context.Context, channels ...string) (bus.Subscription, error) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			wait := c.retryBase * (1 << (attempt - 1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		var sub bus.Subscription
		if sub, err = c.bus.Subscribe(ctx, channels...); err == nil {
			return sub, nil
		}
	}
	return nil, err
}

// watchControl polls the control subscription until a STOP arrives or the
// watcher is cancelled. Poll errors are logged and retried after a short
// pause so a transient bus failure does not orphan the watcher.
func (c *Controller) watchControl(ctx context.Context, sub bus.Subscription, runID string, ar *activeRun, done chan<- struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok, err := sub.Receive(ctx, c.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn(ctx, "control poll failed", "run_id", runID, "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if !ok {
			continue
		}
		if msg.Payload == TokenStop {
			c.logger.Info(ctx, "received stop signal", "run_id", runID, "instance", c.instanceID)
			ar.signalStop()
			return
		}
	}
}

// announce publishes a lifecycle token on both control channels. Failures
// are logged; announcements are best effort.
func (c *Controller) announce(ctx context.Context, runID, token string) {
	if err := c.bus.Publish(ctx, instanceControlChannel(runID, c.instanceID), token); err != nil {
		c.logger.Warn(ctx, "publish lifecycle token to instance channel failed",
			"run_id", runID, "token", token, "err", err)
	}
	if err := c.bus.Publish(ctx, controlChannel(runID), token); err != nil {
		c.logger.Warn(ctx, "publish lifecycle token to global channel failed",
			"run_id", runID, "token", token, "err", err)
	}
}

package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentflow/runtime/run"
	"goa.design/agentflow/runtime/stream"
)

func record(id, threadID, projectID string, status run.Status) run.Record {
	return run.Record{
		ID:        id,
		ThreadID:  threadID,
		ProjectID: projectID,
		Status:    status,
		StartedAt: time.Now().UTC(),
	}
}

func TestInsertLoad(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Insert(ctx, record("r1", "t1", "p1", run.StatusRunning)))

	rec, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusRunning, rec.Status)

	_, err = s.Load(ctx, "r2")
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestTerminalStatesAbsorbing(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Insert(ctx, record("r1", "t1", "p1", run.StatusRunning)))

	now := time.Now().UTC()
	require.NoError(t, s.UpdateStatus(ctx, "r1", run.StatusUpdate{Status: run.StatusStopped, CompletedAt: now}))

	// A second transition is a no-op on persisted state.
	require.NoError(t, s.UpdateStatus(ctx, "r1", run.StatusUpdate{Status: run.StatusCompleted}))
	rec, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusStopped, rec.Status)
	require.Equal(t, now, rec.CompletedAt)
}

func TestUpdateStoresResponses(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Insert(ctx, record("r1", "t1", "p1", run.StatusRunning)))

	events := []stream.Event{stream.NewContent("hi"), stream.NewFinish("stop")}
	require.NoError(t, s.UpdateStatus(ctx, "r1", run.StatusUpdate{
		Status:      run.StatusCompleted,
		CompletedAt: time.Now().UTC(),
		Responses:   events,
	}))
	rec, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rec.Responses, 2)
}

func TestActiveForProject(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Insert(ctx, record("r1", "t1", "p1", run.StatusCompleted)))
	require.NoError(t, s.Insert(ctx, record("r2", "t2", "p1", run.StatusRunning)))

	id, err := s.ActiveForProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "r2", id)

	id, err = s.ActiveForProject(ctx, "p2")
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestFailRunning(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Insert(ctx, record("r1", "t1", "p1", run.StatusRunning)))
	require.NoError(t, s.Insert(ctx, record("r2", "t2", "p2", run.StatusCompleted)))
	require.NoError(t, s.Insert(ctx, record("r3", "t3", "p3", run.StatusRunning)))

	failed, err := s.FailRunning(ctx, "server restarted while agent was running")
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r3"}, failed)

	rec, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, rec.Status)
	require.Equal(t, "server restarted while agent was running", rec.Error)
	require.False(t, rec.CompletedAt.IsZero())

	rec, err = s.Load(ctx, "r2")
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, rec.Status)
}

func TestListByThread(t *testing.T) {
	ctx := context.Background()
	s := New()
	older := record("r1", "t1", "p1", run.StatusCompleted)
	older.StartedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Insert(ctx, older))
	require.NoError(t, s.Insert(ctx, record("r2", "t1", "p1", run.StatusRunning)))
	require.NoError(t, s.Insert(ctx, record("r3", "other", "p1", run.StatusRunning)))

	recs, err := s.ListByThread(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "r2", recs[0].ID, "newest first")
}

// Package run defines the durable agent run record and its store contract.
//
// A run is one supervised execution of the agent loop against a thread. The
// store is the system of record for external observers: status transitions
// are what UIs and other instances poll, which is why the controller retries
// status writes with backoff.
package run

import (
	"context"
	"errors"
	"time"

	"goa.design/agentflow/runtime/stream"
)

type (
	// Status is the coarse-grained lifecycle state of a run.
	Status string

	// Record captures the persistent metadata of an agent run. Terminal
	// records additionally carry the serialized event log so late readers
	// can replay a finished run without the in-memory log.
	Record struct {
		// ID uniquely identifies the run.
		ID string

		// ThreadID is the conversation thread the run executes against.
		ThreadID string

		// ProjectID is the project owning the thread. At most one run per
		// project may be running at any time.
		ProjectID string

		// Status is the current lifecycle state.
		Status Status

		// StartedAt records when the run began.
		StartedAt time.Time

		// CompletedAt records when the run reached a terminal state.
		CompletedAt time.Time

		// Error carries the failure message for failed runs.
		Error string

		// Responses is the ordered event log persisted on completion.
		Responses []stream.Event
	}

	// Store persists run records.
	Store interface {
		// Insert persists a new run record.
		Insert(ctx context.Context, rec Record) error

		// Load retrieves a run by id. Returns ErrNotFound when absent.
		Load(ctx context.Context, runID string) (Record, error)

		// UpdateStatus transitions a run and records terminal metadata.
		// Responses may be nil to leave the persisted log untouched.
		UpdateStatus(ctx context.Context, runID string, upd StatusUpdate) error

		// ListByThread returns all runs for a thread, newest first.
		ListByThread(ctx context.Context, threadID string) ([]Record, error)

		// ActiveForProject returns the id of the running run in a project,
		// or "" when none is running.
		ActiveForProject(ctx context.Context, projectID string) (string, error)

		// FailRunning transitions every running run to failed with the
		// given error. Used by crash recovery at process start. Returns the
		// ids transitioned.
		FailRunning(ctx context.Context, errMsg string) ([]string, error)
	}

	// StatusUpdate carries the fields of a status transition.
	StatusUpdate struct {
		// Status is the new lifecycle state.
		Status Status

		// CompletedAt is the completion time for terminal transitions.
		CompletedAt time.Time

		// Error is the failure message for failed transitions.
		Error string

		// Responses is the serialized event log, nil to leave unchanged.
		Responses []stream.Event
	}
)

const (
	// StatusRunning indicates the run is actively executing.
	StatusRunning Status = "running"

	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the run failed permanently.
	StatusFailed Status = "failed"

	// StatusStopped indicates the run was stopped externally.
	StatusStopped Status = "stopped"
)

// ErrNotFound indicates that no run record exists for the given identifier.
var ErrNotFound = errors.New("run not found")

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

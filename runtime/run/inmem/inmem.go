// Package inmem provides an in-memory implementation of run.Store for tests
// and local development.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/agentflow/runtime/run"
)

// Store implements run.Store in memory.
type Store struct {
	mu   sync.Mutex
	runs map[string]run.Record
}

// New returns an empty in-memory run store.
func New() *Store {
	return &Store{runs: make(map[string]run.Record)}
}

// Insert implements run.Store.
func (s *Store) Insert(_ context.Context, rec run.Record) error {
	s.mu.Lock()
	s.runs[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

// Load implements run.Store.
func (s *Store) Load(_ context.Context, runID string) (run.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return run.Record{}, run.ErrNotFound
	}
	return rec, nil
}

// UpdateStatus implements run.Store. Terminal states are absorbing: updating
// an already-terminal run is a no-op so stop stays idempotent.
func (s *Store) UpdateStatus(_ context.Context, runID string, upd run.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return run.ErrNotFound
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = upd.Status
	if !upd.CompletedAt.IsZero() {
		rec.CompletedAt = upd.CompletedAt
	}
	if upd.Error != "" {
		rec.Error = upd.Error
	}
	if upd.Responses != nil {
		rec.Responses = upd.Responses
	}
	s.runs[runID] = rec
	return nil
}

// ListByThread implements run.Store.
func (s *Store) ListByThread(_ context.Context, threadID string) ([]run.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []run.Record
	for _, rec := range s.runs {
		if rec.ThreadID == threadID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// ActiveForProject implements run.Store.
func (s *Store) ActiveForProject(_ context.Context, projectID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.runs {
		if rec.ProjectID == projectID && rec.Status == run.StatusRunning {
			return id, nil
		}
	}
	return "", nil
}

// FailRunning implements run.Store.
func (s *Store) FailRunning(ctx context.Context, errMsg string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []string
	for id, rec := range s.runs {
		if rec.Status != run.StatusRunning {
			continue
		}
		rec.Status = run.StatusFailed
		rec.Error = errMsg
		rec.CompletedAt = time.Now().UTC()
		s.runs[id] = rec
		failed = append(failed, id)
	}
	sort.Strings(failed)
	return failed, nil
}

// Package inmem provides an in-memory implementation of thread.Store for
// tests and local development. It is not durable.
package inmem

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"goa.design/agentflow/runtime/thread"
)

type record struct {
	projectID string
	messages  []thread.Message
}

// Store implements thread.Store in memory.
type Store struct {
	mu      sync.Mutex
	threads map[string]*record
}

// New returns an empty in-memory thread store.
func New() *Store {
	return &Store{threads: make(map[string]*record)}
}

// CreateThread implements thread.Store.
func (s *Store) CreateThread(_ context.Context, projectID string) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	s.threads[id] = &record{projectID: projectID}
	s.mu.Unlock()
	return id, nil
}

// ProjectID implements thread.Store.
func (s *Store) ProjectID(_ context.Context, threadID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.threads[threadID]
	if !ok {
		return "", thread.ErrNotFound
	}
	return rec.projectID, nil
}

// AppendMessage implements thread.Store. User messages trigger the repair
// routine first so dangling tool calls are answered before new input lands.
func (s *Store) AppendMessage(_ context.Context, threadID string, msg thread.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.threads[threadID]
	if !ok {
		return thread.ErrNotFound
	}
	if msg.Role == thread.RoleUser {
		rec.messages, _ = thread.Repair(rec.messages)
	}
	rec.messages = append(rec.messages, msg)
	return nil
}

// UpdateLastAssistant implements thread.Store.
func (s *Store) UpdateLastAssistant(_ context.Context, threadID string, msg thread.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.threads[threadID]
	if !ok {
		return thread.ErrNotFound
	}
	for i := len(rec.messages) - 1; i >= 0; i-- {
		if rec.messages[i].Role == thread.RoleAssistant {
			rec.messages[i] = msg
			return nil
		}
	}
	rec.messages = append(rec.messages, msg)
	return nil
}

// ListMessages implements thread.Store.
func (s *Store) ListMessages(_ context.Context, threadID string, filter thread.ListFilter) ([]thread.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.threads[threadID]
	if !ok {
		return nil, thread.ErrNotFound
	}
	msgs := make([]thread.Message, len(rec.messages))
	copy(msgs, rec.messages)
	return thread.ApplyFilter(msgs, filter), nil
}

// RepairIncompleteToolCalls implements thread.Store.
func (s *Store) RepairIncompleteToolCalls(_ context.Context, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.threads[threadID]
	if !ok {
		return false, thread.ErrNotFound
	}
	var repaired bool
	rec.messages, repaired = thread.Repair(rec.messages)
	return repaired, nil
}

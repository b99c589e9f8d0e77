package store

import (
	"context"
	"sort"
	"sync"

	"github.com/arcov/conclave/internal/execution"
)

// MemoryStore is an in-memory Store used in tests and single-process setups.
// It enforces the same active-execution uniqueness as the SQLite store.
type MemoryStore struct {
	mu           sync.Mutex
	executions   map[string]*execution.Execution
	interactions map[string]*Interaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:   make(map[string]*execution.Execution),
		interactions: make(map[string]*Interaction),
	}
}

func (s *MemoryStore) activeFor(agentID, userID, sessionID, excludeID string) *execution.Execution {
	for _, e := range s.executions {
		if e.ID == excludeID {
			continue
		}
		if e.AgentID == agentID && e.UserID == userID && e.SessionID == sessionID &&
			e.ParentExecutionID == "" && e.Status == execution.StatusExecuting {
			return e
		}
	}
	return nil
}

func copyExecution(e *execution.Execution) *execution.Execution {
	dup := *e
	dup.Metadata = make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		dup.Metadata[k] = v
	}
	return &dup
}

// CreateExecution stores a new execution, rejecting duplicates of the
// active key with *ConflictError.
func (s *MemoryStore) CreateExecution(ctx context.Context, exec *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.Status == execution.StatusExecuting && exec.ParentExecutionID == "" {
		if active := s.activeFor(exec.AgentID, exec.UserID, exec.SessionID, exec.ID); active != nil {
			return &ConflictError{ActiveID: active.ID}
		}
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

// UpdateExecution stores the new state, enforcing the active-key constraint.
func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.Status == execution.StatusExecuting && exec.ParentExecutionID == "" {
		if active := s.activeFor(exec.AgentID, exec.UserID, exec.SessionID, exec.ID); active != nil {
			return &ConflictError{ActiveID: active.ID}
		}
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

// GetExecution returns a copy of the stored execution.
func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	return copyExecution(e), nil
}

// ListChildren returns the executions spawned under the given parent.
func (s *MemoryStore) ListChildren(ctx context.Context, parentID string) ([]*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*execution.Execution
	for _, e := range s.executions {
		if e.ParentExecutionID == parentID {
			out = append(out, copyExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindActiveExecution returns the non-terminal execution for the key, or nil.
func (s *MemoryStore) FindActiveExecution(ctx context.Context, agentID, userID, sessionID string) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.executions {
		if e.AgentID == agentID && e.UserID == userID && e.SessionID == sessionID &&
			e.ParentExecutionID == "" && !e.Status.Terminal() {
			return copyExecution(e), nil
		}
	}
	return nil, nil
}

// CreateInteraction stores a new interaction.
func (s *MemoryStore) CreateInteraction(ctx context.Context, in *Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *in
	s.interactions[in.ID] = &dup
	return nil
}

// AttachSources replaces the source set on an interaction.
func (s *MemoryStore) AttachSources(ctx context.Context, interactionID string, sources []execution.SourceLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.interactions[interactionID]; ok {
		in.Sources = append([]execution.SourceLink(nil), sources...)
	}
	return nil
}

// RecentInteractions returns the newest limit interactions for the key,
// oldest first.
func (s *MemoryStore) RecentInteractions(ctx context.Context, agentID, userID, sessionID string, limit int) ([]*Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Interaction
	for _, in := range s.interactions {
		if in.AgentID == agentID && in.UserID == userID && in.SessionID == sessionID {
			dup := *in
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// GetInteraction returns the stored interaction, or nil.
func (s *MemoryStore) GetInteraction(id string) *Interaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactions[id]
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

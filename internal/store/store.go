// Package store provides persistence for executions and interactions.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/arcov/conclave/internal/execution"
)

// ConflictError reports that an active execution already exists for the
// same (agent, user, session) key. It is a typed result, not a generic
// error, so callers can choose to supersede or reuse.
type ConflictError struct {
	ActiveID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("active execution already exists: %s", e.ActiveID)
}

// Interaction is the user-visible record one execution belongs to.
type Interaction struct {
	ID        string
	UserID    string
	AgentID   string
	SessionID string
	Query     string
	Answer    string
	Sources   []execution.SourceLink
	CreatedAt time.Time
}

// Store persists executions and interactions. Implementations must enforce
// at most one executing root record per (agent, user, session) atomically
// and surface violations as *ConflictError. Workflow children are exempt
// from the constraint.
type Store interface {
	CreateExecution(ctx context.Context, exec *execution.Execution) error
	UpdateExecution(ctx context.Context, exec *execution.Execution) error
	GetExecution(ctx context.Context, id string) (*execution.Execution, error)
	ListChildren(ctx context.Context, parentID string) ([]*execution.Execution, error)
	FindActiveExecution(ctx context.Context, agentID, userID, sessionID string) (*execution.Execution, error)

	CreateInteraction(ctx context.Context, in *Interaction) error
	AttachSources(ctx context.Context, interactionID string, sources []execution.SourceLink) error
	// RecentInteractions returns the newest interactions for the key,
	// oldest first, at most limit of them.
	RecentInteractions(ctx context.Context, agentID, userID, sessionID string, limit int) ([]*Interaction, error)

	Close() error
}

// Package execution defines the agent-invocation record and its lifecycle model.
package execution

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an execution.
type Status string

const (
	StatusPending           Status = "pending"
	StatusExecuting         Status = "executing"
	StatusAwaitingSynthesis Status = "awaiting_synthesis"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the closed set of legal status moves. AwaitingSynthesis is
// the only path back to a terminal success after orchestration.
var transitions = map[Status][]Status{
	StatusPending:           {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting:         {StatusExecuting, StatusCompleted, StatusAwaitingSynthesis, StatusFailed, StatusCancelled},
	StatusAwaitingSynthesis: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Metadata keys written by the engine.
const (
	MetaToolCallsCount   = "tool_calls_count"
	MetaLastToolName     = "last_tool_name"
	MetaBatchID          = "batch_id"
	MetaWorkflowPlan     = "workflow_plan"
	MetaSourceLinks      = "source_links"
	MetaCompletionReason = "completion_reason"
	MetaMaxSteps         = "max_steps"
	MetaFailedTools      = "failed_tools"
	MetaFailedNodes      = "failed_nodes"
	MetaNodeIndex        = "node_index"
	MetaRetryAttempts    = "retry_attempts"
)

// CompletionDepthLimit marks an execution completed because the tool-call
// chain hit its step budget. This is success, not failure.
const CompletionDepthLimit = "depth_limit_reached"

// Execution is one agent invocation and its lifecycle record.
type Execution struct {
	ID                string
	AgentID           string
	UserID            string
	SessionID         string
	ParentExecutionID string
	Input             string
	Output            string
	Status            Status
	StepCount         int
	MaxSteps          int
	Metadata          map[string]any
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
}

// New creates a pending execution.
func New(agentID, userID, sessionID, input string, maxSteps int) *Execution {
	return &Execution{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		UserID:    userID,
		SessionID: sessionID,
		Input:     input,
		Status:    StatusPending,
		MaxSteps:  maxSteps,
		Metadata:  make(map[string]any),
		CreatedAt: time.Now().UTC(),
	}
}

// SetMeta writes one metadata entry, allocating the map if needed.
func (e *Execution) SetMeta(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
}

// ToolCallEvent records one tool invocation requested by the model.
type ToolCallEvent struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultEvent records the outcome of one tool invocation.
type ToolResultEvent struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error,omitempty"`
}

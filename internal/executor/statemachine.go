package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/arcov/conclave/internal/actions"
	"github.com/arcov/conclave/internal/execution"
	"github.com/arcov/conclave/internal/llm"
	"github.com/arcov/conclave/internal/logging"
	"github.com/arcov/conclave/internal/status"
	"github.com/arcov/conclave/internal/store"
)

// StateMachine owns the lifecycle of executions: legal status transitions,
// persistence, post-action side effects, and terminal broadcasts. One
// instance serves all executions; per-execution state lives on the record.
type StateMachine struct {
	Store    store.Store
	Reporter status.Reporter
	Actions  *actions.Registry
	Logger   *logging.Logger
}

// NewStateMachine wires a state machine over the given collaborators.
func NewStateMachine(st store.Store, reporter status.Reporter, registry *actions.Registry, logger *logging.Logger) *StateMachine {
	return &StateMachine{
		Store:    st,
		Reporter: reporter,
		Actions:  registry,
		Logger:   logger.WithComponent("statemachine"),
	}
}

func (m *StateMachine) transition(exec *execution.Execution, to execution.Status) error {
	if !execution.CanTransition(exec.Status, to) {
		return fmt.Errorf("illegal transition %s -> %s for execution %s", exec.Status, to, exec.ID)
	}
	exec.Status = to
	return nil
}

// Start moves a pending execution to executing. A store conflict for the
// (agent, user, session) key surfaces as *store.ConflictError.
func (m *StateMachine) Start(ctx context.Context, exec *execution.Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.transition(exec, execution.StatusExecuting); err != nil {
		return err
	}
	now := time.Now().UTC()
	exec.StartedAt = &now

	if err := m.Store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	m.Logger.ExecutionStart(exec.ID, exec.AgentID)
	m.Reporter.Publish(ctx, exec.ID, "execution started", map[string]any{
		"agent_id": exec.AgentID,
	}, true)
	return nil
}

// AdvanceStep records one model step. The step count grows by one per
// tool-call request in the step and never exceeds MaxSteps.
func (m *StateMachine) AdvanceStep(ctx context.Context, exec *execution.Execution, step llm.Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if exec.Status != execution.StatusExecuting {
		return fmt.Errorf("cannot advance execution %s in status %s", exec.ID, exec.Status)
	}

	exec.StepCount += len(step.ToolCalls)
	if exec.StepCount > exec.MaxSteps {
		exec.StepCount = exec.MaxSteps
	}
	if n := len(step.ToolCalls); n > 0 {
		exec.SetMeta(execution.MetaToolCallsCount, countMeta(exec, execution.MetaToolCallsCount)+n)
		exec.SetMeta(execution.MetaLastToolName, step.ToolCalls[n-1].Name)
	}

	if err := m.Store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	for _, tc := range step.ToolCalls {
		m.Reporter.Publish(ctx, exec.ID, "tool call", map[string]any{
			"tool": tc.Name,
			"step": exec.StepCount,
		}, false)
	}
	return nil
}

// AwaitSynthesis parks an execution whose output was a workflow plan. The
// plan view-model and batch id are recorded for UI display.
func (m *StateMachine) AwaitSynthesis(ctx context.Context, exec *execution.Execution, planJSON, batchID string) error {
	if err := m.transition(exec, execution.StatusAwaitingSynthesis); err != nil {
		return err
	}
	exec.SetMeta(execution.MetaWorkflowPlan, planJSON)
	exec.SetMeta(execution.MetaBatchID, batchID)

	if err := m.Store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	m.Reporter.Publish(ctx, exec.ID, "workflow dispatched", map[string]any{
		"batch_id": batchID,
	}, true)
	return nil
}

// Complete settles an execution successfully. Configured post-actions run
// synchronously over the answer before the state is considered settled.
func (m *StateMachine) Complete(ctx context.Context, exec *execution.Execution, answer string, meta map[string]any, post []actions.Step) error {
	if err := m.transition(exec, execution.StatusCompleted); err != nil {
		return err
	}
	for k, v := range meta {
		exec.SetMeta(k, v)
	}

	answer = m.runPostActions(ctx, exec, answer, post)
	exec.Output = answer
	now := time.Now().UTC()
	exec.CompletedAt = &now

	if err := m.Store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	m.logTerminal(exec)
	m.Reporter.Publish(ctx, exec.ID, "execution completed", map[string]any{
		"final_answer": answer,
		"metadata":     exec.Metadata,
		"sources":      exec.Metadata[execution.MetaSourceLinks],
	}, true)
	return nil
}

// Fail settles an execution with a sanitized failure message. Post-actions
// still run so side effects like webhook delivery observe failures too.
func (m *StateMachine) Fail(ctx context.Context, exec *execution.Execution, cause error, meta map[string]any, post []actions.Step) error {
	if err := m.transition(exec, execution.StatusFailed); err != nil {
		return err
	}
	for k, v := range meta {
		exec.SetMeta(k, v)
	}

	sanitized := SanitizeErrorMessage(cause.Error())
	exec.Output = sanitized
	m.runPostActions(ctx, exec, sanitized, post)
	now := time.Now().UTC()
	exec.CompletedAt = &now

	if err := m.Store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	m.logTerminal(exec)
	m.Reporter.Publish(ctx, exec.ID, "execution failed", map[string]any{
		"error":    sanitized,
		"metadata": exec.Metadata,
	}, true)
	return nil
}

// Cancel marks an execution superseded by a newer request for the same
// (agent, user, session) key.
func (m *StateMachine) Cancel(ctx context.Context, exec *execution.Execution) error {
	if err := m.transition(exec, execution.StatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	exec.CompletedAt = &now

	if err := m.Store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	m.logTerminal(exec)
	m.Reporter.Publish(ctx, exec.ID, "execution cancelled", nil, true)
	return nil
}

// runPostActions applies the configured pipeline. Critical failures are
// logged but never un-settle the execution.
func (m *StateMachine) runPostActions(ctx context.Context, exec *execution.Execution, data string, post []actions.Step) string {
	if m.Actions == nil || len(post) == 0 {
		return data
	}
	out, err := m.Actions.RunPipeline(ctx, post, data, actions.Context{
		ExecutionID: exec.ID,
		AgentID:     exec.AgentID,
		UserID:      exec.UserID,
		SessionID:   exec.SessionID,
	})
	if err != nil {
		m.Logger.Warn("post-action pipeline failed", map[string]interface{}{
			"execution": exec.ID,
			"error":     err.Error(),
		})
		return data
	}
	return out
}

func (m *StateMachine) logTerminal(exec *execution.Execution) {
	duration := time.Duration(0)
	if exec.StartedAt != nil && exec.CompletedAt != nil {
		duration = exec.CompletedAt.Sub(*exec.StartedAt)
	}
	m.Logger.ExecutionComplete(exec.ID, duration, string(exec.Status))
}

func countMeta(exec *execution.Execution, key string) int {
	switch v := exec.Metadata[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

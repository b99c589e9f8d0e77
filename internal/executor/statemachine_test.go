package executor

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/arcov/conclave/internal/execution"
	"github.com/arcov/conclave/internal/llm"
	"github.com/arcov/conclave/internal/logging"
	"github.com/arcov/conclave/internal/status"
	"github.com/arcov/conclave/internal/store"
)

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestMachine(t *testing.T) (*StateMachine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewStateMachine(st, status.NopReporter{}, nil, quietLogger()), st
}

func startedExecution(t *testing.T, m *StateMachine, st *store.MemoryStore) *execution.Execution {
	t.Helper()
	exec := execution.New("agent", "user", "session", "question", 10)
	if err := st.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Start(context.Background(), exec); err != nil {
		t.Fatalf("start: %v", err)
	}
	return exec
}

func TestStateMachineStart(t *testing.T) {
	m, st := newTestMachine(t)
	exec := startedExecution(t, m, st)

	if exec.Status != execution.StatusExecuting {
		t.Errorf("expected executing, got %s", exec.Status)
	}
	if exec.StartedAt == nil {
		t.Error("expected started timestamp")
	}

	stored, _ := st.GetExecution(context.Background(), exec.ID)
	if stored.Status != execution.StatusExecuting {
		t.Errorf("stored status %s, want executing", stored.Status)
	}
}

func TestStateMachineRejectsIllegalTransition(t *testing.T) {
	m, st := newTestMachine(t)
	exec := startedExecution(t, m, st)

	if err := m.Complete(context.Background(), exec, "done", nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := m.Start(context.Background(), exec); err == nil {
		t.Error("expected error restarting a completed execution")
	}
	if err := m.Fail(context.Background(), exec, errors.New("late"), nil, nil); err == nil {
		t.Error("expected error failing a completed execution")
	}
}

func TestAdvanceStepCountsToolCalls(t *testing.T) {
	m, st := newTestMachine(t)
	exec := startedExecution(t, m, st)

	step := llm.Step{
		ToolCalls: []llm.ToolCall{
			{ID: "1", Name: "web_search"},
			{ID: "2", Name: "web_fetch"},
		},
		ToolResults: []llm.ToolResult{
			{ID: "1", Name: "web_search", Content: "ok"},
			{ID: "2", Name: "web_fetch", Content: "ok"},
		},
	}
	if err := m.AdvanceStep(context.Background(), exec, step); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if exec.StepCount != 2 {
		t.Errorf("step count %d, want 2", exec.StepCount)
	}
	if exec.Metadata[execution.MetaLastToolName] != "web_fetch" {
		t.Errorf("last tool %v, want web_fetch", exec.Metadata[execution.MetaLastToolName])
	}
	if exec.Metadata[execution.MetaToolCallsCount] != 2 {
		t.Errorf("tool calls count %v, want 2", exec.Metadata[execution.MetaToolCallsCount])
	}
}

func TestAdvanceStepNeverExceedsMaxSteps(t *testing.T) {
	m, st := newTestMachine(t)
	exec := startedExecution(t, m, st)
	exec.MaxSteps = 3

	calls := make([]llm.ToolCall, 5)
	for i := range calls {
		calls[i] = llm.ToolCall{ID: "c", Name: "web_search"}
	}
	if err := m.AdvanceStep(context.Background(), exec, llm.Step{ToolCalls: calls}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if exec.StepCount > exec.MaxSteps {
		t.Errorf("step count %d exceeds max %d", exec.StepCount, exec.MaxSteps)
	}
}

func TestAdvanceStepRequiresExecuting(t *testing.T) {
	m, st := newTestMachine(t)
	exec := startedExecution(t, m, st)
	if err := m.Cancel(context.Background(), exec); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := m.AdvanceStep(context.Background(), exec, llm.Step{}); err == nil {
		t.Error("expected error advancing a cancelled execution")
	}
}

func TestAwaitSynthesisThenComplete(t *testing.T) {
	m, st := newTestMachine(t)
	exec := startedExecution(t, m, st)

	if err := m.AwaitSynthesis(context.Background(), exec, `{"strategy_type":"parallel"}`, "batch-1"); err != nil {
		t.Fatalf("await: %v", err)
	}
	if exec.Status != execution.StatusAwaitingSynthesis {
		t.Errorf("status %s, want awaiting_synthesis", exec.Status)
	}
	if exec.Metadata[execution.MetaBatchID] != "batch-1" {
		t.Errorf("batch id %v, want batch-1", exec.Metadata[execution.MetaBatchID])
	}

	if err := m.Complete(context.Background(), exec, "synthesized", nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if exec.Output != "synthesized" || exec.CompletedAt == nil {
		t.Errorf("unexpected completion state: %+v", exec)
	}
}

func TestFailSanitizesCause(t *testing.T) {
	m, st := newTestMachine(t)
	exec := startedExecution(t, m, st)

	cause := errors.New("open /etc/conclave/secrets.toml: token=abcd1234 denied")
	if err := m.Fail(context.Background(), exec, cause, nil, nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if exec.Status != execution.StatusFailed {
		t.Errorf("status %s, want failed", exec.Status)
	}
	for _, leaked := range []string{"/etc/conclave", "token=abcd1234"} {
		if strings.Contains(exec.Output, leaked) {
			t.Errorf("failure output leaks %q: %q", leaked, exec.Output)
		}
	}
}

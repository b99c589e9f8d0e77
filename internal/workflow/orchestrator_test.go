package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arcov/conclave/internal/execution"
	"github.com/arcov/conclave/internal/status"
)

// recordingRunner answers each node with a scripted response per agent id.
type recordingRunner struct {
	mu      sync.Mutex
	inputs  []string
	answers map[string]string
	fail    map[string]bool
}

func (r *recordingRunner) RunChild(ctx context.Context, parent *execution.Execution, node Node, nodeIndex int) ChildOutcome {
	r.mu.Lock()
	r.inputs = append(r.inputs, node.Input)
	r.mu.Unlock()

	if r.fail[node.AgentID] {
		return ChildOutcome{NodeIndex: nodeIndex, AgentID: node.AgentID, Failed: true, Error: "scripted failure"}
	}
	answer := r.answers[node.AgentID]
	if answer == "" {
		answer = "answer from " + node.AgentID
	}
	return ChildOutcome{NodeIndex: nodeIndex, AgentID: node.AgentID, Answer: answer}
}

func newTestOrchestrator(runner ChildRunner) (*Orchestrator, *Coordinator) {
	coord := NewCoordinator(quietLogger())
	return NewOrchestrator(runner, coord, status.NopReporter{}, quietLogger()), coord
}

func settle(t *testing.T, o *Orchestrator, plan *Plan) []ChildOutcome {
	t.Helper()
	parent := execution.New("coordinator", "u", "s", "query", 25)

	done := make(chan []ChildOutcome, 1)
	batchID, err := o.Execute(context.Background(), plan, parent, func(_ string, outcomes []ChildOutcome) {
		done <- outcomes
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if batchID == "" {
		t.Fatal("expected batch id")
	}

	select {
	case outcomes := <-done:
		return outcomes
	case <-time.After(5 * time.Second):
		t.Fatal("batch never settled")
		return nil
	}
}

func TestOrchestratorParallel(t *testing.T) {
	runner := &recordingRunner{}
	o, _ := newTestOrchestrator(runner)

	plan := &Plan{
		StrategyType: StrategyParallel,
		Stages: []Stage{{Type: StageParallel, Nodes: []Node{
			{AgentID: "a", Input: "task a"},
			{AgentID: "b", Input: "task b"},
			{AgentID: "c", Input: "task c"},
		}}},
	}

	outcomes := settle(t, o, plan)
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for i, oc := range outcomes {
		if oc.NodeIndex != i || oc.Failed {
			t.Errorf("outcome %d: %+v", i, oc)
		}
	}
}

func TestOrchestratorSequentialCarriesContext(t *testing.T) {
	runner := &recordingRunner{answers: map[string]string{"first": "FIRST RESULT"}}
	o, _ := newTestOrchestrator(runner)

	plan := &Plan{
		StrategyType: StrategySequential,
		Stages: []Stage{
			{Type: StageSequential, Nodes: []Node{{AgentID: "first", Input: "step one"}}},
			{Type: StageSequential, Nodes: []Node{{AgentID: "second", Input: "step two"}}},
		},
	}

	settle(t, o, plan)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.inputs) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(runner.inputs))
	}
	if !strings.Contains(runner.inputs[1], "FIRST RESULT") {
		t.Errorf("second stage missing carried context: %q", runner.inputs[1])
	}
	if strings.Contains(runner.inputs[0], "Context from") {
		t.Errorf("first stage should have no carried context: %q", runner.inputs[0])
	}
}

func TestOrchestratorNodeFailureDoesNotAbort(t *testing.T) {
	runner := &recordingRunner{fail: map[string]bool{"b": true}}
	o, _ := newTestOrchestrator(runner)

	plan := &Plan{
		StrategyType: StrategyParallel,
		Stages: []Stage{{Type: StageParallel, Nodes: []Node{
			{AgentID: "a", Input: "x"},
			{AgentID: "b", Input: "y"},
			{AgentID: "c", Input: "z"},
		}}},
	}

	outcomes := settle(t, o, plan)
	failed := 0
	for _, oc := range outcomes {
		if oc.Failed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("expected exactly 1 failed outcome, got %d", failed)
	}
}

func TestOrchestratorMixedFailedStageYieldsEmptyCarry(t *testing.T) {
	runner := &recordingRunner{fail: map[string]bool{"first": true}}
	o, _ := newTestOrchestrator(runner)

	plan := &Plan{
		StrategyType: StrategyMixed,
		Stages: []Stage{
			{Type: StageSequential, Nodes: []Node{{AgentID: "first", Input: "one"}}},
			{Type: StageParallel, Nodes: []Node{
				{AgentID: "a", Input: "two"},
				{AgentID: "b", Input: "three"},
			}},
		},
	}

	settle(t, o, plan)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, in := range runner.inputs[1:] {
		if strings.Contains(in, "Context from") {
			t.Errorf("failed stage leaked context: %q", in)
		}
	}
}

// countingRunner records the peak number of children in flight at once.
type countingRunner struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (r *countingRunner) RunChild(ctx context.Context, parent *execution.Execution, node Node, nodeIndex int) ChildOutcome {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.peak {
		r.peak = r.inFlight
	}
	r.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
	return ChildOutcome{NodeIndex: nodeIndex, AgentID: node.AgentID, Answer: "ok"}
}

func TestOrchestratorBoundsStageConcurrency(t *testing.T) {
	runner := &countingRunner{}
	o, _ := newTestOrchestrator(runner)
	o.Concurrency = 2

	nodes := make([]Node, 6)
	for i := range nodes {
		nodes[i] = Node{AgentID: "a", Input: "x"}
	}
	plan := &Plan{
		StrategyType: StrategyParallel,
		Stages:       []Stage{{Type: StageParallel, Nodes: nodes}},
	}

	settle(t, o, plan)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.peak > 2 {
		t.Errorf("peak concurrency %d exceeds bound 2", runner.peak)
	}
}

func TestOrchestratorCancelledContextStillSettles(t *testing.T) {
	runner := &recordingRunner{}
	o, _ := newTestOrchestrator(runner)

	plan := &Plan{
		StrategyType: StrategyMixed,
		Stages: []Stage{
			{Type: StageSequential, Nodes: []Node{{AgentID: "a", Input: "one"}}},
			{Type: StageSequential, Nodes: []Node{{AgentID: "b", Input: "two"}}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	parent := execution.New("coordinator", "u", "s", "query", 25)
	done := make(chan []ChildOutcome, 1)
	if _, err := o.Execute(ctx, plan, parent, func(_ string, outcomes []ChildOutcome) {
		done <- outcomes
	}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	select {
	case outcomes := <-done:
		if len(outcomes) != 2 {
			t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
		}
		for _, oc := range outcomes {
			if !oc.Failed {
				t.Errorf("cancelled node should be failed: %+v", oc)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled workflow never settled its batch")
	}
}

func TestOrchestratorRejectsInvalidPlan(t *testing.T) {
	o, _ := newTestOrchestrator(&recordingRunner{})
	parent := execution.New("coordinator", "u", "s", "q", 25)
	_, err := o.Execute(context.Background(), &Plan{StrategyType: "bogus"}, parent, func(string, []ChildOutcome) {})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

package workflow

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/arcov/conclave/internal/execution"
	"github.com/arcov/conclave/internal/logging"
	"github.com/arcov/conclave/internal/status"
)

// defaultConcurrency bounds how many children of one stage run at once.
const defaultConcurrency = 8

// ChildRunner runs one delegated node as a child execution and reports its
// terminal outcome. It never returns an error: a failed child is an outcome
// with Failed set, not a dispatch failure.
type ChildRunner interface {
	RunChild(ctx context.Context, parent *execution.Execution, node Node, nodeIndex int) ChildOutcome
}

// Orchestrator turns a validated plan into dispatched child executions,
// stage by stage, feeding terminal outcomes to the batch coordinator.
type Orchestrator struct {
	Runner      ChildRunner
	Coordinator *Coordinator
	Reporter    status.Reporter
	Logger      *logging.Logger
	Concurrency int
}

// NewOrchestrator wires an orchestrator over a child runner.
func NewOrchestrator(runner ChildRunner, coord *Coordinator, reporter status.Reporter, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		Runner:      runner,
		Coordinator: coord,
		Reporter:    reporter,
		Logger:      logger.WithComponent("orchestrator"),
		Concurrency: defaultConcurrency,
	}
}

// Execute validates the plan, registers a batch covering every node, and
// dispatches the stages in the background. The batch settles exactly once
// when all children are terminal, including children never started because
// the context was cancelled mid-workflow.
func (o *Orchestrator) Execute(ctx context.Context, plan *Plan, parent *execution.Execution, onSettle SettleFunc) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}

	batchID := uuid.NewString()
	o.Coordinator.Track(batchID, plan.NodeCount(), onSettle)
	o.Logger.Info("workflow dispatched", map[string]interface{}{
		"batch_id": batchID,
		"parent":   parent.ID,
		"strategy": string(plan.StrategyType),
		"nodes":    plan.NodeCount(),
	})
	o.Reporter.Publish(ctx, parent.ID, "delegating to specialist agents", map[string]any{
		"batch_id": batchID,
		"strategy": string(plan.StrategyType),
		"nodes":    plan.NodeCount(),
	}, true)

	go o.runStages(ctx, plan, parent, batchID)
	return batchID, nil
}

// runStages walks the plan's stages in order. Each stage's successful
// answers become context for the next stage's nodes.
func (o *Orchestrator) runStages(ctx context.Context, plan *Plan, parent *execution.Execution, batchID string) {
	nodeIndex := 0
	carried := ""

	for _, stage := range plan.Stages {
		if ctx.Err() != nil {
			o.abortRemaining(plan, batchID, nodeIndex, ctx.Err())
			return
		}

		nodes := make([]Node, len(stage.Nodes))
		copy(nodes, stage.Nodes)
		for i := range nodes {
			nodes[i].Input = withCarriedContext(nodes[i].Input, carried)
		}

		var outcomes []ChildOutcome
		if stage.Type == StageParallel && len(nodes) > 1 {
			outcomes = o.runParallel(ctx, parent, nodes, nodeIndex, batchID)
		} else {
			outcomes = o.runSequential(ctx, parent, nodes, nodeIndex, batchID)
		}
		nodeIndex += len(nodes)
		carried = combineAnswers(outcomes)
	}
}

func (o *Orchestrator) runSequential(ctx context.Context, parent *execution.Execution, nodes []Node, base int, batchID string) []ChildOutcome {
	outcomes := make([]ChildOutcome, 0, len(nodes))
	for i, node := range nodes {
		outcome := o.Runner.RunChild(ctx, parent, node, base+i)
		o.Coordinator.OnTerminal(batchID, outcome)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (o *Orchestrator) runParallel(ctx context.Context, parent *execution.Execution, nodes []Node, base int, batchID string) []ChildOutcome {
	limit := o.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	sem := make(chan struct{}, limit)
	outcomes := make([]ChildOutcome, len(nodes))

	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node Node) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome := o.Runner.RunChild(ctx, parent, node, base+i)
			o.Coordinator.OnTerminal(batchID, outcome)
			outcomes[i] = outcome
		}(i, node)
	}
	wg.Wait()
	return outcomes
}

// abortRemaining settles every not-yet-dispatched node as failed so the
// batch still fires exactly once.
func (o *Orchestrator) abortRemaining(plan *Plan, batchID string, from int, cause error) {
	idx := 0
	for _, stage := range plan.Stages {
		for _, node := range stage.Nodes {
			if idx >= from {
				o.Coordinator.OnTerminal(batchID, ChildOutcome{
					NodeIndex: idx,
					AgentID:   node.AgentID,
					AgentName: node.AgentName,
					Failed:    true,
					Error:     "workflow cancelled: " + cause.Error(),
				})
			}
			idx++
		}
	}
}

func withCarriedContext(input, carried string) string {
	if carried == "" {
		return input
	}
	return input + "\n\nContext from the previous stage:\n" + carried
}

// combineAnswers joins a stage's successful answers for handoff to the next
// stage. Failed children contribute nothing.
func combineAnswers(outcomes []ChildOutcome) string {
	parts := make([]string, 0, len(outcomes))
	for _, oc := range outcomes {
		if oc.Failed || oc.Answer == "" {
			continue
		}
		parts = append(parts, oc.Answer)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

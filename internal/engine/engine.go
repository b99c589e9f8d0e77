// Package engine ties the pieces together: it accepts a query for an agent,
// runs the tool-call loop, and, when the agent delegates, orchestrates the
// workflow through to a synthesized final answer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/arcov/conclave/internal/agents"
	"github.com/arcov/conclave/internal/execution"
	"github.com/arcov/conclave/internal/executor"
	"github.com/arcov/conclave/internal/llm"
	"github.com/arcov/conclave/internal/logging"
	"github.com/arcov/conclave/internal/status"
	"github.com/arcov/conclave/internal/store"
	"github.com/arcov/conclave/internal/synthesis"
	"github.com/arcov/conclave/internal/tools"
	"github.com/arcov/conclave/internal/workflow"
)

// defaultHistoryLimit bounds how many past interactions are replayed into
// the conversation.
const defaultHistoryLimit = 10

// Request is one incoming query for an agent.
type Request struct {
	AgentID     string
	UserID      string
	SessionID   string
	Input       string
	Attachments []llm.Attachment
	// Supersede cancels a still-running execution for the same
	// (agent, user, session) key instead of returning a conflict.
	Supersede bool
}

// Engine runs executions end to end. One instance serves all agents.
type Engine struct {
	Store        store.Store
	Agents       *agents.Registry
	Tools        *tools.Registry
	Provider     llm.Provider
	Machine      *executor.StateMachine
	Coordinator  *workflow.Coordinator
	Synthesis    *synthesis.Engine
	Reporter     status.Reporter
	Logger       *logging.Logger
	HistoryLimit int

	// ProviderFor optionally resolves a per-agent model override. When nil
	// or when it returns nil, Provider is used.
	ProviderFor func(model string) llm.Provider

	orchestrator *workflow.Orchestrator

	mu sync.Mutex
	// attachments holds each running root execution's attachments so
	// workflow children can inherit them. Entries are released on every
	// exit path.
	attachments map[string][]llm.Attachment
}

// New wires an engine over its collaborators.
func New(st store.Store, reg *agents.Registry, toolReg *tools.Registry, provider llm.Provider,
	machine *executor.StateMachine, coord *workflow.Coordinator, synth *synthesis.Engine,
	reporter status.Reporter, logger *logging.Logger) *Engine {

	e := &Engine{
		Store:        st,
		Agents:       reg,
		Tools:        toolReg,
		Provider:     provider,
		Machine:      machine,
		Coordinator:  coord,
		Synthesis:    synth,
		Reporter:     reporter,
		Logger:       logger.WithComponent("engine"),
		HistoryLimit: defaultHistoryLimit,
		attachments:  make(map[string][]llm.Attachment),
	}
	e.orchestrator = workflow.NewOrchestrator(e, coord, reporter, logger)
	return e
}

// SetChildParallel bounds how many workflow children run concurrently per
// stage. Values <= 0 keep the default.
func (e *Engine) SetChildParallel(n int) {
	if n > 0 {
		e.orchestrator.Concurrency = n
	}
}

// Execute runs one query to a terminal state and returns the settled
// execution. When the agent's output is a workflow plan, Execute blocks
// until every child is terminal and the synthesized answer is written back
// to the parent. A still-running execution for the same key is returned as
// *store.ConflictError unless the request asks to supersede it.
func (e *Engine) Execute(ctx context.Context, req Request) (*execution.Execution, error) {
	def, ok := e.Agents.Get(req.AgentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", req.AgentID)
	}

	if err := e.resolveConflict(ctx, req); err != nil {
		return nil, err
	}

	exec := execution.New(req.AgentID, req.UserID, req.SessionID, req.Input, def.MaxSteps)
	exec.SetMeta(execution.MetaMaxSteps, def.MaxSteps)
	if err := e.Store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	ctx = executor.WithScope(ctx, executor.Scope{
		ExecutionID:   exec.ID,
		AgentID:       exec.AgentID,
		UserID:        exec.UserID,
		SessionID:     exec.SessionID,
		KnowledgeTags: def.KnowledgeTags,
	})
	ctx, span := e.startExecutionSpan(ctx, exec)

	e.stashAttachments(exec.ID, req.Attachments)
	defer e.releaseAttachments(exec.ID)

	if err := e.Machine.Start(ctx, exec); err != nil {
		e.endExecutionSpan(span, exec, err)
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			return nil, conflict
		}
		return nil, err
	}

	err := e.runToTerminal(ctx, exec, def, req)
	e.endExecutionSpan(span, exec, err)
	return exec, err
}

// resolveConflict applies the supersede policy against a still-active
// execution for the request's key.
func (e *Engine) resolveConflict(ctx context.Context, req Request) error {
	active, err := e.Store.FindActiveExecution(ctx, req.AgentID, req.UserID, req.SessionID)
	if err != nil || active == nil {
		return err
	}
	if !req.Supersede {
		return &store.ConflictError{ActiveID: active.ID}
	}
	e.Logger.Info("superseding active execution", map[string]interface{}{
		"stale": active.ID,
	})
	return e.Machine.Cancel(ctx, active)
}

// runToTerminal drives the started execution to a terminal state.
func (e *Engine) runToTerminal(ctx context.Context, exec *execution.Execution, def agents.Definition, req Request) error {
	messages, err := e.buildMessages(ctx, def, req)
	if err != nil {
		return e.Machine.Fail(ctx, exec, err, nil, def.Actions)
	}
	toolDefs := e.resolveTools(ctx, exec, def)

	loop := executor.NewLoop(e.provider(def.Model), e.Machine, e.Reporter, e.Logger)
	result, err := loop.Run(ctx, exec, messages, toolDefs)
	if err != nil {
		return e.Machine.Fail(ctx, exec, err, nil, def.Actions)
	}

	plan, rawPlan, err := workflow.Detect(result.Answer)
	if err != nil {
		return e.Machine.Fail(ctx, exec, err, nil, def.Actions)
	}
	if plan == nil {
		return e.completeSingle(ctx, exec, def, result)
	}
	return e.orchestrate(ctx, exec, def, plan, rawPlan)
}

// completeSingle settles a plain (non-delegating) execution.
func (e *Engine) completeSingle(ctx context.Context, exec *execution.Execution, def agents.Definition, result *executor.LoopResult) error {
	meta := map[string]any{
		execution.MetaSourceLinks: result.Sources,
	}
	if result.DepthLimited {
		meta[execution.MetaCompletionReason] = execution.CompletionDepthLimit
	}
	if result.RetryAttempts > 0 {
		meta[execution.MetaRetryAttempts] = result.RetryAttempts
	}
	if len(result.FailedTools) > 0 {
		meta[execution.MetaFailedTools] = result.FailedTools
	}

	e.recordInteraction(ctx, exec, result.Answer, result.Sources)
	return e.Machine.Complete(ctx, exec, result.Answer, meta, def.Actions)
}

// orchestrate runs a workflow plan through dispatch, batch settlement, and
// synthesis, then settles the parent.
func (e *Engine) orchestrate(ctx context.Context, exec *execution.Execution, def agents.Definition, plan *workflow.Plan, rawPlan string) error {
	settled := make(chan []workflow.ChildOutcome, 1)
	batchID, err := e.orchestrator.Execute(ctx, plan, exec, func(_ string, outcomes []workflow.ChildOutcome) {
		settled <- outcomes
	})
	if err != nil {
		return e.Machine.Fail(ctx, exec, err, nil, def.Actions)
	}
	if err := e.Machine.AwaitSynthesis(ctx, exec, rawPlan, batchID); err != nil {
		return e.Machine.Fail(ctx, exec, err, nil, def.Actions)
	}

	// The worker parks here until the batch coordinator settles; cancelled
	// workflows settle too, with failed outcomes for undispatched nodes.
	outcomes := <-settled

	succeeded := 0
	var failedAgents []string
	for _, o := range outcomes {
		if o.Failed {
			failedAgents = append(failedAgents, o.AgentID)
			continue
		}
		succeeded++
	}
	meta := map[string]any{
		execution.MetaBatchID: batchID,
	}
	if len(failedAgents) > 0 {
		meta[execution.MetaFailedNodes] = failedAgents
	}

	if succeeded == 0 {
		return e.Machine.Fail(ctx, exec,
			fmt.Errorf("all %d workflow nodes failed", len(outcomes)), meta, def.Actions)
	}

	ctx, span := e.startSynthesisSpan(ctx, exec, batchID, len(outcomes))
	result := e.Synthesis.Synthesize(ctx, exec, outcomes)
	span.End()

	meta[execution.MetaSourceLinks] = result.Sources
	if result.Fallback {
		meta[execution.MetaCompletionReason] = "synthesis_fallback"
	}

	e.recordInteraction(ctx, exec, result.Answer, result.Sources)
	return e.Machine.Complete(ctx, exec, result.Answer, meta, def.Actions)
}

// RunChild executes one workflow node as a child execution. Failures are
// folded into the outcome so the batch always settles.
func (e *Engine) RunChild(ctx context.Context, parent *execution.Execution, node workflow.Node, nodeIndex int) workflow.ChildOutcome {
	outcome := workflow.ChildOutcome{
		NodeIndex: nodeIndex,
		AgentID:   node.AgentID,
		AgentName: node.AgentName,
	}

	def, ok := e.Agents.Get(node.AgentID)
	if !ok {
		outcome.Failed = true
		outcome.Error = fmt.Sprintf("unknown agent %q", node.AgentID)
		return outcome
	}
	if outcome.AgentName == "" {
		outcome.AgentName = def.Name
	}

	child := execution.New(node.AgentID, parent.UserID, parent.SessionID, node.Input, def.MaxSteps)
	child.ParentExecutionID = parent.ID
	child.SetMeta(execution.MetaNodeIndex, nodeIndex)
	outcome.ExecutionID = child.ID

	if err := e.Store.CreateExecution(ctx, child); err != nil {
		outcome.Failed = true
		outcome.Error = executor.SanitizeErrorMessage(err.Error())
		return outcome
	}

	ctx = executor.WithScope(ctx, executor.Scope{
		ExecutionID:   child.ID,
		AgentID:       child.AgentID,
		UserID:        child.UserID,
		SessionID:     child.SessionID,
		KnowledgeTags: def.KnowledgeTags,
	})
	ctx, span := e.startChildSpan(ctx, child, nodeIndex)
	defer func() { e.endExecutionSpan(span, child, nil) }()

	if err := e.Machine.Start(ctx, child); err != nil {
		outcome.Failed = true
		outcome.Error = executor.SanitizeErrorMessage(err.Error())
		return outcome
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: def.Instructions},
		{Role: llm.RoleUser, Content: node.Input, Attachments: e.attachmentsFor(parent.ID)},
	}
	toolDefs := e.resolveTools(ctx, child, def)

	loop := executor.NewLoop(e.provider(def.Model), e.Machine, e.Reporter, e.Logger)
	result, err := loop.Run(ctx, child, messages, toolDefs)
	if err != nil {
		_ = e.Machine.Fail(ctx, child, err, nil, def.Actions)
		outcome.Failed = true
		outcome.Error = child.Output
		return outcome
	}

	meta := map[string]any{
		execution.MetaSourceLinks: result.Sources,
	}
	if result.DepthLimited {
		meta[execution.MetaCompletionReason] = execution.CompletionDepthLimit
	}
	if err := e.Machine.Complete(ctx, child, result.Answer, meta, def.Actions); err != nil {
		outcome.Failed = true
		outcome.Error = executor.SanitizeErrorMessage(err.Error())
		return outcome
	}

	outcome.Answer = child.Output
	outcome.Sources = result.Sources
	return outcome
}

// buildMessages assembles system instructions, bounded conversation history,
// and the current turn with its attachments.
func (e *Engine) buildMessages(ctx context.Context, def agents.Definition, req Request) ([]llm.Message, error) {
	limit := e.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	history, err := e.Store.RecentInteractions(ctx, req.AgentID, req.UserID, req.SessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}

	messages := make([]llm.Message, 0, 2*len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: def.Instructions})
	for _, in := range history {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: in.Query},
			llm.Message{Role: llm.RoleAssistant, Content: in.Answer})
	}
	messages = append(messages, llm.Message{
		Role:        llm.RoleUser,
		Content:     req.Input,
		Attachments: req.Attachments,
	})
	return messages, nil
}

// resolveTools loads the agent's tool grants, reporting any that failed to
// resolve without aborting the execution.
func (e *Engine) resolveTools(ctx context.Context, exec *execution.Execution, def agents.Definition) []llm.ToolDef {
	toolDefs, missing := e.Tools.Resolve(def.Tools)
	if len(missing) > 0 {
		e.Logger.Warn("some tools failed to resolve", map[string]interface{}{
			"execution": exec.ID,
			"missing":   missing,
		})
		e.Reporter.Publish(ctx, exec.ID, "some tools are unavailable", map[string]any{
			"missing": missing,
		}, false)
	}
	return toolDefs
}

// recordInteraction persists the user-visible question/answer pair. A store
// failure here is logged, never fatal: the execution already has its answer.
func (e *Engine) recordInteraction(ctx context.Context, exec *execution.Execution, answer string, sources []execution.SourceLink) {
	in := &store.Interaction{
		ID:        uuid.NewString(),
		UserID:    exec.UserID,
		AgentID:   exec.AgentID,
		SessionID: exec.SessionID,
		Query:     exec.Input,
		Answer:    answer,
		Sources:   sources,
	}
	if err := e.Store.CreateInteraction(ctx, in); err != nil {
		e.Logger.Warn("failed to record interaction", map[string]interface{}{
			"execution": exec.ID,
			"error":     err.Error(),
		})
	}
}

func (e *Engine) provider(model string) llm.Provider {
	if model != "" && e.ProviderFor != nil {
		if p := e.ProviderFor(model); p != nil {
			return p
		}
	}
	return e.Provider
}

func (e *Engine) stashAttachments(execID string, atts []llm.Attachment) {
	if len(atts) == 0 {
		return
	}
	e.mu.Lock()
	e.attachments[execID] = atts
	e.mu.Unlock()
}

func (e *Engine) attachmentsFor(execID string) []llm.Attachment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attachments[execID]
}

func (e *Engine) releaseAttachments(execID string) {
	e.mu.Lock()
	delete(e.attachments, execID)
	e.mu.Unlock()
}

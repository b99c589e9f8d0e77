package executor

import (
	"context"
	"fmt"

	"github.com/arcov/conclave/internal/execution"
	"github.com/arcov/conclave/internal/llm"
	"github.com/arcov/conclave/internal/logging"
	"github.com/arcov/conclave/internal/status"
)

const (
	// maxAmbiguousRetries bounds retries after an ambiguous provider signal.
	maxAmbiguousRetries = 2
	// retryBudgetFloor is the minimum step budget a retry may shrink to.
	retryBudgetFloor = 5
)

// LoopResult is the outcome of one tool-call loop run.
type LoopResult struct {
	// Answer is the accumulated answer text. When DepthLimited it carries a
	// partial-result notice and is never empty.
	Answer       string
	DepthLimited bool
	// RetryAttempts counts provider retries that were needed.
	RetryAttempts int
	ToolCalls     []execution.ToolCallEvent
	ToolResults   []execution.ToolResultEvent
	Sources       []execution.SourceLink
	FailedTools   []string
}

// Loop drives one model turn for an execution: it issues the generation
// request, walks the returned step sequence through the state machine, and
// applies the depth-limit and retry policies.
type Loop struct {
	Provider llm.Provider
	Machine  *StateMachine
	Reporter status.Reporter
	Logger   *logging.Logger
}

// NewLoop creates a tool-call loop over the given provider.
func NewLoop(provider llm.Provider, machine *StateMachine, reporter status.Reporter, logger *logging.Logger) *Loop {
	return &Loop{
		Provider: provider,
		Machine:  machine,
		Reporter: reporter,
		Logger:   logger.WithComponent("loop"),
	}
}

// Run executes the loop for an already-started execution. Provider errors
// that survive the retry policy are returned to the caller; the caller owns
// the terminal transition.
func (l *Loop) Run(ctx context.Context, exec *execution.Execution, messages []llm.Message, tools []llm.ToolDef) (*LoopResult, error) {
	result := &LoopResult{}
	budget := exec.MaxSteps
	strippedAttachments := false

	for {
		resp, err := l.generate(ctx, exec, messages, tools, budget)
		if err == nil && resp.FinishReason == llm.FinishUnknown {
			err = llm.NewProviderError(llm.ErrAmbiguous, fmt.Errorf("provider returned an ambiguous finish signal"))
		}

		if err != nil {
			pe := llm.Classify(err)

			// An unsupported attachment gets one retry with binary
			// attachments stripped, independent of the transient budget.
			if pe.Kind == llm.ErrUnsupportedAttachment && !strippedAttachments {
				strippedAttachments = true
				messages = llm.StripBinaryAttachments(messages)
				l.Reporter.Publish(ctx, exec.ID, "retrying with text-only attachments", nil, true)
				l.Logger.Warn("attachment rejected, stripping binaries", map[string]interface{}{
					"execution": exec.ID,
				})
				continue
			}

			if (pe.Retriable() || pe.Kind == llm.ErrAmbiguous) && result.RetryAttempts < maxAmbiguousRetries {
				budget = halveBudget(budget)
				result.RetryAttempts++
				l.Reporter.Publish(ctx, exec.ID, "transient provider error, retrying", map[string]any{
					"attempt":     result.RetryAttempts,
					"step_budget": budget,
				}, true)
				l.Logger.Warn("provider retry", map[string]interface{}{
					"execution": exec.ID,
					"kind":      string(pe.Kind),
					"attempt":   result.RetryAttempts,
				})
				continue
			}
			return nil, pe
		}

		if err := l.consumeSteps(ctx, exec, resp.Steps, result); err != nil {
			return nil, err
		}

		result.Answer = resp.Text
		if resp.FinishReason == llm.FinishLength {
			result.DepthLimited = true
			result.Answer = depthLimitNotice(resp.Text, exec.MaxSteps, exec.StepCount)
		}
		result.Sources = execution.ReconcileSourceLinks(result.Sources)
		return result, nil
	}
}

// generate issues one provider request, streaming when the provider
// supports it.
func (l *Loop) generate(ctx context.Context, exec *execution.Execution, messages []llm.Message, tools []llm.ToolDef, budget int) (*llm.Response, error) {
	req := llm.Request{Messages: messages, Tools: tools, MaxSteps: budget}

	if sp, ok := l.Provider.(llm.StreamingProvider); ok {
		return sp.GenerateStream(ctx, req, func(chunk llm.Chunk) error {
			if chunk.Text != "" {
				l.Reporter.Publish(ctx, exec.ID, "answer chunk", map[string]any{
					"text": chunk.Text,
				}, false)
			}
			return nil
		})
	}
	return l.Provider.Generate(ctx, req)
}

// consumeSteps walks the ordered step sequence, recording events and
// advancing the state machine. Declared tool errors are recorded and never
// abort the loop.
func (l *Loop) consumeSteps(ctx context.Context, exec *execution.Execution, steps []llm.Step, result *LoopResult) error {
	for _, step := range steps {
		if err := l.Machine.AdvanceStep(ctx, exec, step); err != nil {
			return err
		}
		for _, tc := range step.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, execution.ToolCallEvent{
				CallID:    tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		for _, tr := range step.ToolResults {
			result.ToolResults = append(result.ToolResults, execution.ToolResultEvent{
				CallID:  tr.ID,
				Name:    tr.Name,
				Result:  tr.Content,
				IsError: tr.IsError,
			})
			if tr.IsError {
				result.FailedTools = append(result.FailedTools, tr.Name)
				l.Logger.Warn("tool reported error", map[string]interface{}{
					"execution": exec.ID,
					"tool":      tr.Name,
				})
				continue
			}
			result.Sources = append(result.Sources, execution.ExtractSourceLinks(tr.Content, tr.Name)...)
		}
	}
	return nil
}

func halveBudget(budget int) int {
	budget /= 2
	if budget < retryBudgetFloor {
		budget = retryBudgetFloor
	}
	return budget
}

// depthLimitNotice builds the partial-result answer for a depth-limited run.
func depthLimitNotice(partial string, maxSteps, stepCount int) string {
	notice := fmt.Sprintf(
		"I reached the maximum of %d tool-call steps (%d taken) before fully completing this request, so the answer below may be partial.",
		maxSteps, stepCount)
	if partial == "" {
		return notice
	}
	return notice + "\n\n" + partial
}

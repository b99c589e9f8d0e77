package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/arcov/conclave/internal/llm"
	"github.com/arcov/conclave/internal/status"
	"github.com/arcov/conclave/internal/store"
)

func newTestLoop(t *testing.T, provider llm.Provider) (*Loop, *StateMachine, *store.MemoryStore) {
	t.Helper()
	m, st := newTestMachine(t)
	return NewLoop(provider, m, status.NopReporter{}, quietLogger()), m, st
}

func userMessage(text string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: text}}
}

func TestLoopPlainAnswer(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse("the answer")

	loop, m, st := newTestLoop(t, provider)
	exec := startedExecution(t, m, st)

	result, err := loop.Run(context.Background(), exec, userMessage("q"), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Answer != "the answer" {
		t.Errorf("answer %q", result.Answer)
	}
	if result.DepthLimited {
		t.Error("unexpected depth limit")
	}
}

func TestLoopDepthLimitIsSuccess(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.Enqueue(&llm.Response{
		Text: "partial findings",
		Steps: []llm.Step{{
			ToolCalls:   []llm.ToolCall{{ID: "1", Name: "web_search"}},
			ToolResults: []llm.ToolResult{{ID: "1", Name: "web_search", Content: "ok"}},
		}},
		FinishReason: llm.FinishLength,
	})

	loop, m, st := newTestLoop(t, provider)
	exec := startedExecution(t, m, st)

	result, err := loop.Run(context.Background(), exec, userMessage("q"), nil)
	if err != nil {
		t.Fatalf("depth limit must not be an error: %v", err)
	}
	if !result.DepthLimited {
		t.Fatal("expected depth-limited result")
	}
	if !strings.Contains(result.Answer, "partial findings") {
		t.Errorf("partial text lost: %q", result.Answer)
	}
	if !strings.Contains(result.Answer, "maximum") {
		t.Errorf("expected limit notice in answer: %q", result.Answer)
	}
}

func TestLoopRetriesAmbiguousWithHalvedBudget(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.EnqueueError(llm.NewProviderError(llm.ErrAmbiguous, errors.New("unclear stop")))
	provider.EnqueueError(llm.NewProviderError(llm.ErrRateLimited, errors.New("rate limit")))
	provider.Enqueue(&llm.Response{Text: "recovered", FinishReason: llm.FinishStop})

	loop, m, st := newTestLoop(t, provider)
	exec := startedExecution(t, m, st)
	exec.MaxSteps = 20

	result, err := loop.Run(context.Background(), exec, userMessage("q"), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Answer != "recovered" {
		t.Errorf("answer %q", result.Answer)
	}
	if result.RetryAttempts != 2 {
		t.Errorf("retry attempts %d, want 2", result.RetryAttempts)
	}
	if provider.CallCount() != 3 {
		t.Errorf("call count %d, want 3", provider.CallCount())
	}
	// 20 -> 10 -> 5
	if got := provider.LastRequest().MaxSteps; got != 5 {
		t.Errorf("final step budget %d, want 5", got)
	}
}

func TestLoopRetryBudgetFloor(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.EnqueueError(llm.NewProviderError(llm.ErrTimeout, errors.New("timeout")))
	provider.Enqueue(&llm.Response{Text: "ok", FinishReason: llm.FinishStop})

	loop, m, st := newTestLoop(t, provider)
	exec := startedExecution(t, m, st)
	exec.MaxSteps = 6

	if _, err := loop.Run(context.Background(), exec, userMessage("q"), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := provider.LastRequest().MaxSteps; got != 5 {
		t.Errorf("budget %d, want floor 5", got)
	}
}

func TestLoopGivesUpAfterTwoRetries(t *testing.T) {
	provider := llm.NewMockProvider()
	for i := 0; i < 3; i++ {
		provider.EnqueueError(llm.NewProviderError(llm.ErrOverloaded, errors.New("overloaded")))
	}

	loop, m, st := newTestLoop(t, provider)
	exec := startedExecution(t, m, st)

	_, err := loop.Run(context.Background(), exec, userMessage("q"), nil)
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if provider.CallCount() != 3 {
		t.Errorf("call count %d, want 3", provider.CallCount())
	}
}

func TestLoopTerminalErrorNotRetried(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.EnqueueError(errors.New("invalid api key"))

	loop, m, st := newTestLoop(t, provider)
	exec := startedExecution(t, m, st)

	_, err := loop.Run(context.Background(), exec, userMessage("q"), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *llm.ProviderError
	if !errors.As(err, &pe) || pe.Kind != llm.ErrAuth {
		t.Errorf("expected auth classification, got %v", err)
	}
	if provider.CallCount() != 1 {
		t.Errorf("terminal error retried: %d calls", provider.CallCount())
	}
}

func TestLoopStripsBinaryAttachmentsOnRejection(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.EnqueueError(llm.NewProviderError(llm.ErrUnsupportedAttachment, errors.New("unsupported file type")))
	provider.Enqueue(&llm.Response{Text: "ok", FinishReason: llm.FinishStop})

	loop, m, st := newTestLoop(t, provider)
	exec := startedExecution(t, m, st)

	messages := []llm.Message{{
		Role:    llm.RoleUser,
		Content: "summarize",
		Attachments: []llm.Attachment{
			{Name: "report.pdf", MIME: "application/pdf", Data: []byte{1, 2, 3}},
			{Name: "notes.txt", MIME: "text/plain", Text: "notes"},
		},
	}}

	if _, err := loop.Run(context.Background(), exec, messages, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if provider.CallCount() != 2 {
		t.Fatalf("call count %d, want 2", provider.CallCount())
	}
	retried := provider.LastRequest().Messages[0].Attachments
	if len(retried) != 1 || retried[0].Name != "notes.txt" {
		t.Errorf("expected only the text attachment on retry, got %+v", retried)
	}
}

func TestLoopAttachmentRetryKeepsTransientBudget(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.EnqueueError(llm.NewProviderError(llm.ErrUnsupportedAttachment, errors.New("unsupported file type")))
	provider.EnqueueError(llm.NewProviderError(llm.ErrRateLimited, errors.New("rate limit")))
	provider.EnqueueError(llm.NewProviderError(llm.ErrOverloaded, errors.New("overloaded")))
	provider.Enqueue(&llm.Response{Text: "recovered", FinishReason: llm.FinishStop})

	loop, m, st := newTestLoop(t, provider)
	exec := startedExecution(t, m, st)

	messages := []llm.Message{{
		Role:    llm.RoleUser,
		Content: "summarize",
		Attachments: []llm.Attachment{
			{Name: "report.pdf", MIME: "application/pdf", Data: []byte{1, 2, 3}},
		},
	}}

	// The attachment strip is a separate one-shot: two transient retries
	// must still be available after it fires.
	result, err := loop.Run(context.Background(), exec, messages, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Answer != "recovered" {
		t.Errorf("answer %q", result.Answer)
	}
	if result.RetryAttempts != 2 {
		t.Errorf("retry attempts %d, want 2", result.RetryAttempts)
	}
	if provider.CallCount() != 4 {
		t.Errorf("call count %d, want 4", provider.CallCount())
	}
}

func TestLoopToolErrorsDoNotAbort(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.Enqueue(&llm.Response{
		Text: "done",
		Steps: []llm.Step{{
			ToolCalls: []llm.ToolCall{
				{ID: "1", Name: "web_search"},
				{ID: "2", Name: "web_fetch"},
			},
			ToolResults: []llm.ToolResult{
				{ID: "1", Name: "web_search", Content: "boom", IsError: true},
				{ID: "2", Name: "web_fetch", Content: "SOURCE: [Doc](https://docs.example-site.dev/x)"},
			},
		}},
		FinishReason: llm.FinishStop,
	})

	loop, m, st := newTestLoop(t, provider)
	exec := startedExecution(t, m, st)

	result, err := loop.Run(context.Background(), exec, userMessage("q"), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.FailedTools) != 1 || result.FailedTools[0] != "web_search" {
		t.Errorf("failed tools %v", result.FailedTools)
	}
	if len(result.Sources) != 1 || result.Sources[0].URL != "https://docs.example-site.dev/x" {
		t.Errorf("sources %+v", result.Sources)
	}
	if exec.StepCount != 2 {
		t.Errorf("step count %d, want 2", exec.StepCount)
	}
}

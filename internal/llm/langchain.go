package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// ToolRunner executes a named tool with raw JSON arguments.
type ToolRunner interface {
	Run(ctx context.Context, name, arguments string) (string, error)
}

// LangchainProvider adapts a langchaingo model to the Provider contract.
// It drives the tool-call chain itself: each model turn that requests tools
// is executed through the runner and fed back until the model stops or the
// step budget is exhausted.
type LangchainProvider struct {
	model  llms.Model
	runner ToolRunner
}

// NewLangchainProvider creates a provider backed by the given model.
func NewLangchainProvider(model llms.Model, runner ToolRunner) *LangchainProvider {
	return &LangchainProvider{model: model, runner: runner}
}

// Generate runs one request to completion, executing requested tools.
func (p *LangchainProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	messages := toLangchainMessages(req.Messages)

	var opts []llms.CallOption
	if len(req.Tools) > 0 {
		opts = append(opts, llms.WithTools(toLangchainTools(req.Tools)))
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}

	resp := &Response{FinishReason: FinishUnknown}
	stepsTaken := 0

	for {
		out, err := p.model.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return nil, Classify(err)
		}
		if len(out.Choices) == 0 {
			return nil, NewProviderError(ErrAmbiguous, fmt.Errorf("provider returned no choices"))
		}
		choice := out.Choices[0]

		if choice.Content != "" {
			resp.Text += choice.Content
		}

		// No tool calls means natural completion.
		if len(choice.ToolCalls) == 0 {
			resp.FinishReason = FinishStop
			return resp, nil
		}

		step := Step{}
		var assistantParts []llms.ContentPart
		if choice.Content != "" {
			assistantParts = append(assistantParts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistantParts = append(assistantParts, tc)
			step.ToolCalls = append(step.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.FunctionCall.Name,
				Arguments: tc.FunctionCall.Arguments,
			})
		}
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeAI,
			Parts: assistantParts,
		})

		for _, tc := range choice.ToolCalls {
			content, isErr := p.runTool(ctx, tc.FunctionCall.Name, tc.FunctionCall.Arguments)
			step.ToolResults = append(step.ToolResults, ToolResult{
				ID:      tc.ID,
				Name:    tc.FunctionCall.Name,
				Content: content,
				IsError: isErr,
			})
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: tc.ID,
						Name:       tc.FunctionCall.Name,
						Content:    content,
					},
				},
			})
		}

		resp.Steps = append(resp.Steps, step)
		stepsTaken += len(step.ToolCalls)

		if stepsTaken >= maxSteps {
			resp.FinishReason = FinishLength
			return resp, nil
		}
	}
}

func (p *LangchainProvider) runTool(ctx context.Context, name, arguments string) (content string, isErr bool) {
	if p.runner == nil {
		return fmt.Sprintf("Error: tool %s not available", name), true
	}
	result, err := p.runner.Run(ctx, name, arguments)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	return result, false
}

func toLangchainMessages(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		mc := llms.MessageContent{Role: toLangchainRole(m.Role)}
		if m.Content != "" {
			mc.Parts = append(mc.Parts, llms.TextPart(m.Content))
		}
		for _, a := range m.Attachments {
			if a.Binary() {
				mc.Parts = append(mc.Parts, llms.BinaryPart(a.MIME, a.Data))
			} else if a.Text != "" {
				mc.Parts = append(mc.Parts, llms.TextPart(fmt.Sprintf("[attachment %s]\n%s", a.Name, a.Text)))
			}
		}
		out = append(out, mc)
	}
	return out
}

func toLangchainRole(role Role) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	case RoleTool:
		return llms.ChatMessageTypeTool
	default:
		return llms.ChatMessageTypeHuman
	}
}

func toLangchainTools(defs []ToolDef) []llms.Tool {
	out := make([]llms.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

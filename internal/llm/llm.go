// Package llm defines the model-provider contract used by the execution engine.
package llm

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Attachment is file content injected into a message. Binary attachments
// carry Data; text attachments carry Text.
type Attachment struct {
	Name string
	MIME string
	Data []byte
	Text string
}

// Binary reports whether the attachment carries raw bytes.
func (a Attachment) Binary() bool {
	return len(a.Data) > 0
}

// Message is one entry in the conversation sent to the provider.
type Message struct {
	Role        Role
	Content     string
	Attachments []Attachment
}

// ToolDef describes a tool the model may call.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	ID      string
	Name    string
	Content string
	IsError bool
}

// Step is one model turn in a tool-calling chain. A step may carry
// tool-call requests, their results, or both.
type Step struct {
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// FinishReason signals how the provider terminated generation.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content-filter"
	FinishError         FinishReason = "error"
	FinishUnknown       FinishReason = "unknown"
)

// Request is one generation request. MaxSteps bounds the tool-call chain
// depth executed by the provider.
type Request struct {
	Messages []Message
	Tools    []ToolDef
	MaxSteps int
}

// Response is the provider's result for one request. Steps are ordered as
// produced by the model turn.
type Response struct {
	Text         string
	Steps        []Step
	FinishReason FinishReason
}

// Chunk is an incremental piece of a streamed response.
type Chunk struct {
	Text string
	Step *Step
}

// Provider generates model responses.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// StreamingProvider additionally yields incremental chunks. The final
// Response carries the same accumulated content as the chunks.
type StreamingProvider interface {
	Provider
	GenerateStream(ctx context.Context, req Request, fn func(Chunk) error) (*Response, error)
}

// StripBinaryAttachments returns a copy of messages with binary attachments
// removed; text attachments are kept so the model still sees injected text.
func StripBinaryAttachments(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if len(m.Attachments) == 0 {
			continue
		}
		var kept []Attachment
		for _, a := range m.Attachments {
			if !a.Binary() {
				kept = append(kept, a)
			}
		}
		out[i].Attachments = kept
	}
	return out
}

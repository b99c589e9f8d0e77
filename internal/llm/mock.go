package llm

import (
	"context"
	"sync"
)

// MockProvider is a scripted provider for tests. Queued responses and errors
// are returned in order; once the queue is exhausted the default response is
// repeated.
type MockProvider struct {
	mu       sync.Mutex
	queue    []mockResult
	fallback *Response
	requests []Request
}

type mockResult struct {
	resp *Response
	err  error
}

// NewMockProvider creates a mock provider with an empty default response.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		fallback: &Response{Text: "", FinishReason: FinishStop},
	}
}

// SetResponse sets the default text returned when the queue is empty.
func (m *MockProvider) SetResponse(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &Response{Text: text, FinishReason: FinishStop}
}

// Enqueue appends a scripted response.
func (m *MockProvider) Enqueue(resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockResult{resp: resp})
}

// EnqueueError appends a scripted failure.
func (m *MockProvider) EnqueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockResult{err: err})
}

// Generate returns the next scripted result.
func (m *MockProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		if next.err != nil {
			return nil, next.err
		}
		return next.resp, nil
	}
	resp := *m.fallback
	return &resp, nil
}

// LastRequest returns the most recent request, or a zero Request.
func (m *MockProvider) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return Request{}
	}
	return m.requests[len(m.requests)-1]
}

// CallCount returns how many Generate calls were made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

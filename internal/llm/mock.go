package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockResponse is a pre-configured completion for the mock transport.
type MockResponse struct {
	Text  string
	Usage *Usage
	Err   error
}

// MockCall records one Execute invocation.
type MockCall struct {
	ModelID string
	Prompt  string
}

// MockTransport is a deterministic transport for tests and dry runs. A
// response can be scripted per model id; unscripted models get a default
// completion derived from the model id so runs stay reproducible.
type MockTransport struct {
	mu        sync.Mutex
	byModel   map[string][]MockResponse
	nextIndex map[string]int
	calls     []MockCall
}

// NewMockTransport creates an empty mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		byModel:   make(map[string][]MockResponse),
		nextIndex: make(map[string]int),
	}
}

// Script queues responses for a model, returned in order. The last response
// repeats once the queue is exhausted.
func (m *MockTransport) Script(modelID string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byModel[modelID] = append(m.byModel[modelID], responses...)
}

// Execute returns the next scripted response for the model.
func (m *MockTransport) Execute(_ context.Context, modelID, prompt string) (*Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MockCall{ModelID: modelID, Prompt: prompt})

	queue := m.byModel[modelID]
	if len(queue) == 0 {
		return &Completion{
			Text:  fmt.Sprintf("mock output from %s", modelID),
			Usage: &Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150},
		}, nil
	}

	idx := m.nextIndex[modelID]
	if idx >= len(queue) {
		idx = len(queue) - 1
	} else {
		m.nextIndex[modelID] = idx + 1
	}

	resp := queue[idx]
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &Completion{Text: resp.Text, Usage: resp.Usage}, nil
}

// Calls returns a copy of the recorded invocations.
func (m *MockTransport) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns how many Execute calls were made for a model.
func (m *MockTransport) CallCount(modelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.ModelID == modelID {
			n++
		}
	}
	return n
}

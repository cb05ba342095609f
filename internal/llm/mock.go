package llm

import "context"

// MockClient is a test double for the Client interface.
// It can also be used for dry-run mode.
type MockClient struct {
	Decision      *Decision
	DecisionErr   error
	Response      *Response
	Err           error
	DecideCalls   []Candidate // records candidates sent
	CompleteCalls []string    // records prompts sent
}

// Decide records the call and returns the mock decision.
func (m *MockClient) Decide(ctx context.Context, candidate Candidate, memories []MemoryRef) (*Decision, error) {
	m.DecideCalls = append(m.DecideCalls, candidate)
	if m.DecisionErr != nil {
		return nil, m.DecisionErr
	}
	if m.Decision == nil {
		return noClearAction(""), nil
	}
	return m.Decision, nil
}

// Complete records the call and returns the mock response.
func (m *MockClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	m.CompleteCalls = append(m.CompleteCalls, prompt)
	return m.Response, m.Err
}

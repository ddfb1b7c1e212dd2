// Package providers holds the in-repo service implementations that let
// a runtime operate without external integrations: a deterministic
// language model, a graph-backed wise authority, and a built-in tool
// set. Production deployments register real providers alongside or
// instead of these.
package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/registry"
)

// MockLLM is a deterministic llm provider. It echoes the last user
// message and fills every schema property with a placeholder, which is
// enough to drive the processor loop end to end.
type MockLLM struct {
	registry.BaseService

	// RoundDelay simulates model latency.
	RoundDelay time.Duration
}

// NewMockLLM creates the provider.
func NewMockLLM(roundDelay time.Duration) *MockLLM {
	return &MockLLM{
		BaseService: registry.NewBaseService("mock_llm", "call_structured"),
		RoundDelay:  roundDelay,
	}
}

var _ registry.Service = (*MockLLM)(nil)
var _ buses.LLMService = (*MockLLM)(nil)

// CallStructured produces a deterministic completion.
func (m *MockLLM) CallStructured(ctx context.Context, messages []buses.LLMMessage, schema map[string]interface{}) (*buses.LLMResponse, error) {
	if m.RoundDelay > 0 {
		select {
		case <-time.After(m.RoundDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var lastUser string
	inputTokens := 0
	for _, msg := range messages {
		inputTokens += len(msg.Content) / 4
		if msg.Role == "user" {
			lastUser = msg.Content
		}
	}

	content := fmt.Sprintf("Acknowledged: %s", lastUser)
	structured := map[string]interface{}{}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for name := range props {
			structured[name] = content
		}
	}
	return &buses.LLMResponse{
		Content:      content,
		Structured:   structured,
		Model:        "mock",
		InputTokens:  inputTokens,
		OutputTokens: len(content) / 4,
	}, nil
}

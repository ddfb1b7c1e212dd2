package buses

import (
	"context"
	"fmt"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/registry"
)

// TokenRecorder receives token usage so the resource monitor can track
// the rolling hourly and daily budgets.
type TokenRecorder interface {
	RecordTokens(n int)
}

// LLMBus fronts the llm service kind. It estimates prompt tokens before
// dispatch and reports actual usage to the resource monitor afterwards.
type LLMBus struct {
	BaseBus

	tokens   TokenRecorder
	encoding *tiktoken.Tiktoken
}

// NewLLMBus creates the language-model facade for one handler.
func NewLLMBus(handler string, reg *registry.Registry, corrs CorrelationStore, clk clock.Clock, log *logger.Logger, timeout time.Duration, tokens TokenRecorder) *LLMBus {
	// cl100k_base covers the chat model families we route to; a failed
	// load falls back to the bytes/4 heuristic in EstimateTokens.
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		encoding = nil
	}
	return &LLMBus{
		BaseBus:  NewBaseBus(registry.KindLLM, handler, reg, corrs, clk, log, timeout),
		tokens:   tokens,
		encoding: encoding,
	}
}

// EstimateTokens approximates the token count of the given messages.
func (b *LLMBus) EstimateTokens(messages []LLMMessage) int {
	total := 0
	for _, m := range messages {
		if b.encoding != nil {
			total += len(b.encoding.Encode(m.Content, nil, nil))
		} else {
			total += len(m.Content) / 4
		}
		total += 4 // per-message framing overhead
	}
	return total
}

// CallStructured dispatches a structured completion. Usage reported by
// the provider wins; the estimate covers providers that do not count.
func (b *LLMBus) CallStructured(ctx context.Context, messages []LLMMessage, schema map[string]interface{}) (*LLMResponse, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: at least one message is required", ErrValidation)
	}

	estimate := b.EstimateTokens(messages)

	var response *LLMResponse
	_, err := b.Call(ctx, "call_structured", map[string]interface{}{
		"messages":         len(messages),
		"estimated_tokens": estimate,
	}, nil, func(ctx context.Context, svc registry.Service) (map[string]interface{}, error) {
		llm, ok := svc.(LLMService)
		if !ok {
			return nil, Permanent(fmt.Errorf("provider does not implement LLMService"))
		}
		var err error
		response, err = llm.CallStructured(ctx, messages, schema)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"model":         response.Model,
			"input_tokens":  response.InputTokens,
			"output_tokens": response.OutputTokens,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if b.tokens != nil {
		used := response.InputTokens + response.OutputTokens
		if used == 0 {
			used = estimate
		}
		b.tokens.RecordTokens(used)
	}
	return response, nil
}

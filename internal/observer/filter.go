package observer

import (
	"context"
	"strings"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/registry"
)

// FilterPriority ranks an inbound message.
type FilterPriority string

const (
	PriorityCritical FilterPriority = "critical"
	PriorityHigh     FilterPriority = "high"
	PriorityNormal   FilterPriority = "normal"
	PriorityLow      FilterPriority = "low"
)

// TaskPriority maps a filter priority to the numeric task priority.
func (p FilterPriority) TaskPriority() int {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 5
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Urgent reports whether the priority warrants the immediate
// observation path.
func (p FilterPriority) Urgent() bool {
	return p == PriorityCritical || p == PriorityHigh
}

// Verdict is the adaptive filter's decision on one message.
type Verdict struct {
	ShouldProcess bool                   `json:"should_process"`
	Priority      FilterPriority         `json:"priority"`
	Reasoning     string                 `json:"reasoning"`
	ContextHints  map[string]interface{} `json:"context_hints,omitempty"`
}

// AdaptiveFilter is implemented by providers registered under the
// adaptive_filter kind.
type AdaptiveFilter interface {
	Evaluate(ctx context.Context, msg *buses.Message) (Verdict, error)
}

// KeywordFilter is the built-in adaptive filter: a small keyword
// heuristic that drops obvious noise and escalates urgent content.
// Deployments replace it with a learned filter through the registry.
type KeywordFilter struct {
	registry.BaseService
}

// NewKeywordFilter creates the default filter provider.
func NewKeywordFilter() *KeywordFilter {
	return &KeywordFilter{BaseService: registry.NewBaseService("keyword_filter", "evaluate")}
}

var urgentKeywords = []string{"help", "urgent", "emergency", "critical", "asap", "immediately"}
var highKeywords = []string{"important", "please", "need", "question"}

// Evaluate ranks the message by keyword weight. Empty content is
// dropped.
func (f *KeywordFilter) Evaluate(ctx context.Context, msg *buses.Message) (Verdict, error) {
	content := strings.ToLower(strings.TrimSpace(msg.Content))
	if content == "" {
		return Verdict{ShouldProcess: false, Priority: PriorityLow, Reasoning: "empty content"}, nil
	}

	for _, kw := range urgentKeywords {
		if strings.Contains(content, kw) {
			return Verdict{
				ShouldProcess: true,
				Priority:      PriorityHigh,
				Reasoning:     "urgent keyword: " + kw,
			}, nil
		}
	}
	for _, kw := range highKeywords {
		if strings.Contains(content, kw) {
			return Verdict{
				ShouldProcess: true,
				Priority:      PriorityNormal,
				Reasoning:     "engagement keyword: " + kw,
			}, nil
		}
	}
	return Verdict{ShouldProcess: true, Priority: PriorityLow, Reasoning: "no signal keywords"}, nil
}

var _ AdaptiveFilter = (*KeywordFilter)(nil)
var _ registry.Service = (*KeywordFilter)(nil)

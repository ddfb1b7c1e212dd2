package processor

import (
	"context"
	"fmt"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/sinks"
	"github.com/anima-ai/anima/internal/task/models"
)

// ActionSelector is the pluggable decision collaborator: given a
// thought, it chooses the outbound action (or none). The decision logic
// itself lives outside the core; the processor only orchestrates
// dispatch and audit.
type ActionSelector interface {
	SelectAction(ctx context.Context, thought *models.Thought, task *models.Task) (*sinks.Action, error)
}

// LLMSelector asks the model bus to draft a reply for observation and
// correction thoughts. When no LLM provider is registered it degrades
// to a plain acknowledgement so the pipeline stays operable.
type LLMSelector struct {
	llm *buses.LLMBus
}

// NewLLMSelector creates the default selector.
func NewLLMSelector(llm *buses.LLMBus) *LLMSelector {
	return &LLMSelector{llm: llm}
}

func (s *LLMSelector) SelectAction(ctx context.Context, thought *models.Thought, task *models.Task) (*sinks.Action, error) {
	switch thought.ThoughtType {
	case models.ThoughtTypeObservation, models.ThoughtTypeCorrection:
	default:
		// Internal thought types complete without outbound work.
		return nil, nil
	}

	content := s.draft(ctx, thought)
	if content == "" {
		return nil, nil
	}
	return &sinks.Action{
		Type:      sinks.ActionSendMessage,
		ThoughtID: thought.ID,
		TaskID:    task.ID,
		ChannelID: task.ChannelID,
		Content:   content,
	}, nil
}

func (s *LLMSelector) draft(ctx context.Context, thought *models.Thought) string {
	if s.llm != nil {
		response, err := s.llm.CallStructured(ctx, []buses.LLMMessage{
			{Role: "system", Content: "Draft a brief, helpful reply to the observed message."},
			{Role: "user", Content: thought.Content},
		}, nil)
		if err == nil && response.Content != "" {
			return response.Content
		}
	}
	return fmt.Sprintf("Acknowledged (ref %s).", thought.ID)
}

var _ ActionSelector = (*LLMSelector)(nil)

package sinks

import (
	"context"
	"fmt"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/task/models"
	"github.com/anima-ai/anima/internal/task/repository"
)

// Feedback is one wise-authority reply referencing an earlier deferral.
type Feedback struct {
	Message           *buses.Message
	DeferredThoughtID string
}

// FeedbackSink converts wise-authority replies into correction thoughts
// parented on the deferred thought they answer.
type FeedbackSink struct {
	*Sink[*Feedback]

	repo repository.Repository
}

// NewFeedbackSink creates the feedback queue.
func NewFeedbackSink(size int, repo repository.Repository, log *logger.Logger) *FeedbackSink {
	s := &FeedbackSink{repo: repo}
	s.Sink = NewSink[*Feedback]("feedback_sink", size, log, s.processFeedback)
	return s
}

func (s *FeedbackSink) processFeedback(ctx context.Context, fb *Feedback) error {
	parent, err := s.repo.GetThought(ctx, fb.DeferredThoughtID)
	if err != nil {
		return fmt.Errorf("deferred thought %s not found: %w", fb.DeferredThoughtID, err)
	}

	correction := models.NewChildThought(parent, models.ThoughtTypeCorrection, fb.Message.Content)
	correction.ProcessingContext["is_wa_feedback"] = true
	correction.ProcessingContext["wa_author"] = fb.Message.AuthorName
	correction.ProcessingContext["source_message_id"] = fb.Message.ID

	if err := s.repo.CreateThought(ctx, correction); err != nil {
		return fmt.Errorf("create correction thought: %w", err)
	}
	return nil
}

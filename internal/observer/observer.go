// Package observer implements the per-adapter ingress pipeline. Every
// inbound message passes the same ordered steps: self/bot
// short-circuit, secrets redaction, ring history, adaptive filtering,
// and routing into the feedback or observation flows.
package observer

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/graph"
	"github.com/anima-ai/anima/internal/registry"
	"github.com/anima-ai/anima/internal/secrets"
	"github.com/anima-ai/anima/internal/sinks"
	"github.com/anima-ai/anima/internal/task/models"
	"github.com/anima-ai/anima/internal/task/repository"
)

// PassiveContextLimit bounds the per-observer message history.
const PassiveContextLimit = 10

// seenLimit bounds the duplicate-id set; old ids age out FIFO.
const seenLimit = 4096

var thoughtIDPattern = regexp.MustCompile(`thought_[0-9a-fA-F-]{8,}`)

// Config fixes one observer's identity and routing.
type Config struct {
	AdapterName     string
	AgentID         string
	DeferralChannel string
	WAAuthors       []string
	HistoryLimit    int
}

// AdmissionChecker gates passive observations under resource pressure.
// The resource monitor satisfies it.
type AdmissionChecker interface {
	CheckAvailable(resource string, amount float64) bool
}

// Observer is the inbound handler for one adapter.
type Observer struct {
	cfg       Config
	secrets   *secrets.Pipeline
	reg       *registry.Registry
	mem       *buses.MemoryBus
	repo      repository.Repository
	feedback  *sinks.FeedbackSink
	admission AdmissionChecker
	log       *logger.Logger

	waAuthors map[string]struct{}

	mu        sync.Mutex
	history   []*buses.Message
	seen      map[string]struct{}
	seenOrder []string
	corrected map[string]struct{} // deferred thought ids already answered
}

// New creates an observer for one adapter.
func New(cfg Config, secretsPipeline *secrets.Pipeline, reg *registry.Registry, mem *buses.MemoryBus, repo repository.Repository, feedback *sinks.FeedbackSink, log *logger.Logger) *Observer {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = PassiveContextLimit
	}
	if log == nil {
		log = logger.Default()
	}
	waAuthors := make(map[string]struct{}, len(cfg.WAAuthors))
	for _, a := range cfg.WAAuthors {
		waAuthors[a] = struct{}{}
	}
	return &Observer{
		cfg:       cfg,
		secrets:   secretsPipeline,
		reg:       reg,
		mem:       mem,
		repo:      repo,
		feedback:  feedback,
		log:       log.WithComponent(cfg.AdapterName + "_observer"),
		waAuthors: waAuthors,
		seen:      map[string]struct{}{},
		corrected: map[string]struct{}{},
	}
}

// SetAdmissionChecker wires the resource pre-admission gate.
func (o *Observer) SetAdmissionChecker(a AdmissionChecker) { o.admission = a }

// HandleMessage runs one message through the pipeline. Errors are
// isolated per message; the caller keeps feeding the next ones.
func (o *Observer) HandleMessage(ctx context.Context, msg *buses.Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("not an incoming message")
	}

	// Duplicate delivery must be a no-op.
	if o.markSeen(msg.ID) {
		return nil
	}

	// Own and bot messages feed history but never re-enter the
	// pipeline.
	if msg.AuthorID == o.cfg.AgentID || msg.IsBot {
		o.appendHistory(msg)
		return nil
	}

	if o.secrets != nil {
		redacted, refs, err := o.secrets.Process(ctx, msg.ChannelID, msg.Content)
		if err != nil {
			return fmt.Errorf("secrets processing: %w", err)
		}
		msg.Content = redacted
		if len(refs) > 0 {
			o.log.Info("message carried secrets",
				zap.String("message_id", msg.ID), zap.Int("references", len(refs)))
		}
	}

	o.appendHistory(msg)

	verdict, err := o.filter(ctx, msg)
	if err != nil {
		return fmt.Errorf("adaptive filter: %w", err)
	}
	if !verdict.ShouldProcess {
		o.log.Debug("message filtered out",
			zap.String("message_id", msg.ID), zap.String("reasoning", verdict.Reasoning))
		return nil
	}

	switch {
	case o.isWAFeedback(msg):
		if err := o.handleFeedback(msg); err != nil {
			return err
		}
	case verdict.Priority.Urgent():
		// Priority observations bypass the admission gate.
		if err := o.createObservation(ctx, msg, verdict); err != nil {
			return err
		}
	default:
		if o.admission != nil && !o.admission.CheckAvailable("thoughts_active", 1) {
			o.log.Info("passive observation rejected under resource pressure",
				zap.String("message_id", msg.ID))
			return nil
		}
		if err := o.createObservation(ctx, msg, verdict); err != nil {
			return err
		}
	}

	o.recallContext(ctx, msg)
	return nil
}

// markSeen records msg id, reporting true when it was already seen.
func (o *Observer) markSeen(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.seen[id]; dup {
		return true
	}
	o.seen[id] = struct{}{}
	o.seenOrder = append(o.seenOrder, id)
	if len(o.seenOrder) > seenLimit {
		oldest := o.seenOrder[0]
		o.seenOrder = o.seenOrder[1:]
		delete(o.seen, oldest)
	}
	return false
}

func (o *Observer) appendHistory(msg *buses.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, msg)
	if len(o.history) > o.cfg.HistoryLimit {
		o.history = o.history[len(o.history)-o.cfg.HistoryLimit:]
	}
}

// History returns a copy of the ring-buffered context.
func (o *Observer) History() []*buses.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*buses.Message, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Observer) filter(ctx context.Context, msg *buses.Message) (Verdict, error) {
	provider, ok := o.reg.Acquire(o.cfg.AdapterName, registry.KindAdaptiveFilter, nil)
	if !ok {
		// No filter registered: process at default priority.
		return Verdict{ShouldProcess: true, Priority: PriorityNormal, Reasoning: "no filter provider"}, nil
	}
	filter, ok := provider.Instance.(AdaptiveFilter)
	if !ok {
		return Verdict{}, fmt.Errorf("provider %s does not implement AdaptiveFilter", provider.Name)
	}
	return filter.Evaluate(ctx, msg)
}

func (o *Observer) isWAFeedback(msg *buses.Message) bool {
	if msg.ChannelID != o.cfg.DeferralChannel || o.cfg.DeferralChannel == "" {
		return false
	}
	_, ok := o.waAuthors[msg.AuthorName]
	return ok
}

// handleFeedback enqueues a correction for the deferred thought the
// reply references. Duplicate corrections for the same thought are
// dropped.
func (o *Observer) handleFeedback(msg *buses.Message) error {
	ref := thoughtIDPattern.FindString(msg.Content)
	if ref == "" {
		return fmt.Errorf("feedback message %s references no thought", msg.ID)
	}

	o.mu.Lock()
	if _, dup := o.corrected[ref]; dup {
		o.mu.Unlock()
		o.log.Info("duplicate correction dropped",
			zap.String("thought_id", ref), zap.String("message_id", msg.ID))
		return nil
	}
	o.corrected[ref] = struct{}{}
	o.mu.Unlock()

	if !o.feedback.Enqueue(&sinks.Feedback{Message: msg, DeferredThoughtID: ref}) {
		o.mu.Lock()
		delete(o.corrected, ref)
		o.mu.Unlock()
		return fmt.Errorf("feedback sink full")
	}
	return nil
}

// createObservation creates a task and its seed thought for the
// message. Urgent verdicts carry the elevated priority into the task.
func (o *Observer) createObservation(ctx context.Context, msg *buses.Message, verdict Verdict) error {
	description := fmt.Sprintf("Respond to %s in %s", msg.AuthorName, msg.ChannelID)
	task := models.NewTask(msg.ChannelID, description, verdict.Priority.TaskPriority())
	task.Context["adapter"] = o.cfg.AdapterName
	task.Context["message_id"] = msg.ID
	task.Context["author_id"] = msg.AuthorID
	if err := o.repo.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	thought := models.NewThought(task.ID, models.ThoughtTypeObservation, msg.Content)
	thought.ProcessingContext["filter_priority"] = string(verdict.Priority)
	thought.ProcessingContext["filter_reasoning"] = verdict.Reasoning
	for k, v := range verdict.ContextHints {
		thought.ProcessingContext["hint_"+k] = v
	}
	if err := o.repo.CreateThought(ctx, thought); err != nil {
		return fmt.Errorf("create seed thought: %w", err)
	}

	o.log.Info("observation created",
		zap.String("task_id", task.ID),
		zap.String("thought_id", thought.ID),
		zap.String("priority", string(verdict.Priority)))
	return nil
}

// recallContext warms channel memory for the processed message. Recall
// failures are logged, not surfaced: context is an enrichment.
func (o *Observer) recallContext(ctx context.Context, msg *buses.Message) {
	if o.mem == nil {
		return
	}
	if _, err := o.mem.Recall(ctx, graph.Query{
		Type:  graph.NodeTypeChannel,
		Scope: graph.ScopeLocal,
		Text:  msg.ChannelID,
		Limit: 5,
	}); err != nil {
		o.log.Debug("context recall failed", zap.String("channel_id", msg.ChannelID), zap.Error(err))
	}
}

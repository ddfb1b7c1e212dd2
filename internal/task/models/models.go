package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

// DefaultMaxThoughtDepth is how deep a thought chain may grow before the
// processor defers the parent task instead of spawning another child.
const DefaultMaxThoughtDepth = 7

// ThoughtType classifies where a thought came from
type ThoughtType string

const (
	// ThoughtTypeStandard is the seed thought generated for a task
	ThoughtTypeStandard ThoughtType = "standard"
	// ThoughtTypeFollowUp continues a parent thought's reasoning
	ThoughtTypeFollowUp ThoughtType = "follow_up"
	// ThoughtTypeObservation reacts to an observed message
	ThoughtTypeObservation ThoughtType = "observation"
	// ThoughtTypeCorrection carries wise-authority feedback on a deferral
	ThoughtTypeCorrection ThoughtType = "correction"
)

// Task represents a unit of agent work in the database
type Task struct {
	ID           string                 `json:"id"`
	ChannelID    string                 `json:"channel_id"`
	Description  string                 `json:"description"`
	Status       v1.TaskStatus          `json:"status"`
	Priority     int                    `json:"priority"`
	ParentTaskID string                 `json:"parent_task_id,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Outcome      map[string]interface{} `json:"outcome,omitempty"`
	SignedBy     string                 `json:"signed_by,omitempty"`
	Signature    string                 `json:"signature,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with a fresh id
func NewTask(channelID, description string, priority int) *Task {
	return &Task{
		ID:          fmt.Sprintf("task_%s", uuid.New().String()),
		ChannelID:   channelID,
		Description: description,
		Status:      v1.TaskStatusPending,
		Priority:    priority,
		Context:     map[string]interface{}{},
	}
}

// IsTerminal reports whether the task can no longer change status
func (t *Task) IsTerminal() bool {
	return t.Status == v1.TaskStatusCompleted || t.Status == v1.TaskStatusFailed
}

// ToAPI converts internal Task to API type
func (t *Task) ToAPI() *v1.Task {
	result := &v1.Task{
		ID:          t.ID,
		ChannelID:   t.ChannelID,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		Context:     t.Context,
		Outcome:     t.Outcome,
		SignedBy:    t.SignedBy,
		Signature:   t.Signature,
		RetryCount:  t.RetryCount,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.ParentTaskID != "" {
		parent := t.ParentTaskID
		result.ParentTaskID = &parent
	}
	return result
}

// Thought represents one reasoning step attached to a task. Thoughts form
// a tree: children reference their parent by id, never by pointer.
type Thought struct {
	ID                string                 `json:"id"`
	SourceTaskID      string                 `json:"source_task_id"`
	ParentThoughtID   string                 `json:"parent_thought_id,omitempty"`
	ThoughtType       ThoughtType            `json:"thought_type"`
	Status            v1.ThoughtStatus       `json:"status"`
	Content           string                 `json:"content"`
	RoundNumber       int                    `json:"round_number"`
	Depth             int                    `json:"depth"`
	ProcessingContext map[string]interface{} `json:"processing_context,omitempty"`
	FinalAction       map[string]interface{} `json:"final_action,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// NewThought creates a pending root thought for a task
func NewThought(taskID string, thoughtType ThoughtType, content string) *Thought {
	return &Thought{
		ID:                fmt.Sprintf("thought_%s", uuid.New().String()),
		SourceTaskID:      taskID,
		ThoughtType:       thoughtType,
		Status:            v1.ThoughtStatusPending,
		Content:           content,
		Depth:             0,
		ProcessingContext: map[string]interface{}{},
	}
}

// NewChildThought creates a pending thought one level below parent. The
// caller checks the depth ceiling before persisting.
func NewChildThought(parent *Thought, thoughtType ThoughtType, content string) *Thought {
	child := NewThought(parent.SourceTaskID, thoughtType, content)
	child.ParentThoughtID = parent.ID
	child.Depth = parent.Depth + 1
	child.RoundNumber = parent.RoundNumber
	return child
}

// IsTerminal reports whether the thought can no longer change status
func (t *Thought) IsTerminal() bool {
	return t.Status == v1.ThoughtStatusCompleted ||
		t.Status == v1.ThoughtStatusDeferred ||
		t.Status == v1.ThoughtStatusFailed
}

// ToAPI converts internal Thought to API type
func (t *Thought) ToAPI() *v1.Thought {
	result := &v1.Thought{
		ID:                t.ID,
		SourceTaskID:      t.SourceTaskID,
		ThoughtType:       string(t.ThoughtType),
		Status:            t.Status,
		Content:           t.Content,
		RoundNumber:       t.RoundNumber,
		Depth:             t.Depth,
		ProcessingContext: t.ProcessingContext,
		FinalAction:       t.FinalAction,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	if t.ParentThoughtID != "" {
		parent := t.ParentThoughtID
		result.ParentThoughtID = &parent
	}
	return result
}

// CorrelationStatus represents the state of a tracked service call
type CorrelationStatus string

const (
	// CorrelationStatusPending - call dispatched, response outstanding
	CorrelationStatusPending CorrelationStatus = "PENDING"
	// CorrelationStatusCompleted - call returned successfully
	CorrelationStatusCompleted CorrelationStatus = "COMPLETED"
	// CorrelationStatusFailed - call failed after exhausting providers
	CorrelationStatusFailed CorrelationStatus = "FAILED"
)

// Correlation tracks one service call end to end for tracing and replay
type Correlation struct {
	ID           string                 `json:"id"`
	ServiceType  string                 `json:"service_type"`
	HandlerName  string                 `json:"handler_name"`
	ActionType   string                 `json:"action_type"`
	Status       CorrelationStatus      `json:"status"`
	TraceID      string                 `json:"trace_id,omitempty"`
	SpanID       string                 `json:"span_id,omitempty"`
	RequestData  map[string]interface{} `json:"request_data,omitempty"`
	ResponseData map[string]interface{} `json:"response_data,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// NewCorrelation creates a pending correlation for a dispatched call
func NewCorrelation(serviceType, handlerName, actionType string) *Correlation {
	return &Correlation{
		ID:          fmt.Sprintf("corr_%s", uuid.New().String()),
		ServiceType: serviceType,
		HandlerName: handlerName,
		ActionType:  actionType,
		Status:      CorrelationStatusPending,
	}
}

// CreationCeremony records the collaborative creation of an agent identity
type CreationCeremony struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	AgentName     string    `json:"agent_name"`
	TemplateName  string    `json:"template_name"`
	TemplateHash  string    `json:"template_hash"`
	CreatorID     string    `json:"creator_id"`
	ApproverID    string    `json:"approver_id"`
	CeremonyNotes string    `json:"ceremony_notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

package v1

import "time"

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusActive    TaskStatus = "ACTIVE"
	TaskStatusDeferred  TaskStatus = "DEFERRED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// ThoughtStatus represents the lifecycle state of a thought
type ThoughtStatus string

const (
	ThoughtStatusPending    ThoughtStatus = "PENDING"
	ThoughtStatusProcessing ThoughtStatus = "PROCESSING"
	ThoughtStatusCompleted  ThoughtStatus = "COMPLETED"
	ThoughtStatusDeferred   ThoughtStatus = "DEFERRED"
	ThoughtStatusFailed     ThoughtStatus = "FAILED"
)

// Task represents a unit of agent work
type Task struct {
	ID           string                 `json:"id"`
	ChannelID    string                 `json:"channel_id"`
	Description  string                 `json:"description"`
	Status       TaskStatus             `json:"status"`
	Priority     int                    `json:"priority"`
	ParentTaskID *string                `json:"parent_task_id,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Outcome      map[string]interface{} `json:"outcome,omitempty"`
	SignedBy     string                 `json:"signed_by,omitempty"`
	Signature    string                 `json:"signature,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	ThoughtCount int                    `json:"thought_count,omitempty"`
}

// Thought represents one reasoning step attached to a task
type Thought struct {
	ID                string                 `json:"id"`
	SourceTaskID      string                 `json:"source_task_id"`
	ParentThoughtID   *string                `json:"parent_thought_id,omitempty"`
	ThoughtType       string                 `json:"thought_type"`
	Status            ThoughtStatus          `json:"status"`
	Content           string                 `json:"content"`
	RoundNumber       int                    `json:"round_number"`
	Depth             int                    `json:"depth"`
	ProcessingContext map[string]interface{} `json:"processing_context,omitempty"`
	FinalAction       map[string]interface{} `json:"final_action,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// CreateTaskRequest submits a new task to the agent
type CreateTaskRequest struct {
	Description string                 `json:"description" binding:"required,max=2000"`
	ChannelID   string                 `json:"channel_id" binding:"required"`
	Priority    int                    `json:"priority" binding:"min=0,max=10"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// TaskListResponse wraps a page of tasks
type TaskListResponse struct {
	Tasks []*Task `json:"tasks"`
	Total int     `json:"total"`
}

// ThoughtListResponse wraps the thoughts of one task
type ThoughtListResponse struct {
	Thoughts []*Thought `json:"thoughts"`
	Total    int        `json:"total"`
}

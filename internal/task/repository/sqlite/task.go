package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anima-ai/anima/internal/task/models"
	"github.com/anima-ai/anima/internal/tracing"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

const taskColumns = `id, channel_id, description, status, priority, parent_task_id, context, outcome, signed_by, signature, retry_count, created_at, updated_at, completed_at`

// CreateTask persists a new task
func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	contextJSON := marshalJSONField(task.Context)
	outcomeJSON := marshalJSONField(task.Outcome)

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.ChannelID, task.Description, task.Status, task.Priority, task.ParentTaskID,
		contextJSON, outcomeJSON, task.SignedBy, task.Signature, task.RetryCount,
		task.CreatedAt, task.UpdatedAt, task.CompletedAt)
	return err
}

// GetTask retrieves a task by ID
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	return task, err
}

// UpdateTask updates an existing task
func (r *Repository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()

	contextJSON := marshalJSONField(task.Context)
	outcomeJSON := marshalJSONField(task.Outcome)

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks
		SET channel_id = ?, description = ?, status = ?, priority = ?, parent_task_id = ?,
		    context = ?, outcome = ?, signed_by = ?, signature = ?, retry_count = ?,
		    updated_at = ?, completed_at = ?
		WHERE id = ?
	`), task.ChannelID, task.Description, task.Status, task.Priority, task.ParentTaskID,
		contextJSON, outcomeJSON, task.SignedBy, task.Signature, task.RetryCount,
		task.UpdatedAt, task.CompletedAt, task.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task not found: %s", task.ID)
	}
	return nil
}

// UpdateTaskStatus updates only the status of a task. Terminal statuses
// stamp completed_at.
func (r *Repository) UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus) error {
	now := time.Now().UTC()
	var completedAt interface{}
	if status == v1.TaskStatusCompleted || status == v1.TaskStatusFailed {
		completedAt = now
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?
	`), status, now, completedAt, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// ListTasksByStatus returns all tasks in the given status ordered by
// priority then age
func (r *Repository) ListTasksByStatus(ctx context.Context, status v1.TaskStatus) ([]*models.Task, error) {
	ctx, span := tracing.Tracer("anima-db").Start(ctx, "db.ListTasksByStatus")
	defer span.End()
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC
	`), status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListTasksByChannel returns the most recent tasks for a channel
func (r *Repository) ListTasksByChannel(ctx context.Context, channelID string, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE channel_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

// CountTasksByStatus counts tasks in the given status
func (r *Repository) CountTasksByStatus(ctx context.Context, status v1.TaskStatus) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM tasks WHERE status = ?
	`), status).Scan(&count)
	return count, err
}

// rowScanner lets one scan helper serve both QueryRow and Query results
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var contextJSON, outcomeJSON string
	var completedAt sql.NullTime

	err := row.Scan(&task.ID, &task.ChannelID, &task.Description, &task.Status, &task.Priority,
		&task.ParentTaskID, &contextJSON, &outcomeJSON, &task.SignedBy, &task.Signature,
		&task.RetryCount, &task.CreatedAt, &task.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(contextJSON), &task.Context)
	_ = json.Unmarshal([]byte(outcomeJSON), &task.Outcome)
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

// marshalJSONField serializes a map column, falling back to an empty object
func marshalJSONField(m map[string]interface{}) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

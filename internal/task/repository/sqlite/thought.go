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

const thoughtColumns = `id, source_task_id, parent_thought_id, thought_type, status, content, round_number, depth, processing_context, final_action, created_at, updated_at`

// CreateThought persists a new thought
func (r *Repository) CreateThought(ctx context.Context, thought *models.Thought) error {
	if thought.ID == "" {
		return fmt.Errorf("thought id is required")
	}
	now := time.Now().UTC()
	thought.CreatedAt = now
	thought.UpdatedAt = now

	pctxJSON := marshalJSONField(thought.ProcessingContext)
	actionJSON := marshalJSONField(thought.FinalAction)

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO thoughts (`+thoughtColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), thought.ID, thought.SourceTaskID, thought.ParentThoughtID, thought.ThoughtType,
		thought.Status, thought.Content, thought.RoundNumber, thought.Depth,
		pctxJSON, actionJSON, thought.CreatedAt, thought.UpdatedAt)
	return err
}

// GetThought retrieves a thought by ID
func (r *Repository) GetThought(ctx context.Context, id string) (*models.Thought, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+thoughtColumns+` FROM thoughts WHERE id = ?
	`), id)
	thought, err := scanThought(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thought not found: %s", id)
	}
	return thought, err
}

// UpdateThought updates an existing thought
func (r *Repository) UpdateThought(ctx context.Context, thought *models.Thought) error {
	thought.UpdatedAt = time.Now().UTC()

	pctxJSON := marshalJSONField(thought.ProcessingContext)
	actionJSON := marshalJSONField(thought.FinalAction)

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE thoughts
		SET status = ?, content = ?, round_number = ?, processing_context = ?, final_action = ?, updated_at = ?
		WHERE id = ?
	`), thought.Status, thought.Content, thought.RoundNumber, pctxJSON, actionJSON,
		thought.UpdatedAt, thought.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thought not found: %s", thought.ID)
	}
	return nil
}

// UpdateThoughtStatus updates only the status of a thought
func (r *Repository) UpdateThoughtStatus(ctx context.Context, id string, status v1.ThoughtStatus) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE thoughts SET status = ?, updated_at = ? WHERE id = ?
	`), status, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thought not found: %s", id)
	}
	return nil
}

// MarkThoughtProcessing moves a PENDING thought to PROCESSING and stamps
// the round that claimed it. A zero-row update means another round got
// there first.
func (r *Repository) MarkThoughtProcessing(ctx context.Context, id string, round int) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE thoughts SET status = ?, round_number = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), v1.ThoughtStatusProcessing, round, time.Now().UTC(), id, v1.ThoughtStatusPending)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thought not pending: %s", id)
	}
	return nil
}

// ListThoughtsByTask returns all thoughts of a task ordered by creation
func (r *Repository) ListThoughtsByTask(ctx context.Context, taskID string) ([]*models.Thought, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT `+thoughtColumns+` FROM thoughts
		WHERE source_task_id = ?
		ORDER BY created_at ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanThoughts(rows)
}

// ListPendingThoughtsForProcessing returns up to limit PENDING thoughts
// ordered by owning task priority (highest first) then thought age
// (oldest first). This is the processor's round admission query.
func (r *Repository) ListPendingThoughtsForProcessing(ctx context.Context, limit int) ([]*models.Thought, error) {
	ctx, span := tracing.Tracer("anima-db").Start(ctx, "db.ListPendingThoughtsForProcessing")
	defer span.End()

	if limit <= 0 {
		limit = 10
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT t.id, t.source_task_id, t.parent_thought_id, t.thought_type, t.status, t.content,
		       t.round_number, t.depth, t.processing_context, t.final_action, t.created_at, t.updated_at
		FROM thoughts t
		JOIN tasks k ON k.id = t.source_task_id
		WHERE t.status = ?
		ORDER BY k.priority DESC, t.created_at ASC
		LIMIT ?
	`), v1.ThoughtStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanThoughts(rows)
}

// CountThoughtsByStatus counts thoughts in the given status
func (r *Repository) CountThoughtsByStatus(ctx context.Context, status v1.ThoughtStatus) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM thoughts WHERE status = ?
	`), status).Scan(&count)
	return count, err
}

func scanThought(row rowScanner) (*models.Thought, error) {
	thought := &models.Thought{}
	var pctxJSON, actionJSON string

	err := row.Scan(&thought.ID, &thought.SourceTaskID, &thought.ParentThoughtID,
		&thought.ThoughtType, &thought.Status, &thought.Content, &thought.RoundNumber,
		&thought.Depth, &pctxJSON, &actionJSON, &thought.CreatedAt, &thought.UpdatedAt)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(pctxJSON), &thought.ProcessingContext)
	_ = json.Unmarshal([]byte(actionJSON), &thought.FinalAction)
	return thought, nil
}

func scanThoughts(rows *sql.Rows) ([]*models.Thought, error) {
	var result []*models.Thought
	for rows.Next() {
		thought, err := scanThought(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, thought)
	}
	return result, rows.Err()
}

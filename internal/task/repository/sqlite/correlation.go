package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anima-ai/anima/internal/task/models"
)

const correlationColumns = `id, service_type, handler_name, action_type, status, trace_id, span_id, request_data, response_data, created_at, updated_at`

// CreateCorrelation persists a pending service call record
func (r *Repository) CreateCorrelation(ctx context.Context, corr *models.Correlation) error {
	if corr.ID == "" {
		return fmt.Errorf("correlation id is required")
	}
	now := time.Now().UTC()
	corr.CreatedAt = now
	corr.UpdatedAt = now

	reqJSON := marshalJSONField(corr.RequestData)
	respJSON := marshalJSONField(corr.ResponseData)

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO correlations (`+correlationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), corr.ID, corr.ServiceType, corr.HandlerName, corr.ActionType, corr.Status,
		corr.TraceID, corr.SpanID, reqJSON, respJSON, corr.CreatedAt, corr.UpdatedAt)
	return err
}

// GetCorrelation retrieves a correlation by ID
func (r *Repository) GetCorrelation(ctx context.Context, id string) (*models.Correlation, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+correlationColumns+` FROM correlations WHERE id = ?
	`), id)
	corr, err := scanCorrelation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("correlation not found: %s", id)
	}
	return corr, err
}

// ResolveCorrelation closes out a pending correlation with its outcome
func (r *Repository) ResolveCorrelation(ctx context.Context, id string, status models.CorrelationStatus, responseData map[string]interface{}) error {
	respJSON := marshalJSONField(responseData)

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE correlations SET status = ?, response_data = ?, updated_at = ? WHERE id = ?
	`), status, respJSON, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("correlation not found: %s", id)
	}
	return nil
}

// ListRecentCorrelations returns the newest correlations, optionally
// filtered by service type
func (r *Repository) ListRecentCorrelations(ctx context.Context, serviceType string, limit int) ([]*models.Correlation, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if serviceType == "" {
		rows, err = r.ro.QueryContext(ctx, r.ro.Rebind(`
			SELECT `+correlationColumns+` FROM correlations
			ORDER BY created_at DESC LIMIT ?
		`), limit)
	} else {
		rows, err = r.ro.QueryContext(ctx, r.ro.Rebind(`
			SELECT `+correlationColumns+` FROM correlations
			WHERE service_type = ?
			ORDER BY created_at DESC LIMIT ?
		`), serviceType, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Correlation
	for rows.Next() {
		corr, err := scanCorrelation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, corr)
	}
	return result, rows.Err()
}

func scanCorrelation(row rowScanner) (*models.Correlation, error) {
	corr := &models.Correlation{}
	var reqJSON, respJSON string

	err := row.Scan(&corr.ID, &corr.ServiceType, &corr.HandlerName, &corr.ActionType,
		&corr.Status, &corr.TraceID, &corr.SpanID, &reqJSON, &respJSON,
		&corr.CreatedAt, &corr.UpdatedAt)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(reqJSON), &corr.RequestData)
	_ = json.Unmarshal([]byte(respJSON), &corr.ResponseData)
	return corr, nil
}

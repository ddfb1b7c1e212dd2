package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anima-ai/anima/internal/task/models"
)

// CreateCeremony records an agent creation ceremony
func (r *Repository) CreateCeremony(ctx context.Context, ceremony *models.CreationCeremony) error {
	if ceremony.ID == "" {
		ceremony.ID = fmt.Sprintf("ceremony_%s", uuid.New().String())
	}
	ceremony.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO creation_ceremonies (id, agent_id, agent_name, template_name, template_hash, creator_id, approver_id, ceremony_notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), ceremony.ID, ceremony.AgentID, ceremony.AgentName, ceremony.TemplateName,
		ceremony.TemplateHash, ceremony.CreatorID, ceremony.ApproverID,
		ceremony.CeremonyNotes, ceremony.CreatedAt)
	return err
}

// ListCeremonies returns all recorded ceremonies oldest first
func (r *Repository) ListCeremonies(ctx context.Context) ([]*models.CreationCeremony, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, agent_id, agent_name, template_name, template_hash, creator_id, approver_id, ceremony_notes, created_at
		FROM creation_ceremonies ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.CreationCeremony
	for rows.Next() {
		c := &models.CreationCeremony{}
		if err := rows.Scan(&c.ID, &c.AgentID, &c.AgentName, &c.TemplateName, &c.TemplateHash,
			&c.CreatorID, &c.ApproverID, &c.CeremonyNotes, &c.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

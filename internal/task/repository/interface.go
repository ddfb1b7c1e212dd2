package repository

import (
	"context"

	"github.com/anima-ai/anima/internal/task/models"
	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

// Repository defines the interface for task, thought, and correlation
// storage operations
type Repository interface {
	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	UpdateTaskStatus(ctx context.Context, id string, status v1.TaskStatus) error
	ListTasksByStatus(ctx context.Context, status v1.TaskStatus) ([]*models.Task, error)
	ListTasksByChannel(ctx context.Context, channelID string, limit int) ([]*models.Task, error)
	CountTasksByStatus(ctx context.Context, status v1.TaskStatus) (int, error)

	// Thought operations
	CreateThought(ctx context.Context, thought *models.Thought) error
	GetThought(ctx context.Context, id string) (*models.Thought, error)
	UpdateThought(ctx context.Context, thought *models.Thought) error
	UpdateThoughtStatus(ctx context.Context, id string, status v1.ThoughtStatus) error
	MarkThoughtProcessing(ctx context.Context, id string, round int) error
	ListThoughtsByTask(ctx context.Context, taskID string) ([]*models.Thought, error)
	ListPendingThoughtsForProcessing(ctx context.Context, limit int) ([]*models.Thought, error)
	CountThoughtsByStatus(ctx context.Context, status v1.ThoughtStatus) (int, error)

	// Correlation operations
	CreateCorrelation(ctx context.Context, corr *models.Correlation) error
	GetCorrelation(ctx context.Context, id string) (*models.Correlation, error)
	ResolveCorrelation(ctx context.Context, id string, status models.CorrelationStatus, responseData map[string]interface{}) error
	ListRecentCorrelations(ctx context.Context, serviceType string, limit int) ([]*models.Correlation, error)

	// Creation ceremony operations
	CreateCeremony(ctx context.Context, ceremony *models.CreationCeremony) error
	ListCeremonies(ctx context.Context) ([]*models.CreationCeremony, error)

	// Close closes the repository (for database connections)
	Close() error
}

// Package sqlite provides the SQLite-backed repository for tasks,
// thoughts, correlations, and creation ceremonies.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQLite-based storage for the agent's work queue.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository over an existing database connection
// (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		priority INTEGER NOT NULL DEFAULT 0,
		parent_task_id TEXT NOT NULL DEFAULT '',
		context TEXT NOT NULL DEFAULT '{}',
		outcome TEXT NOT NULL DEFAULT '{}',
		signed_by TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS thoughts (
		id TEXT PRIMARY KEY,
		source_task_id TEXT NOT NULL,
		parent_thought_id TEXT NOT NULL DEFAULT '',
		thought_type TEXT NOT NULL DEFAULT 'standard',
		status TEXT NOT NULL DEFAULT 'PENDING',
		content TEXT NOT NULL DEFAULT '',
		round_number INTEGER NOT NULL DEFAULT 0,
		depth INTEGER NOT NULL DEFAULT 0,
		processing_context TEXT NOT NULL DEFAULT '{}',
		final_action TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (source_task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS correlations (
		id TEXT PRIMARY KEY,
		service_type TEXT NOT NULL,
		handler_name TEXT NOT NULL DEFAULT '',
		action_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		trace_id TEXT NOT NULL DEFAULT '',
		span_id TEXT NOT NULL DEFAULT '',
		request_data TEXT NOT NULL DEFAULT '{}',
		response_data TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS creation_ceremonies (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		agent_name TEXT NOT NULL,
		template_name TEXT NOT NULL,
		template_hash TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		approver_id TEXT NOT NULL,
		ceremony_notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return err
	}
	return r.ensureIndexes()
}

// ensureIndexes creates the hot-path indexes. The thought scheduling query
// joins thoughts to tasks ordered by task priority, so both sides carry a
// status index.
func (r *Repository) ensureIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_channel_id ON tasks(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_thoughts_status ON thoughts(status)`,
		`CREATE INDEX IF NOT EXISTS idx_thoughts_source_task_id ON thoughts(source_task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_correlations_service_type ON correlations(service_type, created_at)`,
	}
	for _, idx := range indexes {
		if _, err := r.db.Exec(idx); err != nil {
			return err
		}
	}
	return nil
}

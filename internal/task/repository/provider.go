package repository

import (
	"github.com/jmoiron/sqlx"

	"github.com/anima-ai/anima/internal/task/repository/sqlite"
)

// Ensure the SQLite implementation satisfies the repository contract.
var _ Repository = (*sqlite.Repository)(nil)

// Provide creates the SQLite repository using separate writer and reader pools.
func Provide(writer, reader *sqlx.DB) (*sqlite.Repository, func() error, error) {
	repo, err := sqlite.NewWithDB(writer, reader)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}

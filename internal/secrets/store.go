package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Record is one stored secret. Plaintext only exists transiently inside
// Reveal; the row holds AES-256-GCM ciphertext.
type Record struct {
	Token       string    `db:"token"`
	PatternName string    `db:"pattern_name"`
	Ciphertext  []byte    `db:"ciphertext"`
	Nonce       []byte    `db:"nonce"`
	ChannelID   string    `db:"channel_id"`
	CreatedAt   time.Time `db:"created_at"`
}

// Store persists encrypted secret payloads in the secrets database.
// No query surface ever returns plaintext or ciphertext to callers
// outside this package.
type Store struct {
	db *sqlx.DB
}

// NewStore creates the store and its schema.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("secrets schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS secrets (
		token TEXT PRIMARY KEY,
		pattern_name TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		nonce BLOB NOT NULL,
		channel_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`)
	return err
}

func (s *Store) insert(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (token, pattern_name, ciphertext, nonce, channel_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Token, rec.PatternName, rec.Ciphertext, rec.Nonce, rec.ChannelID, rec.CreatedAt)
	return err
}

func (s *Store) get(ctx context.Context, token string) (*Record, error) {
	var rec Record
	err := s.db.GetContext(ctx, &rec,
		`SELECT token, pattern_name, ciphertext, nonce, channel_id, created_at
		 FROM secrets WHERE token = ?`, token)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Count returns how many secrets are stored, for health reporting.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM secrets`)
	return n, err
}

package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// genesisHash is the previous-hash value of sequence number 1.
var genesisHash = strings.Repeat("0", 64)

// ChainRecord is one row of the hash chain. Rows are append-only; the
// chain database is never rewritten or pruned.
type ChainRecord struct {
	SequenceNumber int64     `db:"sequence_number"`
	EntryID        string    `db:"entry_id"`
	EventTimestamp time.Time `db:"event_timestamp"`
	EventType      string    `db:"event_type"`
	EntityID       string    `db:"entity_id"`
	Actor          string    `db:"actor"`
	Outcome        string    `db:"outcome"`
	Payload        string    `db:"payload"`
	PreviousHash   string    `db:"previous_hash"`
	EntryHash      string    `db:"entry_hash"`
	Signature      string    `db:"signature"`
	SigningKeyID   string    `db:"signing_key_id"`
}

// HashChain maintains the append-only cryptographic audit backbone in
// its own SQLite database. One mutex serializes every append so
// sequence numbers stay dense and gapless.
type HashChain struct {
	mu   sync.Mutex
	db   *sqlx.DB
	sigs *SignatureManager

	lastSeq  int64
	lastHash string
}

// NewHashChain opens the chain over db and primes the tail. sigs may be
// nil when signed audit is disabled; entries then carry empty
// signatures and verification skips the signature check.
func NewHashChain(db *sqlx.DB, sigs *SignatureManager) (*HashChain, error) {
	c := &HashChain{db: db, sigs: sigs}
	if err := c.initSchema(); err != nil {
		return nil, fmt.Errorf("audit chain schema: %w", err)
	}
	if err := c.loadTail(); err != nil {
		return nil, fmt.Errorf("audit chain tail: %w", err)
	}
	return c, nil
}

func (c *HashChain) initSchema() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_log (
		sequence_number INTEGER PRIMARY KEY,
		entry_id TEXT NOT NULL UNIQUE,
		event_timestamp DATETIME NOT NULL,
		event_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		signature TEXT NOT NULL DEFAULT '',
		signing_key_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(event_timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type);
	`)
	return err
}

func (c *HashChain) loadTail() error {
	var tail ChainRecord
	err := c.db.Get(&tail,
		`SELECT sequence_number, entry_hash FROM audit_log
		 ORDER BY sequence_number DESC LIMIT 1`)
	switch err {
	case nil:
		c.lastSeq = tail.SequenceNumber
		c.lastHash = tail.EntryHash
	case sql.ErrNoRows:
		c.lastSeq = 0
		c.lastHash = genesisHash
	default:
		return err
	}
	return nil
}

// computeEntryHash derives the chain hash for one record. The previous
// hash is part of the input, so any rewrite invalidates every later
// entry.
func computeEntryHash(entryID string, ts time.Time, eventType, entityID, payload string, seq int64, prevHash string) string {
	input := strings.Join([]string{
		entryID,
		ts.UTC().Format(time.RFC3339Nano),
		eventType,
		entityID,
		payload,
		fmt.Sprintf("%d", seq),
		prevHash,
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Append links, signs, and persists one record, returning it with the
// assigned sequence number and hashes filled in.
func (c *HashChain) Append(entry *Entry) (*ChainRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.lastSeq + 1
	prev := c.lastHash
	payload := entry.payloadJSON()
	hash := computeEntryHash(entry.EntryID, entry.Timestamp, entry.EventType, entry.EntityID, payload, seq, prev)

	var signature, keyID string
	if c.sigs != nil {
		var err error
		signature, err = c.sigs.Sign(hash)
		if err != nil {
			return nil, fmt.Errorf("sign entry %s: %w", entry.EntryID, err)
		}
		keyID = c.sigs.ActiveKeyID()
	}

	rec := &ChainRecord{
		SequenceNumber: seq,
		EntryID:        entry.EntryID,
		EventTimestamp: entry.Timestamp.UTC(),
		EventType:      entry.EventType,
		EntityID:       entry.EntityID,
		Actor:          entry.Actor,
		Outcome:        entry.Outcome,
		Payload:        payload,
		PreviousHash:   prev,
		EntryHash:      hash,
		Signature:      signature,
		SigningKeyID:   keyID,
	}

	_, err := c.db.Exec(
		`INSERT INTO audit_log (sequence_number, entry_id, event_timestamp, event_type,
			entity_id, actor, outcome, payload, previous_hash, entry_hash, signature, signing_key_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SequenceNumber, rec.EntryID, rec.EventTimestamp, rec.EventType,
		rec.EntityID, rec.Actor, rec.Outcome, rec.Payload,
		rec.PreviousHash, rec.EntryHash, rec.Signature, rec.SigningKeyID)
	if err != nil {
		return nil, fmt.Errorf("append entry %s: %w", entry.EntryID, err)
	}

	c.lastSeq = seq
	c.lastHash = hash
	return rec, nil
}

// Length returns the number of chained entries.
func (c *HashChain) Length() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Records returns up to limit records starting at sequence from,
// ascending. from <= 0 starts at the beginning.
func (c *HashChain) Records(from int64, limit int) ([]*ChainRecord, error) {
	if from <= 0 {
		from = 1
	}
	if limit <= 0 {
		limit = 1000
	}
	var rows []*ChainRecord
	err := c.db.Select(&rows,
		`SELECT sequence_number, entry_id, event_timestamp, event_type, entity_id,
			actor, outcome, payload, previous_hash, entry_hash, signature, signing_key_id
		 FROM audit_log WHERE sequence_number >= ?
		 ORDER BY sequence_number ASC LIMIT ?`, from, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// VerificationReport is the outcome of a full chain walk.
type VerificationReport struct {
	Verified          bool     `json:"verified"`
	TotalEntries      int64    `json:"total_entries"`
	ValidEntries      int64    `json:"valid_entries"`
	InvalidEntries    int64    `json:"invalid_entries"`
	ChainIntact       bool     `json:"chain_intact"`
	FirstInvalidEntry int64    `json:"first_invalid_entry,omitempty"`
	DurationMS        float64  `json:"duration_ms"`
	Errors            []string `json:"errors,omitempty"`
}

// Verify walks the chain from sequence 1, recomputing every hash,
// checking linkage, and verifying signatures. An empty chain verifies
// as intact. Integrity failures are reported, never corrected.
func (c *HashChain) Verify() (*VerificationReport, error) {
	start := time.Now()
	report := &VerificationReport{Verified: true, ChainIntact: true}

	const batch = 500
	prevHash := genesisHash
	expectSeq := int64(1)
	for {
		records, err := c.Records(expectSeq, batch)
		if err != nil {
			return nil, fmt.Errorf("read chain: %w", err)
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			report.TotalEntries++
			valid := true

			if rec.SequenceNumber != expectSeq {
				report.Errors = append(report.Errors,
					fmt.Sprintf("seq %d: gap, expected %d", rec.SequenceNumber, expectSeq))
				report.ChainIntact = false
				valid = false
				expectSeq = rec.SequenceNumber
			}
			if rec.PreviousHash != prevHash {
				report.Errors = append(report.Errors,
					fmt.Sprintf("seq %d: previous hash mismatch", rec.SequenceNumber))
				report.ChainIntact = false
				valid = false
			}
			recomputed := computeEntryHash(rec.EntryID, rec.EventTimestamp, rec.EventType,
				rec.EntityID, rec.Payload, rec.SequenceNumber, rec.PreviousHash)
			if recomputed != rec.EntryHash {
				report.Errors = append(report.Errors,
					fmt.Sprintf("seq %d: entry hash mismatch", rec.SequenceNumber))
				valid = false
			}
			if c.sigs != nil && rec.Signature != "" {
				if err := c.sigs.Verify(rec.SigningKeyID, rec.EntryHash, rec.Signature); err != nil {
					report.Errors = append(report.Errors,
						fmt.Sprintf("seq %d: %v", rec.SequenceNumber, err))
					valid = false
				}
			}

			if valid {
				report.ValidEntries++
			} else {
				report.InvalidEntries++
				if report.FirstInvalidEntry == 0 {
					report.FirstInvalidEntry = rec.SequenceNumber
				}
			}
			prevHash = rec.EntryHash
			expectSeq++
		}
		if len(records) < batch {
			break
		}
	}

	report.Verified = report.InvalidEntries == 0 && report.ChainIntact
	report.DurationMS = float64(time.Since(start).Microseconds()) / 1000.0
	return report, nil
}

package audit

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/common/logger"
)

// exportFlushInterval is how often the background exporter drains its
// buffer to the configured file.
const exportFlushInterval = 60 * time.Second

// maxOneShotExport bounds ExportAuditData.
const maxOneShotExport = 10000

// exporter buffers entries and flushes them to one file periodically.
type exporter struct {
	path   string
	format string
	log    *logger.Logger

	mu       sync.Mutex
	pending  []*Entry
	wroteCSV bool

	stopCh chan struct{}
	done   chan struct{}
}

func newExporter(path, format string, log *logger.Logger) *exporter {
	return &exporter{
		path:   path,
		format: format,
		log:    log.WithComponent("audit_exporter"),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (e *exporter) start() {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(exportFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.flush()
			case <-e.stopCh:
				e.flush()
				return
			}
		}
	}()
}

func (e *exporter) stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	<-e.done
}

func (e *exporter) buffer(entry *Entry) {
	e.mu.Lock()
	e.pending = append(e.pending, entry)
	e.mu.Unlock()
}

func (e *exporter) flush() {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	var err error
	switch e.format {
	case "csv":
		err = e.appendCSV(batch)
	case "sqlite":
		err = appendSQLite(e.path, batch)
	default:
		err = appendJSONL(e.path, batch)
	}
	if err != nil {
		e.log.Warn("audit export flush failed", zap.Int("entries", len(batch)), zap.Error(err))
		// put the batch back so the next flush retries
		e.mu.Lock()
		e.pending = append(batch, e.pending...)
		e.mu.Unlock()
		return
	}
	e.log.Debug("audit export flushed", zap.Int("entries", len(batch)))
}

func appendJSONL(path string, entries []*Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

var csvHeader = []string{"entry_id", "timestamp", "entity_id", "event_type", "actor", "outcome", "details"}

func (e *exporter) appendCSV(entries []*Entry) error {
	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return err
	}
	info, statErr := os.Stat(e.path)
	needHeader := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if needHeader && !e.wroteCSV {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
		e.wroteCSV = true
	}
	for _, entry := range entries {
		if err := w.Write(csvRow(entry)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func csvRow(entry *Entry) []string {
	details, _ := json.Marshal(entry.Details)
	return []string{
		entry.EntryID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.EntityID,
		entry.EventType,
		entry.Actor,
		entry.Outcome,
		string(details),
	}
}

func appendSQLite(path string, entries []*Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_export (
		entry_id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}'
	)`); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO audit_export
		(entry_id, timestamp, entity_id, event_type, actor, outcome, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, entry := range entries {
		details, _ := json.Marshal(entry.Details)
		if _, err := stmt.Exec(entry.EntryID, entry.Timestamp.UTC(), entry.EntityID,
			entry.EventType, entry.Actor, entry.Outcome, string(details)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ExportAuditData performs a one-shot export of up to 10 000 chain
// entries intersecting [start, end], returning the generated file path.
func (s *Service) ExportAuditData(start, end *time.Time, format string) (string, int, error) {
	if s.chain == nil {
		return "", 0, fmt.Errorf("no chain database configured")
	}
	if format == "" {
		format = s.cfg.ExportFormat
	}
	switch format {
	case "jsonl", "csv", "sqlite":
	default:
		return "", 0, fmt.Errorf("unsupported export format %q", format)
	}

	var selected []*Entry
	from := int64(1)
	for len(selected) < maxOneShotExport {
		records, err := s.chain.Records(from, 1000)
		if err != nil {
			return "", 0, err
		}
		if len(records) == 0 {
			break
		}
		for _, rec := range records {
			from = rec.SequenceNumber + 1
			if start != nil && rec.EventTimestamp.Before(*start) {
				continue
			}
			if end != nil && rec.EventTimestamp.After(*end) {
				continue
			}
			entry := &Entry{
				EntryID:        rec.EntryID,
				Timestamp:      rec.EventTimestamp,
				EntityID:       rec.EntityID,
				EventType:      rec.EventType,
				Actor:          rec.Actor,
				Outcome:        rec.Outcome,
				Signature:      rec.Signature,
				PreviousHash:   rec.PreviousHash,
				SequenceNumber: rec.SequenceNumber,
			}
			var details map[string]string
			if err := json.Unmarshal([]byte(rec.Payload), &details); err == nil {
				entry.Details = details
			}
			selected = append(selected, entry)
			if len(selected) >= maxOneShotExport {
				break
			}
		}
	}

	ext := format
	if format == "sqlite" {
		ext = "db"
	}
	dir := "."
	if s.cfg.ExportPath != "" {
		dir = filepath.Dir(s.cfg.ExportPath)
	}
	path := filepath.Join(dir, fmt.Sprintf("audit_export_%d.%s", s.clk.Now().Unix(), ext))

	var err error
	switch format {
	case "csv":
		tmp := &exporter{path: path, format: "csv", log: s.log}
		err = tmp.appendCSV(selected)
	case "sqlite":
		err = appendSQLite(path, selected)
	default:
		err = appendJSONL(path, selected)
	}
	if err != nil {
		return "", 0, err
	}
	return path, len(selected), nil
}

package v1

import "time"

// AuditEntry is the wire form of one audit log record
type AuditEntry struct {
	EntryID           string                 `json:"entry_id"`
	Timestamp         time.Time              `json:"timestamp"`
	EntityID          string                 `json:"entity_id"`
	EventType         string                 `json:"event_type"`
	Actor             string                 `json:"actor"`
	Details           map[string]interface{} `json:"details,omitempty"`
	Outcome           string                 `json:"outcome,omitempty"`
	Signature         string                 `json:"signature,omitempty"`
	HashChainPrevHash string                 `json:"hash_chain_prev_hash,omitempty"`
	SequenceNumber    int64                  `json:"sequence_number"`
}

// AuditQueryRequest filters the audit trail
type AuditQueryRequest struct {
	EntityID  string     `json:"entity_id,omitempty" form:"entity_id"`
	EventType string     `json:"event_type,omitempty" form:"event_type"`
	Actor     string     `json:"actor,omitempty" form:"actor"`
	Since     *time.Time `json:"since,omitempty" form:"since"`
	Until     *time.Time `json:"until,omitempty" form:"until"`
	Limit     int        `json:"limit,omitempty" form:"limit"`
	Offset    int        `json:"offset,omitempty" form:"offset"`
}

// AuditQueryResponse wraps a page of audit entries
type AuditQueryResponse struct {
	Entries []*AuditEntry `json:"entries"`
	Total   int           `json:"total"`
}

// AuditVerifyResponse reports a hash chain verification run
type AuditVerifyResponse struct {
	Valid           bool    `json:"valid"`
	EntriesVerified int64   `json:"entries_verified"`
	FirstBrokenSeq  int64   `json:"first_broken_seq,omitempty"`
	Reason          string  `json:"reason,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// AuditExportRequest asks for a one-shot export
type AuditExportRequest struct {
	Format string     `json:"format" binding:"required,oneof=jsonl csv sqlite"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty" binding:"omitempty,min=1,max=10000"`
}

// AuditExportResponse reports where the export landed
type AuditExportResponse struct {
	Path    string `json:"path"`
	Format  string `json:"format"`
	Entries int    `json:"entries"`
}

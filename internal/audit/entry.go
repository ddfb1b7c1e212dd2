package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	v1 "github.com/anima-ai/anima/pkg/api/v1"
)

// Entry is one audit log record before chaining. Details are coerced to
// strings so the payload hash is stable across readers.
type Entry struct {
	EntryID        string            `json:"entry_id"`
	Timestamp      time.Time         `json:"timestamp"`
	EntityID       string            `json:"entity_id"`
	EventType      string            `json:"event_type"`
	Actor          string            `json:"actor"`
	Details        map[string]string `json:"details,omitempty"`
	Outcome        string            `json:"outcome,omitempty"`
	Signature      string            `json:"signature,omitempty"`
	PreviousHash   string            `json:"hash_chain_prev_hash,omitempty"`
	SequenceNumber int64             `json:"sequence_number,omitempty"`
}

// payloadJSON serializes the details with sorted keys for hashing.
func (e *Entry) payloadJSON() string {
	if len(e.Details) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make(map[string]string, len(e.Details))
	for _, k := range keys {
		ordered[k] = e.Details[k]
	}
	// encoding/json already sorts map keys; the explicit copy documents
	// that hash stability depends on it.
	raw, err := json.Marshal(ordered)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// ToAPI converts the entry to its wire form.
func (e *Entry) ToAPI() *v1.AuditEntry {
	details := make(map[string]interface{}, len(e.Details))
	for k, v := range e.Details {
		details[k] = v
	}
	return &v1.AuditEntry{
		EntryID:           e.EntryID,
		Timestamp:         e.Timestamp,
		EntityID:          e.EntityID,
		EventType:         e.EventType,
		Actor:             e.Actor,
		Details:           details,
		Outcome:           e.Outcome,
		Signature:         e.Signature,
		HashChainPrevHash: e.PreviousHash,
		SequenceNumber:    e.SequenceNumber,
	}
}

// CoerceDetails flattens arbitrary values into the string map an entry
// carries.
func CoerceDetails(in map[string]interface{}) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case fmt.Stringer:
			out[k] = val.String()
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				out[k] = fmt.Sprintf("%v", v)
				continue
			}
			out[k] = string(raw)
		}
	}
	return out
}

// Query filters the audit trail.
type Query struct {
	EntityID   string
	EventType  string
	Actor      string
	Text       string
	Start      *time.Time
	End        *time.Time
	Limit      int
	Offset     int
	Descending bool
}

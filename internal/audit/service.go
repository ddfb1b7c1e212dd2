// Package audit implements the hash-chained audit service. Entries are
// stored as immutable graph nodes through the memory bus while a
// parallel SQLite database maintains the cryptographic chain; the chain
// database is append-only for its lifetime.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/graph"
	"github.com/anima-ai/anima/internal/registry"
)

// DefaultCacheSize bounds the in-memory ring of recent entries.
const DefaultCacheSize = 1000

// Config tunes the audit service.
type Config struct {
	CacheSize     int
	ExportPath    string
	ExportFormat  string // jsonl, csv, sqlite
	RetentionDays int
}

// ActionContext ties an audited action to the thought that caused it.
type ActionContext struct {
	ThoughtID   string
	TaskID      string
	HandlerName string
	Parameters  map[string]interface{}
}

// Service is the audit provider registered under the audit kind. Its
// memory bus must not have an audit recorder wired, or every graph
// write would audit itself recursively.
type Service struct {
	registry.BaseService

	chain *HashChain
	mem   *buses.MemoryBus
	clk   clock.Clock
	log   *logger.Logger
	cfg   Config

	// insertion-ordered ring of recent entries; the workload is
	// append-only so LRU eviction order equals insertion order
	cache *lru.Cache[string, *Entry]

	exporter *exporter
}

// NewService creates the audit service. chain may not be nil; disable
// signing by passing a chain built without a signature manager.
func NewService(chain *HashChain, mem *buses.MemoryBus, clk clock.Clock, log *logger.Logger, cfg Config) (*Service, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.ExportFormat == "" {
		cfg.ExportFormat = "jsonl"
	}
	cache, err := lru.New[string, *Entry](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	s := &Service{
		BaseService: registry.NewBaseService("audit_service", "log_event", "query", "verify", "export"),
		chain:       chain,
		mem:         mem,
		clk:         clk,
		log:         log.WithComponent("audit_service"),
		cfg:         cfg,
		cache:       cache,
	}
	if cfg.ExportPath != "" {
		s.exporter = newExporter(cfg.ExportPath, cfg.ExportFormat, s.log)
	}
	return s, nil
}

// Start launches the background exporter.
func (s *Service) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}
	if s.exporter != nil {
		s.exporter.start()
	}
	return nil
}

// Stop flushes the exporter, writes the final shutdown event, and
// detaches from the chain. The runtime closes the database afterwards.
func (s *Service) Stop(ctx context.Context) error {
	if s.exporter != nil {
		s.exporter.stop()
	}
	if _, err := s.LogEvent(ctx, "audit_service_shutdown", EventData{
		Actor:    "audit_service",
		EntityID: "audit_service",
		Outcome:  "ok",
	}); err != nil {
		s.log.Warn("final shutdown event failed", zap.Error(err))
	}
	return s.BaseService.Stop(ctx)
}

// EventData describes one audited event.
type EventData struct {
	Actor    string
	EntityID string
	Outcome  string
	Details  map[string]interface{}
}

// LogEvent appends one entry: graph node first, then chain, cache, and
// export buffer.
func (s *Service) LogEvent(ctx context.Context, eventType string, data EventData) (*Entry, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type is required")
	}
	entry := &Entry{
		EntryID:   fmt.Sprintf("audit_%s", uuid.New().String()),
		Timestamp: s.clk.Now(),
		EntityID:  data.EntityID,
		EventType: eventType,
		Actor:     data.Actor,
		Details:   CoerceDetails(data.Details),
		Outcome:   data.Outcome,
	}

	if s.mem != nil {
		node := entryNode(entry)
		if _, err := s.mem.Memorize(ctx, node, buses.MemorizeOptions{
			Immutable: true,
			UpdatedBy: "audit_service",
		}); err != nil {
			// The chain is the authoritative record; a graph write
			// failure degrades queries but must not drop the entry.
			s.log.Warn("audit graph write failed",
				zap.String("entry_id", entry.EntryID), zap.Error(err))
		}
	}

	if s.chain != nil {
		rec, err := s.chain.Append(entry)
		if err != nil {
			return nil, fmt.Errorf("chain append: %w", err)
		}
		entry.SequenceNumber = rec.SequenceNumber
		entry.PreviousHash = rec.PreviousHash
		entry.Signature = rec.Signature
	}

	s.cache.Add(entry.EntryID, entry)
	if s.exporter != nil {
		s.exporter.buffer(entry)
	}
	return entry, nil
}

// LogAction records an agent-initiated action, keyed by the originating
// thought id so deferrals and actions stay traceable.
func (s *Service) LogAction(ctx context.Context, action string, actx ActionContext, outcome string) (*Entry, error) {
	details := map[string]interface{}{
		"task_id": actx.TaskID,
		"handler": actx.HandlerName,
	}
	for k, v := range actx.Parameters {
		details["param_"+k] = v
	}
	return s.LogEvent(ctx, "action."+action, EventData{
		Actor:    actx.HandlerName,
		EntityID: actx.ThoughtID,
		Outcome:  outcome,
		Details:  details,
	})
}

// LogConscienceEvent records an ethical check outcome on a thought.
func (s *Service) LogConscienceEvent(ctx context.Context, thoughtID, conscienceName, status string, details map[string]interface{}) (*Entry, error) {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["conscience"] = conscienceName
	return s.LogEvent(ctx, "conscience_check", EventData{
		Actor:    conscienceName,
		EntityID: thoughtID,
		Outcome:  status,
		Details:  details,
	})
}

// RecordBusCall satisfies the bus audit hook.
func (s *Service) RecordBusCall(kind, provider, actionType, correlationID string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	_, err := s.LogEvent(context.Background(), "bus.call", EventData{
		Actor:    kind + "_bus",
		EntityID: correlationID,
		Outcome:  outcome,
		Details: map[string]interface{}{
			"provider": provider,
			"action":   actionType,
		},
	})
	if err != nil {
		s.log.Warn("bus call audit failed", zap.Error(err))
	}
}

// GetAuditTrail returns entries inside the trailing window, newest
// first, merged from graph recall and the recent-entry cache.
func (s *Service) GetAuditTrail(ctx context.Context, entityID string, hours int, actionTypes []string) ([]*Entry, error) {
	if hours <= 0 {
		hours = 24
	}
	cutoff := s.clk.Now().Add(-time.Duration(hours) * time.Hour)

	byID := map[string]*Entry{}
	if s.mem != nil {
		points, err := s.mem.RecallTimeseries(ctx, graph.ScopeLocal, hours, []string{string(graph.NodeTypeAuditEntry)})
		if err != nil {
			s.log.Warn("audit timeseries recall failed", zap.Error(err))
		}
		for _, p := range points {
			if entry := entryFromAttributes(p.Data); entry != nil {
				byID[entry.EntryID] = entry
			}
		}
	}
	for _, key := range s.cache.Keys() {
		if entry, ok := s.cache.Get(key); ok && !entry.Timestamp.Before(cutoff) {
			byID[entry.EntryID] = entry
		}
	}

	typeFilter := map[string]struct{}{}
	for _, t := range actionTypes {
		typeFilter[t] = struct{}{}
	}

	out := make([]*Entry, 0, len(byID))
	for _, entry := range byID {
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		if len(typeFilter) > 0 {
			if _, ok := typeFilter[entry.EventType]; !ok {
				continue
			}
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// QueryAuditTrail runs a filtered, paginated graph search.
func (s *Service) QueryAuditTrail(ctx context.Context, q Query) ([]*Entry, error) {
	if s.mem == nil {
		return nil, fmt.Errorf("no memory bus configured")
	}
	gq := graph.Query{
		Type:  graph.NodeTypeAuditEntry,
		Scope: graph.ScopeLocal,
		Text:  q.Text,
		Since: q.Start,
		Until: q.End,
		// over-fetch so post-filtering can still fill the page
		Limit: maxInt(q.Limit*4, 200),
	}
	nodes, err := s.mem.Recall(ctx, gq)
	if err != nil {
		return nil, err
	}

	var out []*Entry
	for _, node := range nodes {
		entry := entryFromAttributes(node.Attributes)
		if entry == nil {
			continue
		}
		if q.EntityID != "" && entry.EntityID != q.EntityID {
			continue
		}
		if q.EventType != "" && entry.EventType != q.EventType {
			continue
		}
		if q.Actor != "" && entry.Actor != q.Actor {
			continue
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool {
		if q.Descending {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// VerifyAuditIntegrity walks the full chain.
func (s *Service) VerifyAuditIntegrity() (*VerificationReport, error) {
	if s.chain == nil {
		return &VerificationReport{Verified: true, ChainIntact: true}, nil
	}
	return s.chain.Verify()
}

// RetentionCutoff returns the timestamp before which graph-stored audit
// nodes may be pruned. The chain database is never pruned.
func (s *Service) RetentionCutoff() time.Time {
	days := s.cfg.RetentionDays
	if days <= 0 {
		days = 90
	}
	return s.clk.Now().AddDate(0, 0, -days)
}

func entryNode(entry *Entry) *graph.Node {
	details := make(map[string]interface{}, len(entry.Details))
	for k, v := range entry.Details {
		details[k] = v
	}
	return graph.NewNode(entry.EntryID, graph.NodeTypeAuditEntry, graph.ScopeLocal, map[string]interface{}{
		"entry_id":   entry.EntryID,
		"timestamp":  entry.Timestamp.UTC().Format(time.RFC3339Nano),
		"entity_id":  entry.EntityID,
		"event_type": entry.EventType,
		"actor":      entry.Actor,
		"outcome":    entry.Outcome,
		"details":    details,
		"context": map[string]interface{}{
			"service_name":   "audit_service",
			"correlation_id": entry.EntryID,
		},
	})
}

func entryFromAttributes(attrs map[string]interface{}) *Entry {
	id, _ := attrs["entry_id"].(string)
	if id == "" {
		return nil
	}
	entry := &Entry{EntryID: id}
	if ts, ok := attrs["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.Timestamp = parsed
		}
	}
	entry.EntityID, _ = attrs["entity_id"].(string)
	entry.EventType, _ = attrs["event_type"].(string)
	entry.Actor, _ = attrs["actor"].(string)
	entry.Outcome, _ = attrs["outcome"].(string)
	if details, ok := attrs["details"].(map[string]interface{}); ok {
		entry.Details = CoerceDetails(details)
	}
	return entry
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var _ registry.Service = (*Service)(nil)
var _ buses.AuditRecorder = (*Service)(nil)

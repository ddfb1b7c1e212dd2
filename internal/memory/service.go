// Package memory implements the local graph memory provider registered
// under the memory service kind. Nodes live in the main database
// alongside the task tables; every read and write goes through the
// memory bus.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/graph"
	"github.com/anima-ai/anima/internal/registry"
)

// Service is the SQLite-backed graph memory provider.
type Service struct {
	registry.BaseService

	db  *sqlx.DB // writer
	ro  *sqlx.DB // reader
	clk clock.Clock
	log *logger.Logger
}

// New creates the graph memory service over the shared main database.
func New(writer, reader *sqlx.DB, clk clock.Clock, log *logger.Logger) (*Service, error) {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	s := &Service{
		BaseService: registry.NewBaseService("local_graph_memory"),
		db:          writer,
		ro:          reader,
		clk:         clk,
		log:         log.WithComponent("graph_memory"),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize graph schema: %w", err)
	}
	return s, nil
}

func (s *Service) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS graph_nodes (
		id TEXT NOT NULL,
		scope TEXT NOT NULL,
		node_type TEXT NOT NULL,
		attributes TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		is_immutable INTEGER NOT NULL DEFAULT 0,
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (id, scope)
	);

	CREATE TABLE IF NOT EXISTS graph_edges (
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		scope TEXT NOT NULL,
		relation TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (source, target, scope, relation)
	);

	CREATE INDEX IF NOT EXISTS idx_graph_nodes_type ON graph_nodes(node_type);
	CREATE INDEX IF NOT EXISTS idx_graph_nodes_updated ON graph_nodes(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

type nodeRow struct {
	ID          string    `db:"id"`
	Scope       string    `db:"scope"`
	NodeType    string    `db:"node_type"`
	Attributes  string    `db:"attributes"`
	Version     int       `db:"version"`
	IsImmutable int       `db:"is_immutable"`
	UpdatedBy   string    `db:"updated_by"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *nodeRow) toNode() (*graph.Node, error) {
	attrs := map[string]interface{}{}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("corrupt attributes on node %s: %w", r.ID, err)
		}
	}
	return &graph.Node{
		ID:         r.ID,
		Type:       graph.NodeType(r.NodeType),
		Scope:      graph.Scope(r.Scope),
		Attributes: attrs,
		Version:    r.Version,
		UpdatedBy:  r.UpdatedBy,
		UpdatedAt:  r.UpdatedAt,
	}, nil
}

// Memorize writes a node version. Immutable nodes deny any rewrite;
// identity-scope rewrites require a named approver in UpdatedBy.
func (s *Service) Memorize(ctx context.Context, node *graph.Node, opts buses.MemorizeOptions) (graph.Result, error) {
	var existing nodeRow
	err := s.db.GetContext(ctx, &existing,
		`SELECT id, scope, node_type, attributes, version, is_immutable, updated_by, updated_at
		 FROM graph_nodes WHERE id = ? AND scope = ?`, node.ID, string(node.Scope))

	version := 1
	switch {
	case err == nil:
		if existing.IsImmutable == 1 {
			return graph.Result{Status: graph.StatusDenied, Error: "node is immutable"}, nil
		}
		if graph.Scope(existing.Scope) == graph.ScopeIdentity && opts.UpdatedBy == "" {
			return graph.Result{Status: graph.StatusDenied, Error: "identity-scope write requires an approver"}, nil
		}
		version = existing.Version + 1
	case err == sql.ErrNoRows:
		// first write
	default:
		return graph.Result{Status: graph.StatusError, Error: err.Error()}, err
	}

	attrs, err := json.Marshal(node.Attributes)
	if err != nil {
		return graph.Result{Status: graph.StatusError, Error: err.Error()}, err
	}

	now := s.clk.Now()
	immutable := 0
	if opts.Immutable {
		immutable = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graph_nodes (id, scope, node_type, attributes, version, is_immutable, updated_by, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id, scope) DO UPDATE SET
			node_type = excluded.node_type,
			attributes = excluded.attributes,
			version = excluded.version,
			is_immutable = excluded.is_immutable,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`,
		node.ID, string(node.Scope), string(node.Type), string(attrs),
		version, immutable, opts.UpdatedBy, now)
	if err != nil {
		return graph.Result{Status: graph.StatusError, Error: err.Error()}, err
	}

	stored := *node
	stored.Version = version
	stored.UpdatedBy = opts.UpdatedBy
	stored.UpdatedAt = now
	return graph.Result{Status: graph.StatusOK, Data: &stored}, nil
}

// Recall fetches nodes matching the query, newest first.
func (s *Service) Recall(ctx context.Context, query graph.Query) ([]*graph.Node, error) {
	where, args := buildWhere(query)
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(
		`SELECT id, scope, node_type, attributes, version, is_immutable, updated_by, updated_at
		 FROM graph_nodes %s ORDER BY updated_at DESC LIMIT ? OFFSET ?`, where)
	args = append(args, limit, query.Offset)

	var rows []nodeRow
	if err := s.ro.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("recall query failed: %w", err)
	}
	return rowsToNodes(rows)
}

// Forget removes a node unless it is immutable.
func (s *Service) Forget(ctx context.Context, nodeID string, scope graph.Scope) (graph.Result, error) {
	var immutable int
	err := s.db.GetContext(ctx, &immutable,
		`SELECT is_immutable FROM graph_nodes WHERE id = ? AND scope = ?`, nodeID, string(scope))
	if err == sql.ErrNoRows {
		return graph.Result{Status: graph.StatusOK}, nil
	}
	if err != nil {
		return graph.Result{Status: graph.StatusError, Error: err.Error()}, err
	}
	if immutable == 1 {
		return graph.Result{Status: graph.StatusDenied, Error: "node is immutable"}, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM graph_nodes WHERE id = ? AND scope = ?`, nodeID, string(scope)); err != nil {
		return graph.Result{Status: graph.StatusError, Error: err.Error()}, err
	}
	return graph.Result{Status: graph.StatusOK}, nil
}

// Search finds nodes whose serialized attributes contain text.
func (s *Service) Search(ctx context.Context, text string, query graph.Query) ([]*graph.Node, error) {
	query.Text = text
	return s.Recall(ctx, query)
}

// RecallTimeseries returns datapoints for nodes updated inside the
// trailing window, oldest first.
func (s *Service) RecallTimeseries(ctx context.Context, scope graph.Scope, hours int, correlationTypes []string) ([]*graph.TimeseriesPoint, error) {
	since := s.clk.Now().Add(-time.Duration(hours) * time.Hour)

	args := []interface{}{string(scope), since}
	typeFilter := ""
	if len(correlationTypes) > 0 {
		placeholders := make([]string, len(correlationTypes))
		for i, t := range correlationTypes {
			placeholders[i] = "?"
			args = append(args, t)
		}
		typeFilter = fmt.Sprintf(" AND node_type IN (%s)", strings.Join(placeholders, ","))
	}

	var rows []nodeRow
	err := s.ro.SelectContext(ctx, &rows, fmt.Sprintf(
		`SELECT id, scope, node_type, attributes, version, is_immutable, updated_by, updated_at
		 FROM graph_nodes WHERE scope = ? AND updated_at >= ?%s ORDER BY updated_at ASC`, typeFilter),
		args...)
	if err != nil {
		return nil, fmt.Errorf("timeseries query failed: %w", err)
	}

	points := make([]*graph.TimeseriesPoint, 0, len(rows))
	for i := range rows {
		node, err := rows[i].toNode()
		if err != nil {
			s.log.Warn("skipping corrupt node in timeseries", zap.String("node_id", rows[i].ID), zap.Error(err))
			continue
		}
		points = append(points, &graph.TimeseriesPoint{
			Timestamp:       node.UpdatedAt,
			NodeID:          node.ID,
			CorrelationType: string(node.Type),
			Data:            node.Attributes,
		})
	}
	return points, nil
}

// Link records an edge between two nodes in the same scope.
func (s *Service) Link(ctx context.Context, edge graph.Edge) error {
	if edge.Weight == 0 {
		edge.Weight = 1.0
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO graph_edges (source, target, scope, relation, weight, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		edge.Source, edge.Target, string(edge.Scope), edge.Relation, edge.Weight, s.clk.Now())
	return err
}

// PruneOlderThan deletes non-immutable nodes of the given type last
// updated before cutoff. The audit retention pass uses this; the hash
// chain database is untouched.
func (s *Service) PruneOlderThan(ctx context.Context, nodeType graph.NodeType, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM graph_nodes WHERE node_type = ? AND updated_at < ?`,
		string(nodeType), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildWhere(query graph.Query) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if query.NodeID != "" {
		clauses = append(clauses, "id = ?")
		args = append(args, query.NodeID)
	}
	if query.Type != "" {
		clauses = append(clauses, "node_type = ?")
		args = append(args, string(query.Type))
	}
	if query.Scope != "" {
		clauses = append(clauses, "scope = ?")
		args = append(args, string(query.Scope))
	}
	if query.Text != "" {
		clauses = append(clauses, "attributes LIKE ?")
		args = append(args, "%"+query.Text+"%")
	}
	if query.Since != nil {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, *query.Since)
	}
	if query.Until != nil {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, *query.Until)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func rowsToNodes(rows []nodeRow) ([]*graph.Node, error) {
	nodes := make([]*graph.Node, 0, len(rows))
	for i := range rows {
		node, err := rows[i].toNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

var _ buses.MemoryService = (*Service)(nil)
var _ registry.Service = (*Service)(nil)

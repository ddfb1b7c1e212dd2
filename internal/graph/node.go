// Package graph defines the typed node model shared by the memory
// service, the audit trail, and the identity manager. Nodes are stored
// in the graph memory layer and referenced everywhere else by id.
package graph

import (
	"time"
)

// Scope partitions the graph. IDENTITY-scoped writes require authority
// approval; LOCAL is the agent's working memory; COMMUNITY is shared.
type Scope string

const (
	ScopeLocal     Scope = "LOCAL"
	ScopeIdentity  Scope = "IDENTITY"
	ScopeCommunity Scope = "COMMUNITY"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeLocal, ScopeIdentity, ScopeCommunity:
		return true
	}
	return false
}

// NodeType classifies a graph node's payload.
type NodeType string

const (
	NodeTypeAuditEntry    NodeType = "audit_entry"
	NodeTypeAgentIdentity NodeType = "agent"
	NodeTypeConfig        NodeType = "config"
	NodeTypeTelemetry     NodeType = "telemetry"
	NodeTypeObservation   NodeType = "observation"
	NodeTypeChannel       NodeType = "channel"
	NodeTypeConcept       NodeType = "concept"
)

// Node is one typed, versioned record in graph memory. Attributes are
// immutable once written; updates create a new version.
type Node struct {
	ID         string                 `json:"id"`
	Type       NodeType               `json:"type"`
	Scope      Scope                  `json:"scope"`
	Attributes map[string]interface{} `json:"attributes"`
	Version    int                    `json:"version"`
	UpdatedBy  string                 `json:"updated_by"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// NewNode creates an unversioned node ready to memorize.
func NewNode(id string, nodeType NodeType, scope Scope, attributes map[string]interface{}) *Node {
	if attributes == nil {
		attributes = map[string]interface{}{}
	}
	return &Node{
		ID:         id,
		Type:       nodeType,
		Scope:      scope,
		Attributes: attributes,
	}
}

// Status is the outcome class of a memory operation.
type Status string

const (
	StatusOK     Status = "OK"
	StatusDenied Status = "DENIED"
	StatusError  Status = "ERROR"
)

// Result reports one memory operation. Denied operations are not errors
// at the transport level; the caller decides how to proceed.
type Result struct {
	Status Status `json:"status"`
	Data   *Node  `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Status == StatusOK }

// Query selects nodes from graph memory. Zero fields match everything.
type Query struct {
	NodeID string
	Type   NodeType
	Scope  Scope

	// Text matches a substring of the serialized attributes.
	Text string

	Since *time.Time
	Until *time.Time

	Limit  int
	Offset int
}

// TimeseriesPoint is one datapoint from a time-window recall, used by
// the audit trail and telemetry queries.
type TimeseriesPoint struct {
	Timestamp       time.Time              `json:"timestamp"`
	NodeID          string                 `json:"node_id"`
	CorrelationType string                 `json:"correlation_type"`
	Data            map[string]interface{} `json:"data"`
}

// Edge links two nodes in the same scope.
type Edge struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Scope     Scope     `json:"scope"`
	Relation  string    `json:"relation"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

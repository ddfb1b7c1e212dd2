// Package identity loads and guards the agent's identity root. The
// root is created once at first boot from a template and is read-only
// afterwards without authority approval.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/graph"
)

// NodeID is where the identity root lives in IDENTITY scope.
const NodeID = "agent/identity"

// Fatal startup conditions. The runtime refuses to start on any of
// these.
var (
	ErrCorruptIdentity = errors.New("identity root is corrupt")
	ErrNoTemplate      = errors.New("identity template not found")
	ErrNoApprover      = errors.New("identity update requires an approver")
)

// CoreProfile is the template-derived description of who this agent is.
type CoreProfile struct {
	Name            string `json:"name" yaml:"name"`
	Description     string `json:"description" yaml:"description"`
	RoleDescription string `json:"role_description" yaml:"role_description"`
}

// Metadata records the provenance of the identity root.
type Metadata struct {
	CreatedAt        time.Time `json:"created_at"`
	Creator          string    `json:"creator"`
	ApprovalRequired bool      `json:"approval_required"`
	ApprovedBy       string    `json:"approved_by,omitempty"`
	LastModified     time.Time `json:"last_modified"`
}

// Root is the canonical identity record.
type Root struct {
	AgentID                string      `json:"agent_id"`
	IdentityHash           string      `json:"identity_hash"`
	CoreProfile            CoreProfile `json:"core_profile"`
	IdentityMetadata       Metadata    `json:"identity_metadata"`
	PermittedActions       []string    `json:"permitted_actions"`
	RestrictedCapabilities []string    `json:"restricted_capabilities"`
	Version                int         `json:"version"`
}

// Template is the YAML document consulted only at first boot.
type Template struct {
	Name                   string   `yaml:"name"`
	Description            string   `yaml:"description"`
	RoleDescription        string   `yaml:"role_description"`
	PermittedActions       []string `yaml:"permitted_actions"`
	RestrictedCapabilities []string `yaml:"restricted_capabilities"`
}

// Hash derives the identity hash from the immutable profile fields.
func Hash(name, description, roleDescription string) string {
	sum := sha256.Sum256([]byte(name + description + roleDescription))
	return hex.EncodeToString(sum[:])
}

// Manager owns the identity root lifecycle.
type Manager struct {
	mem         *buses.MemoryBus
	templateDir string
	clk         clock.Clock
	log         *logger.Logger

	root *Root
}

// NewManager creates the identity manager. The root is not loaded until
// Initialize.
func NewManager(mem *buses.MemoryBus, templateDir string, clk clock.Clock, log *logger.Logger) *Manager {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		mem:         mem,
		templateDir: templateDir,
		clk:         clk,
		log:         log.WithComponent("identity_manager"),
	}
}

// Initialize loads the identity root, creating it from templateName on
// first boot. firstBoot reports which path ran. Errors here are fatal
// to the runtime.
func (m *Manager) Initialize(ctx context.Context, templateName string) (root *Root, firstBoot bool, err error) {
	nodes, err := m.mem.Recall(ctx, graph.Query{
		NodeID: NodeID,
		Scope:  graph.ScopeIdentity,
	})
	if err != nil {
		return nil, false, fmt.Errorf("identity recall: %w", err)
	}

	if len(nodes) > 0 {
		loaded, err := rootFromNode(nodes[0])
		if err != nil {
			return nil, false, err
		}
		m.root = loaded
		m.log.Info("identity loaded",
			zap.String("agent_id", loaded.AgentID),
			zap.String("name", loaded.CoreProfile.Name),
			zap.Int("version", loaded.Version))
		return loaded, false, nil
	}

	created, err := m.firstBoot(ctx, templateName)
	if err != nil {
		return nil, true, err
	}
	m.root = created
	return created, true, nil
}

func (m *Manager) firstBoot(ctx context.Context, templateName string) (*Root, error) {
	tmpl, err := m.loadTemplate(templateName)
	if err != nil {
		return nil, err
	}

	now := m.clk.Now()
	root := &Root{
		AgentID:      fmt.Sprintf("agent_%s", tmpl.Name),
		IdentityHash: Hash(tmpl.Name, tmpl.Description, tmpl.RoleDescription),
		CoreProfile: CoreProfile{
			Name:            tmpl.Name,
			Description:     tmpl.Description,
			RoleDescription: tmpl.RoleDescription,
		},
		IdentityMetadata: Metadata{
			CreatedAt:        now,
			Creator:          "system",
			ApprovalRequired: true,
			LastModified:     now,
		},
		PermittedActions:       tmpl.PermittedActions,
		RestrictedCapabilities: tmpl.RestrictedCapabilities,
		Version:                1,
	}

	if err := m.store(ctx, root, "system"); err != nil {
		return nil, fmt.Errorf("store identity root: %w", err)
	}
	m.log.Info("identity created from template",
		zap.String("agent_id", root.AgentID),
		zap.String("template", templateName))
	return root, nil
}

func (m *Manager) loadTemplate(name string) (*Template, error) {
	path := filepath.Join(m.templateDir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoTemplate, path, err)
	}
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	if tmpl.Name == "" {
		return nil, fmt.Errorf("%w: template %s has no name", ErrNoTemplate, path)
	}
	return &tmpl, nil
}

// Root returns the loaded identity root.
func (m *Manager) Root() *Root { return m.root }

// AgentID returns the loaded agent id, empty before Initialize.
func (m *Manager) AgentID() string {
	if m.root == nil {
		return ""
	}
	return m.root.AgentID
}

// UpdateAgentIdentity writes a new version of the root. The approver is
// mandatory; version numbers only move forward.
func (m *Manager) UpdateAgentIdentity(ctx context.Context, newRoot *Root, approvedBy string) error {
	if approvedBy == "" {
		return ErrNoApprover
	}
	if m.root == nil {
		return ErrCorruptIdentity
	}
	newRoot.Version = m.root.Version + 1
	newRoot.IdentityMetadata.ApprovedBy = approvedBy
	newRoot.IdentityMetadata.LastModified = m.clk.Now()

	if err := m.store(ctx, newRoot, approvedBy); err != nil {
		return fmt.Errorf("store identity update: %w", err)
	}
	m.root = newRoot
	m.log.Info("identity updated",
		zap.String("agent_id", newRoot.AgentID),
		zap.String("approved_by", approvedBy),
		zap.Int("version", newRoot.Version))
	return nil
}

// VerifyIdentityIntegrity asserts the root is present and carries the
// required core fields, and that the stored hash matches the profile.
func (m *Manager) VerifyIdentityIntegrity() error {
	if m.root == nil {
		return fmt.Errorf("%w: no root loaded", ErrCorruptIdentity)
	}
	if m.root.AgentID == "" || m.root.IdentityHash == "" {
		return fmt.Errorf("%w: missing agent_id or identity_hash", ErrCorruptIdentity)
	}
	p := m.root.CoreProfile
	if p.Name == "" {
		return fmt.Errorf("%w: missing core profile", ErrCorruptIdentity)
	}
	if Hash(p.Name, p.Description, p.RoleDescription) != m.root.IdentityHash {
		return fmt.Errorf("%w: identity hash does not match profile", ErrCorruptIdentity)
	}
	return nil
}

func (m *Manager) store(ctx context.Context, root *Root, updatedBy string) error {
	raw, err := json.Marshal(root)
	if err != nil {
		return err
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return err
	}

	node := graph.NewNode(NodeID, graph.NodeTypeAgentIdentity, graph.ScopeIdentity, attrs)
	result, err := m.mem.Memorize(ctx, node, buses.MemorizeOptions{UpdatedBy: updatedBy})
	if err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("memorize returned %s: %s", result.Status, result.Error)
	}
	return nil
}

func rootFromNode(node *graph.Node) (*Root, error) {
	raw, err := json.Marshal(node.Attributes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIdentity, err)
	}
	var root Root
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIdentity, err)
	}
	if root.AgentID == "" || root.IdentityHash == "" || root.CoreProfile.Name == "" {
		return nil, fmt.Errorf("%w: required fields missing", ErrCorruptIdentity)
	}
	return &root, nil
}

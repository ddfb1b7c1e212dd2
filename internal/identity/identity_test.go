package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/buses"
	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/db"
	"github.com/anima-ai/anima/internal/memory"
	"github.com/anima-ai/anima/internal/registry"
)

const templateYAML = `name: scout
description: a small testing agent
role_description: answers questions in tests
permitted_actions:
  - speak
  - observe
restricted_capabilities:
  - shell
`

type identityFixture struct {
	bus         *buses.MemoryBus
	templateDir string
	clk         *clock.MockClock
}

func newIdentityFixture(t *testing.T) *identityFixture {
	t.Helper()
	dir := t.TempDir()

	conn, err := db.OpenSQLite(filepath.Join(dir, "main.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	sdb := sqlx.NewDb(conn, "sqlite3")

	clk := clock.NewMockClock(time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC))

	mem, err := memory.New(sdb, sdb, clk, nil)
	require.NoError(t, err)
	require.NoError(t, mem.Start(context.Background()))
	t.Cleanup(func() { _ = mem.Stop(context.Background()) })

	reg := registry.New(registry.Config{}, clk, nil)
	_, err = reg.Register(registry.Registration{
		Handler:  "test",
		Kind:     registry.KindMemory,
		Name:     "local_graph_memory",
		Instance: mem,
	})
	require.NoError(t, err)

	templateDir := filepath.Join(dir, "templates")
	require.NoError(t, os.MkdirAll(templateDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(templateDir, "scout.yaml"), []byte(templateYAML), 0o644))

	return &identityFixture{
		bus:         buses.NewMemoryBus("test", reg, nil, clk, nil),
		templateDir: templateDir,
		clk:         clk,
	}
}

func TestFirstBootCreatesRootFromTemplate(t *testing.T) {
	f := newIdentityFixture(t)
	m := NewManager(f.bus, f.templateDir, f.clk, nil)

	root, firstBoot, err := m.Initialize(context.Background(), "scout")
	require.NoError(t, err)
	assert.True(t, firstBoot)

	assert.Equal(t, "agent_scout", root.AgentID)
	assert.Equal(t, 1, root.Version)
	assert.Equal(t, "scout", root.CoreProfile.Name)
	assert.Equal(t, Hash("scout", "a small testing agent", "answers questions in tests"), root.IdentityHash)
	assert.Equal(t, "system", root.IdentityMetadata.Creator)
	assert.True(t, root.IdentityMetadata.ApprovalRequired)
	assert.Equal(t, []string{"speak", "observe"}, root.PermittedActions)
	assert.Equal(t, []string{"shell"}, root.RestrictedCapabilities)
	assert.Equal(t, "agent_scout", m.AgentID())
}

func TestRebootLoadsExistingRoot(t *testing.T) {
	f := newIdentityFixture(t)
	ctx := context.Background()

	first := NewManager(f.bus, f.templateDir, f.clk, nil)
	created, firstBoot, err := first.Initialize(ctx, "scout")
	require.NoError(t, err)
	require.True(t, firstBoot)

	// A second manager over the same store must load, not recreate.
	second := NewManager(f.bus, f.templateDir, f.clk, nil)
	loaded, firstBoot, err := second.Initialize(ctx, "scout")
	require.NoError(t, err)
	assert.False(t, firstBoot)
	assert.Equal(t, created.AgentID, loaded.AgentID)
	assert.Equal(t, created.IdentityHash, loaded.IdentityHash)
	assert.Equal(t, created.Version, loaded.Version)
}

func TestRebootIgnoresTemplateChanges(t *testing.T) {
	f := newIdentityFixture(t)
	ctx := context.Background()

	first := NewManager(f.bus, f.templateDir, f.clk, nil)
	created, _, err := first.Initialize(ctx, "scout")
	require.NoError(t, err)

	changed := "name: scout\ndescription: rewritten\nrole_description: rewritten\n"
	require.NoError(t, os.WriteFile(
		filepath.Join(f.templateDir, "scout.yaml"), []byte(changed), 0o644))

	second := NewManager(f.bus, f.templateDir, f.clk, nil)
	loaded, firstBoot, err := second.Initialize(ctx, "scout")
	require.NoError(t, err)
	assert.False(t, firstBoot)
	assert.Equal(t, created.CoreProfile.Description, loaded.CoreProfile.Description)
}

func TestMissingTemplateIsFatal(t *testing.T) {
	f := newIdentityFixture(t)
	m := NewManager(f.bus, f.templateDir, f.clk, nil)

	_, firstBoot, err := m.Initialize(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, firstBoot)
	assert.ErrorIs(t, err, ErrNoTemplate)
}

func TestUpdateRequiresApprover(t *testing.T) {
	f := newIdentityFixture(t)
	m := NewManager(f.bus, f.templateDir, f.clk, nil)
	root, _, err := m.Initialize(context.Background(), "scout")
	require.NoError(t, err)

	next := *root
	err = m.UpdateAgentIdentity(context.Background(), &next, "")
	assert.ErrorIs(t, err, ErrNoApprover)
	assert.Equal(t, 1, m.Root().Version)
}

func TestUpdateBumpsVersionAndPersists(t *testing.T) {
	f := newIdentityFixture(t)
	ctx := context.Background()
	m := NewManager(f.bus, f.templateDir, f.clk, nil)
	root, _, err := m.Initialize(ctx, "scout")
	require.NoError(t, err)

	f.clk.Advance(time.Hour)
	next := *root
	next.CoreProfile.Description = "a seasoned testing agent"
	next.IdentityHash = Hash(next.CoreProfile.Name, next.CoreProfile.Description, next.CoreProfile.RoleDescription)
	require.NoError(t, m.UpdateAgentIdentity(ctx, &next, "wise_authority"))

	assert.Equal(t, 2, m.Root().Version)
	assert.Equal(t, "wise_authority", m.Root().IdentityMetadata.ApprovedBy)

	reloaded := NewManager(f.bus, f.templateDir, f.clk, nil)
	loaded, firstBoot, err := reloaded.Initialize(ctx, "scout")
	require.NoError(t, err)
	assert.False(t, firstBoot)
	assert.Equal(t, 2, loaded.Version)
	assert.Equal(t, "a seasoned testing agent", loaded.CoreProfile.Description)
}

func TestVerifyIdentityIntegrity(t *testing.T) {
	f := newIdentityFixture(t)
	m := NewManager(f.bus, f.templateDir, f.clk, nil)

	assert.ErrorIs(t, m.VerifyIdentityIntegrity(), ErrCorruptIdentity)

	_, _, err := m.Initialize(context.Background(), "scout")
	require.NoError(t, err)
	assert.NoError(t, m.VerifyIdentityIntegrity())

	m.root.CoreProfile.Description = "tampered"
	assert.ErrorIs(t, m.VerifyIdentityIntegrity(), ErrCorruptIdentity)
}

func TestHashIsStable(t *testing.T) {
	a := Hash("n", "d", "r")
	b := Hash("n", "d", "r")
	c := Hash("n", "d", "other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

package audit

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anima-ai/anima/internal/db"
)

func openChainDB(t *testing.T, path string) *sqlx.DB {
	t.Helper()
	conn, err := db.OpenSQLite(path)
	require.NoError(t, err)
	sdb := sqlx.NewDb(conn, "sqlite3")
	t.Cleanup(func() { _ = sdb.Close() })
	return sdb
}

func appendEntries(t *testing.T, chain *HashChain, n int, offset int) {
	t.Helper()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, err := chain.Append(&Entry{
			EntryID:   fmt.Sprintf("audit_%04d", offset+i),
			Timestamp: base.Add(time.Duration(offset+i) * time.Second),
			EventType: "action.speak",
			EntityID:  fmt.Sprintf("thought_%04d", offset+i),
			Actor:     "processor",
			Outcome:   "completed",
			Details:   map[string]string{"round": fmt.Sprintf("%d", offset+i)},
		})
		require.NoError(t, err)
	}
}

func TestChainHundredEntriesVerify(t *testing.T) {
	sdb := openChainDB(t, filepath.Join(t.TempDir(), "audit.db"))
	chain, err := NewHashChain(sdb, nil)
	require.NoError(t, err)

	appendEntries(t, chain, 100, 0)
	assert.Equal(t, int64(100), chain.Length())

	report, err := chain.Verify()
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.True(t, report.ChainIntact)
	assert.Equal(t, int64(100), report.TotalEntries)
	assert.Equal(t, int64(100), report.ValidEntries)
	assert.Zero(t, report.InvalidEntries)
	assert.Empty(t, report.Errors)
}

func TestChainContinuesAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sdb := openChainDB(t, path)

	chain, err := NewHashChain(sdb, nil)
	require.NoError(t, err)
	appendEntries(t, chain, 50, 0)

	// A second chain over the same database must resume from the tail,
	// not restart at the genesis hash.
	reopened, err := NewHashChain(sdb, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(50), reopened.Length())
	appendEntries(t, reopened, 50, 50)

	report, err := reopened.Verify()
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.Equal(t, int64(100), report.TotalEntries)

	records, err := reopened.Records(50, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, records[0].EntryHash, records[1].PreviousHash,
		"restart boundary must stay linked")
}

func TestChainDetectsTamperedPayload(t *testing.T) {
	sdb := openChainDB(t, filepath.Join(t.TempDir(), "audit.db"))
	chain, err := NewHashChain(sdb, nil)
	require.NoError(t, err)
	appendEntries(t, chain, 10, 0)

	_, err = sdb.Exec(`UPDATE audit_log SET payload = '{"round":"999"}' WHERE sequence_number = 4`)
	require.NoError(t, err)

	report, err := chain.Verify()
	require.NoError(t, err)
	assert.False(t, report.Verified)
	assert.Equal(t, int64(4), report.FirstInvalidEntry)
	assert.NotEmpty(t, report.Errors)
}

func TestChainDetectsDeletedEntry(t *testing.T) {
	sdb := openChainDB(t, filepath.Join(t.TempDir(), "audit.db"))
	chain, err := NewHashChain(sdb, nil)
	require.NoError(t, err)
	appendEntries(t, chain, 10, 0)

	_, err = sdb.Exec(`DELETE FROM audit_log WHERE sequence_number = 5`)
	require.NoError(t, err)

	report, err := chain.Verify()
	require.NoError(t, err)
	assert.False(t, report.Verified)
	assert.False(t, report.ChainIntact)
}

func TestSignedChainVerifies(t *testing.T) {
	dir := t.TempDir()
	sdb := openChainDB(t, filepath.Join(dir, "audit.db"))

	sigs, err := NewSignatureManager(sdb, filepath.Join(dir, "keys"))
	require.NoError(t, err)
	chain, err := NewHashChain(sdb, sigs)
	require.NoError(t, err)
	appendEntries(t, chain, 20, 0)

	report, err := chain.Verify()
	require.NoError(t, err)
	assert.True(t, report.Verified)

	records, err := chain.Records(1, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].Signature)
	assert.Equal(t, sigs.ActiveKeyID(), records[0].SigningKeyID)
}

func TestSignedChainDetectsForgedSignature(t *testing.T) {
	dir := t.TempDir()
	sdb := openChainDB(t, filepath.Join(dir, "audit.db"))

	sigs, err := NewSignatureManager(sdb, filepath.Join(dir, "keys"))
	require.NoError(t, err)
	chain, err := NewHashChain(sdb, sigs)
	require.NoError(t, err)
	appendEntries(t, chain, 5, 0)

	var other *ChainRecord
	records, err := chain.Records(2, 1)
	require.NoError(t, err)
	other = records[0]
	_, err = sdb.Exec(`UPDATE audit_log SET signature = ? WHERE sequence_number = 1`, other.Signature)
	require.NoError(t, err)

	report, err := chain.Verify()
	require.NoError(t, err)
	assert.False(t, report.Verified)
	assert.Equal(t, int64(1), report.FirstInvalidEntry)
}

func TestSignatureManagerRotation(t *testing.T) {
	dir := t.TempDir()
	sdb := openChainDB(t, filepath.Join(dir, "audit.db"))

	sigs, err := NewSignatureManager(sdb, filepath.Join(dir, "keys"))
	require.NoError(t, err)
	firstKey := sigs.ActiveKeyID()

	chain, err := NewHashChain(sdb, sigs)
	require.NoError(t, err)
	appendEntries(t, chain, 3, 0)

	require.NoError(t, sigs.RotateKey())
	assert.NotEqual(t, firstKey, sigs.ActiveKeyID())
	appendEntries(t, chain, 3, 3)

	// Entries signed before the rotation must still verify with the
	// retired key.
	report, err := chain.Verify()
	require.NoError(t, err)
	assert.True(t, report.Verified)
}

package audit

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
)

const signingKeySize = 2048

// SignatureManager owns the RSA keys that sign hash-chain entries.
// Private keys live as PEM files in the key directory; public keys are
// recorded in the audit database so verification survives key rotation.
type SignatureManager struct {
	db     *sqlx.DB
	keyDir string

	activeKeyID string
	privateKey  *rsa.PrivateKey
}

// NewSignatureManager loads the newest non-revoked key or generates the
// first one. A failure here is fatal for the runtime when signed audit
// is enabled.
func NewSignatureManager(db *sqlx.DB, keyDir string) (*SignatureManager, error) {
	m := &SignatureManager{db: db, keyDir: keyDir}
	if err := m.initSchema(); err != nil {
		return nil, fmt.Errorf("signing key schema: %w", err)
	}
	if err := m.loadOrGenerate(); err != nil {
		return nil, fmt.Errorf("signing key init: %w", err)
	}
	return m, nil
}

func (m *SignatureManager) initSchema() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_signing_keys (
		key_id TEXT PRIMARY KEY,
		public_key TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		key_size INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		revoked_at DATETIME
	)`)
	return err
}

func (m *SignatureManager) loadOrGenerate() error {
	var row struct {
		KeyID     string `db:"key_id"`
		PublicKey string `db:"public_key"`
	}
	err := m.db.Get(&row,
		`SELECT key_id, public_key FROM audit_signing_keys
		 WHERE revoked_at IS NULL ORDER BY created_at DESC LIMIT 1`)
	switch err {
	case nil:
		key, loadErr := m.loadPrivateKey(row.KeyID)
		if loadErr != nil {
			return fmt.Errorf("private key for %s: %w", row.KeyID, loadErr)
		}
		m.activeKeyID = row.KeyID
		m.privateKey = key
		return nil
	case sql.ErrNoRows:
		return m.generate()
	default:
		return err
	}
}

func (m *SignatureManager) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, signingKeySize)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	keyID := fmt.Sprintf("key_%d", time.Now().UTC().UnixNano())
	if err := os.MkdirAll(m.keyDir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(m.privateKeyPath(keyID), privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	_, err = m.db.Exec(
		`INSERT INTO audit_signing_keys (key_id, public_key, algorithm, key_size, created_at)
		 VALUES (?, ?, 'rsa-pss', ?, ?)`,
		keyID, string(pubPEM), signingKeySize, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record public key: %w", err)
	}

	m.activeKeyID = keyID
	m.privateKey = key
	return nil
}

func (m *SignatureManager) privateKeyPath(keyID string) string {
	return filepath.Join(m.keyDir, keyID+".pem")
}

func (m *SignatureManager) loadPrivateKey(keyID string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(m.privateKeyPath(keyID))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", m.privateKeyPath(keyID))
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// ActiveKeyID returns the id recorded on every new signature.
func (m *SignatureManager) ActiveKeyID() string { return m.activeKeyID }

// Sign produces a base64 RSA-PSS signature of the entry hash.
func (m *SignatureManager) Sign(entryHash string) (string, error) {
	digest := sha256.Sum256([]byte(entryHash))
	sig, err := rsa.SignPSS(rand.Reader, m.privateKey, crypto.SHA256, digest[:], nil)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature against the public key recorded for keyID.
func (m *SignatureManager) Verify(keyID, entryHash, signature string) error {
	var pubPEM string
	if err := m.db.Get(&pubPEM,
		`SELECT public_key FROM audit_signing_keys WHERE key_id = ?`, keyID); err != nil {
		return fmt.Errorf("unknown signing key %s: %w", keyID, err)
	}

	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return fmt.Errorf("corrupt public key for %s", keyID)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse public key for %s: %w", keyID, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("key %s is not RSA", keyID)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256([]byte(entryHash))
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return fmt.Errorf("signature mismatch: %w", err)
	}
	return nil
}

// RotateKey revokes the active key and generates a fresh one. Entries
// signed by the old key remain verifiable through its recorded public
// key.
func (m *SignatureManager) RotateKey() error {
	if _, err := m.db.Exec(
		`UPDATE audit_signing_keys SET revoked_at = ? WHERE key_id = ?`,
		time.Now().UTC(), m.activeKeyID); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	return m.generate()
}

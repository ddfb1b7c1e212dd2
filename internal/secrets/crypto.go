package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MasterKeySize is the key size in bytes (AES-256).
const MasterKeySize = 32

// MasterKeyProvider manages the master encryption key used for encrypting
// detected secrets at rest. The key comes from an environment variable
// when set (hex-encoded), otherwise from a file that is generated on
// first use.
type MasterKeyProvider struct {
	keyPath string
	envVar  string
	key     []byte
}

// NewMasterKeyProvider creates a provider over the configured key path.
// envVar may be empty to disable the environment override.
func NewMasterKeyProvider(keyPath, envVar string) (*MasterKeyProvider, error) {
	provider := &MasterKeyProvider{keyPath: keyPath, envVar: envVar}

	if err := provider.loadOrGenerate(); err != nil {
		return nil, fmt.Errorf("master key init: %w", err)
	}
	return provider, nil
}

func (p *MasterKeyProvider) loadOrGenerate() error {
	if p.envVar != "" {
		if encoded := os.Getenv(p.envVar); encoded != "" {
			key, err := hex.DecodeString(encoded)
			if err != nil || len(key) != MasterKeySize {
				return fmt.Errorf("env key %s must be %d hex-encoded bytes", p.envVar, MasterKeySize)
			}
			p.key = key
			return nil
		}
	}

	data, err := os.ReadFile(p.keyPath)
	if err == nil && len(data) == MasterKeySize {
		p.key = data
		return nil
	}

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}

	if err := os.WriteFile(p.keyPath, key, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}

	p.key = key
	return nil
}

// Key returns the master key bytes.
func (p *MasterKeyProvider) Key() []byte {
	return p.key
}

// Encrypt encrypts plaintext using AES-256-GCM with a random nonce.
// Returns (ciphertext, nonce, error).
func Encrypt(plaintext, key []byte) ([]byte, []byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	return plaintext, nil
}

// Package secrets detects credential-shaped content in inbound
// messages, replaces it with opaque reference tokens, and stores the
// originals encrypted. Downstream components only ever see references.
package secrets

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anima-ai/anima/internal/clock"
	"github.com/anima-ai/anima/internal/common/logger"
	"github.com/anima-ai/anima/internal/registry"
)

// Reference points at one redacted secret inside processed content.
type Reference struct {
	Token       string `json:"token"`
	PatternName string `json:"pattern_name"`
}

// Pipeline is the secrets service registered under the secrets kind.
type Pipeline struct {
	registry.BaseService

	patterns []Pattern
	store    *Store
	keys     *MasterKeyProvider
	clk      clock.Clock
	log      *logger.Logger
}

// NewPipeline creates the detection pipeline with the default pattern
// set.
func NewPipeline(store *Store, keys *MasterKeyProvider, clk clock.Clock, log *logger.Logger) *Pipeline {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Pipeline{
		BaseService: registry.NewBaseService("secrets_pipeline", "process", "reveal"),
		patterns:    DefaultPatterns(),
		store:       store,
		keys:        keys,
		clk:         clk,
		log:         log.WithComponent("secrets_pipeline"),
	}
}

// Process replaces every detected secret in content with an opaque
// token and persists the encrypted original. The returned references
// travel with the message instead of raw secrets.
func (p *Pipeline) Process(ctx context.Context, channelID, content string) (string, []Reference, error) {
	var refs []Reference
	redacted := content

	for _, pattern := range p.patterns {
		for {
			loc := pattern.Re.FindStringIndex(redacted)
			if loc == nil {
				break
			}
			original := redacted[loc[0]:loc[1]]
			token := fmt.Sprintf("SECRET_%s", uuid.New().String())

			ciphertext, nonce, err := Encrypt([]byte(original), p.keys.Key())
			if err != nil {
				return "", nil, fmt.Errorf("encrypt secret: %w", err)
			}
			if err := p.store.insert(ctx, &Record{
				Token:       token,
				PatternName: pattern.Name,
				Ciphertext:  ciphertext,
				Nonce:       nonce,
				ChannelID:   channelID,
				CreatedAt:   p.clk.Now(),
			}); err != nil {
				return "", nil, fmt.Errorf("store secret: %w", err)
			}

			redacted = redacted[:loc[0]] + "{{" + token + "}}" + redacted[loc[1]:]
			refs = append(refs, Reference{Token: token, PatternName: pattern.Name})
			p.log.Debug("secret redacted",
				zap.String("pattern", pattern.Name),
				zap.String("channel_id", channelID))
		}
	}
	return redacted, refs, nil
}

// Reveal decrypts one stored secret by token. Only tool execution paths
// that legitimately need the original call this.
func (p *Pipeline) Reveal(ctx context.Context, token string) (string, error) {
	rec, err := p.store.get(ctx, token)
	if err != nil {
		return "", fmt.Errorf("unknown secret token: %w", err)
	}
	plain, err := Decrypt(rec.Ciphertext, rec.Nonce, p.keys.Key())
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

var _ registry.Service = (*Pipeline)(nil)

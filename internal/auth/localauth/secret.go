package localauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
)

// SecretKey is the KV key of the generated signing secret.
const SecretKey = "crochet:auth:local_secret"

// LoadOrCreateSecret returns the signing secret for local sessions, generating
// and storing one on first use.
func LoadOrCreateSecret(ctx context.Context, storage kv.Storage) (string, error) {
	secret, ok, err := storage.GetItem(ctx, SecretKey)
	if err != nil {
		return "", fmt.Errorf("loading signing secret: %w", err)
	}
	if ok && secret != "" {
		return secret, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating signing secret: %w", err)
	}
	secret = hex.EncodeToString(buf)
	if err := storage.SetItem(ctx, SecretKey, secret); err != nil {
		return "", fmt.Errorf("storing signing secret: %w", err)
	}
	return secret, nil
}

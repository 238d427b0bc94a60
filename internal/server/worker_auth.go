package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"slices"

	"github.com/me/kestrel/internal/config"
	"github.com/me/kestrel/pkg/model"
)

const ctxKeyWorkerAuth ctxKey = "worker_auth"

// WorkerKeysEnv holds extra worker keys as JSON: {"key": ["cap", ...]}.
const WorkerKeysEnv = "KESTREL_WORKER_KEYS"

// WorkerAuthContext holds authenticated worker info for a request.
type WorkerAuthContext struct {
	KeyID        string   // Hash of the key (for logging, not the raw key)
	Capabilities []string // Capabilities this key may claim
}

// WorkerAuthFromContext extracts the WorkerAuthContext from request context.
func WorkerAuthFromContext(ctx context.Context) *WorkerAuthContext {
	if wc, ok := ctx.Value(ctxKeyWorkerAuth).(*WorkerAuthContext); ok {
		return wc
	}
	return nil
}

// WorkerKeyConfig maps worker keys to the capabilities they may claim.
type WorkerKeyConfig struct {
	Keys map[string]config.WorkerKey
}

// LoadWorkerKeyConfig merges the configured keys with those in
// KESTREL_WORKER_KEYS. Environment entries win. A malformed variable is ignored.
func LoadWorkerKeyConfig(keys map[string]config.WorkerKey) *WorkerKeyConfig {
	cfg := &WorkerKeyConfig{Keys: make(map[string]config.WorkerKey, len(keys))}
	for k, v := range keys {
		cfg.Keys[k] = v
	}

	if envVal := os.Getenv(WorkerKeysEnv); envVal != "" {
		var envKeys map[string][]string
		if err := json.Unmarshal([]byte(envVal), &envKeys); err == nil {
			for key, caps := range envKeys {
				cfg.Keys[key] = config.WorkerKey{Capabilities: caps}
			}
		}
	}
	return cfg
}

// ValidateKey returns the entry for key, or nil if the key is unknown.
func (c *WorkerKeyConfig) ValidateKey(key string) *config.WorkerKey {
	if entry, ok := c.Keys[key]; ok {
		return &entry
	}
	return nil
}

// IsEnabled returns true if any worker keys are configured.
func (c *WorkerKeyConfig) IsEnabled() bool {
	return c != nil && len(c.Keys) > 0
}

// hashKey creates a short hash of the key for logging purposes.
func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}

// workerAuthMiddleware validates the X-Worker-Key header. With no keys
// configured every request is let through unrestricted.
func workerAuthMiddleware(keyConfig *WorkerKeyConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := &WorkerAuthContext{KeyID: "none"}
			if keyConfig.IsEnabled() {
				key := r.Header.Get("X-Worker-Key")
				entry := keyConfig.ValidateKey(key)
				if entry == nil {
					msg := "invalid worker key"
					if key == "" {
						msg = "worker authentication required (X-Worker-Key header missing)"
					} else {
						logger.Warn("invalid worker key", "key_hash", hashKey(key), "path", r.URL.Path)
					}
					respondError(w, RequestIDFromContext(r.Context()), http.StatusUnauthorized,
						model.NewError(model.ErrUnauthorized, "%s", msg))
					return
				}
				auth = &WorkerAuthContext{
					KeyID:        hashKey(key),
					Capabilities: model.NormalizeCapabilities(entry.Capabilities),
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyWorkerAuth, auth)))
		})
	}
}

// Disallowed returns the requested capabilities the key may not claim.
func (c *WorkerAuthContext) Disallowed(requested []string) []string {
	if c == nil || len(c.Capabilities) == 0 {
		return nil
	}
	var out []string
	for _, tok := range model.NormalizeCapabilities(requested) {
		if !slices.Contains(c.Capabilities, tok) {
			out = append(out, tok)
		}
	}
	return out
}

// Package auth resolves memory keys to user contexts.
//
// A memory key is the caller's opaque bearer token, prefixed "mk_". It is
// accepted on three headers: Authorization (bearer), x-api-key, or
// X-Memory-Key. The last one enables pass-through mode, where the original
// Authorization header travels to the provider untouched.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nulpointcorp/memory-router/internal/providers"
)

const (
	// KeyPrefix marks every valid memory key.
	KeyPrefix = "mk_"

	// AdminKeyPrefix grants access to the admin surface.
	AdminKeyPrefix = "mk_admin"

	cacheTTL = time.Minute
)

var (
	ErrKeyMissing  = errors.New("auth: no memory key provided")
	ErrKeyNotFound = errors.New("auth: memory key not found")
	ErrKeyInactive = errors.New("auth: memory key is inactive")
)

// ProviderKey is one stored upstream credential. Endpoint is set only for
// Azure deployments.
type ProviderKey struct {
	APIKey   string
	Endpoint string
}

// Context is the resolved identity a request runs under.
type Context struct {
	MemoryKey    string
	UserID       string
	ProviderKeys map[providers.Tag]ProviderKey
	PassThrough  bool
}

// Key returns the stored credential for a provider tag.
func (c *Context) Key(tag providers.Tag) (ProviderKey, bool) {
	k, ok := c.ProviderKeys[tag]
	return k, ok
}

// ExtractKey pulls the memory key from request headers. Precedence:
// X-Memory-Key (pass-through), then Authorization bearer, then x-api-key.
func ExtractKey(get func(string) string) (key string, passThrough bool, err error) {
	if v := strings.TrimSpace(get("X-Memory-Key")); v != "" {
		if !strings.HasPrefix(v, KeyPrefix) {
			return "", false, ErrKeyNotFound
		}
		return v, true, nil
	}

	if raw := strings.TrimSpace(get("Authorization")); raw != "" {
		if tok := bearerToken(raw); strings.HasPrefix(tok, KeyPrefix) {
			return tok, false, nil
		}
	}

	if v := strings.TrimSpace(get("x-api-key")); strings.HasPrefix(v, KeyPrefix) {
		return v, false, nil
	}

	return "", false, ErrKeyMissing
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// IsAdmin reports whether the key may use the admin surface.
func IsAdmin(key string) bool {
	return strings.HasPrefix(key, AdminKeyPrefix)
}

// Preview renders a key as first4…last4 for logs and admin listings. Short
// keys are fully masked.
func Preview(key string) string {
	if len(key) < 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "…" + key[len(key)-4:]
}

// Service authenticates memory keys against Postgres with a short
// in-process cache in front.
type Service struct {
	db    *pgxpool.Pool
	cache *keyCache
	log   *slog.Logger
}

// NewService creates an auth service. The pool may be nil in tests; every
// lookup then fails with ErrKeyNotFound.
func NewService(db *pgxpool.Pool, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:    db,
		cache: newKeyCache(cacheTTL),
		log:   log,
	}
}

// Authenticate resolves a memory key into a Context. Inactive keys fail
// with ErrKeyInactive; unknown keys with ErrKeyNotFound.
func (s *Service) Authenticate(ctx context.Context, key string) (*Context, error) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return nil, ErrKeyNotFound
	}
	if uc, ok := s.cache.get(key); ok {
		return uc, nil
	}
	if s.db == nil {
		return nil, ErrKeyNotFound
	}

	var userID string
	var active bool
	err := s.db.QueryRow(ctx,
		`SELECT user_id, active FROM memory_keys WHERE key = $1`, key,
	).Scan(&userID, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup: %w", err)
	}
	if !active {
		return nil, ErrKeyInactive
	}

	keys, err := s.loadProviderKeys(ctx, userID)
	if err != nil {
		// A key lookup failure must not lock the user out of providers they
		// bring their own key for.
		s.log.Warn("provider key load failed",
			slog.String("user_id", userID), slog.String("error", err.Error()))
		keys = map[providers.Tag]ProviderKey{}
	}

	uc := &Context{MemoryKey: key, UserID: userID, ProviderKeys: keys}
	s.cache.put(key, uc)
	return uc, nil
}

// Invalidate drops a key from the cache, forcing the next Authenticate to
// hit the database. Called after provider-key mutations.
func (s *Service) Invalidate(key string) {
	s.cache.delete(key)
}

func (s *Service) loadProviderKeys(ctx context.Context, userID string) (map[providers.Tag]ProviderKey, error) {
	rows, err := s.db.Query(ctx,
		`SELECT provider, api_key, COALESCE(endpoint, '') FROM provider_keys WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make(map[providers.Tag]ProviderKey)
	for rows.Next() {
		var provider, apiKey, endpoint string
		if err := rows.Scan(&provider, &apiKey, &endpoint); err != nil {
			return nil, err
		}
		tag, ok := providers.ParseTag(provider)
		if !ok {
			continue
		}
		keys[tag] = ProviderKey{APIKey: apiKey, Endpoint: endpoint}
	}
	return keys, rows.Err()
}

// UpsertProviderKey stores or replaces one provider credential.
func (s *Service) UpsertProviderKey(ctx context.Context, userID string, tag providers.Tag, apiKey, endpoint string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO provider_keys (user_id, provider, api_key, endpoint)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (user_id, provider)
		DO UPDATE SET api_key = EXCLUDED.api_key, endpoint = EXCLUDED.endpoint`,
		userID, string(tag), apiKey, endpoint)
	if err != nil {
		return fmt.Errorf("auth: upsert provider key: %w", err)
	}
	return nil
}

// DeleteProviderKey removes one provider credential.
func (s *Service) DeleteProviderKey(ctx context.Context, userID string, tag providers.Tag) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM provider_keys WHERE user_id = $1 AND provider = $2`,
		userID, string(tag))
	if err != nil {
		return fmt.Errorf("auth: delete provider key: %w", err)
	}
	return nil
}

// ProviderKeyPreview is the admin-facing listing entry. Stored keys are
// never returned verbatim.
type ProviderKeyPreview struct {
	Provider string `json:"provider"`
	Preview  string `json:"preview"`
	Endpoint string `json:"endpoint,omitempty"`
}

// ListProviderKeys returns previews of a user's stored credentials.
func (s *Service) ListProviderKeys(ctx context.Context, userID string) ([]ProviderKeyPreview, error) {
	keys, err := s.loadProviderKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("auth: list provider keys: %w", err)
	}
	out := make([]ProviderKeyPreview, 0, len(keys))
	for tag, k := range keys {
		out = append(out, ProviderKeyPreview{
			Provider: string(tag),
			Preview:  Preview(k.APIKey),
			Endpoint: k.Endpoint,
		})
	}
	return out, nil
}

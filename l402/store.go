package l402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default lifetimes of the paywall state kept in the store
const (
	DefaultPendingTTL = time.Hour
	DefaultTokenTTL   = 24 * time.Hour
)

// ============================================================================
// Stored Records
// ============================================================================

// OriginalRequest is the request a payment was made for, kept so it can be
// replayed once the proof is available
type OriginalRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// PendingProof is a submitted paywall payment whose proof was not ready
// within the synchronous window
type PendingProof struct {
	Reference string          `json:"reference"`
	PaymentID string          `json:"paymentId"`
	Macaroon  string          `json:"macaroon"`
	Request   OriginalRequest `json:"request"`
	PriceSats int64           `json:"priceSats"`
	FeeSats   int64           `json:"feeSats"`
	// Owner is the budget identity the reservation was taken against
	Owner string `json:"owner"`
	Agent string `json:"agent,omitempty"`
	// ReservedDay is the UTC day of the reservation, used for compensation
	ReservedDay string    `json:"reservedDay"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CachedToken is a paid credential reusable against one domain
type CachedToken struct {
	Domain   string    `json:"domain"`
	Macaroon string    `json:"macaroon"`
	Preimage string    `json:"preimage"`
	CachedAt time.Time `json:"cachedAt"`
}

// Authorization returns the header value presenting this credential
func (t CachedToken) Authorization() string {
	return Authorization(t.Macaroon, t.Preimage)
}

// ============================================================================
// Store Interfaces
// ============================================================================

// PendingStore keeps pending proofs between the request that paid and the
// request that completes. Implementations must be safe for concurrent use
// across processes.
type PendingStore interface {
	SavePending(ctx context.Context, p PendingProof) error
	// GetPending returns nil, nil for an unknown or expired reference
	GetPending(ctx context.Context, ref string) (*PendingProof, error)
	// ClaimPending deletes the record and reports whether this caller was
	// the one that removed it. Exactly one concurrent claim wins.
	ClaimPending(ctx context.Context, ref string) (bool, error)
}

// TokenStore caches paid credentials by domain
type TokenStore interface {
	GetToken(ctx context.Context, domain string) (*CachedToken, error)
	PutToken(ctx context.Context, t CachedToken) error
	EvictToken(ctx context.Context, domain string) error
}

// ============================================================================
// Redis Store
// ============================================================================

// RedisStore implements PendingStore and TokenStore on Redis
type RedisStore struct {
	rdb        redis.UniversalClient
	pendingTTL time.Duration
	tokenTTL   time.Duration
}

// NewRedisStore creates a store with the given TTLs; zero selects the default
func NewRedisStore(rdb redis.UniversalClient, pendingTTL, tokenTTL time.Duration) *RedisStore {
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &RedisStore{rdb: rdb, pendingTTL: pendingTTL, tokenTTL: tokenTTL}
}

func pendingKey(ref string) string { return "l402:pending:" + ref }
func tokenKey(domain string) string { return "l402:token:" + strings.ToLower(domain) }

// SavePending implements PendingStore
func (s *RedisStore) SavePending(ctx context.Context, p PendingProof) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending proof: %w", err)
	}
	if err := s.rdb.Set(ctx, pendingKey(p.Reference), data, s.pendingTTL).Err(); err != nil {
		return fmt.Errorf("failed to save pending proof: %w", err)
	}
	return nil
}

// GetPending implements PendingStore
func (s *RedisStore) GetPending(ctx context.Context, ref string) (*PendingProof, error) {
	data, err := s.rdb.Get(ctx, pendingKey(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending proof: %w", err)
	}
	var p PendingProof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending proof: %w", err)
	}
	return &p, nil
}

// ClaimPending implements PendingStore
func (s *RedisStore) ClaimPending(ctx context.Context, ref string) (bool, error) {
	n, err := s.rdb.Del(ctx, pendingKey(ref)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim pending proof: %w", err)
	}
	return n == 1, nil
}

// GetToken implements TokenStore
func (s *RedisStore) GetToken(ctx context.Context, domain string) (*CachedToken, error) {
	data, err := s.rdb.Get(ctx, tokenKey(domain)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached token: %w", err)
	}
	var t CachedToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode cached token: %w", err)
	}
	return &t, nil
}

// PutToken implements TokenStore
func (s *RedisStore) PutToken(ctx context.Context, t CachedToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal cached token: %w", err)
	}
	if err := s.rdb.Set(ctx, tokenKey(t.Domain), data, s.tokenTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache token: %w", err)
	}
	return nil
}

// EvictToken implements TokenStore
func (s *RedisStore) EvictToken(ctx context.Context, domain string) error {
	if err := s.rdb.Del(ctx, tokenKey(domain)).Err(); err != nil {
		return fmt.Errorf("failed to evict cached token: %w", err)
	}
	return nil
}

// DomainOf returns the host a credential is cached under
func DomainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(u.Host), nil
}

var (
	_ PendingStore = (*RedisStore)(nil)
	_ TokenStore   = (*RedisStore)(nil)
)

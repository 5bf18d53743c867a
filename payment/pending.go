package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPendingTTL is how long a pending payment record is kept
const DefaultPendingTTL = time.Hour

// PendingPayment is a submitted payment whose proof was not ready within
// the synchronous window. It holds what is needed to compensate the
// reservation if the payment later fails.
type PendingPayment struct {
	PaymentID  string `json:"paymentId"`
	AmountSats int64  `json:"amountSats"`
	FeeSats    int64  `json:"feeSats"`
	// Owner is the budget identity the reservation was taken against
	Owner string `json:"owner"`
	Agent string `json:"agent,omitempty"`
	Memo  string `json:"memo,omitempty"`
	// ReservedDay is the UTC day of the reservation
	ReservedDay string    `json:"reservedDay"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Total is the reserved amount
func (p PendingPayment) Total() int64 {
	return p.AmountSats + p.FeeSats
}

// PendingStore keeps pending payment records in Redis, keyed by payment id
type PendingStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewPendingStore creates a store. A non-positive ttl selects the default.
func NewPendingStore(rdb redis.UniversalClient, ttl time.Duration) *PendingStore {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingStore{rdb: rdb, ttl: ttl}
}

func pendingKey(id string) string { return "payment:pending:" + id }

// Save stores p until the TTL elapses
func (s *PendingStore) Save(ctx context.Context, p PendingPayment) error {
	if p.PaymentID == "" {
		return fmt.Errorf("pending payment needs a payment id")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending payment: %w", err)
	}
	if err := s.rdb.Set(ctx, pendingKey(p.PaymentID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save pending payment: %w", err)
	}
	return nil
}

// Get returns nil, nil for an unknown, expired or claimed payment
func (s *PendingStore) Get(ctx context.Context, id string) (*PendingPayment, error) {
	data, err := s.rdb.Get(ctx, pendingKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending payment: %w", err)
	}
	var p PendingPayment
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending payment: %w", err)
	}
	return &p, nil
}

// Claim deletes the record and reports whether this call removed it.
// Exactly one concurrent claim wins.
func (s *PendingStore) Claim(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Del(ctx, pendingKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim pending payment: %w", err)
	}
	return n == 1, nil
}

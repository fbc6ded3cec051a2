// Package idempotency deduplicates retried mutating requests. Clients may
// resend a trade after a network blip when the server already submitted a
// ledger transaction, so the guard must be consulted before any
// side-effecting call, not just before persistence.
//
// The guard is a check/reserve pattern over a pluggable KV cache: the
// in-memory backend serves single-instance deployments, the Redis backend
// keeps the guarantee across multiple server instances.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long an accepted request's response is replayed.
const DefaultTTL = 10 * time.Minute

var (
	// ErrInFlight is returned when a duplicate arrives while the first
	// request with the same key is still executing. Duplicates are
	// rejected rather than raced: racing could submit the ledger
	// transfer twice, which is exactly what the guard exists to prevent.
	ErrInFlight = errors.New("idempotency: request with this key is in flight")
)

// Cache is the KV backend. Values carry their own TTL.
type Cache interface {
	// Get returns the value and whether a live entry exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// SetNX stores the value only if the key is absent, returning whether
	// the write won.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Set stores the value unconditionally (last write wins).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// Stored values are tagged so a pending reservation is distinguishable
// from a completed response.
const (
	tagPending  = 'p'
	tagComplete = 'c'
)

// Guard implements check/reserve deduplication with a fixed TTL.
type Guard struct {
	cache Cache
	ttl   time.Duration
}

// NewGuard creates a guard over the given cache backend.
func NewGuard(cache Cache, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{cache: cache, ttl: ttl}
}

// CheckOrReserve looks up the key. If a completed response is cached it is
// returned with reserved=false and the caller must not re-execute. If the
// key is pending, ErrInFlight is returned. Otherwise the key is reserved
// and the caller proceeds, finishing with Store on success or Release on
// failure.
func (g *Guard) CheckOrReserve(ctx context.Context, key string) (cached []byte, reserved bool, err error) {
	val, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return decode(val)
	}

	won, err := g.cache.SetNX(ctx, key, []byte{tagPending}, g.ttl)
	if err != nil {
		return nil, false, err
	}
	if won {
		return nil, true, nil
	}

	// Lost the reservation race: someone else got here between the Get
	// and the SetNX. Read what they stored.
	val, ok, err = g.cache.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		// The winner released in between; treat as in flight and let the
		// client retry.
		return nil, false, ErrInFlight
	}
	return decode(val)
}

func decode(val []byte) ([]byte, bool, error) {
	if len(val) == 0 || val[0] == tagPending {
		return nil, false, ErrInFlight
	}
	return val[1:], false, nil
}

// Store records the completed response for replay to duplicates.
func (g *Guard) Store(ctx context.Context, key string, response []byte) error {
	return g.cache.Set(ctx, key, append([]byte{tagComplete}, response...), g.ttl)
}

// Release drops a reservation after a failed execution so the client can
// retry with the same key.
func (g *Guard) Release(ctx context.Context, key string) error {
	return g.cache.Del(ctx, key)
}

package shared

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultIdempotencyTTL must outlive the broker's redelivery window
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStore remembers which envelopes a consumer group has applied.
// Keys come from IdempotencyKey.
type IdempotencyStore interface {
	// MarkProcessed claims key for ttl. It reports false when key was
	// already claimed.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsProcessed(ctx context.Context, key string) (bool, error)
	// Release drops a claim after a failed apply so the redelivery runs
	Release(ctx context.Context, key string) error
	Close() error
}

// IdempotencyConfig controls duplicate suppression for one consumer group
type IdempotencyConfig struct {
	TTL     time.Duration
	Enabled bool
}

// DefaultIdempotencyConfig enables suppression with DefaultIdempotencyTTL
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{TTL: DefaultIdempotencyTTL, Enabled: true}
}

// IdempotencyKey scopes an envelope ID to a consumer group so groups sharing
// a store never see each other's marks
func IdempotencyKey(scope string, eventID uuid.UUID) string {
	if scope == "" {
		return eventID.String()
	}
	return scope + ":" + eventID.String()
}

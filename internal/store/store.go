package store

import (
	"context"
	"time"
)

// Store is the shared key-value store interface. All cross-process
// coordination state (locks, dedup markers, idempotency records) goes
// through here. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value at key, with found=false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set unconditionally writes value at key with a TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only if key is absent. Returns true if the write
	// happened. This is the atomic building block for locks and markers.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only if its current value equals expected.
	// Returns true if the key was deleted.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// CompareAndExpire resets the TTL on key only if its current value equals
	// expected. Returns true if the expiry was applied.
	CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)
	// CountKeys counts keys matching a glob pattern. Observability only; the
	// count is not transactional.
	CountKeys(ctx context.Context, pattern string) (int64, error)
	Ping(ctx context.Context) error
}

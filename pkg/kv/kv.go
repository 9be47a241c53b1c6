// Package kv provides the key-value store used for counters, flags, and
// short-lived tokens. The interface is deliberately small: the orchestration
// core only needs get/set/delete, set-if-absent, and an atomic
// increment-with-expiry for day-scoped counters.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the key-value capability the orchestration core depends on.
// Implementations must make IncrWithExpiry atomic: concurrent callers
// observe strictly increasing values, and the expiry is set exactly once
// when the key is created.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value under key only if the key does not exist.
	// Returns true if the value was written.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// IncrWithExpiry atomically increments the integer at key and returns
	// the post-increment value. The ttl is applied when the increment
	// creates the key.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error
}

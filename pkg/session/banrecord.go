package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaygate/relaygate/pkg/kv"
)

const banFlagKey = "ban-flag"

// BanRecord is the persisted ban flag. Set only when BANNED is entered,
// cleared only by explicit operator action, and consulted at startup: a
// fresh process refuses to drive the session while the flag is set.
type BanRecord struct {
	store kv.Store
}

// NewBanRecord creates a record over the given store.
func NewBanRecord(store kv.Store) *BanRecord {
	return &BanRecord{store: store}
}

// Set persists the flag. No TTL: a confirmed ban outlives any restart.
func (b *BanRecord) Set(ctx context.Context) error {
	if err := b.store.Set(ctx, banFlagKey, "1", 0); err != nil {
		return fmt.Errorf("persist ban flag: %w", err)
	}
	return nil
}

// IsSet reports whether the flag is present.
func (b *BanRecord) IsSet(ctx context.Context) (bool, error) {
	_, err := b.store.Get(ctx, banFlagKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read ban flag: %w", err)
	}
	return true, nil
}

// Clear removes the flag. Operator action only.
func (b *BanRecord) Clear(ctx context.Context) error {
	if err := b.store.Delete(ctx, banFlagKey); err != nil {
		return fmt.Errorf("clear ban flag: %w", err)
	}
	return nil
}

package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/pkg/kv"
)

func newTestRamp(t *testing.T) (*Ramp, *kv.MemoryStore, *time.Time) {
	t.Helper()
	store := kv.NewMemoryStore()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	nowFunc := func() time.Time { return now }
	store.SetNowFunc(nowFunc)

	ramp := NewRamp(store, 100, 50, 2000, nil)
	ramp.SetNowFunc(nowFunc)
	return ramp, store, &now
}

func TestRamp_Limit(t *testing.T) {
	ramp, _, _ := newTestRamp(t)

	assert.Equal(t, 100, ramp.Limit(0))
	assert.Equal(t, 150, ramp.Limit(1))
	assert.Equal(t, 2000, ramp.Limit(38))
	assert.Equal(t, 2000, ramp.Limit(100))
}

func TestRamp_FirstDayCap(t *testing.T) {
	ramp, _, _ := newTestRamp(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, ramp.Admit(ctx))
	}
	err := ramp.Admit(ctx)
	assert.ErrorIs(t, err, ErrCapExceeded)
}

func TestRamp_RejectedAttemptsStillCount(t *testing.T) {
	ramp, _, _ := newTestRamp(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, ramp.Admit(ctx))
	}
	// Each rejected retry consumes budget too; the counter keeps growing.
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, ramp.Admit(ctx), ErrCapExceeded)
	}
}

func TestRamp_LimitGrowsNextDay(t *testing.T) {
	ramp, _, now := newTestRamp(t)
	ctx := context.Background()

	// Day 0: persist start date, fill the cap.
	for i := 0; i < 100; i++ {
		require.NoError(t, ramp.Admit(ctx))
	}
	require.ErrorIs(t, ramp.Admit(ctx), ErrCapExceeded)

	// Day 1: new counter key, limit 150.
	*now = now.Add(25 * time.Hour)
	for i := 0; i < 150; i++ {
		require.NoError(t, ramp.Admit(ctx), "admission %d on day 1", i+1)
	}
	assert.ErrorIs(t, ramp.Admit(ctx), ErrCapExceeded)
}

func TestRamp_StartDatePersistedOnce(t *testing.T) {
	ramp, store, now := newTestRamp(t)
	ctx := context.Background()

	require.NoError(t, ramp.Admit(ctx))
	first, err := store.Get(ctx, "start-date")
	require.NoError(t, err)

	*now = now.Add(48 * time.Hour)
	require.NoError(t, ramp.Admit(ctx))
	second, err := store.Get(ctx, "start-date")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryAcquireWithinBurst(t *testing.T) {
	reg := NewMemoryRegistry(
		Settings{Size: 3, Refresh: 1, Interval: time.Hour},
		Settings{Size: 1, Refresh: 1, Interval: time.Hour},
	)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Acquire(ctx, "acme"))
	}
}

func TestMemoryAcquireBlocksWhenDrained(t *testing.T) {
	reg := NewMemoryRegistry(
		Settings{Size: 1, Refresh: 1, Interval: time.Hour},
		Settings{Size: 1, Refresh: 1, Interval: time.Hour},
	)
	ctx := context.Background()
	require.NoError(t, reg.Acquire(ctx, "acme"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := reg.Acquire(short, "acme")
	require.Error(t, err)
}

func TestContentReservoirIsSeparate(t *testing.T) {
	reg := NewMemoryRegistry(
		Settings{Size: 1, Refresh: 1, Interval: time.Hour},
		Settings{Size: 1, Refresh: 1, Interval: time.Hour},
	)
	ctx := context.Background()
	require.NoError(t, reg.Acquire(ctx, "acme"))
	// draining the tenant reservoir leaves the write sub-quota intact
	require.NoError(t, reg.Acquire(ctx, "content:acme"))
}

func TestTenantsDoNotShareTokens(t *testing.T) {
	reg := NewMemoryRegistry(
		Settings{Size: 1, Refresh: 1, Interval: time.Hour},
		Settings{Size: 1, Refresh: 1, Interval: time.Hour},
	)
	ctx := context.Background()
	require.NoError(t, reg.Acquire(ctx, "acme"))
	require.NoError(t, reg.Acquire(ctx, "globex"))
}

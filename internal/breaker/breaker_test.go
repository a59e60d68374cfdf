package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SirClappington/orgsync/internal/domain"
)

func TestMemoryOpenAndExpire(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c, err := s.Get(ctx, ScopeTenant, "acme")
	require.NoError(t, err)
	require.False(t, c.Blocking(time.Now()))

	trips, err := s.Open(ctx, ScopeTenant, "acme", EventRateLimit, 50*time.Millisecond, "primary")
	require.NoError(t, err)
	require.Equal(t, 1, trips)

	c, err = s.Get(ctx, ScopeTenant, "acme")
	require.NoError(t, err)
	require.True(t, c.Blocking(time.Now()))
	require.Equal(t, domain.CircuitOpen, c.State)

	time.Sleep(60 * time.Millisecond)
	c, err = s.Get(ctx, ScopeTenant, "acme")
	require.NoError(t, err)
	require.False(t, c.Blocking(time.Now()))
}

func TestScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Open(ctx, ScopeMethod, MethodKey("acme", domain.SyncRepo), EventImmediateError, time.Minute, "boom")
	require.NoError(t, err)

	// method-scope block leaves the tenant and sibling methods untouched
	c, _ := s.Get(ctx, ScopeTenant, "acme")
	require.False(t, c.Blocking(time.Now()))
	c, _ = s.Get(ctx, ScopeMethod, MethodKey("acme", domain.CreateRepo))
	require.False(t, c.Blocking(time.Now()))
	c, _ = s.Get(ctx, ScopeMethod, MethodKey("acme", domain.SyncRepo))
	require.True(t, c.Blocking(time.Now()))
}

func TestTripCountAccumulates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 1; i <= 3; i++ {
		trips, err := s.Open(ctx, ScopeTenant, "acme", EventRateLimit, time.Minute, "again")
		require.NoError(t, err)
		require.Equal(t, i, trips)
	}
}

func TestErrorWindowCounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := int64(1); i <= 5; i++ {
		n, err := s.RecordError(ctx, "acme", domain.SyncRepo)
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
	// different method counts separately
	n, err := s.RecordError(ctx, "acme", domain.CreateRepo)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestErrorWindowSlides(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	key := "errwin:" + MethodKey("acme", domain.SyncRepo)

	// errors older than the trailing window fall out of the count
	stale := time.Now().Add(-ErrorWindow - time.Second)
	fresh := time.Now().Add(-time.Second)
	s.windows[key] = []time.Time{stale, stale, fresh}

	n, err := s.RecordError(ctx, "acme", domain.SyncRepo)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Open(ctx, ScopeTenant, "acme", EventRateLimit, time.Hour, "primary")
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx, ScopeTenant, "acme"))
	c, _ := s.Get(ctx, ScopeTenant, "acme")
	require.False(t, c.Blocking(time.Now()))
}

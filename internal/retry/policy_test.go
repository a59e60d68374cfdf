package retry

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/orgsync/internal/domain"
	"github.com/SirClappington/orgsync/internal/ghapi"
)

func TestPrimaryNoHintFirstAttempt(t *testing.T) {
	// base 60s, exponent 0, plus up to 25% jitter
	p := NewPolicy()
	err := ghapi.NewRateLimitError(ghapi.KindPrimary, nil, nil)
	for i := 0; i < 50; i++ {
		d := p.Decide(err, 0)
		require.False(t, d.DeadLetter)
		require.Equal(t, ghapi.KindPrimary, d.Kind)
		require.GreaterOrEqual(t, d.Delay, 60*time.Second)
		require.LessOrEqual(t, d.Delay, 75*time.Second)
	}
}

func TestServerHintOverridesBase(t *testing.T) {
	p := NewPolicy()
	hint := 30 * time.Second
	d := p.Decide(ghapi.NewRateLimitError(ghapi.KindSecondary, &hint, nil), 1)
	// max(5, 30) * 2^1 = 60s, plus jitter
	require.GreaterOrEqual(t, d.Delay, 60*time.Second)
	require.LessOrEqual(t, d.Delay, 75*time.Second)
}

func TestExponentCapped(t *testing.T) {
	p := NewPolicy()
	hint := 5 * time.Second
	// retry count 4 is under the ceiling but above nothing; use a longer
	// policy window by checking exponent saturation at min(6, n)
	d := p.Decide(ghapi.NewRateLimitError(ghapi.KindPrimary, &hint, nil), 4)
	require.GreaterOrEqual(t, d.Delay, 80*time.Second) // 5 * 2^4
	require.LessOrEqual(t, d.Delay, 100*time.Second)
}

func TestSevereFlatDelay(t *testing.T) {
	p := NewPolicy()
	d := p.Decide(ghapi.NewRateLimitError(ghapi.KindSevere, nil, nil), 3)
	// no exponential growth, no jitter
	require.Equal(t, 12*time.Hour, d.Delay)
}

func TestSevereHintReplacesDefault(t *testing.T) {
	p := NewPolicy()
	hint := 2 * time.Hour
	// the server hint wins even when shorter than the default cooldown
	d := p.Decide(ghapi.NewRateLimitError(ghapi.KindSevere, &hint, nil), 0)
	require.Equal(t, 2*time.Hour, d.Delay)
}

func TestGenericFixedDelay(t *testing.T) {
	p := NewPolicy()
	d := p.Decide(errors.New("boom"), 2)
	require.False(t, d.DeadLetter)
	require.Equal(t, 120*time.Second, d.Delay)
	require.Equal(t, ghapi.KindGeneric, d.Kind)
}

func TestDeadLetterAtCeiling(t *testing.T) {
	p := NewPolicy()
	d := p.Decide(errors.New("boom"), MaxRetries)
	require.True(t, d.DeadLetter)
	require.False(t, d.Permanent)
}

func TestUnknownMethodIsPermanent(t *testing.T) {
	p := NewPolicy()
	d := p.Decide(errors.Wrap(domain.ErrUnknownMethod, "frobnicate"), 0)
	require.True(t, d.DeadLetter)
	require.True(t, d.Permanent)
}

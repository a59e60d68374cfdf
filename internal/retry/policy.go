package retry

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/orgsync/internal/domain"
	"github.com/SirClappington/orgsync/internal/ghapi"
)

const (
	MaxRetries = 5

	// delay while a circuit is open; does not count as an attempt
	CircuitOpenDelay = 180 * time.Second

	primaryBase   = 60 * time.Second
	secondaryBase = 180 * time.Second
	severeBase    = 12 * time.Hour
	genericDelay  = 120 * time.Second

	maxExponent = 6
	minBase     = 5 * time.Second
	jitterFrac  = 0.25
)

// Decision is what happens to an envelope after a failure.
type Decision struct {
	DeadLetter bool
	Delay      time.Duration
	Kind       ghapi.Kind
	Permanent  bool
}

type Policy struct {
	rand *rand.Rand
}

func NewPolicy() *Policy {
	return &Policy{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Decide classifies err and computes the requeue delay, or escalates to the
// dead letter store once the retry budget is spent. Malformed envelopes are
// permanent: they go straight to the dead letters without burning retries.
func (p *Policy) Decide(err error, retryCount int) Decision {
	if errors.Is(err, domain.ErrUnknownMethod) {
		return Decision{DeadLetter: true, Permanent: true, Kind: ghapi.KindGeneric}
	}
	kind := ghapi.Classify(err)
	if retryCount >= MaxRetries {
		return Decision{DeadLetter: true, Kind: kind}
	}
	switch kind {
	case ghapi.KindPrimary, ghapi.KindSecondary:
		base := defaultBase(kind)
		if hint := ghapi.RetryHint(err); hint != nil && *hint > 0 {
			base = *hint
		}
		return Decision{Delay: p.backoff(base, retryCount), Kind: kind}
	case ghapi.KindSevere:
		// flat cooldown: the server hint when present, else the long default
		base := severeBase
		if hint := ghapi.RetryHint(err); hint != nil && *hint > 0 {
			base = *hint
		}
		return Decision{Delay: base, Kind: kind}
	default:
		return Decision{Delay: genericDelay, Kind: ghapi.KindGeneric}
	}
}

func defaultBase(kind ghapi.Kind) time.Duration {
	if kind == ghapi.KindSecondary {
		return secondaryBase
	}
	return primaryBase
}

// backoff: max(5s, base) * 2^min(6, retry) plus up to 25% jitter.
func (p *Policy) backoff(base time.Duration, retryCount int) time.Duration {
	if base < minBase {
		base = minBase
	}
	exp := retryCount
	if exp > maxExponent {
		exp = maxExponent
	}
	d := base * (1 << uint(exp))
	jitter := time.Duration(p.rand.Float64() * jitterFrac * float64(d))
	return d + jitter
}

// CircuitDuration is how long a rate-limit trip keeps the tenant circuit
// open: the server hint when present, else the per-kind default.
func CircuitDuration(kind ghapi.Kind, hint *time.Duration) time.Duration {
	if hint != nil && *hint > 0 {
		return *hint
	}
	switch kind {
	case ghapi.KindSecondary:
		return secondaryBase
	case ghapi.KindSevere:
		return severeBase
	default:
		return primaryBase
	}
}

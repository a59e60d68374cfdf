package limiter

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// MemoryRegistry is the single-node fallback, one rate.Limiter per key
// behind a mutex-guarded map. Same blocking contract as the Redis registry.
type MemoryRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	defaults Settings
	content  Settings
}

func NewMemoryRegistry(defaults, content Settings) *MemoryRegistry {
	return &MemoryRegistry{
		limiters: make(map[string]*rate.Limiter),
		defaults: defaults,
		content:  content,
	}
}

func (r *MemoryRegistry) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	s := r.defaults
	if strings.HasPrefix(key, "content:") {
		s = r.content
	}
	per := rate.Limit(float64(s.Refresh) / s.Interval.Seconds())
	l := rate.NewLimiter(per, s.Size)
	r.limiters[key] = l
	return l
}

func (r *MemoryRegistry) Acquire(ctx context.Context, key string) error {
	return r.limiterFor(key).Wait(ctx)
}

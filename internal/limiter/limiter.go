package limiter

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/orgsync/internal/redisstore"
)

// Registry hands out blocking token acquisition per reservoir key. Keys are
// tenant ids, plus "content:{tenant}" for the stricter write sub-quota.
type Registry interface {
	Acquire(ctx context.Context, key string) error
}

// Settings describe one reservoir: Size tokens, refilled Refresh tokens per
// Interval, continuously.
type Settings struct {
	Size     int
	Refresh  int
	Interval time.Duration
}

// take one token or report milliseconds until one becomes available.
// Refill is computed from elapsed time so no background ticker is needed;
// the whole read-modify-write runs server-side.
const reservoirScript = `
local data = redis.call('HMGET', KEYS[1], 'tokens', 'updated')
local tokens = tonumber(data[1])
local updated = tonumber(data[2])
local cap = tonumber(ARGV[1])
local refresh = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
if tokens == nil then
  tokens = cap
  updated = now
end
tokens = math.min(cap, tokens + (now - updated) * refresh / interval)
local wait = -1
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * interval / refresh)
end
redis.call('HMSET', KEYS[1], 'tokens', tokens, 'updated', now)
redis.call('PEXPIRE', KEYS[1], interval * 10)
return wait
`

// RedisRegistry draws every worker process from the same reservoirs so the
// aggregate rate stays under the external quota.
type RedisRegistry struct {
	store    redisstore.Store
	defaults Settings
	content  Settings
}

func NewRedisRegistry(store redisstore.Store, defaults, content Settings) *RedisRegistry {
	return &RedisRegistry{store: store, defaults: defaults, content: content}
}

func (r *RedisRegistry) settingsFor(key string) Settings {
	if strings.HasPrefix(key, "content:") {
		return r.content
	}
	return r.defaults
}

// Acquire blocks until a token is free, sleeping for the server-computed
// wait between attempts. Cooperative: honors ctx cancellation.
func (r *RedisRegistry) Acquire(ctx context.Context, key string) error {
	s := r.settingsFor(key)
	for {
		res, err := r.store.Eval(ctx, reservoirScript, []string{"reservoir:" + key},
			s.Size, s.Refresh, s.Interval.Milliseconds(), time.Now().UnixMilli())
		if err != nil {
			return errors.Wrapf(err, "reservoir %s", key)
		}
		wait, _ := res.(int64)
		if wait < 0 {
			return nil
		}
		timer := time.NewTimer(time.Duration(wait) * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

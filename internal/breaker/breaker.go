package breaker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SirClappington/orgsync/internal/domain"
	"github.com/SirClappington/orgsync/internal/redisstore"
)

type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeMethod Scope = "method"
)

type Event string

const (
	EventRateLimit      Event = "rate_limit"
	EventErrorThreshold Event = "error_threshold"
	EventImmediateError Event = "immediate_error"
)

const (
	// error-threshold trip: 20 errors in a trailing 5 minutes opens the
	// method circuit for 8 hours
	ErrorWindow      = 5 * time.Minute
	ErrorThreshold   = 20
	ThresholdOpenFor = 8 * time.Hour

	// any non-rate-limit failure opens the method circuit briefly
	ImmediateOpenFor = 30 * time.Second
)

// MethodKey builds the method-scope key for a (tenant, method) pair.
func MethodKey(tenant string, method domain.Method) string {
	return tenant + ":" + string(method)
}

// Store tracks open circuits per tenant and per (tenant, method). All
// implementations must be safe for concurrent use from many workers.
type Store interface {
	Get(ctx context.Context, scope Scope, key string) (domain.Circuit, error)
	Open(ctx context.Context, scope Scope, key string, event Event, openFor time.Duration, reason string) (int, error)
	RecordError(ctx context.Context, tenant string, method domain.Method) (int64, error)
	Clear(ctx context.Context, scope Scope, key string) error
}

// EventChannel carries circuit-open notifications so every worker can log
// trips it did not cause itself.
const EventChannel = "orgsync:circuit"

type Notice struct {
	Scope     Scope  `json:"scope"`
	Key       string `json:"key"`
	Event     Event  `json:"event"`
	Reason    string `json:"reason,omitempty"`
	TripCount int    `json:"trip_count"`
}

// trailing window over a zset of error timestamps: drop entries older than
// the window, add this one, return the live count
const errWindowScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
redis.call('ZADD', KEYS[1], now, ARGV[3])
redis.call('EXPIRE', KEYS[1], math.ceil(window / 1000))
return redis.call('ZCARD', KEYS[1])
`

const openScript = `
local trips = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], 86400)
local body = string.gsub(ARGV[1], '"trip_count":0', '"trip_count":' .. trips, 1)
redis.call('SET', KEYS[1], body, 'PX', ARGV[2])
return trips
`

const delScript = `
redis.call('DEL', KEYS[1])
return 1
`

// RedisStore keeps circuit state in the shared store so every worker process
// sees trips immediately. Keys expire with the circuit, so a missing key
// means closed.
type RedisStore struct {
	store redisstore.Store
}

func NewRedisStore(store redisstore.Store) *RedisStore {
	return &RedisStore{store: store}
}

func circuitKey(scope Scope, key string) string {
	return "circuit:" + string(scope) + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, scope Scope, key string) (domain.Circuit, error) {
	raw, err := s.store.Get(ctx, circuitKey(scope, key))
	if err == redisstore.ErrNotFound {
		return domain.Circuit{State: domain.CircuitClosed}, nil
	}
	if err != nil {
		return domain.Circuit{}, err
	}
	var c domain.Circuit
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return domain.Circuit{}, errors.Wrap(err, "decode circuit")
	}
	return c, nil
}

func (s *RedisStore) Open(ctx context.Context, scope Scope, key string, event Event, openFor time.Duration, reason string) (int, error) {
	until := time.Now().UTC().Add(openFor)
	body, err := json.Marshal(domain.Circuit{
		State:     domain.CircuitOpen,
		OpenUntil: &until,
		Reason:    reason,
	})
	if err != nil {
		return 0, errors.Wrap(err, "encode circuit")
	}
	res, err := s.store.Eval(ctx, openScript,
		[]string{circuitKey(scope, key), circuitKey(scope, key) + ":trips"},
		string(body), openFor.Milliseconds())
	if err != nil {
		return 0, err
	}
	trips, _ := res.(int64)
	if note, err := json.Marshal(Notice{Scope: scope, Key: key, Event: event, Reason: reason, TripCount: int(trips)}); err == nil {
		_ = s.store.Publish(ctx, EventChannel, string(note))
	}
	return int(trips), nil
}

func (s *RedisStore) RecordError(ctx context.Context, tenant string, method domain.Method) (int64, error) {
	key := "errwin:" + MethodKey(tenant, method)
	res, err := s.store.Eval(ctx, errWindowScript, []string{key},
		time.Now().UnixMilli(), ErrorWindow.Milliseconds(), uuid.NewString())
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

func (s *RedisStore) Clear(ctx context.Context, scope Scope, key string) error {
	_, err := s.store.Eval(ctx, delScript, []string{circuitKey(scope, key)})
	return err
}

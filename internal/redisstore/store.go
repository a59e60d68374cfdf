package redisstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get on a missing key.
var ErrNotFound = errors.New("redisstore: key not found")

// Store is the narrow slice of Redis the breaker, limiter and diff cache
// need. Deliberately not an open-ended client passthrough.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)
}

type Client struct {
	rdb *r.Client
}

func New(rdb *r.Client) *Client { return &Client{rdb} }

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == r.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "get %s", key)
	}
	return v, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.Wrapf(c.rdb.Set(ctx, key, value, ttl).Err(), "set %s", key)
}

// Eval runs a script with a small retry loop for transient failures; atomic
// read-modify-write lives server-side so concurrent workers cannot race.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		res, err := c.rdb.Eval(ctx, script, keys, args...).Result()
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		select {
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.Wrap(lastErr, "eval")
}

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return errors.Wrapf(c.rdb.Publish(ctx, channel, message).Err(), "publish %s", channel)
}

func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := c.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, errors.Wrapf(err, "subscribe %s", channel)
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- msg.Payload
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

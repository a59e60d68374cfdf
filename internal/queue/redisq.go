package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// Message is one leased queue entry. EnqueuedAt is the original producer
// enqueue time and survives requeues so latency metrics measure end to end.
type Message struct {
	ID         string          `json:"id"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Queue is the durable at-least-once queue contract: leased reads, explicit
// archive, delayed sends.
type Queue interface {
	Read(ctx context.Context, name string, visibility time.Duration, max int) ([]Message, error)
	Send(ctx context.Context, name string, payload []byte, delay time.Duration) error
	SendAt(ctx context.Context, name string, msg Message, delay time.Duration) error
	Archive(ctx context.Context, name string, id string) error
}

// RedisQ keeps a ready list, a delay zset and a pending (leased) zset per
// queue, with message bodies in their own keys:
//
//	queue:{name}            ready ids (LIST)
//	queue:{name}:delay      delayed ids scored by ready time (ZSET)
//	queue:{name}:pending    leased ids scored by lease expiry (ZSET)
//	queue:{name}:claiming   ids mid-way between blocking pop and lease (LIST)
//	queue:{name}:msg:{id}   message body (JSON)
type RedisQ struct {
	rdb       *r.Client
	pollBlock time.Duration
}

func New(rdb *r.Client, pollBlock time.Duration) *RedisQ {
	if pollBlock <= 0 {
		pollBlock = 10 * time.Second
	}
	return &RedisQ{rdb: rdb, pollBlock: pollBlock}
}

func readyKey(name string) string    { return "queue:" + name }
func delayKey(name string) string    { return "queue:" + name + ":delay" }
func pendingKey(name string) string  { return "queue:" + name + ":pending" }
func claimingKey(name string) string { return "queue:" + name + ":claiming" }
func msgKey(name, id string) string  { return "queue:" + name + ":msg:" + id }

// popScript pops and leases in one step so a popped id is always reachable
// from either the ready list or the pending zset.
const popScript = `
local ids = {}
for i = 1, tonumber(ARGV[1]) do
  local id = redis.call('RPOP', KEYS[1])
  if not id then break end
  redis.call('ZADD', KEYS[2], ARGV[2], id)
  ids[#ids + 1] = id
end
return ids
`

// leaseScript moves one id from the claiming list into the pending zset.
const leaseScript = `
redis.call('LREM', KEYS[1], 1, ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`

// sweepScript empties the claiming list back onto the ready list.
const sweepScript = `
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then return 1 end
  redis.call('LPUSH', KEYS[2], id)
end
`

func (q *RedisQ) Send(ctx context.Context, name string, payload []byte, delay time.Duration) error {
	msg := Message{ID: uuid.NewString(), EnqueuedAt: time.Now().UTC(), Payload: payload}
	return q.SendAt(ctx, name, msg, delay)
}

// SendAt enqueues a fully-formed message. Requeues go through here so the
// copy keeps the original enqueue time under a fresh id.
func (q *RedisQ) SendAt(ctx context.Context, name string, msg Message, delay time.Duration) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, msgKey(name, msg.ID), body, 0)
	if delay > 0 {
		pipe.ZAdd(ctx, delayKey(name), r.Z{Score: float64(time.Now().Add(delay).Unix()), Member: msg.ID})
	} else {
		pipe.LPush(ctx, readyKey(name), msg.ID)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "send")
}

// Read promotes due/expired ids, then leases up to max messages. The first
// pop blocks so idle workers long-poll instead of spinning; it lands in the
// claiming list so a crash before the lease write cannot strand the id.
func (q *RedisQ) Read(ctx context.Context, name string, visibility time.Duration, max int) ([]Message, error) {
	if err := q.promoteDue(ctx, name); err != nil {
		return nil, err
	}
	if err := q.reclaimExpired(ctx, name); err != nil {
		return nil, err
	}

	expiry := time.Now().Add(visibility).Unix()
	first, err := q.rdb.BLMove(ctx, readyKey(name), claimingKey(name), "RIGHT", "LEFT", q.pollBlock).Result()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "blmove")
	}
	if err := q.rdb.Eval(ctx, leaseScript,
		[]string{claimingKey(name), pendingKey(name)}, expiry, first).Err(); err != nil {
		return nil, errors.Wrap(err, "lease")
	}
	ids := []string{first}
	if max > 1 {
		more, err := q.rdb.Eval(ctx, popScript,
			[]string{readyKey(name), pendingKey(name)}, max-1, expiry).StringSlice()
		if err != nil && err != r.Nil {
			return nil, errors.Wrap(err, "lease batch")
		}
		ids = append(ids, more...)
	}

	var out []Message
	for _, id := range ids {
		body, err := q.rdb.Get(ctx, msgKey(name, id)).Result()
		if err == r.Nil {
			// body gone (archived by a racing owner); drop the lease
			_ = q.rdb.ZRem(ctx, pendingKey(name), id).Err()
			continue
		}
		if err != nil {
			// already leased; the reclaimer redelivers it after visibility
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			// corrupt body will never decode, take it out of rotation
			_ = q.Archive(ctx, name, id)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Archive removes a message from the active queue for good.
func (q *RedisQ) Archive(ctx context.Context, name string, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, pendingKey(name), id)
	pipe.ZRem(ctx, delayKey(name), id)
	pipe.Del(ctx, msgKey(name, id))
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "archive")
}

func (q *RedisQ) promoteDue(ctx context.Context, name string) error {
	now := time.Now().Unix()
	ids, err := q.rdb.ZRangeByScore(ctx, delayKey(name), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 200,
	}).Result()
	if err != nil || len(ids) == 0 {
		return errors.Wrap(err, "promote due")
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey(name), id)
		pipe.ZRem(ctx, delayKey(name), id)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "promote due")
}

// reclaimExpired puts messages whose lease lapsed back on the ready list;
// this is what makes delivery at-least-once when a worker dies mid-batch.
// It also sweeps the claiming list: an id sits there only if a worker died
// between the blocking move and the lease write. A live claimer racing the
// sweep can see the same message twice, which the contract permits.
func (q *RedisQ) reclaimExpired(ctx context.Context, name string) error {
	if err := q.rdb.Eval(ctx, sweepScript,
		[]string{claimingKey(name), readyKey(name)}).Err(); err != nil && err != r.Nil {
		return errors.Wrap(err, "sweep claiming")
	}
	now := time.Now().Unix()
	ids, err := q.rdb.ZRangeByScore(ctx, pendingKey(name), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: 200,
	}).Result()
	if err != nil || len(ids) == 0 {
		return errors.Wrap(err, "reclaim")
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey(name), id)
		pipe.ZRem(ctx, pendingKey(name), id)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "reclaim")
}

// Package rq holds the Redis queue primitives shared by the dispatcher and
// worker loops: publish, leased dequeue, ack/nack, delayed publish, and the
// maintenance scripts that promote due delayed jobs and reclaim expired
// leases. Every multi-key step is a Lua script so concurrent replicas race
// safely on the same queue.
package rq

import (
	"context"
	"strconv"
	"time"

	"github.com/laneq/laneq-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// dequeueScript atomically moves one message from the ready LIST into the
// processing ZSET, scored with the lease expiry.
var dequeueScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if not v then return false end
redis.call('ZADD', KEYS[2], ARGV[1], v)
return v
`)

// promoteOneScript atomically moves one due member from a delay ZSET into
// the target ready LIST. This is the TTL-plus-redirect mechanic: a delayed
// job resurfaces on its lane's primary queue with no consumer involved.
var promoteOneScript = redis.NewScript(`
local dkey = KEYS[1]
local rkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', dkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', dkey, m)
if rem == 1 then
  redis.call('LPUSH', rkey, m)
  return m
end
return false
`)

// reclaimOneScript atomically returns one expired lease to the ready LIST,
// which is how a message abandoned by a crashed consumer gets redelivered.
var reclaimOneScript = redis.NewScript(`
local pkey = KEYS[1]
local rkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', pkey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', pkey, m)
if rem == 1 then
  redis.call('LPUSH', rkey, m)
  return m
end
return false
`)

// Publish appends a raw message to a queue's ready list.
func Publish(ctx context.Context, rdb redis.UniversalClient, queue string, raw []byte) error {
	return rdb.LPush(ctx, keys.Ready(queue), raw).Err()
}

// PublishDelayed parks a raw message in a lane's delay queue. It becomes due
// after the hold time and is promoted onto the lane's primary queue by
// PromoteDue.
func PublishDelayed(ctx context.Context, rdb redis.UniversalClient, lane string, ttl time.Duration, raw []byte) error {
	readyAt := time.Now().Add(ttl).UnixMilli()
	return rdb.ZAdd(ctx, keys.Delayed(lane, ttl.Milliseconds()), redis.Z{
		Score:  float64(readyAt),
		Member: raw,
	}).Err()
}

// Dequeue leases one message from the queue for the given duration. It
// returns nil bytes when the queue is empty.
func Dequeue(ctx context.Context, rdb redis.UniversalClient, queue string, lease time.Duration) ([]byte, error) {
	k := keys.For(queue)
	expire := time.Now().Add(lease).UnixMilli()
	res, err := dequeueScript.Run(ctx, rdb, []string{k.Ready, k.Processing},
		strconv.FormatInt(expire, 10)).Result()
	if err == redis.Nil || res == nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch v := res.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}
	return nil, nil
}

// Ack releases a leased message after terminal handling (success, or a
// dead-letter publish that already happened).
func Ack(ctx context.Context, rdb redis.UniversalClient, queue string, raw []byte) error {
	return rdb.ZRem(ctx, keys.Processing(queue), raw).Err()
}

// Requeue negatively acknowledges a leased message and puts it back on the
// same queue. Nothing is lost; the message is simply consumed again later.
func Requeue(ctx context.Context, rdb redis.UniversalClient, queue string, raw []byte) error {
	k := keys.For(queue)
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Processing, raw)
		p.LPush(ctx, k.Ready, raw)
		return nil
	})
	return err
}

// PromoteDue moves up to limit due members from the lane's delay queue onto
// its primary queue. Safe to run from any number of processes concurrently.
func PromoteDue(ctx context.Context, rdb redis.UniversalClient, lane string, ttl time.Duration, limit int) (int, error) {
	dkey := keys.Delayed(lane, ttl.Milliseconds())
	rkey := keys.Ready(lane)
	return drain(ctx, rdb, promoteOneScript, dkey, rkey, limit)
}

// ReclaimExpired returns up to limit expired leases on the queue to its
// ready list.
func ReclaimExpired(ctx context.Context, rdb redis.UniversalClient, queue string, limit int) (int, error) {
	k := keys.For(queue)
	return drain(ctx, rdb, reclaimOneScript, k.Processing, k.Ready, limit)
}

func drain(ctx context.Context, rdb redis.UniversalClient, script *redis.Script, from, to string, limit int) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	moved := 0
	for i := 0; i < limit; i++ {
		res, err := script.Run(ctx, rdb, []string{from, to}, now).Result()
		if err == redis.Nil || res == nil || res == false {
			break
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript pops the earliest due member by re-scoring it to the lease deadline.
var claimScript = redis.NewScript(`
-- KEYS[1] = sorted set key
-- ARGV[1] = now (unix ms)
-- ARGV[2] = lease deadline (unix ms)
--
-- Returns the claimed member, or nil when nothing is due.
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
  return false
end
redis.call('ZADD', KEYS[1], ARGV[2], items[1])
return items[1]
`)

// RedisQueue stores jobs in a single sorted set scored by due time (unix ms).
type RedisQueue struct {
	rdb *redis.Client
	key string
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, runAt time.Time) error {
	return q.rdb.ZAdd(ctx, q.key, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.String()}).Err()
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, lease time.Duration) (Job, bool, error) {
	deadline := now.Add(lease)
	member, err := claimScript.Run(ctx, q.rdb, []string{q.key},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(deadline.UnixMilli(), 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	job, err := ParseJob(member)
	if err != nil {
		// Poison member: drop it so it cannot block the head of the queue.
		_ = q.rdb.ZRem(ctx, q.key, member).Err()
		return Job{}, false, err
	}
	return job, true, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	return q.rdb.ZRem(ctx, q.key, job.String()).Err()
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key).Result()
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a durable queue. Keys live under {prefix}:{name}:
//
//	wait     list of job ids ready to run
//	active   list of claimed job ids
//	delayed  zset of job ids scored by the time they may run again
//	stalled  set of active ids seen without a lease on the last check
//	job:{id} hash with state, attempts, payload and last_error
//	lock:{id} lease held by the executing worker
type Redis struct {
	rdb       redis.UniversalClient
	logger    *slog.Logger
	policy    RetryPolicy
	retention Retention
	poll      time.Duration
	leaseTTL  time.Duration

	base    string
	wait    string
	active  string
	delayed string
	stalled string
	checkMu string

	mu          sync.Mutex
	leases      map[string]*redisLease
	lastPromote time.Time
}

var _ Queue = (*Redis)(nil)

var (
	dispatchScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'delayed' or state == 'active' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'state', 'waiting', 'attempts', 0, 'payload', ARGV[2], 'enqueued_at', ARGV[3])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1`)

	claimScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  redis.call('LREM', KEYS[4], 1, ARGV[3])
  return false
end
redis.call('SREM', KEYS[3], ARGV[3])
local payload = redis.call('HGET', KEYS[2], 'payload')
if not payload then
  redis.call('LREM', KEYS[4], 1, ARGV[3])
  redis.call('DEL', KEYS[1])
  return false
end
local attempts = redis.call('HINCRBY', KEYS[2], 'attempts', 1)
redis.call('HSET', KEYS[2], 'state', 'active', 'claimed_at', ARGV[4])
return {attempts, payload}`)

	promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('HSET', ARGV[2] .. ':job:' .. id, 'state', 'waiting')
    redis.call('LPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved`)

	stalledScript = redis.NewScript(`
local requeued = {}
for _, id in ipairs(redis.call('SMEMBERS', KEYS[2])) do
  if redis.call('EXISTS', ARGV[1] .. ':lock:' .. id) == 0 then
    if redis.call('LREM', KEYS[1], 1, id) > 0 then
      redis.call('HSET', ARGV[1] .. ':job:' .. id, 'state', 'waiting')
      redis.call('LPUSH', KEYS[3], id)
      table.insert(requeued, id)
    end
  end
end
redis.call('DEL', KEYS[2])
for _, id in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
  if redis.call('EXISTS', ARGV[1] .. ':lock:' .. id) == 0 then
    redis.call('SADD', KEYS[2], id)
  end
end
return requeued`)
)

func NewRedis(rdb redis.UniversalClient, prefix, name string, logger *slog.Logger, opts ...Option) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	base := prefix + ":" + name
	return &Redis{
		rdb:       rdb,
		logger:    logger,
		policy:    o.policy,
		retention: o.retention,
		poll:      o.pollInterval,
		leaseTTL:  o.leaseTTL,
		base:      base,
		wait:      base + ":wait",
		active:    base + ":active",
		delayed:   base + ":delayed",
		stalled:   base + ":stalled",
		checkMu:   base + ":stalled-check",
		leases:    make(map[string]*redisLease),
	}
}

func (q *Redis) jobKey(id string) string  { return q.base + ":job:" + id }
func (q *Redis) lockKey(id string) string { return q.base + ":lock:" + id }

func (q *Redis) Dispatch(ctx context.Context, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	added, err := dispatchScript.Run(ctx, q.rdb, []string{q.jobKey(msg.JobID), q.wait},
		msg.JobID, string(payload), time.Now().UnixMilli()).Int()
	if err != nil {
		q.logger.Error("queue.redis.dispatch_failed", "job_id", msg.JobID, "error", err)
		return "", unavailable("dispatch", err)
	}
	if added == 0 {
		q.logger.Debug("queue.redis.dedup", "job_id", msg.JobID)
	} else {
		q.logger.Info("queue.redis.dispatched", "job_id", msg.JobID)
	}
	return msg.JobID, nil
}

func (q *Redis) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.maintain(ctx)

		id, err := q.next(ctx)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, unavailable("receive", err)
		}

		d, err := q.claim(ctx, id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}
}

// blockFloor is the shortest timeout BLMOVE accepts.
const blockFloor = time.Second

// next moves one id from wait to active. It blocks with BLMOVE for at least
// blockFloor, unless a delayed job comes due sooner; then it polls so the
// promotion in maintain is not held back. redis.Nil means nothing was ready.
func (q *Redis) next(ctx context.Context) (string, error) {
	block := q.poll
	if block < blockFloor {
		block = blockFloor
	}
	if due, ok := q.nextDue(ctx); ok && due < block {
		id, err := q.rdb.LMove(ctx, q.wait, q.active, "RIGHT", "LEFT").Result()
		if !errors.Is(err, redis.Nil) {
			return id, err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(q.poll):
		}
		return "", redis.Nil
	}
	return q.rdb.BLMove(ctx, q.wait, q.active, "RIGHT", "LEFT", block).Result()
}

// nextDue reports how long until the earliest delayed job may run.
func (q *Redis) nextDue(ctx context.Context) (time.Duration, bool) {
	zs, err := q.rdb.ZRangeWithScores(ctx, q.delayed, 0, 0).Result()
	if err != nil || len(zs) == 0 {
		return 0, false
	}
	due := time.Until(time.UnixMilli(int64(zs[0].Score)))
	if due < 0 {
		due = 0
	}
	return due, true
}

func (q *Redis) claim(ctx context.Context, id string) (*Delivery, error) {
	token := uuid.NewString()
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.lockKey(id), q.jobKey(id), q.stalled, q.active},
		token, q.leaseTTL.Milliseconds(), id, time.Now().UnixMilli(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		q.logger.Warn("queue.redis.claim_skipped", "job_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("claim", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("claim %s: unexpected reply %v", id, res)
	}
	attempts, _ := res[0].(int64)
	payload, _ := res[1].(string)

	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		_ = releaseScript.Run(ctx, q.rdb, []string{q.lockKey(id)}, token).Err()
		q.rdb.LRem(ctx, q.active, 1, id)
		q.logger.Error("queue.redis.bad_payload", "job_id", id, "error", err)
		return nil, nil
	}

	lease := newRedisLease(q.rdb, q.lockKey(id), token, q.leaseTTL, q.logger)
	q.mu.Lock()
	q.leases[id] = lease
	q.mu.Unlock()

	d := &Delivery{
		Message:     msg,
		Attempt:     int(attempts),
		MaxAttempts: q.policy.MaxAttempts,
		policy:      q.policy,
		lost:        lease.Lost(),
	}
	d.settle = func(ctx context.Context, err error, retry bool) error {
		return q.settle(ctx, id, lease, d.Attempt, err, retry)
	}
	d.abandon = func(ctx context.Context) error {
		return q.abandon(ctx, id, lease)
	}
	q.logger.Debug("queue.redis.claimed", "job_id", id, "attempt", d.Attempt)
	return d, nil
}

func (q *Redis) forget(id string, lease *redisLease) {
	q.mu.Lock()
	if q.leases[id] == lease {
		delete(q.leases, id)
	}
	q.mu.Unlock()
	lease.halt()
}

// settle records the outcome only while this executor still owns the lock, so a
// stale executor never touches a job another executor has claimed since.
func (q *Redis) settle(ctx context.Context, id string, lease *redisLease, attempt int, err error, retry bool) error {
	q.forget(id, lease)

	jobKey := q.jobKey(id)
	now := time.Now()
	txErr := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
		owner, getErr := tx.Get(ctx, lease.key).Result()
		if getErr != nil && !errors.Is(getErr, redis.Nil) {
			return getErr
		}
		if owner != lease.token {
			return ErrLeaseLost
		}
		_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.active, 1, id)
			switch {
			case err == nil:
				pipe.HSet(ctx, jobKey, "state", string(StateCompleted), "finished_at", now.UnixMilli())
				pipe.Expire(ctx, jobKey, q.retention.Completed)
			case retry:
				delay := q.policy.Delay(attempt)
				pipe.HSet(ctx, jobKey, "state", string(StateDelayed), "last_error", err.Error())
				pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: id})
			default:
				pipe.HSet(ctx, jobKey, "state", string(StateFailed), "last_error", err.Error(), "finished_at", now.UnixMilli())
				pipe.Expire(ctx, jobKey, q.retention.Failed)
			}
			pipe.Del(ctx, lease.key)
			return nil
		})
		return pipeErr
	}, lease.key)

	switch {
	case errors.Is(txErr, ErrLeaseLost), errors.Is(txErr, redis.TxFailedErr):
		q.logger.Warn("queue.redis.settle_skipped", "job_id", id, "attempt", attempt, "reason", "lease lost")
		return ErrLeaseLost
	case txErr != nil:
		return unavailable("settle", txErr)
	}
	switch {
	case err == nil:
	case retry:
		q.logger.Info("queue.redis.retry_scheduled", "job_id", id, "attempt", attempt, "delay_ms", q.policy.Delay(attempt).Milliseconds())
	default:
		q.logger.Warn("queue.redis.exhausted", "job_id", id, "attempt", attempt, "error", err)
	}
	return nil
}

// abandon drops the lock and leaves the id in active. The stalled check then
// requeues it, exactly as after a crash.
func (q *Redis) abandon(ctx context.Context, id string, lease *redisLease) error {
	q.forget(id, lease)
	if err := releaseScript.Run(ctx, q.rdb, []string{lease.key}, lease.token).Err(); err != nil {
		return unavailable("release lease", err)
	}
	q.logger.Warn("queue.redis.abandoned", "job_id", id)
	return nil
}

// maintain promotes due delayed jobs and, at most once per lease TTL across all workers,
// requeues active jobs whose lease has expired.
func (q *Redis) maintain(ctx context.Context) {
	q.mu.Lock()
	due := time.Since(q.lastPromote) >= q.poll
	if due {
		q.lastPromote = time.Now()
	}
	q.mu.Unlock()
	if !due {
		return
	}
	if err := q.promoteDelayed(ctx); err != nil && ctx.Err() == nil {
		q.logger.Warn("queue.redis.promote_failed", "error", err)
	}
	ok, err := q.rdb.SetNX(ctx, q.checkMu, "1", q.leaseTTL).Result()
	if err != nil || !ok {
		return
	}
	if _, err := q.requeueStalled(ctx); err != nil && ctx.Err() == nil {
		q.logger.Warn("queue.redis.stalled_check_failed", "error", err)
	}
}

func (q *Redis) promoteDelayed(ctx context.Context) error {
	n, err := promoteScript.Run(ctx, q.rdb, []string{q.delayed, q.wait},
		strconv.FormatInt(time.Now().UnixMilli(), 10), q.base).Int()
	if err != nil {
		return err
	}
	if n > 0 {
		q.logger.Debug("queue.redis.promoted", "count", n)
	}
	return nil
}

// requeueStalled moves ids that were lease-less on the previous check and still are back to wait.
// A crashed worker's attempt therefore restarts from the beginning after one or two checks.
func (q *Redis) requeueStalled(ctx context.Context) ([]string, error) {
	ids, err := stalledScript.Run(ctx, q.rdb, []string{q.active, q.stalled, q.wait}, q.base).StringSlice()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		q.logger.Warn("queue.redis.stalled_requeued", "job_id", id)
	}
	return ids, nil
}

// JobState reads the queue-side state and attempt count of a job.
func (q *Redis) JobState(ctx context.Context, jobID string) (State, int, error) {
	vals, err := q.rdb.HMGet(ctx, q.jobKey(jobID), "state", "attempts").Result()
	if err != nil {
		return "", 0, unavailable("job state", err)
	}
	state, _ := vals[0].(string)
	attempts := 0
	if s, ok := vals[1].(string); ok {
		attempts, _ = strconv.Atoi(s)
	}
	return State(state), attempts, nil
}

func (q *Redis) Health(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("health", err)
	}
	return nil
}

// Close stops lease renewal for in-flight jobs. The client is owned by the caller.
func (q *Redis) Close() error {
	q.mu.Lock()
	leases := q.leases
	q.leases = make(map[string]*redisLease)
	q.mu.Unlock()
	for _, l := range leases {
		l.halt()
	}
	return nil
}

package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants an exclusive, self-renewing lease per job id.
type Locker interface {
	Acquire(ctx context.Context, jobID string, ttl time.Duration) (Lease, bool, error)
}

// Lease is held while one executor runs a job. Lost is closed once the lease
// can no longer be renewed; another executor may then claim the job.
type Lease interface {
	Release(ctx context.Context) error
	Lost() <-chan struct{}
}

// DispatchGuard admits one attempt sequence per job id for transports that
// cannot refuse duplicate publishes. Clear ends the sequence.
type DispatchGuard interface {
	Admit(ctx context.Context, jobID string) (bool, error)
	Clear(ctx context.Context, jobID string) error
}

// ErrLeaseLost is returned when settling a delivery whose lease another executor now holds.
var ErrLeaseLost = errors.New("lease lost")

var (
	renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)
)

// redisLease keeps a lock key alive until released.
type redisLease struct {
	rdb    redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
	logger *slog.Logger

	stop     chan struct{}
	lost     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	lostOnce sync.Once
}

func newRedisLease(rdb redis.UniversalClient, key, token string, ttl time.Duration, logger *slog.Logger) *redisLease {
	l := &redisLease{
		rdb:    rdb,
		key:    key,
		token:  token,
		ttl:    ttl,
		logger: logger,
		stop:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.renew()
	return l
}

// renew extends the key every ttl/3. The lease is lost when the key holds
// another token, or when no renewal has succeeded for a full ttl.
func (l *redisLease) renew() {
	defer l.wg.Done()
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	renewed := time.Now()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				l.logger.Warn("queue.lease.renew_failed", "key", l.key, "error", err)
				if time.Since(renewed) < l.ttl {
					continue
				}
			case n != 0:
				renewed = time.Now()
				continue
			}
			l.logger.Warn("queue.lease.lost", "key", l.key)
			l.markLost()
			return
		}
	}
}

func (l *redisLease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

func (l *redisLease) Lost() <-chan struct{} {
	return l.lost
}

// halt stops renewal without releasing the key.
func (l *redisLease) halt() {
	l.once.Do(func() { close(l.stop) })
	l.wg.Wait()
}

func (l *redisLease) Release(ctx context.Context) error {
	l.halt()
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}

// DefaultSequenceTTL bounds how long an admitted job id blocks new dispatches
// when its sequence is never cleared.
const DefaultSequenceTTL = 7 * 24 * time.Hour

// RedisLocker implements Locker and DispatchGuard with SET NX PX keys.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
	seqTTL time.Duration
	logger *slog.Logger
}

var (
	_ Locker        = (*RedisLocker)(nil)
	_ DispatchGuard = (*RedisLocker)(nil)
)

func NewRedisLocker(rdb redis.UniversalClient, prefix string, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{rdb: rdb, prefix: prefix, seqTTL: DefaultSequenceTTL, logger: logger}
}

func (r *RedisLocker) seqKey(jobID string) string { return r.prefix + ":seq:" + jobID }

// Admit reports whether jobID may start a new attempt sequence.
func (r *RedisLocker) Admit(ctx context.Context, jobID string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.seqKey(jobID), time.Now().UnixMilli(), r.seqTTL).Result()
	if err != nil {
		return false, unavailable("admit dispatch", err)
	}
	return ok, nil
}

func (r *RedisLocker) Clear(ctx context.Context, jobID string) error {
	if err := r.rdb.Del(ctx, r.seqKey(jobID)).Err(); err != nil {
		return unavailable("clear dispatch", err)
	}
	return nil
}

func (r *RedisLocker) Acquire(ctx context.Context, jobID string, ttl time.Duration) (Lease, bool, error) {
	key := r.prefix + ":lock:" + jobID
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, unavailable("acquire lease", err)
	}
	if !ok {
		return nil, false, nil
	}
	return newRedisLease(r.rdb, key, token, ttl, r.logger), true, nil
}

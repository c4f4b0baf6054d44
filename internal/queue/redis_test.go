package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, opts ...Option) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	opts = append([]Option{WithPollInterval(5 * time.Millisecond), WithRetryPolicy(fastPolicy(3))}, opts...)
	q := NewRedis(rdb, "test", "ocr-jobs", nil, opts...)
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestRedisDispatchAndReceive(t *testing.T) {
	q, mr := newTestRedis(t)
	ctx := context.Background()
	msg := Message{JobID: "job_1", OrganizationID: "org_1", UserID: "user_1"}

	id, err := q.Dispatch(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "job_1", id)

	// waiting: deduplicated
	_, err = q.Dispatch(ctx, msg)
	require.NoError(t, err)
	n, err := q.rdb.LLen(ctx, q.wait).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	d := receive(t, q)
	assert.Equal(t, msg, d.Message)
	assert.Equal(t, 1, d.Attempt)
	assert.True(t, mr.Exists(q.lockKey("job_1")))

	// active: deduplicated
	_, err = q.Dispatch(ctx, msg)
	require.NoError(t, err)
	n, _ = q.rdb.LLen(ctx, q.wait).Result()
	assert.Zero(t, n)

	require.NoError(t, d.Settle(ctx, nil))
	state, attempts, err := q.JobState(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, 1, attempts)
	assert.False(t, mr.Exists(q.lockKey("job_1")))
	assert.Equal(t, 24*time.Hour, mr.TTL(q.jobKey("job_1")))

	n, _ = q.rdb.LLen(ctx, q.active).Result()
	assert.Zero(t, n)
}

func TestRedisRetryThenExhausted(t *testing.T) {
	q, mr := newTestRedis(t)
	ctx := context.Background()
	_, err := q.Dispatch(ctx, Message{JobID: "job_r"})
	require.NoError(t, err)

	boom := errors.New("ocr timeout")
	for attempt := 1; attempt <= 3; attempt++ {
		d := receive(t, q)
		require.Equal(t, attempt, d.Attempt)
		require.Equal(t, attempt < 3, d.WillRetry(boom))
		require.NoError(t, d.Settle(ctx, boom))
		if attempt < 3 {
			state, _, err := q.JobState(ctx, "job_r")
			require.NoError(t, err)
			assert.Equal(t, StateDelayed, state)
		}
	}

	state, attempts, err := q.JobState(ctx, "job_r")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 7*24*time.Hour, mr.TTL(q.jobKey("job_r")))
	lastErr := mr.HGet(q.jobKey("job_r"), "last_error")
	assert.Equal(t, "ocr timeout", lastErr)
}

func TestRedisRedispatchAfterFailureResets(t *testing.T) {
	q, _ := newTestRedis(t, WithRetryPolicy(fastPolicy(1)))
	ctx := context.Background()
	_, err := q.Dispatch(ctx, Message{JobID: "job_x"})
	require.NoError(t, err)
	require.NoError(t, receive(t, q).Settle(ctx, errors.New("fail")))

	_, err = q.Dispatch(ctx, Message{JobID: "job_x"})
	require.NoError(t, err)
	d := receive(t, q)
	assert.Equal(t, 1, d.Attempt)
}

func TestRedisStalledJobIsRequeued(t *testing.T) {
	q, mr := newTestRedis(t, WithLeaseTTL(time.Second))
	ctx := context.Background()
	_, err := q.Dispatch(ctx, Message{JobID: "job_s"})
	require.NoError(t, err)

	d := receive(t, q)
	require.Equal(t, 1, d.Attempt)

	// the worker dies: renewal stops and the lease runs out
	q.mu.Lock()
	lease := q.leases["job_s"]
	q.mu.Unlock()
	require.NotNil(t, lease)
	lease.halt()
	mr.FastForward(2 * time.Second)
	require.False(t, mr.Exists(q.lockKey("job_s")))

	ids, err := q.requeueStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "first check only marks")
	ids, err = q.requeueStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job_s"}, ids)

	d2 := receive(t, q)
	assert.Equal(t, "job_s", d2.Message.JobID)
	assert.Equal(t, 2, d2.Attempt)
	require.NoError(t, d2.Settle(ctx, nil))
}

func TestRedisLeasedJobIsNotRequeued(t *testing.T) {
	q, _ := newTestRedis(t)
	ctx := context.Background()
	_, err := q.Dispatch(ctx, Message{JobID: "job_l"})
	require.NoError(t, err)
	d := receive(t, q)

	for i := 0; i < 2; i++ {
		ids, err := q.requeueStalled(ctx)
		require.NoError(t, err)
		assert.Empty(t, ids)
	}
	require.NoError(t, d.Settle(ctx, nil))
}

func TestRedisUnavailable(t *testing.T) {
	q, mr := newTestRedis(t)
	mr.Close()
	_, err := q.Dispatch(context.Background(), Message{JobID: "job_u"})
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Error(t, q.Health(context.Background()))
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := NewRedisLocker(rdb, "test", nil)
	ctx := context.Background()

	lease, ok, err := l.Acquire(ctx, "job_1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "job_1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lease.Release(ctx))
	lease2, ok, err := l.Acquire(ctx, "job_1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lease2.Release(ctx))
}

func TestRedisLeaseLostBlocksStaleSettle(t *testing.T) {
	q, mr := newTestRedis(t, WithLeaseTTL(150*time.Millisecond))
	ctx := context.Background()
	_, err := q.Dispatch(ctx, Message{JobID: "job_x"})
	require.NoError(t, err)
	d := receive(t, q)

	// another executor claimed the job after the lease expired
	require.NoError(t, mr.Set(q.lockKey("job_x"), "other-token"))
	select {
	case <-d.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("lease loss was not reported")
	}

	err = d.Settle(ctx, nil)
	assert.ErrorIs(t, err, ErrLeaseLost)

	active, err := q.rdb.LRange(ctx, q.active, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"job_x"}, active, "the new holder keeps its active entry")
	owner, err := mr.Get(q.lockKey("job_x"))
	require.NoError(t, err)
	assert.Equal(t, "other-token", owner)
	state, _, err := q.JobState(ctx, "job_x")
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
}

func TestRedisAbandonedJobRunsAgain(t *testing.T) {
	q, mr := newTestRedis(t)
	ctx := context.Background()
	_, err := q.Dispatch(ctx, Message{JobID: "job_a"})
	require.NoError(t, err)
	d := receive(t, q)

	require.NoError(t, d.Abandon(ctx))
	assert.False(t, mr.Exists(q.lockKey("job_a")))
	require.NoError(t, d.Settle(ctx, nil), "settle after abandon is a no-op")

	_, err = q.requeueStalled(ctx)
	require.NoError(t, err)
	ids, err := q.requeueStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job_a"}, ids)

	d2 := receive(t, q)
	assert.Equal(t, 2, d2.Attempt)
	require.NoError(t, d2.Settle(ctx, nil))
}

func TestRedisReceiveWaitsForDispatch(t *testing.T) {
	q, _ := newTestRedis(t)
	ctx := context.Background()

	got := make(chan *Delivery, 1)
	go func() {
		rctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		d, err := q.Receive(rctx)
		if err == nil {
			got <- d
		}
		close(got)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := q.Dispatch(ctx, Message{JobID: "job_b"})
	require.NoError(t, err)

	select {
	case d, ok := <-got:
		require.True(t, ok, "receive failed")
		assert.Equal(t, "job_b", d.Message.JobID)
		require.NoError(t, d.Settle(ctx, nil))
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch was not received")
	}
}

func TestRedisLockerGuardsDispatch(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	g := NewRedisLocker(rdb, "test", nil)
	ctx := context.Background()

	ok, err := g.Admit(ctx, "job_1")
	require.NoError(t, err)
	assert.True(t, ok)

	// a retry is parked; a second dispatch must not start another sequence
	ok, err = g.Admit(ctx, "job_1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, DefaultSequenceTTL, mr.TTL("test:seq:job_1"))

	require.NoError(t, g.Clear(ctx, "job_1"))
	ok, err = g.Admit(ctx, "job_1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.Close()
	_, err = g.Admit(ctx, "job_2")
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}

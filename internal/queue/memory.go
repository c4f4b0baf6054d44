package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Memory is an in-process queue with the same retry and dedup semantics as the durable backends.
type Memory struct {
	logger    *slog.Logger
	policy    RetryPolicy
	retention Retention

	ready chan string
	done  chan struct{}
	once  sync.Once

	mu      sync.Mutex
	entries map[string]*memEntry
	closed  bool
}

type memEntry struct {
	msg      Message
	state    State
	attempts int
	lastErr  string
	timer    *time.Timer
}

var _ Queue = (*Memory)(nil)

func NewMemory(logger *slog.Logger, opts ...Option) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Memory{
		logger:    logger,
		policy:    o.policy,
		retention: o.retention,
		ready:     make(chan string, o.queueSize),
		done:      make(chan struct{}),
		entries:   make(map[string]*memEntry),
	}
}

func (q *Memory) Dispatch(ctx context.Context, msg Message) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", unavailable("dispatch", ErrClosed)
	}
	if e, ok := q.entries[msg.JobID]; ok && e.state.pending() {
		q.mu.Unlock()
		q.logger.Debug("queue.memory.dedup", "job_id", msg.JobID, "state", e.state)
		return msg.JobID, nil
	}
	if e, ok := q.entries[msg.JobID]; ok && e.timer != nil {
		e.timer.Stop()
	}
	q.entries[msg.JobID] = &memEntry{msg: msg, state: StateWaiting}
	q.mu.Unlock()

	select {
	case q.ready <- msg.JobID:
	default:
		q.logger.Warn("queue full, applying backpressure", "job_id", msg.JobID)
		select {
		case q.ready <- msg.JobID:
		case <-ctx.Done():
			q.mu.Lock()
			delete(q.entries, msg.JobID)
			q.mu.Unlock()
			return "", unavailable("dispatch", ctx.Err())
		case <-q.done:
			return "", unavailable("dispatch", ErrClosed)
		}
	}
	q.logger.Info("queue.memory.dispatched", "job_id", msg.JobID)
	return msg.JobID, nil
}

func (q *Memory) Receive(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case id := <-q.ready:
			q.mu.Lock()
			e, ok := q.entries[id]
			if !ok || e.state != StateWaiting {
				q.mu.Unlock()
				continue
			}
			e.state = StateActive
			e.attempts++
			d := &Delivery{
				Message:     e.msg,
				Attempt:     e.attempts,
				MaxAttempts: q.policy.MaxAttempts,
				policy:      q.policy,
			}
			q.mu.Unlock()
			d.settle = func(_ context.Context, err error, retry bool) error {
				q.settle(id, err, retry, d.Attempt)
				return nil
			}
			return d, nil
		}
	}
}

func (q *Memory) settle(id string, err error, retry bool, attempt int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return
	}
	switch {
	case err == nil:
		e.state = StateCompleted
		e.timer = time.AfterFunc(q.retention.Completed, func() { q.purge(id, StateCompleted) })
	case retry:
		e.state = StateDelayed
		e.lastErr = err.Error()
		delay := q.policy.Delay(attempt)
		q.logger.Info("queue.memory.retry_scheduled", "job_id", id, "attempt", attempt, "delay_ms", delay.Milliseconds())
		e.timer = time.AfterFunc(delay, func() { q.promote(id) })
	default:
		e.state = StateFailed
		e.lastErr = err.Error()
		q.logger.Warn("queue.memory.exhausted", "job_id", id, "attempt", attempt, "error", err)
		e.timer = time.AfterFunc(q.retention.Failed, func() { q.purge(id, StateFailed) })
	}
}

func (q *Memory) promote(id string) {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.state != StateDelayed || q.closed {
		q.mu.Unlock()
		return
	}
	e.state = StateWaiting
	q.mu.Unlock()
	select {
	case q.ready <- id:
	case <-q.done:
	}
}

func (q *Memory) purge(id string, want State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[id]; ok && e.state == want {
		delete(q.entries, id)
	}
}

// State returns the queue-side state and attempt count of a job.
func (q *Memory) State(jobID string) (State, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[jobID]
	if !ok {
		return "", 0, false
	}
	return e.state, e.attempts, true
}

// Idle reports whether nothing is waiting, delayed or running.
func (q *Memory) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.state.pending() {
			return false
		}
	}
	return true
}

func (q *Memory) Health(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return unavailable("health", ErrClosed)
	}
	return nil
}

func (q *Memory) Close() error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		for _, e := range q.entries {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
		q.mu.Unlock()
		close(q.done)
	})
	return nil
}

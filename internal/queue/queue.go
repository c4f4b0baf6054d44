package queue

import (
	"context"
	"errors"
	"time"

	"github.com/joseph-ayodele/docparse/internal/common"
)

// Message is the unit the dispatcher hands to workers.
type Message struct {
	JobID          string `json:"jobId"`
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
}

// Dispatcher enqueues jobs for asynchronous execution.
type Dispatcher interface {
	// Dispatch returns the dispatch id, which is the job id. A job that is already
	// waiting, delayed or active is not queued a second time.
	Dispatch(ctx context.Context, msg Message) (string, error)
}

// Source hands claimed messages to workers.
type Source interface {
	// Receive blocks until a message is claimed or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
}

// Queue is a full transport: both ends plus lifecycle.
type Queue interface {
	Dispatcher
	Source
	Health(ctx context.Context) error
	Close() error
}

// ErrQueueUnavailable is returned when the broker cannot be reached.
var ErrQueueUnavailable = errors.New("queue unavailable")

// ErrClosed is returned by Receive after Close.
var ErrClosed = errors.New("queue closed")

func unavailable(op string, err error) error {
	return common.NewDispatchError(op, errors.Join(ErrQueueUnavailable, err))
}

// State is the queue-side lifecycle of a dispatched job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// pending reports whether a job in state s will still execute.
func (s State) pending() bool {
	return s == StateWaiting || s == StateDelayed || s == StateActive
}

// Retention bounds how long finished jobs are remembered by the queue.
type Retention struct {
	Completed time.Duration
	Failed    time.Duration
}

var DefaultRetention = Retention{Completed: 24 * time.Hour, Failed: 7 * 24 * time.Hour}

// Delivery is one claimed execution attempt of a message.
type Delivery struct {
	Message     Message
	Attempt     int // 1-based
	MaxAttempts int

	policy  RetryPolicy
	settle  func(ctx context.Context, err error, retry bool) error
	abandon func(ctx context.Context) error
	lost    <-chan struct{}
	done    bool
}

// Lost is closed when another executor may have claimed the message. The
// channel is nil for transports without leases.
func (d *Delivery) Lost() <-chan struct{} {
	return d.lost
}

// Abandon gives the message back without recording an outcome. The transport
// runs it again from the beginning unless another executor already holds it.
func (d *Delivery) Abandon(ctx context.Context) error {
	if d.done {
		return nil
	}
	d.done = true
	if d.abandon == nil {
		return nil
	}
	return d.abandon(ctx)
}

// WillRetry reports whether a failure of this attempt schedules another one.
// It is the only place that decision is made.
func (d *Delivery) WillRetry(err error) bool {
	if err == nil {
		return false
	}
	return d.policy.ShouldRetry(d.Attempt, err)
}

// Settle records the outcome: nil completes the job, otherwise it is retried
// or marked exhausted according to WillRetry. Settling twice is a no-op.
func (d *Delivery) Settle(ctx context.Context, err error) error {
	if d.done {
		return nil
	}
	d.done = true
	return d.settle(ctx, err, d.WillRetry(err))
}

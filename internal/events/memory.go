package events

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Memory delivers events within one process. Handlers run on the publisher's goroutine.
type Memory struct {
	reg    *registry
	logger *slog.Logger
	closed atomic.Bool
}

var _ Broker = (*Memory)(nil)

func NewMemory(logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{reg: newRegistry(), logger: logger}
}

func (b *Memory) Publish(ctx context.Context, jobID string, ev Event) error {
	if b.closed.Load() {
		return ErrBrokerClosed
	}
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	hs := b.reg.handlers(ChannelName(jobID))
	for _, h := range hs {
		h(ev)
	}
	b.logger.Debug("events.memory.published", "job_id", jobID, "type", ev.Type, "handlers", len(hs))
	return nil
}

func (b *Memory) Subscribe(jobID string, h Handler) (SubscriptionID, error) {
	if b.closed.Load() {
		return 0, ErrBrokerClosed
	}
	id, _ := b.reg.add(ChannelName(jobID), h)
	return id, nil
}

func (b *Memory) Unsubscribe(id SubscriptionID) error {
	_, _, err := b.reg.remove(id)
	return err
}

// Subscribers is the number of live handlers for a job.
func (b *Memory) Subscribers(jobID string) int {
	return b.reg.count(ChannelName(jobID))
}

func (b *Memory) Close() error {
	b.closed.Store(true)
	b.reg.reset()
	return nil
}

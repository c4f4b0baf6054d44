package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis fans events out through Redis Pub/Sub so API and worker processes
// can run separately. One subscriber connection serves every channel; a
// channel is SUBSCRIBEd when its first handler registers and UNSUBSCRIBEd
// when the last one leaves.
type Redis struct {
	rdb    redis.UniversalClient
	ps     *redis.PubSub
	reg    *registry
	logger *slog.Logger

	// serializes registry transitions with the matching (UN)SUBSCRIBE commands
	subMu  sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ Broker = (*Redis)(nil)

const commandTimeout = 5 * time.Second

func NewRedis(rdb redis.UniversalClient, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Redis{
		rdb:    rdb,
		ps:     rdb.Subscribe(context.Background()),
		reg:    newRegistry(),
		logger: logger,
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

func (b *Redis) loop() {
	defer b.wg.Done()
	msgs := b.ps.Channel()
	for {
		select {
		case <-b.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			b.deliver(m)
		}
	}
}

func (b *Redis) deliver(m *redis.Message) {
	var ev Event
	if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil || ev.Type == "" {
		b.logger.Debug("events.redis.invalid_payload", "channel", m.Channel, "error", err)
		return
	}
	if ev.JobID == "" {
		ev.JobID = strings.TrimPrefix(m.Channel, "job:")
	}
	for _, h := range b.reg.handlers(m.Channel) {
		h(ev)
	}
}

func (b *Redis) Publish(ctx context.Context, jobID string, ev Event) error {
	if ev.JobID == "" {
		ev.JobID = jobID
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	n, err := b.rdb.Publish(ctx, ChannelName(jobID), payload).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", ChannelName(jobID), err)
	}
	b.logger.Debug("events.redis.published", "job_id", jobID, "type", ev.Type, "receivers", n)
	return nil
}

func (b *Redis) Subscribe(jobID string, h Handler) (SubscriptionID, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.closed {
		return 0, ErrBrokerClosed
	}
	channel := ChannelName(jobID)
	id, opened := b.reg.add(channel, h)
	if !opened {
		return id, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.ps.Subscribe(ctx, channel); err != nil {
		_, _, _ = b.reg.remove(id)
		return 0, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b.logger.Debug("events.redis.channel_opened", "channel", channel)
	return id, nil
}

func (b *Redis) Unsubscribe(id SubscriptionID) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	channel, emptied, err := b.reg.remove(id)
	if err != nil {
		return err
	}
	if !emptied || b.closed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := b.ps.Unsubscribe(ctx, channel); err != nil {
		b.logger.Warn("events.redis.unsubscribe_failed", "channel", channel, "error", err)
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	b.logger.Debug("events.redis.channel_closed", "channel", channel)
	return nil
}

// Channels lists the channels with at least one live handler.
func (b *Redis) Channels() []string {
	return b.reg.open()
}

// Close stops delivery. The Redis client is owned by the caller.
func (b *Redis) Close() error {
	b.subMu.Lock()
	if b.closed {
		b.subMu.Unlock()
		return nil
	}
	b.closed = true
	b.subMu.Unlock()

	close(b.done)
	err := b.ps.Close()
	b.wg.Wait()
	b.reg.reset()
	return err
}

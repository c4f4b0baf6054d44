package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-attempt"

// AMQP dispatches through a durable RabbitMQ queue. Retries are parked in
// "{name}.delay" with a per-message TTL and dead-lettered back to "{name}".
//
// The broker cannot refuse duplicate publishes. A DispatchGuard admits one attempt
// sequence per job id at dispatch, and a Locker collapses any duplicate that still
// reaches a consumer.
type AMQP struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger

	name      string
	delayName string
	policy    RetryPolicy
	prefetch  int
	leaseTTL  time.Duration
	locker    Locker
	guard     DispatchGuard

	mu         sync.Mutex
	pubMu      sync.Mutex
	deliveries <-chan amqp.Delivery
}

var _ Queue = (*AMQP)(nil)

func NewAMQP(url, name string, logger *slog.Logger, opts ...Option) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, unavailable("dial amqp", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, unavailable("open channel", err)
	}

	q := &AMQP{
		conn:      conn,
		ch:        ch,
		logger:    logger,
		name:      name,
		delayName: name + ".delay",
		policy:    o.policy,
		prefetch:  o.prefetch,
		leaseTTL:  o.leaseTTL,
		locker:    o.locker,
		guard:     o.guard,
	}
	if err := q.declare(); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	logger.Info("queue.amqp.ready", "queue", name, "prefetch", o.prefetch, "locker", o.locker != nil, "guard", o.guard != nil)
	return q, nil
}

func (q *AMQP) declare() error {
	if _, err := q.ch.QueueDeclare(
		q.name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return unavailable("declare queue", err)
	}
	if _, err := q.ch.QueueDeclare(
		q.delayName,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.name,
		},
	); err != nil {
		return unavailable("declare delay queue", err)
	}
	if err := q.ch.Qos(q.prefetch, 0, false); err != nil {
		return unavailable("set qos", err)
	}
	return nil
}

func (q *AMQP) Dispatch(ctx context.Context, msg Message) (string, error) {
	if q.guard != nil {
		ok, err := q.guard.Admit(ctx, msg.JobID)
		if err != nil {
			q.logger.Error("queue.amqp.dispatch_failed", "job_id", msg.JobID, "error", err)
			return "", err
		}
		if !ok {
			q.logger.Debug("queue.amqp.dedup", "job_id", msg.JobID)
			return msg.JobID, nil
		}
	}
	if err := q.publish(ctx, q.name, msg, 1, ""); err != nil {
		q.logger.Error("queue.amqp.dispatch_failed", "job_id", msg.JobID, "error", err)
		q.clear(ctx, msg.JobID)
		return "", unavailable("dispatch", err)
	}
	q.logger.Info("queue.amqp.dispatched", "job_id", msg.JobID)
	return msg.JobID, nil
}

func (q *AMQP) publish(ctx context.Context, queueName string, msg Message, attempt int, expiration string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.ch.PublishWithContext(ctx,
		"",
		queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.JobID,
			Timestamp:    time.Now(),
			Expiration:   expiration,
			Headers:      amqp.Table{attemptHeader: int32(attempt)},
			Body:         body,
		},
	)
}

func (q *AMQP) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	msgs, err := q.ch.Consume(
		q.name,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, unavailable("consume", err)
	}
	q.deliveries = msgs
	return msgs, nil
}

func (q *AMQP) Receive(ctx context.Context) (*Delivery, error) {
	msgs, err := q.consume()
	if err != nil {
		return nil, err
	}
	for {
		var raw amqp.Delivery
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil, unavailable("receive", ErrClosed)
			}
			raw = m
		}

		var msg Message
		if err := json.Unmarshal(raw.Body, &msg); err != nil || msg.JobID == "" {
			q.logger.Error("queue.amqp.bad_payload", "message_id", raw.MessageId, "error", err)
			_ = raw.Nack(false, false)
			continue
		}

		var lease Lease
		if q.locker != nil {
			l, ok, err := q.locker.Acquire(ctx, msg.JobID, q.leaseTTL)
			if err != nil {
				_ = raw.Nack(false, true)
				return nil, err
			}
			if !ok {
				q.logger.Info("queue.amqp.duplicate_dropped", "job_id", msg.JobID)
				_ = raw.Ack(false)
				continue
			}
			lease = l
		}

		d := &Delivery{
			Message:     msg,
			Attempt:     attemptFromHeaders(raw.Headers),
			MaxAttempts: q.policy.MaxAttempts,
			policy:      q.policy,
		}
		if lease != nil {
			d.lost = lease.Lost()
		}
		d.settle = func(ctx context.Context, err error, retry bool) error {
			return q.settle(ctx, raw, d, lease, err, retry)
		}
		d.abandon = func(ctx context.Context) error {
			return q.abandon(ctx, raw, d, lease)
		}
		q.logger.Debug("queue.amqp.claimed", "job_id", msg.JobID, "attempt", d.Attempt)
		return d, nil
	}
}

func (q *AMQP) settle(ctx context.Context, raw amqp.Delivery, d *Delivery, lease Lease, err error, retry bool) error {
	if lease != nil {
		defer func() {
			if relErr := lease.Release(ctx); relErr != nil {
				q.logger.Warn("queue.amqp.release_failed", "job_id", d.Message.JobID, "error", relErr)
			}
		}()
	}

	switch {
	case err == nil:
		q.clear(ctx, d.Message.JobID)
	case retry:
		delay := q.policy.Delay(d.Attempt)
		exp := strconv.FormatInt(delay.Milliseconds(), 10)
		if pubErr := q.publish(ctx, q.delayName, d.Message, d.Attempt+1, exp); pubErr != nil {
			_ = raw.Nack(false, true)
			return unavailable("schedule retry", pubErr)
		}
		q.logger.Info("queue.amqp.retry_scheduled", "job_id", d.Message.JobID, "attempt", d.Attempt, "delay_ms", delay.Milliseconds())
	default:
		q.logger.Warn("queue.amqp.exhausted", "job_id", d.Message.JobID, "attempt", d.Attempt, "error", err)
		q.clear(ctx, d.Message.JobID)
	}

	if ackErr := raw.Ack(false); ackErr != nil {
		return unavailable("ack", ackErr)
	}
	return nil
}

// abandon requeues the delivery with its attempt number unchanged. If another
// executor holds the job by then, the redelivery is dropped as a duplicate.
func (q *AMQP) abandon(ctx context.Context, raw amqp.Delivery, d *Delivery, lease Lease) error {
	if lease != nil {
		if relErr := lease.Release(ctx); relErr != nil {
			q.logger.Warn("queue.amqp.release_failed", "job_id", d.Message.JobID, "error", relErr)
		}
	}
	q.logger.Warn("queue.amqp.abandoned", "job_id", d.Message.JobID, "attempt", d.Attempt)
	if err := raw.Nack(false, true); err != nil {
		return unavailable("nack", err)
	}
	return nil
}

// clear ends the job's attempt sequence so it may be dispatched again.
func (q *AMQP) clear(ctx context.Context, jobID string) {
	if q.guard == nil {
		return
	}
	if err := q.guard.Clear(ctx, jobID); err != nil {
		q.logger.Warn("queue.amqp.clear_failed", "job_id", jobID, "error", err)
	}
}

// attemptFromHeaders reads the 1-based attempt number; missing or malformed means 1.
func attemptFromHeaders(h amqp.Table) int {
	var n int64
	switch v := h[attemptHeader].(type) {
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case int:
		n = int64(v)
	case float64:
		n = int64(v)
	case string:
		n, _ = strconv.ParseInt(v, 10, 64)
	}
	if n < 1 {
		return 1
	}
	return int(n)
}

func (q *AMQP) Health(ctx context.Context) error {
	if q.conn.IsClosed() {
		return unavailable("health", amqp.ErrClosed)
	}
	return nil
}

func (q *AMQP) Close() error {
	chErr := q.ch.Close()
	connErr := q.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

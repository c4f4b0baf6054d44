// Package bridge relays a job's lifecycle events to one live client connection.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/joseph-ayodele/docparse/internal/auth"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/events"
)

const DefaultBufferSize = 32

// Conn is the part of *websocket.Conn the bridge needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Authenticator resolves connection credentials.
type Authenticator interface {
	Resolve(ctx context.Context, c auth.Credentials) (entity.Identity, error)
}

// JobReader loads a job scoped to an organization.
type JobReader interface {
	Get(ctx context.Context, orgID, jobID string) (*entity.Job, error)
}

type errorMessage struct {
	Type  events.Type `json:"type"`
	Error string      `json:"error"`
}

type controlMessage struct {
	Type string `json:"type"`
}

type Bridge struct {
	auth   Authenticator
	jobs   JobReader
	broker events.Broker
	logger *slog.Logger
	buffer int
}

type Option func(*Bridge)

// WithBufferSize is the number of events held per connection before new ones are dropped.
func WithBufferSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func New(a Authenticator, jobs JobReader, broker events.Broker, logger *slog.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{auth: a, jobs: jobs, broker: broker, logger: logger, buffer: DefaultBufferSize}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Serve runs one connection until the client goes away or ctx is done. The
// first message is always the job's current status. Serve closes conn.
func (b *Bridge) Serve(ctx context.Context, conn Conn, jobID string, creds auth.Credentials) error {
	defer conn.Close()

	id, err := b.auth.Resolve(ctx, creds)
	if err != nil {
		b.logger.Info("bridge.auth.rejected", "job_id", jobID, "error", err)
		b.writeError(conn, "Unauthorized")
		return err
	}

	out := make(chan events.Event, b.buffer)
	done := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(done) }) }
	subID, err := b.broker.Subscribe(jobID, func(ev events.Event) {
		select {
		case <-done:
		case out <- ev:
		default:
			b.logger.Warn("bridge.event.dropped", "job_id", jobID, "type", ev.Type)
		}
	})
	if err != nil {
		b.logger.Error("bridge.subscribe.failed", "job_id", jobID, "error", err)
		b.writeError(conn, "Internal server error")
		return err
	}
	defer func() {
		stop()
		if err := b.broker.Unsubscribe(subID); err != nil && !errors.Is(err, events.ErrBrokerClosed) {
			b.logger.Warn("bridge.unsubscribe.failed", "job_id", jobID, "error", err)
		}
	}()

	// the snapshot is read after subscribing; anything published since is already queued behind it
	job, err := b.jobs.Get(ctx, id.OrganizationID, jobID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			b.writeError(conn, "Job not found")
		} else {
			b.logger.Error("bridge.job.load_failed", "job_id", jobID, "error", err)
			b.writeError(conn, "Internal server error")
		}
		return err
	}
	snapshot := events.Event{Type: events.TypeStatus, JobID: job.ID, Data: events.Data{Status: job.Status}}
	if err := conn.WriteJSON(snapshot); err != nil {
		return err
	}
	b.logger.Info("bridge.connected", "job_id", jobID, "org_id", id.OrganizationID, "status", job.Status)

	pongs := make(chan struct{}, 1)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.write(conn, out, pongs, done)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	b.read(conn, pongs, jobID)
	b.logger.Info("bridge.disconnected", "job_id", jobID)

	stop()
	wg.Wait()
	return nil
}

// read consumes client messages until the connection fails.
func (b *Bridge) read(conn Conn, pongs chan<- struct{}, jobID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		} else {
			b.logger.Debug("bridge.message.ignored", "job_id", jobID, "type", msg.Type)
		}
	}
}

// write is the only goroutine that writes to conn after the snapshot.
func (b *Bridge) write(conn Conn, out <-chan events.Event, pongs <-chan struct{}, done <-chan struct{}) {
	for {
		var err error
		select {
		case <-done:
			return
		case ev := <-out:
			err = conn.WriteJSON(ev)
		case <-pongs:
			err = conn.WriteJSON(controlMessage{Type: "pong"})
		}
		if err != nil {
			b.logger.Debug("bridge.write.failed", "error", err)
			_ = conn.Close()
			return
		}
	}
}

func (b *Bridge) writeError(conn Conn, msg string) {
	if err := conn.WriteJSON(errorMessage{Type: events.TypeError, Error: msg}); err != nil {
		b.logger.Debug("bridge.write.failed", "error", err)
	}
}

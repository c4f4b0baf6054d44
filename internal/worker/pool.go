package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/queue"
)

// HealthService is the name the pool reports under on the gRPC health server.
const HealthService = "docparse.worker"

// Handler runs one attempt of a message.
type Handler interface {
	Process(ctx context.Context, msg queue.Message) error
}

// Failer records failed attempts.
type Failer interface {
	FailJob(ctx context.Context, jobID, code, message string, willRetry bool) error
}

// Pool runs a fixed number of slots, each receiving and executing one delivery at a time.
type Pool struct {
	source  queue.Source
	handler Handler
	failer  Failer
	logger  *slog.Logger

	workers       int
	timeout       time.Duration
	settleTimeout time.Duration
	receiveDelay  time.Duration
	health        *health.Server

	mu      sync.Mutex
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

type Option func(*Pool)

func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithReceiveBackoff is the pause after a failed Receive.
func WithReceiveBackoff(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.receiveDelay = d
		}
	}
}

// WithHealth reports SERVING while the pool runs.
func WithHealth(h *health.Server) Option {
	return func(p *Pool) {
		p.health = h
	}
}

func NewPool(source queue.Source, handler Handler, failer Failer, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		source:        source,
		handler:       handler,
		failer:        failer,
		logger:        logger,
		workers:       5,
		timeout:       10 * time.Minute,
		settleTimeout: 30 * time.Second,
		receiveDelay:  time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run starts the slots and blocks until ctx is done or Shutdown is called,
// then waits for in-flight attempts to finish.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return errors.New("worker pool already started")
	}
	p.started = true
	recvCtx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.slot(recvCtx, i+1)
	}
	p.mu.Unlock()

	p.setServing(healthpb.HealthCheckResponse_SERVING)
	p.logger.Info("worker.pool.started", "workers", p.workers, "process_timeout", p.timeout)

	<-recvCtx.Done()
	p.setServing(healthpb.HealthCheckResponse_NOT_SERVING)
	p.wg.Wait()
	p.logger.Info("worker.pool.stopped")
	return nil
}

func (p *Pool) slot(ctx context.Context, workerID int) {
	defer p.wg.Done()
	p.logger.Info("worker started", "worker_id", workerID)
	defer p.logger.Info("worker stopped", "worker_id", workerID)

	for {
		d, err := p.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.logger.Warn("worker.receive.failed", "worker_id", workerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.receiveDelay):
			}
			continue
		}
		p.execute(workerID, d)
	}
}

// execute runs one attempt under its own deadline, detached from shutdown so
// draining lets it finish.
func (p *Pool) execute(workerID int, d *queue.Delivery) {
	jobID := d.Message.JobID
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	var lost atomic.Bool
	watched := make(chan struct{})
	go func() {
		select {
		case <-d.Lost():
			lost.Store(true)
			cancel()
		case <-watched:
		}
	}()
	err := p.safeProcess(ctx, d.Message)
	close(watched)
	cancel()

	bctx, bcancel := context.WithTimeout(context.Background(), p.settleTimeout)
	defer bcancel()

	// Another executor may own the job now; it records the outcome.
	if lost.Load() {
		p.logger.Warn("worker.lease.lost",
			"worker_id", workerID,
			"job_id", jobID,
			"attempt", d.Attempt,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		if aerr := d.Abandon(bctx); aerr != nil {
			p.logger.Error("worker.abandon.failed", "job_id", jobID, "error", aerr)
		}
		return
	}

	if err != nil {
		willRetry := d.WillRetry(err)
		code := common.ErrorCode(err)
		p.logger.Error("worker.attempt.failed",
			"worker_id", workerID,
			"job_id", jobID,
			"attempt", d.Attempt,
			"max_attempts", d.MaxAttempts,
			"error_code", code,
			"will_retry", willRetry,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		if ferr := p.failer.FailJob(bctx, jobID, code, err.Error(), willRetry); ferr != nil {
			p.logger.Error("worker.fail_job.failed", "job_id", jobID, "error", ferr)
		}
	} else {
		p.logger.Info("worker.attempt.ok",
			"worker_id", workerID,
			"job_id", jobID,
			"attempt", d.Attempt,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}

	if serr := d.Settle(bctx, err); serr != nil {
		if errors.Is(serr, queue.ErrLeaseLost) {
			p.logger.Warn("worker.settle.skipped", "job_id", jobID, "error", serr)
			return
		}
		p.logger.Error("worker.settle.failed", "job_id", jobID, "error", serr)
	}
}

func (p *Pool) safeProcess(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker.attempt.panic", "job_id", msg.JobID, "panic", r)
			err = common.NewAppError(common.CodeProcessing, "worker panic", errors.New("panic during processing"))
		}
	}()
	return p.handler.Process(ctx, msg)
}

// Shutdown stops receiving and waits for in-flight attempts, or until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.stop != nil {
		p.stop()
	}
	p.mu.Unlock()
	p.setServing(healthpb.HealthCheckResponse_NOT_SERVING)

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context")
	case <-done:
		p.logger.Info("pool drained, shutdown complete")
	}
}

func (p *Pool) setServing(s healthpb.HealthCheckResponse_ServingStatus) {
	if p.health == nil {
		return
	}
	p.health.SetServingStatus(HealthService, s)
	p.health.SetServingStatus("", s)
}

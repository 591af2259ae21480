package worker

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/joseph-ayodele/receipts-pipeline/internal/common"
	"github.com/joseph-ayodele/receipts-pipeline/internal/entity"
	"github.com/joseph-ayodele/receipts-pipeline/internal/queue"
)

// Handler processes one leased job.
type Handler interface {
	Handle(ctx context.Context, lease *entity.Lease) error
}

// Pool runs a fixed number of workers pulling from a shared queue.
type Pool struct {
	handler Handler
	queue   queue.Queue
	logger  *slog.Logger
	workers int
	timeout time.Duration
	backoff time.Duration

	wg     sync.WaitGroup
	once   sync.Once
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

type Option func(*Pool)

func WithWorkers(n int) Option {
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

// WithErrorBackoff sets the pause after a failed dequeue.
func WithErrorBackoff(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.backoff = d
		}
	}
}

func NewPool(handler Handler, q queue.Queue, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		handler: handler,
		queue:   q,
		logger:  common.OrDefault(logger),
		workers: 4,
		timeout: 4 * time.Minute,
		backoff: time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. They run until Shutdown or until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Info("worker.started", "worker_id", workerID)
				p.loop(ctx, workerID)
				p.logger.Info("worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	for {
		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("worker.dequeue.failed", "worker_id", workerID, "error", err)
			if common.Sleep(ctx, p.backoff) != nil {
				return
			}
			continue
		}

		jobCtx, cancel := common.WithTimeout(ctx, p.timeout)
		start := time.Now()
		err = p.handler.Handle(jobCtx, lease)
		cancel()

		if err != nil {
			p.logger.Error("worker.job.error", "worker_id", workerID, "receipt_id", lease.ReceiptID, "error", err)
		} else {
			p.logger.Debug("worker.job.handled", "worker_id", workerID, "receipt_id", lease.ReceiptID,
				"elapsed_ms", time.Since(start).Milliseconds())
		}
	}
}

// Shutdown cancels the workers and waits for them to return. Interrupted jobs
// go back to the queue as transient failures.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed || p.cancel == nil {
		p.closed = true
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("worker.shutdown.interrupted")
	case <-done:
		p.logger.Info("worker.shutdown.complete")
	}
}

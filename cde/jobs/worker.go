package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler executes one job. Returning an error sends the job back to the
// queue for retry, so handlers must be safe to run more than once.
type Handler func(ctx context.Context, job Envelope) error

// Pool polls the queue with a fixed number of workers and dispatches jobs to
// registered handlers.
type Pool struct {
	queue    Queue
	handlers map[string]Handler
	workers  int
	interval time.Duration
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan bool
	wg     sync.WaitGroup
}

func NewPool(queue Queue, workers int, pollInterval time.Duration, metrics *Metrics) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:    queue,
		handlers: make(map[string]Handler),
		workers:  workers,
		interval: pollInterval,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		stop:     make(chan bool, 1),
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (p *Pool) Register(jobType string, handler Handler) {
	p.handlers[jobType] = handler
}

func (p *Pool) Start() {
	slog.Info("worker pool: starting", "workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.wg.Add(1)
	go p.watchBacklog()
}

// Stop cancels in flight handlers and waits for the workers to exit.
func (p *Pool) Stop() {
	close(p.stop)
	p.cancel()
	p.wg.Wait()
	slog.Info("worker pool: stopped")
}

// Drain runs due jobs on the calling goroutine until the queue has none
// left. Tests use it to process the pipeline deterministically.
func (p *Pool) Drain(ctx context.Context) error {
	for {
		job, ok, err := p.queue.Dequeue()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		p.dispatch(ctx, job)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		job, ok, err := p.queue.Dequeue()
		if err != nil {
			slog.Error("worker: dequeue failed", "worker", id, "error", err)
		}
		if ok {
			p.dispatch(p.ctx, job)
			continue
		}

		select {
		case <-ticker.C:
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, job Envelope) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		// A job type nothing handles can never succeed.
		slog.Error("worker: no handler registered for job type", "job_type", job.Type, "job_id", job.Id)
		if err := p.queue.Fail(job, fmt.Errorf("no handler registered for job type %v", job.Type)); err != nil {
			slog.Error("worker: failing job without handler", "job_id", job.Id, "error", err)
		}
		p.metrics.JobFailed(job.Type)
		return
	}

	slog.Info("worker: job started", "job_type", job.Type, "job_id", job.Id, "attempt", job.Attempt)
	start := time.Now()

	err := runHandler(ctx, handler, job)
	if err == nil {
		if err := p.queue.Complete(job); err != nil {
			slog.Error("worker: completing job", "job_id", job.Id, "error", err)
			return
		}
		p.metrics.JobProcessed(job.Type, time.Since(start))
		slog.Info("worker: job finished",
			"job_type", job.Type, "job_id", job.Id, "duration", time.Since(start))
		return
	}

	slog.Error("worker: job failed",
		"job_type", job.Type, "job_id", job.Id, "attempt", job.Attempt, "error", err)
	p.metrics.JobFailed(job.Type)

	requeued, retryErr := p.queue.Retry(job, err)
	if retryErr != nil {
		slog.Error("worker: rescheduling job", "job_id", job.Id, "error", retryErr)
		return
	}
	if requeued {
		p.metrics.JobRetried(job.Type)
	}
}

// runHandler converts a handler panic into a retryable error so one bad job
// cannot take a worker down.
func runHandler(ctx context.Context, handler Handler, job Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %v panicked: %v", job.Id, r)
		}
	}()
	return handler(ctx, job)
}

func (p *Pool) watchBacklog() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			depth, err := p.queue.Depth()
			if err != nil {
				continue
			}
			p.metrics.SetBacklog(depth)
		case <-p.stop:
			return
		}
	}
}

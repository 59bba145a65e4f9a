package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/frahmantamala/pixflow/internal/charge"
)

var errPoolStopped = errors.New("worker pool stopped")

type pollJob struct {
	target charge.CollectionTarget
	reg    *registration
	done   func()
}

type worker struct {
	id     int
	pool   chan chan pollJob
	jobs   chan pollJob
	logger *slog.Logger
}

func (w *worker) start(ctx context.Context, wg *sync.WaitGroup, process func(pollJob)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			w.pool <- w.jobs

			select {
			case job := <-w.jobs:
				process(job)
			case <-ctx.Done():
				w.logger.Debug("poll worker shutting down", "worker_id", w.id)
				return
			}
		}
	}()
}

// workerPool bounds the number of concurrent gateway polls. Idle workers park
// their job channel on pool; dispatch hands each queued job to one of them.
type workerPool struct {
	size    int
	queue   chan pollJob
	pool    chan chan pollJob
	process func(pollJob)
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newWorkerPool(size int, process func(pollJob), logger *slog.Logger) *workerPool {
	if size <= 0 {
		size = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		size:    size,
		queue:   make(chan pollJob, size),
		pool:    make(chan chan pollJob, size),
		process: process,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *workerPool) start() {
	p.once.Do(func() {
		for i := 0; i < p.size; i++ {
			w := &worker{id: i, pool: p.pool, jobs: make(chan pollJob), logger: p.logger}
			w.start(p.ctx, &p.wg, p.process)
		}

		p.wg.Add(1)
		go p.dispatch()

		p.logger.Info("poll worker pool started", "workers", p.size)
	})
}

// submit blocks until the job is queued, ctx ends or the pool stops.
func (p *workerPool) submit(ctx context.Context, job pollJob) error {
	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return errPoolStopped
	}
}

func (p *workerPool) dispatch() {
	defer p.wg.Done()

	for {
		select {
		case job := <-p.queue:
			select {
			case jobs := <-p.pool:
				select {
				case jobs <- job:
				case <-p.ctx.Done():
					job.done()
					return
				}
			case <-p.ctx.Done():
				job.done()
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// stop cancels idle workers and waits for running polls to return.
func (p *workerPool) stop() {
	p.cancel()
	p.wg.Wait()
	for {
		select {
		case job := <-p.queue:
			job.done()
		default:
			p.logger.Info("poll worker pool stopped")
			return
		}
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/makeacourse/api/internal/logger"
	"github.com/makeacourse/api/internal/model"
)

var ErrPoolClosed = errors.New("queue: pool closed")

type localJob struct {
	name   string
	taskID string
	run    func(ctx context.Context) error
}

// LocalPool runs render jobs on a fixed number of goroutines in this process.
// Enqueue never blocks: a full buffer is reported as ErrQueueFull.
type LocalPool struct {
	handlers    Handlers
	concurrency int
	log         *logger.Logger

	jobs   chan localJob
	mu     sync.RWMutex
	closed bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

func NewLocalPool(concurrency, size int, h Handlers, log *logger.Logger) *LocalPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if size <= 0 {
		size = 1
	}
	return &LocalPool{
		handlers:    h,
		concurrency: concurrency,
		log:         log,
		jobs:        make(chan localJob, size),
	}
}

// Start launches the workers. They stop once Shutdown drains the buffer or ctx
// is cancelled.
func (p *LocalPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job, ok := <-p.jobs:
					if !ok {
						return nil
					}
					p.run(ctx, job)
				}
			}
		})
	}
	p.group = g
}

func (p *LocalPool) run(ctx context.Context, job localJob) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("render job panicked", "job", job.name, "task_id", job.taskID, "panic", fmt.Sprint(r))
		}
	}()
	if err := job.run(ctx); err != nil {
		p.log.Error("render job failed", "job", job.name, "task_id", job.taskID, "error", err)
	}
}

func (p *LocalPool) EnqueueScene(_ context.Context, job model.SceneRenderJob) error {
	return p.submit(localJob{
		name:   model.JobTypeRenderScene,
		taskID: job.TaskID,
		run:    func(ctx context.Context) error { return p.handlers.Scene(ctx, job) },
	})
}

func (p *LocalPool) EnqueueModule(_ context.Context, job model.ModuleRenderJob) error {
	return p.submit(localJob{
		name:   model.JobTypeRenderModule,
		taskID: job.TaskID,
		run:    func(ctx context.Context) error { return p.handlers.Module(ctx, job) },
	})
}

func (p *LocalPool) submit(job localJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish.
func (p *LocalPool) Shutdown() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	if p.group == nil {
		return nil
	}
	err := p.group.Wait()
	p.cancel()
	return err
}

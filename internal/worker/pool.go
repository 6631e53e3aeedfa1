// Package worker runs chunk tasks and keeps imports moving without a poller.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/user/listing-ingest/internal/entity"
	"github.com/user/listing-ingest/internal/usecase"
	"github.com/user/listing-ingest/pkg/metrics"
)

// ErrPoolStopped is returned by Dispatch after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// Pool runs chunk tasks on a fixed number of in-process workers. It is the
// dispatcher used when no shared queue is configured.
type Pool struct {
	runner usecase.ChunkRunner
	size   int
	logger *zap.Logger

	taskQueue chan entity.ChunkTask
	stopChan  chan struct{}
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[entity.ChunkTask]struct{}
	// backlog holds tasks that did not fit in taskQueue, oldest first.
	backlog []entity.ChunkTask
	stopped bool
}

// NewPool creates a pool with size workers and room for queueSize tasks in
// the channel. Tasks beyond that wait in an unbounded backlog.
func NewPool(runner usecase.ChunkRunner, size, queueSize int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size * 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:       ctx,
		cancel:    cancel,
		runner:    runner,
		size:      size,
		logger:    logger,
		taskQueue: make(chan entity.ChunkTask, queueSize),
		stopChan:  make(chan struct{}),
		pending:   make(map[entity.ChunkTask]struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop cancels running chunks and drops queued tasks. Their claims expire and
// a later advance redispatches them.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.backlog = nil
	p.mu.Unlock()

	close(p.stopChan)
	p.cancel()
	p.wg.Wait()
}

// Dispatch queues tasks and returns without waiting for workers. Tasks
// already waiting in the pool are skipped.
func (p *Pool) Dispatch(ctx context.Context, tasks []entity.ChunkTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	for _, task := range tasks {
		if _, dup := p.pending[task]; dup {
			continue
		}
		p.pending[task] = struct{}{}
		// Keep order: nothing jumps ahead of the backlog.
		if len(p.backlog) > 0 || !p.offer(task) {
			p.backlog = append(p.backlog, task)
		}
	}
	p.setQueueGauge()
	return nil
}

// Backlog returns how many tasks wait for room in the channel.
func (p *Pool) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// offer sends without blocking. Callers hold mu.
func (p *Pool) offer(task entity.ChunkTask) bool {
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// refill moves backlog tasks into the channel while it has room.
func (p *Pool) refill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for n < len(p.backlog) && p.offer(p.backlog[n]) {
		n++
	}
	if n > 0 {
		p.backlog = append(p.backlog[:0], p.backlog[n:]...)
	}
	p.setQueueGauge()
}

// setQueueGauge expects mu held.
func (p *Pool) setQueueGauge() {
	metrics.ChunksInQueue.Set(float64(len(p.taskQueue) + len(p.backlog)))
}

func (p *Pool) forget(task entity.ChunkTask) {
	p.mu.Lock()
	delete(p.pending, task)
	p.mu.Unlock()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.taskQueue:
			p.forget(task)
			p.refill()
			p.process(task)
		case <-p.stopChan:
			return
		}
	}
}

func (p *Pool) process(task entity.ChunkTask) {
	if err := p.runner.ProcessChunk(p.ctx, task); err != nil {
		p.logger.Warn("chunk task failed",
			zap.String("job_id", task.JobID),
			zap.Int("chunk", task.ChunkIndex),
			zap.Error(err),
		)
	}
}

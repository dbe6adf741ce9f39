package sorter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wheelsort/wheelsort/pkg/logger"
)

// WorkerPool runs position drain jobs on a fixed set of goroutines.
type WorkerPool struct {
	maxWorkers int
	taskCh     chan int
	workerFn   func(ctx context.Context, position int)
	log        logger.Logger

	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	tasksProcessed atomic.Int64
	panics         atomic.Int64
}

// NewWorkerPool creates a pool of maxWorkers goroutines calling workerFn.
func NewWorkerPool(maxWorkers int, workerFn func(ctx context.Context, position int), log logger.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskCh:     make(chan int),
		workerFn:   workerFn,
		log:        logger.OrNop(log),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers. Calling it again is a no-op.
func (p *WorkerPool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop cancels in-flight jobs and waits for the workers to exit.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.running.Store(false)
		p.cancel()
		p.wg.Wait()
	})
}

// TrySubmit hands position to an idle worker without blocking.
func (p *WorkerPool) TrySubmit(position int) bool {
	if !p.running.Load() {
		return false
	}
	select {
	case p.taskCh <- position:
		return true
	case <-p.ctx.Done():
		return false
	default:
		return false
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case position := <-p.taskCh:
			p.processTask(position)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *WorkerPool) processTask(position int) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error("dispatch worker panic", "position", position, "panic", r)
		}
	}()

	p.workerFn(p.ctx, position)
	p.tasksProcessed.Add(1)
}

// TasksProcessed returns the number of completed jobs.
func (p *WorkerPool) TasksProcessed() int64 {
	return p.tasksProcessed.Load()
}

// IsRunning reports whether the pool accepts jobs.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}

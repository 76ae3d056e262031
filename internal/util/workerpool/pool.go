package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work. Tasks that share a non-empty Key never run or queue
// concurrently; a second submission of a key already in flight is dropped.
type Task struct {
	Key string
	Fn  func(context.Context) error
}

// WorkerPool runs tasks on a fixed set of goroutines. Stripe merges and row takes
// each get their own pool.
type WorkerPool struct {
	name       string
	maxWorkers int
	queueSize  int
	taskQueue  chan Task
	logger     *zap.Logger
	onDone     func(key string, duration time.Duration, err error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stop   sync.Once

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	activeWorkers  atomic.Int32
	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	rejectedTasks  atomic.Uint64
	coalescedTasks atomic.Uint64
}

// Config holds worker pool configuration.
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
	// OnDone, when set, is called after every task.
	OnDone func(key string, duration time.Duration, err error)
}

// NewWorkerPool starts the pool's workers.
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		onDone:     cfg.OnDone,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]struct{}),
	}
	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))
	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskQueue:
			p.execute(id, task)
		}
	}
}

func (p *WorkerPool) execute(workerID int, task Task) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)
	defer p.release(task.Key)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		p.failedTasks.Add(1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task", task.Key),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		p.completedTasks.Add(1)
	}
	if p.onDone != nil {
		p.onDone(task.Key, duration, err)
	}
}

func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task", task.Key),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(p.ctx)
}

// claim marks key in flight; false means it already is.
func (p *WorkerPool) claim(key string) bool {
	if key == "" {
		return true
	}
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if _, ok := p.inflight[key]; ok {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *WorkerPool) release(key string) {
	if key == "" {
		return
	}
	p.inflightMu.Lock()
	delete(p.inflight, key)
	p.inflightMu.Unlock()
}

// Submit queues task without blocking. It fails when the pool is stopped or the
// queue is full. A task whose key is already in flight is accepted and dropped.
func (p *WorkerPool) Submit(task Task) error {
	if p.ctx.Err() != nil {
		p.rejectedTasks.Add(1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	}
	if !p.claim(task.Key) {
		p.coalescedTasks.Add(1)
		return nil
	}
	select {
	case p.taskQueue <- task:
		p.totalTasks.Add(1)
		return nil
	default:
		p.release(task.Key)
		p.rejectedTasks.Add(1)
		return fmt.Errorf("worker pool '%s' queue is full", p.name)
	}
}

// Stop cancels the context handed to running tasks and waits for workers to exit.
// Queued tasks that have not started are discarded.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stop.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(p.activeWorkers.Load()),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     p.totalTasks.Load(),
		CompletedTasks: p.completedTasks.Load(),
		FailedTasks:    p.failedTasks.Load(),
		RejectedTasks:  p.rejectedTasks.Load(),
		CoalescedTasks: p.coalescedTasks.Load(),
	}
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
	CoalescedTasks uint64
}

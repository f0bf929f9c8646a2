// Package workerpool provides a small fixed-size pool for running file-scoped
// tasks concurrently with a bounded queue and per-batch completion waiting.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Task is one unit of work.
type Task struct {
	ID      string
	Execute func(ctx context.Context) error
}

// Config sizes the pool.
type Config struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	cfg    Config
	logger *logrus.Logger

	taskQueue chan Task
	ctx       context.Context
	cancel    context.CancelFunc
	workersWG sync.WaitGroup
	tasksWG   sync.WaitGroup

	totalTasks     int64
	completedTasks int64
	failedTasks    int64

	mu      sync.Mutex
	running bool
}

// Stats is a pool counter snapshot.
type Stats struct {
	MaxWorkers     int   `json:"max_workers"`
	QueuedTasks    int   `json:"queued_tasks"`
	TotalTasks     int64 `json:"total_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`
	Running        bool  `json:"running"`
}

// ErrPoolNotRunning is returned by Submit on a stopped pool.
var ErrPoolNotRunning = fmt.Errorf("worker pool is not running")

// New creates a pool; zero values default to NumCPU workers and a queue of
// ten tasks per worker.
func New(cfg Config, logger *logrus.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxWorkers * 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		logger:    logger,
		taskQueue: make(chan Task, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.logger.WithFields(logrus.Fields{
		"max_workers": p.cfg.MaxWorkers,
		"queue_size":  p.cfg.QueueSize,
	}).Debug("Starting worker pool")
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		p.workersWG.Add(1)
		go p.worker(i)
	}
	p.running = true
}

// Submit enqueues a task, blocking when the queue is full.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return ErrPoolNotRunning
	}
	atomic.AddInt64(&p.totalTasks, 1)
	p.tasksWG.Add(1)
	select {
	case p.taskQueue <- task:
		return nil
	case <-p.ctx.Done():
		p.tasksWG.Done()
		return p.ctx.Err()
	}
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.tasksWG.Wait()
}

// Stop cancels outstanding work and joins the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()
	p.cancel()
	close(p.taskQueue)
	p.workersWG.Wait()
}

// GetStats returns current pool counters.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	return Stats{
		MaxWorkers:     p.cfg.MaxWorkers,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadInt64(&p.totalTasks),
		CompletedTasks: atomic.LoadInt64(&p.completedTasks),
		FailedTasks:    atomic.LoadInt64(&p.failedTasks),
		Running:        running,
	}
}

func (p *Pool) worker(id int) {
	defer p.workersWG.Done()
	for task := range p.taskQueue {
		err := task.Execute(p.ctx)
		if err != nil {
			atomic.AddInt64(&p.failedTasks, 1)
			p.logger.WithFields(logrus.Fields{
				"worker_id": id,
				"task_id":   task.ID,
			}).WithError(err).Error("Task failed")
		} else {
			atomic.AddInt64(&p.completedTasks, 1)
		}
		p.tasksWG.Done()
	}
}

// Package worker runs blocking device work (policy IPC, installs, file I/O)
// on a small pool so callers are never the goroutine stuck on the platform.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrStopped is returned once Stop has been called.
var ErrStopped = errors.New("worker pool stopped")

// Pool Worker 池
type Pool struct {
	workers  int
	taskChan chan *Task
	logger   *logrus.Logger
	wg       sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// Task 任务
type Task struct {
	ID       string
	Run      func(ctx context.Context) error
	resultCh chan error // 用于同步等待任务完成
	state    atomic.Int32
}

const (
	taskQueued int32 = iota
	taskRunning
	taskAbandoned
)

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		logger:   logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Debug("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			if !task.state.CompareAndSwap(taskQueued, taskRunning) {
				p.logger.WithField("task_id", task.ID).Debug("Skipping abandoned task")
				continue
			}
			err := p.run(ctx, id, task)
			if task.resultCh != nil {
				task.resultCh <- err
				close(task.resultCh)
			}
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task *Task) (err error) {
	log := p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"task_id":   task.ID,
	})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
			log.WithError(err).Error("Task panicked")
		}
	}()

	log.Debug("Processing task")
	if err = task.Run(ctx); err != nil {
		log.WithError(err).Warn("Task finished with error")
		return err
	}
	log.Debug("Task completed")
	return nil
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) error {
	task.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrStopped
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		if task.state.CompareAndSwap(taskQueued, taskAbandoned) {
			return ctx.Err()
		}
		// already running: its writes must finish before the caller reads them
		return <-task.resultCh
	}
}

// Do runs fn on the pool with the caller's ctx and waits for it. A nil
// pool runs fn inline.
func (p *Pool) Do(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}
	return p.SubmitAndWait(ctx, &Task{ID: id, Run: func(context.Context) error { return fn(ctx) }})
}

// Stop 停止 Worker 池
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

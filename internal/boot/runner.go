// Package boot runs the fixed sequence of tasks that restore device policy
// after the agent starts or the device reboots.
package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/devicelock/devicelock-agent/internal/metrics"
	"github.com/devicelock/devicelock-agent/internal/retry"
	"github.com/sirupsen/logrus"
)

// Task names, also used as metric labels.
const (
	TaskFeatures    = "reapply_features"
	TaskKiosk       = "kiosk_lock_task"
	TaskAppBlocker  = "app_blocker"
	TaskUpdateCheck = "update_check"
)

const (
	outcomeOK     = "ok"
	outcomeFailed = "failed"
	outcomePanic  = "panic"
)

// Task 启动任务
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result 任务执行结果
type Result struct {
	Task     string
	Err      error
	Panicked bool
	Duration time.Duration
}

// Runner 启动任务执行器
type Runner struct {
	tasks   []Task
	retry   *retry.Config
	metrics *metrics.Collector
	logger  *logrus.Logger
}

// NewRunner creates a runner for tasks, executed in the given order.
func NewRunner(retryCfg *retry.Config, logger *logrus.Logger, m *metrics.Collector, tasks ...Task) *Runner {
	return &Runner{
		tasks:   tasks,
		retry:   retryCfg,
		metrics: m,
		logger:  logger,
	}
}

// Run executes every task in order and returns one result per task. A task
// that fails or panics is logged and the next one still runs.
func (r *Runner) Run(ctx context.Context) []Result {
	start := time.Now()
	results := make([]Result, 0, len(r.tasks))

	for _, task := range r.tasks {
		res := r.runOne(ctx, task)
		results = append(results, res)

		outcome := outcomeOK
		entry := r.logger.WithFields(logrus.Fields{
			"task":        task.Name,
			"duration_ms": res.Duration.Milliseconds(),
		})
		switch {
		case res.Panicked:
			outcome = outcomePanic
			entry.WithError(res.Err).Error("Boot task panicked")
		case res.Err != nil:
			outcome = outcomeFailed
			entry.WithError(res.Err).Warn("Boot task failed")
		default:
			entry.Info("Boot task completed")
		}
		r.metrics.RecordBootTask(task.Name, outcome)
	}

	r.logger.WithFields(logrus.Fields{
		"tasks":       len(results),
		"failed":      len(Failed(results)),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Boot sequence finished")
	return results
}

func (r *Runner) runOne(ctx context.Context, task Task) (res Result) {
	res.Task = task.Name
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	res.Err = retry.Do(ctx, r.retry, func(ctx context.Context) (err error) {
		defer func() {
			if p := recover(); p != nil {
				res.Panicked = true
				err = retry.NewNonRetryableError(fmt.Errorf("panic in %s: %v", task.Name, p))
			}
		}()
		return task.Run(ctx)
	})
	return res
}

// Failed filters the results that carry an error.
func Failed(results []Result) []Result {
	var out []Result
	for _, res := range results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

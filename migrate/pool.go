package migrate

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency caps in-flight tasks at 8. The BigQuery API allows 10
// concurrent requests per project; 8 leaves headroom for the calls the
// orchestrating goroutine makes itself.
const DefaultConcurrency = 8

// Pool runs tasks with bounded parallelism and collects their outcomes.
// A failing task is logged and recorded; it never cancels its siblings or
// the pool. Wait is the drain barrier the import pipeline relies on
// between stages.
type Pool struct {
	group    *errgroup.Group
	ctx      context.Context
	progress *Progress

	mu      sync.Mutex
	results []TaskResult
}

func NewPool(ctx context.Context, limit int, progress *Progress) *Pool {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(limit)
	return &Pool{group: group, ctx: ctx, progress: progress}
}

// Submit schedules fn on the pool. The pool owns the task boundary: the
// error becomes a TaskResult and the progress counter advances regardless
// of the outcome.
func (p *Pool) Submit(task Task, fn func(ctx context.Context) error) {
	p.group.Go(func() error {
		p.record(runTask(p.ctx, task, p.progress, fn))
		return nil
	})
}

// Fail records a task as failed without running it. Used when a whole
// dataset becomes unusable but its tasks still count toward the total.
func (p *Pool) Fail(task Task, err error) {
	slog.Error("task skipped",
		"kind", string(task.Kind), "dataset", task.Dataset, "object", task.Object, "error", err)
	p.progress.Increment()
	p.record(TaskResult{Task: task, Err: err})
}

func (p *Pool) record(res TaskResult) {
	p.mu.Lock()
	p.results = append(p.results, res)
	p.mu.Unlock()
}

// Wait blocks until every submitted task has finished and returns the
// results in completion order.
func (p *Pool) Wait() []TaskResult {
	p.group.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results
}

// runTask executes fn at the task boundary: the error is logged with its
// task context and converted into a result, and the progress counter
// advances whether or not the task succeeded. Also used directly for work
// that runs on the orchestrating goroutine instead of the pool.
func runTask(ctx context.Context, task Task, progress *Progress, fn func(ctx context.Context) error) TaskResult {
	err := fn(ctx)
	if err != nil {
		slog.Error("task failed",
			"kind", string(task.Kind), "dataset", task.Dataset, "object", task.Object, "error", err)
	}
	progress.Increment()
	return TaskResult{Task: task, Err: err}
}

package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"scriptguard/internal/ports"
)

// Handler performs the work behind one task reference (a run or pack id).
type Handler func(ctx context.Context, refID string) error

// JobHandler adapts a ports.Job to a Handler.
func JobHandler[In, Out any](job ports.Job[In, Out], input func(refID string) In) Handler {
	return func(ctx context.Context, refID string) error {
		_, err := job.Execute(ctx, input(refID))
		return err
	}
}

// retryable is implemented by errors that know whether another attempt helps.
type retryable interface {
	Retryable() bool
}

var ErrUnknownKind = errors.New("no handler for task kind")

type Runner struct {
	queue    ports.TaskQueue
	handlers map[string]Handler
	logger   *slog.Logger
	backoff  time.Duration
	now      func() time.Time
}

// New builds a runner. Failed tasks are retried after attempts*backoff.
func New(queue ports.TaskQueue, logger *slog.Logger, backoff time.Duration) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		queue:    queue,
		handlers: map[string]Handler{},
		logger:   logger,
		backoff:  backoff,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Runner) Handle(kind string, h Handler) { r.handlers[kind] = h }

// Run starts worker goroutines that claim tasks and process them. It blocks
// until ctx is cancelled and every worker has returned.
func (r *Runner) Run(ctx context.Context, concurrency int, pollInterval time.Duration) error {
	if concurrency < 1 {
		return nil
	}
	tasks := make(chan ports.Task, concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for task := range tasks {
				if ctx.Err() != nil {
					r.release(ctx, task)
					continue
				}
				r.process(ctx, task, r.logger.With("worker", idx))
			}
		}(i)
	}

	r.dispatch(ctx, tasks, pollInterval)
	close(tasks)
	wg.Wait()
	return nil
}

// dispatch polls the queue until ctx is done, draining every due task on each tick.
func (r *Runner) dispatch(ctx context.Context, tasks chan<- ports.Task, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				task, found, err := r.queue.ClaimNext(ctx)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.Error("task claim", "error", err)
					}
					break
				}
				if !found {
					break
				}
				select {
				case tasks <- task:
				case <-ctx.Done():
					r.release(ctx, task)
					return
				}
			}
		}
	}
}

// release puts a claimed but unstarted task back in the queue on shutdown.
func (r *Runner) release(ctx context.Context, task ports.Task) {
	now := r.now()
	if err := r.queue.MarkFailed(context.WithoutCancel(ctx), task.ID, "released on shutdown", &now); err != nil {
		r.logger.Error("release task", "task_id", task.ID, "error", err)
	}
}

func (r *Runner) process(ctx context.Context, task ports.Task, log *slog.Logger) error {
	log = log.With("task_id", task.ID, "kind", task.Kind, "ref_id", task.RefID, "attempt", task.Attempts)
	err := r.execute(ctx, task.Kind, task.RefID)
	settle := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := r.queue.MarkCompleted(settle, task.ID); cerr != nil {
			log.Error("complete task", "error", cerr)
		}
		return nil
	}

	retryAt := r.retryAt(task, err)
	if ferr := r.queue.MarkFailed(settle, task.ID, err.Error(), retryAt); ferr != nil {
		log.Error("fail task", "error", ferr)
	}
	if retryAt != nil {
		log.Warn("task failed, will retry", "retry_at", retryAt.Format(time.RFC3339), "error", err)
	} else {
		log.Error("task failed", "error", err)
	}
	return err
}

func (r *Runner) execute(ctx context.Context, kind, refID string) (err error) {
	h, ok := r.handlers[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panic: %v", p)
		}
	}()
	return h(ctx, refID)
}

// retryAt applies linear backoff while attempts remain and the error allows it.
func (r *Runner) retryAt(task ports.Task, err error) *time.Time {
	if errors.Is(err, ErrUnknownKind) || task.Attempts >= task.MaxAttempts {
		return nil
	}
	var re retryable
	if errors.As(err, &re) && !re.Retryable() {
		return nil
	}
	at := r.now().Add(time.Duration(task.Attempts) * r.backoff)
	return &at
}

// ProcessInline runs the work for one reference synchronously using the same
// handlers as the background workers. A queued task for the reference is
// claimed and settled; without one the handler still runs.
func (r *Runner) ProcessInline(ctx context.Context, kind, refID string) error {
	task, found, err := r.queue.ClaimForRef(ctx, kind, refID)
	if err != nil {
		return fmt.Errorf("claim %s task for %s: %w", kind, refID, err)
	}
	if !found {
		return r.execute(ctx, kind, refID)
	}
	return r.process(ctx, task, r.logger.With("inline", true))
}

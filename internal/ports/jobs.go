package ports

import (
	"context"
	"time"
)

// Job is a unit of work dispatched by an at-least-once task runner.
// Implementations must be safe to execute more than once for the same input.
type Job[In, Out any] interface {
	Execute(ctx context.Context, in In) (Out, error)
}

// JobFunc adapts a function to Job.
type JobFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

func (f JobFunc[In, Out]) Execute(ctx context.Context, in In) (Out, error) { return f(ctx, in) }

const (
	TaskScanRun      = "scan_run"
	TaskEvidencePack = "evidence_pack"
)

type Task struct {
	ID          string
	Kind        string
	RefID       string
	Attempts    int
	MaxAttempts int
}

// TaskQueue supports claiming and settling scan and evidence tasks.
type TaskQueue interface {
	Enqueue(ctx context.Context, kind, refID string, maxAttempts int) (taskID string, err error)
	ClaimNext(ctx context.Context) (task Task, found bool, err error)
	ClaimForRef(ctx context.Context, kind, refID string) (task Task, found bool, err error)
	MarkCompleted(ctx context.Context, taskID string) error
	// MarkFailed settles a task. A non-nil retryAt requeues it for another attempt.
	MarkFailed(ctx context.Context, taskID string, reason string, retryAt *time.Time) error
}

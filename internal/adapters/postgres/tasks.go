package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"scriptguard/internal/ports"
)

func (db *DB) Enqueue(ctx context.Context, kind, refID string, maxAttempts int) (string, error) {
	var id string
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO tasks (kind, ref_id, max_attempts) VALUES ($1, $2, $3) RETURNING id
	`, kind, refID, maxAttempts).Scan(&id)
	return id, err
}

// ClaimNext selects the next due task using SKIP LOCKED and marks it running.
func (db *DB) ClaimNext(ctx context.Context) (task ports.Task, found bool, err error) {
	err = db.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT id, kind, ref_id, attempts, max_attempts FROM tasks
			WHERE status = 'queued' AND run_after <= now()
			ORDER BY queued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`).Scan(&task.ID, &task.Kind, &task.RefID, &task.Attempts, &task.MaxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return claim(ctx, tx, &task)
	})
	return task, found, err
}

// ClaimForRef locks the queued task for a specific run or pack, if any.
func (db *DB) ClaimForRef(ctx context.Context, kind, refID string) (task ports.Task, found bool, err error) {
	err = db.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT id, kind, ref_id, attempts, max_attempts FROM tasks
			WHERE kind = $1 AND ref_id = $2 AND status = 'queued'
			ORDER BY queued_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`, kind, refID).Scan(&task.ID, &task.Kind, &task.RefID, &task.Attempts, &task.MaxAttempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return claim(ctx, tx, &task)
	})
	return task, found, err
}

func claim(ctx context.Context, tx pgx.Tx, task *ports.Task) error {
	task.Attempts++
	_, err := tx.Exec(ctx, `
		UPDATE tasks SET status = 'running', started_at = now(), attempts = $2 WHERE id = $1
	`, task.ID, task.Attempts)
	return err
}

func (db *DB) MarkCompleted(ctx context.Context, taskID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := db.Pool.Exec(ctx, `
		UPDATE tasks SET status = 'completed', finished_at = now(), last_error = NULL WHERE id = $1
	`, taskID)
	return err
}

func (db *DB) MarkFailed(ctx context.Context, taskID, reason string, retryAt *time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if retryAt != nil {
		_, err := db.Pool.Exec(ctx, `
			UPDATE tasks SET status = 'queued', run_after = $3, last_error = $2 WHERE id = $1
		`, taskID, reason, *retryAt)
		return err
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE tasks SET status = 'failed', finished_at = now(), last_error = $2 WHERE id = $1
	`, taskID, reason)
	return err
}

var (
	_ ports.ScanStore     = (*DB)(nil)
	_ ports.EvidenceStore = (*DB)(nil)
	_ ports.TaskQueue     = (*DB)(nil)
	_ ports.RunRegistry   = (*DB)(nil)
)

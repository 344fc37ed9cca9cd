package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scriptguard/internal/ports"
)

var (
	_ ports.ScanStore     = (*DB)(nil)
	_ ports.EvidenceStore = (*DB)(nil)
	_ ports.TaskQueue     = (*DB)(nil)
	_ ports.RunRegistry   = (*DB)(nil)
)

func (db *DB) Enqueue(ctx context.Context, kind, refID string, maxAttempts int) (string, error) {
	id := uuid.NewString()
	now := fmtTime(db.now())
	_, err := db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, ref_id, max_attempts, run_after, queued_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, kind, refID, maxAttempts, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

func (db *DB) ClaimNext(ctx context.Context) (ports.Task, bool, error) {
	return db.claimWhere(ctx, `status = 'queued' AND run_after <= ?`, fmtTime(db.now()))
}

func (db *DB) ClaimForRef(ctx context.Context, kind, refID string) (ports.Task, bool, error) {
	return db.claimWhere(ctx, `status = 'queued' AND kind = ? AND ref_id = ?`, kind, refID)
}

// claimWhere relies on the single connection to serialize competing claims.
func (db *DB) claimWhere(ctx context.Context, cond string, args ...any) (task ports.Task, found bool, err error) {
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id, kind, ref_id, attempts, max_attempts FROM tasks
			WHERE `+cond+` ORDER BY queued_at, id LIMIT 1`, args...,
		).Scan(&task.ID, &task.Kind, &task.RefID, &task.Attempts, &task.MaxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		task.Attempts++
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = 'running', started_at = ?, attempts = ? WHERE id = ?`,
			fmtTime(db.now()), task.Attempts, task.ID); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return ports.Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	return task, found, nil
}

func (db *DB) MarkCompleted(ctx context.Context, taskID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', finished_at = ?, last_error = NULL WHERE id = ?`,
		fmtTime(db.now()), taskID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (db *DB) MarkFailed(ctx context.Context, taskID, reason string, retryAt *time.Time) error {
	var err error
	if retryAt != nil {
		_, err = db.ExecContext(ctx, `UPDATE tasks SET status = 'queued', run_after = ?, last_error = ? WHERE id = ?`,
			fmtTime(*retryAt), reason, taskID)
	} else {
		_, err = db.ExecContext(ctx, `UPDATE tasks SET status = 'failed', finished_at = ?, last_error = ? WHERE id = ?`,
			fmtTime(db.now()), reason, taskID)
	}
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

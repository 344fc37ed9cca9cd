package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"scriptguard/internal/domain"
	"scriptguard/internal/ports"
)

func (db *DB) GetEvidencePack(ctx context.Context, packID string) (domain.EvidencePack, error) {
	var (
		p       domain.EvidencePack
		created string
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, site_id, from_date, to_date, status, file_url, created_at
		FROM evidence_packs WHERE id = ?`, packID,
	).Scan(&p.ID, &p.SiteID, &p.FromDate, &p.ToDate, &p.Status, &p.FileURL, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("evidence pack %s: %w", packID, ports.ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("get evidence pack: %w", err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return p, fmt.Errorf("parse created_at: %w", err)
	}
	return p, nil
}

func (db *DB) MarkPackRunning(ctx context.Context, packID string) (bool, error) {
	return db.updated(db.ExecContext(ctx, `
		UPDATE evidence_packs SET status = 'running' WHERE id = ? AND status IN ('queued', 'running')`, packID))
}

func (db *DB) MarkPackSucceeded(ctx context.Context, packID, fileURL string) (bool, error) {
	return db.updated(db.ExecContext(ctx, `
		UPDATE evidence_packs SET status = 'success', file_url = ?
		WHERE id = ? AND status IN ('queued', 'running')`, fileURL, packID))
}

func (db *DB) MarkPackFailed(ctx context.Context, packID string) (bool, error) {
	return db.updated(db.ExecContext(ctx, `
		UPDATE evidence_packs SET status = 'failed', file_url = NULL
		WHERE id = ? AND status IN ('queued', 'running')`, packID))
}

func (db *DB) ListDiffEvents(ctx context.Context, siteID string, from, to time.Time) ([]domain.DiffEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, site_id, run_id, type, severity, script_id, summary, created_at
		FROM diff_events
		WHERE site_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at DESC, id`, siteID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("list diff events: %w", err)
	}
	defer rows.Close()

	var out []domain.DiffEvent
	for rows.Next() {
		var (
			e       domain.DiffEvent
			created string
		)
		if err := rows.Scan(&e.ID, &e.SiteID, &e.RunID, &e.Type, &e.Severity, &e.ScriptID, &e.Summary, &created); err != nil {
			return nil, fmt.Errorf("scan diff event: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (db *DB) ListScanRuns(ctx context.Context, siteID string, from, to time.Time) ([]domain.ScanRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM scan_runs
		WHERE site_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at DESC, id`, siteID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("list scan runs: %w", err)
	}
	defer rows.Close()

	var out []domain.ScanRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"scriptguard/internal/domain"
	"scriptguard/internal/ports"
)

func (db *DB) GetEvidencePack(ctx context.Context, packID string) (domain.EvidencePack, error) {
	var p domain.EvidencePack
	err := db.Pool.QueryRow(ctx, `
		SELECT id, site_id, to_char(from_date, 'YYYY-MM-DD'), to_char(to_date, 'YYYY-MM-DD'), status, file_url, created_at
		FROM evidence_packs WHERE id = $1
	`, packID).Scan(&p.ID, &p.SiteID, &p.FromDate, &p.ToDate, &p.Status, &p.FileURL, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("evidence pack %s: %w", packID, ports.ErrNotFound)
	}
	return p, err
}

func (db *DB) setPackStatus(ctx context.Context, packID string, status domain.Status, fileURL *string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE evidence_packs SET status = $2, file_url = $3
		WHERE id = $1 AND status IN ('queued', 'running')
	`, packID, status, fileURL)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (db *DB) MarkPackRunning(ctx context.Context, packID string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE evidence_packs SET status = 'running' WHERE id = $1 AND status IN ('queued', 'running')
	`, packID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (db *DB) MarkPackSucceeded(ctx context.Context, packID, fileURL string) (bool, error) {
	return db.setPackStatus(ctx, packID, domain.StatusSuccess, &fileURL)
}

func (db *DB) MarkPackFailed(ctx context.Context, packID string) (bool, error) {
	return db.setPackStatus(ctx, packID, domain.StatusFailed, nil)
}

func (db *DB) ListScripts(ctx context.Context, siteID string) ([]domain.Script, error) {
	return db.queryScripts(ctx, siteID)
}

func (db *DB) ListDiffEvents(ctx context.Context, siteID string, from, to time.Time) ([]domain.DiffEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, site_id, run_id, type, severity, script_id, summary, created_at
		FROM diff_events
		WHERE site_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC, id
	`, siteID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DiffEvent
	for rows.Next() {
		var e domain.DiffEvent
		if err := rows.Scan(&e.ID, &e.SiteID, &e.RunID, &e.Type, &e.Severity, &e.ScriptID, &e.Summary, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (db *DB) ListScanRuns(ctx context.Context, siteID string, from, to time.Time) ([]domain.ScanRun, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+runColumns+` FROM scan_runs
		WHERE site_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC, id
	`, siteID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScanRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

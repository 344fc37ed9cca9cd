package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"scriptguard/internal/domain"
	"scriptguard/internal/ports"
)

const runColumns = `id, site_id, mode, status, started_at, ended_at, error_code, error_message, created_at`

func scanRun(row rowScanner) (domain.ScanRun, error) {
	var r domain.ScanRun
	err := row.Scan(&r.ID, &r.SiteID, &r.Mode, &r.Status, &r.StartedAt, &r.EndedAt, &r.ErrorCode, &r.ErrorMessage, &r.CreatedAt)
	return r, err
}

func (db *DB) GetScanRun(ctx context.Context, runID string) (domain.ScanRun, error) {
	r, err := scanRun(db.Pool.QueryRow(ctx, `SELECT `+runColumns+` FROM scan_runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("scan run %s: %w", runID, ports.ErrNotFound)
	}
	return r, err
}

// MarkRunRunning keeps the first start time across retries.
func (db *DB) MarkRunRunning(ctx context.Context, runID string, at time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE scan_runs SET status = 'running', started_at = COALESCE(started_at, $2)
		WHERE id = $1 AND status IN ('queued', 'running')
	`, runID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (db *DB) MarkRunSucceeded(ctx context.Context, runID string, at time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE scan_runs SET status = 'success', ended_at = $2, error_code = NULL, error_message = NULL
		WHERE id = $1 AND status IN ('queued', 'running')
	`, runID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (db *DB) MarkRunFailed(ctx context.Context, runID string, at time.Time, code, message string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE scan_runs SET status = 'failed', ended_at = $2, error_code = $3, error_message = $4
		WHERE id = $1 AND status IN ('queued', 'running')
	`, runID, at, code, message)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CreateScanRun inserts a queued run. The partial unique index on active runs
// turns a concurrent second request into ErrRunInProgress.
func (db *DB) CreateScanRun(ctx context.Context, siteID string, mode domain.RunMode) (domain.ScanRun, error) {
	if _, err := db.GetSite(ctx, siteID); err != nil {
		return domain.ScanRun{}, err
	}
	r, err := scanRun(db.Pool.QueryRow(ctx, `
		INSERT INTO scan_runs (site_id, mode, status) VALUES ($1, $2, 'queued')
		RETURNING `+runColumns, siteID, mode))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "scan_runs_one_active_idx" {
		return r, ports.ErrRunInProgress
	}
	return r, err
}

func (db *DB) GetSite(ctx context.Context, siteID string) (domain.Site, error) {
	var s domain.Site
	err := db.Pool.QueryRow(ctx, `
		SELECT id, org_id, domain, classification, ruleset_version, status, created_at
		FROM sites WHERE id = $1
	`, siteID).Scan(&s.ID, &s.OrgID, &s.Domain, &s.Classification, &s.RulesetVersion, &s.Status, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, fmt.Errorf("site %s: %w", siteID, ports.ErrNotFound)
	}
	return s, err
}

func (db *DB) ListMonitoredURLs(ctx context.Context, siteID string) ([]domain.MonitoredURL, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, site_id, url, kind, created_at FROM monitored_urls
		WHERE site_id = $1 ORDER BY created_at, id
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.MonitoredURL
	for rows.Next() {
		var u domain.MonitoredURL
		if err := rows.Scan(&u.ID, &u.SiteID, &u.URL, &u.Kind, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

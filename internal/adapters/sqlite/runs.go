package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scriptguard/internal/domain"
	"scriptguard/internal/ports"
)

const runColumns = `id, site_id, mode, status, started_at, ended_at, error_code, error_message, created_at`

func scanRun(row rowScanner) (domain.ScanRun, error) {
	var (
		r              domain.ScanRun
		started, ended *string
		created        string
	)
	if err := row.Scan(&r.ID, &r.SiteID, &r.Mode, &r.Status, &started, &ended, &r.ErrorCode, &r.ErrorMessage, &created); err != nil {
		return r, err
	}
	var err error
	if r.StartedAt, err = parseTimePtr(started); err != nil {
		return r, fmt.Errorf("parse started_at: %w", err)
	}
	if r.EndedAt, err = parseTimePtr(ended); err != nil {
		return r, fmt.Errorf("parse ended_at: %w", err)
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, fmt.Errorf("parse created_at: %w", err)
	}
	return r, nil
}

func (db *DB) GetScanRun(ctx context.Context, runID string) (domain.ScanRun, error) {
	r, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM scan_runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("scan run %s: %w", runID, ports.ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("get scan run: %w", err)
	}
	return r, nil
}

func (db *DB) updated(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (db *DB) MarkRunRunning(ctx context.Context, runID string, at time.Time) (bool, error) {
	return db.updated(db.ExecContext(ctx, `
		UPDATE scan_runs SET status = 'running', started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN ('queued', 'running')`, fmtTime(at), runID))
}

func (db *DB) MarkRunSucceeded(ctx context.Context, runID string, at time.Time) (bool, error) {
	return db.updated(db.ExecContext(ctx, `
		UPDATE scan_runs SET status = 'success', ended_at = ?, error_code = NULL, error_message = NULL
		WHERE id = ? AND status IN ('queued', 'running')`, fmtTime(at), runID))
}

func (db *DB) MarkRunFailed(ctx context.Context, runID string, at time.Time, code, message string) (bool, error) {
	return db.updated(db.ExecContext(ctx, `
		UPDATE scan_runs SET status = 'failed', ended_at = ?, error_code = ?, error_message = ?
		WHERE id = ? AND status IN ('queued', 'running')`, fmtTime(at), code, message, runID))
}

// CreateScanRun inserts a queued run unless the site already has an active one.
func (db *DB) CreateScanRun(ctx context.Context, siteID string, mode domain.RunMode) (domain.ScanRun, error) {
	if _, err := db.GetSite(ctx, siteID); err != nil {
		return domain.ScanRun{}, err
	}
	run := domain.ScanRun{ID: uuid.NewString(), SiteID: siteID, Mode: mode, Status: domain.StatusQueued, CreatedAt: db.now()}
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var active bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM scan_runs WHERE site_id = ? AND status IN ('queued', 'running'))`,
			siteID).Scan(&active); err != nil {
			return err
		}
		if active {
			return ports.ErrRunInProgress
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO scan_runs (id, site_id, mode, status, created_at) VALUES (?, ?, ?, ?, ?)`,
			run.ID, run.SiteID, run.Mode, run.Status, fmtTime(run.CreatedAt))
		return err
	})
	if err != nil {
		if errors.Is(err, ports.ErrRunInProgress) {
			return domain.ScanRun{}, err
		}
		return domain.ScanRun{}, fmt.Errorf("create scan run: %w", err)
	}
	return run, nil
}

func (db *DB) GetSite(ctx context.Context, siteID string) (domain.Site, error) {
	var (
		s       domain.Site
		created string
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, org_id, domain, classification, ruleset_version, status, created_at
		FROM sites WHERE id = ?`, siteID,
	).Scan(&s.ID, &s.OrgID, &s.Domain, &s.Classification, &s.RulesetVersion, &s.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("site %s: %w", siteID, ports.ErrNotFound)
	}
	if err != nil {
		return s, fmt.Errorf("get site: %w", err)
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return s, fmt.Errorf("parse created_at: %w", err)
	}
	return s, nil
}

func (db *DB) ListMonitoredURLs(ctx context.Context, siteID string) ([]domain.MonitoredURL, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, site_id, url, kind, created_at FROM monitored_urls
		WHERE site_id = ? ORDER BY created_at, id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list monitored urls: %w", err)
	}
	defer rows.Close()

	var out []domain.MonitoredURL
	for rows.Next() {
		var (
			u       domain.MonitoredURL
			created string
		)
		if err := rows.Scan(&u.ID, &u.SiteID, &u.URL, &u.Kind, &created); err != nil {
			return nil, fmt.Errorf("scan monitored url: %w", err)
		}
		if u.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"scriptguard/internal/domain"
)

const scriptColumns = `id, site_id, src, inline_snippet_hash, integrity, first_seen_at, last_seen_at, status`

func scanScript(row rowScanner) (domain.Script, error) {
	var (
		s           domain.Script
		first, last string
	)
	if err := row.Scan(&s.ID, &s.SiteID, &s.Src, &s.InlineSnippetHash, &s.Integrity, &first, &last, &s.Status); err != nil {
		return s, err
	}
	var err error
	if s.FirstSeenAt, err = parseTime(first); err != nil {
		return s, fmt.Errorf("parse first_seen_at: %w", err)
	}
	if s.LastSeenAt, err = parseTime(last); err != nil {
		return s, fmt.Errorf("parse last_seen_at: %w", err)
	}
	return s, nil
}

func (db *DB) ListScripts(ctx context.Context, siteID string) ([]domain.Script, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+scriptColumns+` FROM scripts
		WHERE site_id = ? ORDER BY last_seen_at DESC, id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	var out []domain.Script
	for rows.Next() {
		s, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) LoadInventory(ctx context.Context, siteID string) (domain.Inventory, error) {
	scripts, err := db.ListScripts(ctx, siteID)
	if err != nil {
		return domain.Inventory{}, err
	}
	inv := domain.Inventory{Scripts: scripts, Latest: map[string]string{}}

	rows, err := db.QueryContext(ctx, `
		SELECT v.script_id, v.content_hash
		FROM script_versions v
		JOIN scripts s ON s.id = v.script_id
		WHERE s.site_id = ?
		ORDER BY v.script_id, v.fetched_at DESC, v.id DESC`, siteID)
	if err != nil {
		return domain.Inventory{}, fmt.Errorf("latest versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var scriptID, hash string
		if err := rows.Scan(&scriptID, &hash); err != nil {
			return domain.Inventory{}, fmt.Errorf("scan version: %w", err)
		}
		if _, seen := inv.Latest[scriptID]; !seen {
			inv.Latest[scriptID] = hash
		}
	}
	return inv, rows.Err()
}

func (db *DB) ApplyChange(ctx context.Context, c domain.InventoryChange) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		s := c.Script
		if c.Insert {
			if _, err := tx.ExecContext(ctx, `INSERT INTO scripts (`+scriptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				s.ID, s.SiteID, s.Src, s.InlineSnippetHash, s.Integrity,
				fmtTime(s.FirstSeenAt), fmtTime(s.LastSeenAt), s.Status); err != nil {
				return fmt.Errorf("insert script: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE scripts SET integrity = ?, last_seen_at = ?, status = ? WHERE id = ?`,
				s.Integrity, fmtTime(s.LastSeenAt), s.Status, s.ID); err != nil {
				return fmt.Errorf("update script: %w", err)
			}
		}
		if v := c.Version; v != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO script_versions (id, script_id, run_id, content_hash, size_bytes, fetched_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				v.ID, v.ScriptID, v.RunID, v.ContentHash, v.SizeBytes, fmtTime(v.FetchedAt)); err != nil {
				return fmt.Errorf("insert script version: %w", err)
			}
		}
		for _, e := range c.Events {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO diff_events (id, site_id, run_id, type, severity, script_id, summary, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID, e.SiteID, e.RunID, e.Type, e.Severity, e.ScriptID, e.Summary, fmtTime(e.CreatedAt)); err != nil {
				return fmt.Errorf("insert diff event: %w", err)
			}
		}
		return nil
	})
}

package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"scriptguard/internal/domain"
)

const scriptColumns = `id, site_id, src, inline_snippet_hash, integrity, first_seen_at, last_seen_at, status`

func scanScript(row rowScanner) (domain.Script, error) {
	var s domain.Script
	err := row.Scan(&s.ID, &s.SiteID, &s.Src, &s.InlineSnippetHash, &s.Integrity, &s.FirstSeenAt, &s.LastSeenAt, &s.Status)
	return s, err
}

func (db *DB) queryScripts(ctx context.Context, siteID string) ([]domain.Script, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+scriptColumns+` FROM scripts
		WHERE site_id = $1 ORDER BY last_seen_at DESC, id
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Script
	for rows.Next() {
		s, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LoadInventory returns every script of the site with the content hash of its
// most recent version.
func (db *DB) LoadInventory(ctx context.Context, siteID string) (domain.Inventory, error) {
	scripts, err := db.queryScripts(ctx, siteID)
	if err != nil {
		return domain.Inventory{}, err
	}
	inv := domain.Inventory{Scripts: scripts, Latest: map[string]string{}}

	rows, err := db.Pool.Query(ctx, `
		SELECT DISTINCT ON (v.script_id) v.script_id, v.content_hash
		FROM script_versions v
		JOIN scripts s ON s.id = v.script_id
		WHERE s.site_id = $1
		ORDER BY v.script_id, v.fetched_at DESC, v.id DESC
	`, siteID)
	if err != nil {
		return domain.Inventory{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var scriptID, hash string
		if err := rows.Scan(&scriptID, &hash); err != nil {
			return domain.Inventory{}, err
		}
		inv.Latest[scriptID] = hash
	}
	return inv, rows.Err()
}

// ApplyChange writes the script row, its version and its events in one transaction.
func (db *DB) ApplyChange(ctx context.Context, c domain.InventoryChange) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		s := c.Script
		if c.Insert {
			if _, err := tx.Exec(ctx, `
				INSERT INTO scripts (`+scriptColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, s.ID, s.SiteID, s.Src, s.InlineSnippetHash, s.Integrity, s.FirstSeenAt, s.LastSeenAt, s.Status); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(ctx, `
				UPDATE scripts SET integrity = $2, last_seen_at = $3, status = $4 WHERE id = $1
			`, s.ID, s.Integrity, s.LastSeenAt, s.Status); err != nil {
				return err
			}
		}
		if v := c.Version; v != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO script_versions (id, script_id, run_id, content_hash, size_bytes, fetched_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, v.ID, v.ScriptID, v.RunID, v.ContentHash, v.SizeBytes, v.FetchedAt); err != nil {
				return err
			}
		}
		for _, e := range c.Events {
			if _, err := tx.Exec(ctx, `
				INSERT INTO diff_events (id, site_id, run_id, type, severity, script_id, summary, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, e.ID, e.SiteID, e.RunID, e.Type, e.Severity, e.ScriptID, e.Summary, e.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

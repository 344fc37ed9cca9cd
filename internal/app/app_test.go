package app

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scriptguard/internal/config"
	"scriptguard/internal/domain"
	"scriptguard/internal/ports"
	"scriptguard/internal/services/evidence"
)

const page = `<!doctype html><html><head>
<script src="/static/app.js"></script>
<script>window.dataLayer = [];</script>
</head><body>checkout</body></html>`

func TestScanThenPackOverSQLite(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/static/app.js" {
			io.WriteString(w, "console.log('app')")
			return
		}
		io.WriteString(w, page)
	}))
	defer site.Close()

	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "app.db"))
	t.Setenv("RENDERER", "http")
	t.Setenv("STORAGE_ROOT", filepath.Join(dir, "packs"))
	t.Setenv("PACK_SIGNING_KEY", "")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Scan.NavigationTimeout = 5 * time.Second
	cfg.Scan.FetchTimeout = 5 * time.Second

	ctx := context.Background()
	a, err := New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	db := a.Store.(interface {
		ExecContext(context.Context, string, ...any) (sql.Result, error)
	})
	created := time.Now().UTC().Add(-time.Hour).Format("2006-01-02T15:04:05.000000000Z")
	mustExec(t, db, `INSERT INTO sites (id, org_id, domain, created_at) VALUES ('site-1', 'org-1', 'shop.example', ?)`, created)
	mustExec(t, db, `INSERT INTO monitored_urls (id, site_id, url, kind, created_at) VALUES ('u1', 'site-1', ?, 'checkout', ?)`, site.URL+"/checkout", created)

	run, err := a.Store.CreateScanRun(ctx, "site-1", domain.ModeQuick)
	if err != nil {
		t.Fatalf("CreateScanRun: %v", err)
	}
	if _, err := a.Store.Enqueue(ctx, ports.TaskScanRun, run.ID, 3); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := a.Runner.ProcessInline(ctx, ports.TaskScanRun, run.ID); err != nil {
		t.Fatalf("ProcessInline scan: %v", err)
	}
	run, err = a.Store.GetScanRun(ctx, run.ID)
	if err != nil || run.Status != domain.StatusSuccess {
		t.Fatalf("run = %+v, err = %v", run, err)
	}
	scripts, err := a.Store.ListScripts(ctx, "site-1")
	if err != nil || len(scripts) != 2 {
		t.Fatalf("scripts = %d, err = %v", len(scripts), err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	mustExec(t, db, `INSERT INTO evidence_packs (id, site_id, from_date, to_date, created_at) VALUES ('pack-1', 'site-1', ?, ?, ?)`, today, today, created)
	if err := a.Runner.ProcessInline(ctx, ports.TaskEvidencePack, "pack-1"); err != nil {
		t.Fatalf("ProcessInline pack: %v", err)
	}
	pack, err := a.Store.GetEvidencePack(ctx, "pack-1")
	if err != nil || pack.Status != domain.StatusSuccess || pack.FileURL == nil {
		t.Fatalf("pack = %+v, err = %v", pack, err)
	}

	archive, err := os.ReadFile(filepath.Join(cfg.Evidence.StorageRoot, *pack.FileURL))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	res, err := evidence.Verify(archive, nil)
	if err != nil || !res.OK() {
		t.Fatalf("verify = %+v, err = %v", res, err)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Driver: "oracle"}}
	if _, err := New(context.Background(), cfg, slog.Default(), nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func mustExec(t *testing.T, db interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, query string, args ...any) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec: %v", err)
	}
}

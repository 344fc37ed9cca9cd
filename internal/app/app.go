package app

import (
	"context"
	"fmt"
	"log/slog"

	"scriptguard/internal/adapters/postgres"
	"scriptguard/internal/adapters/render"
	"scriptguard/internal/adapters/sqlite"
	"scriptguard/internal/adapters/storage"
	"scriptguard/internal/config"
	"scriptguard/internal/ports"
	"scriptguard/internal/services/evidence"
	"scriptguard/internal/services/extractor"
	"scriptguard/internal/services/reconciler"
	"scriptguard/internal/services/scanner"
	"scriptguard/internal/workers/taskrunner"
)

// Store is implemented by both the postgres and the sqlite adapter.
type Store interface {
	ports.ScanStore
	ports.EvidenceStore
	ports.TaskQueue
	ports.RunRegistry
}

// App holds the wired engine shared by the server and the CLI.
type App struct {
	Store  Store
	Scan   *scanner.Job
	Packs  *evidence.Assembler
	Runner *taskrunner.Runner
	Signer *evidence.Signer

	closeStore func()
}

// New opens the configured store and wires the scan job, the pack assembler
// and the task runner. notifier may be nil.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, notifier ports.Notifier) (*App, error) {
	if notifier == nil {
		notifier = ports.NopNotifier{}
	}
	a := &App{}

	switch cfg.Database.Driver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		a.Store, a.closeStore = db, db.Close
	case "sqlite":
		db, err := sqlite.Open(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.Store, a.closeStore = db, func() { db.Close() }
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	content, err := storage.NewFS(cfg.Evidence.StorageRoot)
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Evidence.SigningKey != "" {
		if a.Signer, err = evidence.NewSignerFromSeed(cfg.Evidence.SigningKey); err != nil {
			a.Close()
			return nil, err
		}
	}

	var renderer ports.Renderer
	if cfg.Scan.Renderer == "http" {
		renderer = render.NewHTTP(cfg.Scan.UserAgent, cfg.Scan.NavigationTimeout)
	} else {
		if cfg.Scan.InstallBrowsers {
			if err := render.InstallPlaywright(); err != nil {
				logger.Warn("playwright install failed; scans will report PLAYWRIGHT_NOT_INSTALLED", "error", err)
			}
		}
		renderer = &render.Playwright{UserAgent: cfg.Scan.UserAgent, DefaultTimeout: cfg.Scan.NavigationTimeout}
	}

	a.Scan = scanner.New(a.Store, renderer,
		extractor.New(cfg.Scan.NavigationTimeout, cfg.Scan.FetchTimeout, logger),
		scanner.WithLogger(logger),
		scanner.WithNotifier(notifier),
		scanner.WithReconcileOptions(reconciler.Options{EmitReaddEvents: cfg.Reconcile.EmitReaddEvents}),
	)
	a.Packs = evidence.New(a.Store, content, evidence.WithSigner(a.Signer), evidence.WithLogger(logger))

	a.Runner = taskrunner.New(a.Store, logger, cfg.Workers.RetryBackoff)
	a.Runner.Handle(ports.TaskScanRun, taskrunner.JobHandler[scanner.ScanInput, scanner.ScanOutput](a.Scan,
		func(ref string) scanner.ScanInput { return scanner.ScanInput{RunID: ref} }))
	a.Runner.Handle(ports.TaskEvidencePack, taskrunner.JobHandler[evidence.PackInput, evidence.PackOutput](a.Packs,
		func(ref string) evidence.PackInput { return evidence.PackInput{EvidenceID: ref} }))
	return a, nil
}

func (a *App) Close() {
	if a.closeStore != nil {
		a.closeStore()
	}
}

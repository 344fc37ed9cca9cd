package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scriptguard/internal/domain"
	"scriptguard/internal/ports"
	"scriptguard/internal/services/extractor"
	"scriptguard/internal/services/reconciler"
)

type ScanInput struct {
	RunID string
}

type ScanOutput struct {
	RunID        string
	SiteID       string
	Status       domain.Status
	Skipped      bool
	Reason       string
	Targets      int
	Observations int
	ThirdParty   int
	Stats        reconciler.Stats
}

// Job drives one scan run from queued to a terminal status.
type Job struct {
	store     ports.ScanStore
	renderer  ports.Renderer
	extractor *extractor.Extractor
	notifier  ports.Notifier
	logger    *slog.Logger
	now       func() time.Time
	reconcile reconciler.Options
}

var _ ports.Job[ScanInput, ScanOutput] = (*Job)(nil)

type Option func(*Job)

func WithNotifier(n ports.Notifier) Option { return func(j *Job) { j.notifier = n } }
func WithLogger(l *slog.Logger) Option     { return func(j *Job) { j.logger = l } }
func WithClock(now func() time.Time) Option {
	return func(j *Job) { j.now = now }
}
func WithReconcileOptions(o reconciler.Options) Option {
	return func(j *Job) { j.reconcile = o }
}

func New(store ports.ScanStore, renderer ports.Renderer, ext *extractor.Extractor, opts ...Option) *Job {
	j := &Job{
		store:     store,
		renderer:  renderer,
		extractor: ext,
		notifier:  ports.NopNotifier{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		reconcile: reconciler.Options{EmitReaddEvents: true},
	}
	for _, o := range opts {
		o(j)
	}
	if j.extractor == nil {
		j.extractor = extractor.New(60*time.Second, 60*time.Second, j.logger)
	}
	return j
}

// Execute processes the run. Runs already in a terminal status are skipped
// without side effects. Every failure after that point is recorded on the run
// before it is returned as a *RunError.
func (j *Job) Execute(ctx context.Context, in ScanInput) (out ScanOutput, err error) {
	run, err := j.store.GetScanRun(ctx, in.RunID)
	if err != nil {
		return out, fmt.Errorf("load scan run %s: %w", in.RunID, err)
	}
	out.RunID, out.SiteID, out.Status = run.ID, run.SiteID, run.Status
	if !run.Status.Active() {
		out.Skipped = true
		out.Reason = "status=" + string(run.Status)
		j.logger.Info("scan run skipped", "run_id", run.ID, "status", run.Status)
		return out, nil
	}

	log := j.logger.With("run_id", run.ID, "site_id", run.SiteID, "mode", run.Mode)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			out.Status = domain.StatusFailed
			err = j.fail(ctx, log, run, err)
		}
	}()

	ok, err := j.store.MarkRunRunning(ctx, run.ID, j.now())
	if err != nil {
		return out, fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		out.Skipped = true
		out.Reason = "settled concurrently"
		return out, nil
	}
	out.Status = domain.StatusRunning
	j.publishStatus(ctx, run, domain.StatusRunning)
	log.Info("scan run started")

	targets, err := j.targets(ctx, run)
	if err != nil {
		return out, err
	}
	out.Targets = len(targets)

	obs, err := j.crawl(ctx, log, targets)
	if err != nil {
		return out, err
	}
	out.Observations = len(obs)
	out.ThirdParty = countThirdParty(obs)

	inv, err := j.store.LoadInventory(ctx, run.SiteID)
	if err != nil {
		return out, fmt.Errorf("load inventory: %w", err)
	}
	plan := reconciler.Reconcile(inv, obs, run.SiteID, run.ID, j.now(), j.reconcile)
	for _, c := range plan.Changes {
		if err := j.store.ApplyChange(ctx, c); err != nil {
			return out, fmt.Errorf("apply change for script %s: %w", c.Script.ID, err)
		}
		for i := range c.Events {
			j.notifier.Publish(ctx, ports.RunEvent{
				RunID: run.ID, SiteID: run.SiteID, Kind: "diff",
				Status: domain.StatusRunning, Diff: &c.Events[i], At: c.Events[i].CreatedAt,
			})
		}
	}
	out.Stats = plan.Stats

	ok, err = j.store.MarkRunSucceeded(ctx, run.ID, j.now())
	if err != nil {
		return out, fmt.Errorf("mark success: %w", err)
	}
	if !ok {
		log.Warn("scan run settled by another worker before success was recorded")
		return out, nil
	}
	out.Status = domain.StatusSuccess
	j.publishStatus(ctx, run, domain.StatusSuccess)
	log.Info("scan run succeeded",
		"targets", out.Targets, "observations", out.Observations, "third_party", out.ThirdParty,
		"adds", plan.Stats.Adds, "readds", plan.Stats.Readds,
		"changes", plan.Stats.Changes, "removes", plan.Stats.Removes)
	return out, nil
}

func (j *Job) targets(ctx context.Context, run domain.ScanRun) ([]string, error) {
	if _, err := j.store.GetSite(ctx, run.SiteID); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, fmt.Errorf("site %s: %w", run.SiteID, extractor.ErrNoTargets)
		}
		return nil, fmt.Errorf("load site: %w", err)
	}
	urls, err := j.store.ListMonitoredURLs(ctx, run.SiteID)
	if err != nil {
		return nil, fmt.Errorf("list monitored urls: %w", err)
	}
	return extractor.Targets(run.Mode, urls)
}

// crawl visits targets sequentially on a single render session. The session
// is closed exactly once on every exit path.
func (j *Job) crawl(ctx context.Context, log *slog.Logger, targets []string) ([]domain.Observation, error) {
	session, err := j.renderer.Open(ctx)
	if session != nil {
		defer func() {
			if cerr := session.Close(); cerr != nil {
				log.Warn("close render session", "error", cerr)
			}
		}()
	}
	if err != nil {
		return nil, fmt.Errorf("open render session: %w", err)
	}

	var obs []domain.Observation
	for _, target := range targets {
		found, err := j.extractor.Extract(ctx, session, target)
		if err != nil {
			return nil, err
		}
		log.Debug("target extracted", "url", target, "scripts", len(found))
		obs = append(obs, found...)
	}
	return obs, nil
}

// fail records the terminal failure with a context detached from ctx so a
// cancelled invocation still settles the run.
func (j *Job) fail(ctx context.Context, log *slog.Logger, run domain.ScanRun, cause error) error {
	code := Classify(cause)
	runErr := &RunError{RunID: run.ID, Code: code, Err: cause}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := j.store.MarkRunFailed(rctx, run.ID, j.now(), code, truncate(cause.Error(), MaxErrorMessage)); err != nil {
		log.Error("record scan failure", "error_code", code, "error", err)
		return errors.Join(runErr, fmt.Errorf("record failure: %w", err))
	}
	j.publishStatus(rctx, run, domain.StatusFailed)
	log.Error("scan run failed", "error_code", code, "error", cause)
	return runErr
}

func (j *Job) publishStatus(ctx context.Context, run domain.ScanRun, status domain.Status) {
	j.notifier.Publish(ctx, ports.RunEvent{RunID: run.ID, SiteID: run.SiteID, Kind: "status", Status: status, At: j.now()})
}

func countThirdParty(obs []domain.Observation) int {
	seen := map[string]struct{}{}
	for _, o := range obs {
		if o.ThirdParty {
			seen[o.Key()] = struct{}{}
		}
	}
	return len(seen)
}

package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"scriptguard/internal/domain"
	"scriptguard/internal/ports"
)

const dateLayout = "2006-01-02"

type PackInput struct {
	EvidenceID string
}

type PackOutput struct {
	EvidenceID string
	SiteID     string
	Status     domain.Status
	Skipped    bool
	Path       string
	Manifest   Manifest
}

// Assembler builds and stores the evidence archive for one pack row.
type Assembler struct {
	store   ports.EvidenceStore
	content ports.ContentStore
	signer  *Signer
	logger  *slog.Logger
	now     func() time.Time
	backoff func() retry.Backoff
}

var _ ports.Job[PackInput, PackOutput] = (*Assembler)(nil)

type Option func(*Assembler)

func WithSigner(s *Signer) Option      { return func(a *Assembler) { a.signer = s } }
func WithLogger(l *slog.Logger) Option { return func(a *Assembler) { a.logger = l } }
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithUploadBackoff replaces the retry policy used for content uploads.
func WithUploadBackoff(b func() retry.Backoff) Option {
	return func(a *Assembler) { a.backoff = b }
}

func New(store ports.EvidenceStore, content ports.ContentStore, opts ...Option) *Assembler {
	a := &Assembler{
		store:   store,
		content: content,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewExponential(250*time.Millisecond))
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Window converts inclusive calendar dates into the half-open UTC interval
// [from 00:00, to+1 00:00).
func Window(fromDate, toDate string) (time.Time, time.Time, error) {
	from, err := time.ParseInLocation(dateLayout, fromDate, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse from_date %q: %w", fromDate, err)
	}
	to, err := time.ParseInLocation(dateLayout, toDate, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse to_date %q: %w", toDate, err)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to_date %s is before from_date %s", toDate, fromDate)
	}
	return from, to.AddDate(0, 0, 1), nil
}

func (a *Assembler) Execute(ctx context.Context, in PackInput) (out PackOutput, err error) {
	pack, err := a.store.GetEvidencePack(ctx, in.EvidenceID)
	if err != nil {
		return out, fmt.Errorf("load evidence pack %s: %w", in.EvidenceID, err)
	}
	out.EvidenceID, out.SiteID, out.Status = pack.ID, pack.SiteID, pack.Status
	if !pack.Status.Active() {
		out.Skipped = true
		a.logger.Info("evidence pack skipped", "evidence_id", pack.ID, "status", pack.Status)
		return out, nil
	}

	log := a.logger.With("evidence_id", pack.ID, "site_id", pack.SiteID)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			out.Status = domain.StatusFailed
			out.Path = ""
			err = a.fail(ctx, log, pack.ID, err)
		}
	}()

	ok, err := a.store.MarkPackRunning(ctx, pack.ID)
	if err != nil {
		return out, fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		out.Skipped = true
		return out, nil
	}
	out.Status = domain.StatusRunning

	site, err := a.store.GetSite(ctx, pack.SiteID)
	if err != nil {
		return out, fmt.Errorf("load site: %w", err)
	}
	from, to, err := Window(pack.FromDate, pack.ToDate)
	if err != nil {
		return out, err
	}
	scripts, err := a.store.ListScripts(ctx, site.ID)
	if err != nil {
		return out, fmt.Errorf("list scripts: %w", err)
	}
	diffs, err := a.store.ListDiffEvents(ctx, site.ID, from, to)
	if err != nil {
		return out, fmt.Errorf("list diff events: %w", err)
	}
	runs, err := a.store.ListScanRuns(ctx, site.ID, from, to)
	if err != nil {
		return out, fmt.Errorf("list scan runs: %w", err)
	}

	bundle, err := Build(BuildInput{
		Site: site, Pack: pack,
		Scripts: scripts, Diffs: diffs, Runs: runs,
		GeneratedAt: a.now(), Signer: a.signer,
	})
	if err != nil {
		return out, err
	}

	path := PackPath(site.OrgID, site.ID, pack.ID)
	if err := a.upload(ctx, path, bundle.Archive); err != nil {
		return out, err
	}

	ok, err = a.store.MarkPackSucceeded(ctx, pack.ID, path)
	if err != nil {
		return out, fmt.Errorf("mark success: %w", err)
	}
	if !ok {
		log.Warn("evidence pack settled by another worker before success was recorded")
		return out, nil
	}
	out.Status = domain.StatusSuccess
	out.Path = path
	out.Manifest = bundle.Manifest
	log.Info("evidence pack stored", "path", path, "bytes", len(bundle.Archive),
		"scripts", len(scripts), "diffs", len(diffs), "runs", len(runs), "signed", a.signer != nil)
	return out, nil
}

func (a *Assembler) upload(ctx context.Context, path string, data []byte) error {
	err := retry.Do(ctx, a.backoff(), func(ctx context.Context) error {
		if err := a.content.Put(ctx, path, data, "application/zip"); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

func (a *Assembler) fail(ctx context.Context, log *slog.Logger, packID string, cause error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := a.store.MarkPackFailed(rctx, packID); err != nil {
		log.Error("record evidence pack failure", "error", err)
		return errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}
	log.Error("evidence pack failed", "error", cause)
	return cause
}

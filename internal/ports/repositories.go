package ports

import (
	"context"
	"errors"
	"time"

	"scriptguard/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrRunInProgress = errors.New("scan already in progress")
)

// ScanStore is everything the scan state machine reads and writes.
// Mark* transitions are conditional on the current status so a terminal row
// is never moved again; they report whether a row was updated.
type ScanStore interface {
	GetScanRun(ctx context.Context, runID string) (domain.ScanRun, error)
	MarkRunRunning(ctx context.Context, runID string, at time.Time) (bool, error)
	MarkRunSucceeded(ctx context.Context, runID string, at time.Time) (bool, error)
	MarkRunFailed(ctx context.Context, runID string, at time.Time, code, message string) (bool, error)

	GetSite(ctx context.Context, siteID string) (domain.Site, error)
	ListMonitoredURLs(ctx context.Context, siteID string) ([]domain.MonitoredURL, error)

	LoadInventory(ctx context.Context, siteID string) (domain.Inventory, error)
	// ApplyChange persists one script row with its version and event atomically.
	ApplyChange(ctx context.Context, change domain.InventoryChange) error
}

// EvidenceStore is everything the evidence pack assembler reads and writes.
type EvidenceStore interface {
	GetEvidencePack(ctx context.Context, packID string) (domain.EvidencePack, error)
	MarkPackRunning(ctx context.Context, packID string) (bool, error)
	MarkPackSucceeded(ctx context.Context, packID string, fileURL string) (bool, error)
	MarkPackFailed(ctx context.Context, packID string) (bool, error)

	GetSite(ctx context.Context, siteID string) (domain.Site, error)
	ListScripts(ctx context.Context, siteID string) ([]domain.Script, error)
	// ListDiffEvents and ListScanRuns return rows with from <= created_at < to.
	ListDiffEvents(ctx context.Context, siteID string, from, to time.Time) ([]domain.DiffEvent, error)
	ListScanRuns(ctx context.Context, siteID string, from, to time.Time) ([]domain.ScanRun, error)
}

// RunRegistry creates queued runs on behalf of the API layer.
type RunRegistry interface {
	// CreateScanRun returns ErrRunInProgress when the site already has a queued or running run.
	CreateScanRun(ctx context.Context, siteID string, mode domain.RunMode) (domain.ScanRun, error)
}

package ports

import (
	"context"
	"time"

	"scriptguard/internal/domain"
)

// ContentStore holds evidence archives by storage path.
type ContentStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
}

type RunEvent struct {
	RunID  string
	SiteID string
	Kind   string // status|diff
	Status domain.Status
	Diff   *domain.DiffEvent
	At     time.Time
}

// Notifier receives run lifecycle and diff events.
type Notifier interface {
	Publish(ctx context.Context, ev RunEvent)
}

type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, RunEvent) {}

// Package reconciler diffs a run's script observations against a site's
// inventory snapshot and produces the rows to persist.
//
// Reconcile is pure: the snapshot is read once before the pass and every
// derived write is returned in the Plan. Two runs reconciling the same site
// concurrently can double count events; per-key optimistic locking in the
// store would be needed to rule that out.
package reconciler

import (
	"time"

	"github.com/google/uuid"

	"scriptguard/internal/domain"
)

type Options struct {
	// EmitReaddEvents records an add event when a removed script is observed again.
	EmitReaddEvents bool
	// NewID mints row identifiers. Defaults to random UUIDs.
	NewID func() string
}

type Stats struct {
	Observed int
	Adds     int
	Readds   int
	Changes  int
	Removes  int
	Versions int
}

type Plan struct {
	Changes []domain.InventoryChange
	Stats   Stats
}

// Events flattens the plan's diff events in application order.
func (p Plan) Events() []domain.DiffEvent {
	var out []domain.DiffEvent
	for _, c := range p.Changes {
		out = append(out, c.Events...)
	}
	return out
}

type reconciler struct {
	siteID string
	runID  string
	now    time.Time
	opts   Options
}

func Reconcile(inv domain.Inventory, obs []domain.Observation, siteID, runID string, now time.Time, opts Options) Plan {
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	r := reconciler{siteID: siteID, runID: runID, now: now.UTC(), opts: opts}

	byKey := indexInventory(inv.Scripts)
	merged := mergeObservations(obs)

	var plan Plan
	seen := make(map[string]struct{}, len(merged))
	for _, o := range merged {
		key := o.Key()
		seen[key] = struct{}{}
		plan.Stats.Observed++

		existing, ok := byKey[key]
		if !ok {
			plan.add(r.insert(o))
			continue
		}
		prev, hadVersion := inv.Latest[existing.ID]
		plan.add(r.update(existing, o, prev, hadVersion))
	}

	for _, s := range inv.Scripts {
		if s.Status != domain.ScriptActive {
			continue
		}
		key := s.Key()
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		plan.add(r.remove(s))
	}
	return plan
}

func (p *Plan) add(c domain.InventoryChange) {
	p.Changes = append(p.Changes, c)
	if c.Version != nil {
		p.Stats.Versions++
	}
	for _, ev := range c.Events {
		switch {
		case ev.Type == domain.DiffAdd && c.Insert:
			p.Stats.Adds++
		case ev.Type == domain.DiffAdd:
			p.Stats.Readds++
		case ev.Type == domain.DiffChange:
			p.Stats.Changes++
		case ev.Type == domain.DiffRemove:
			p.Stats.Removes++
		}
	}
}

func (r reconciler) insert(o domain.Observation) domain.InventoryChange {
	s := domain.Script{
		ID:                r.opts.NewID(),
		SiteID:            r.siteID,
		Src:               o.Src,
		InlineSnippetHash: o.InlineHash,
		Integrity:         o.Integrity,
		FirstSeenAt:       r.now,
		LastSeenAt:        r.now,
		Status:            domain.ScriptActive,
	}
	c := domain.InventoryChange{Script: s, Insert: true}
	c.Events = append(c.Events, r.event(s, domain.DiffAdd, domain.SeverityMed, addSummary(s)))
	if o.ContentHash != nil {
		c.Version = r.version(s, o)
	}
	return c
}

func (r reconciler) update(s domain.Script, o domain.Observation, prev string, hadVersion bool) domain.InventoryChange {
	readded := s.Status == domain.ScriptRemoved
	s.LastSeenAt = r.now
	s.Status = domain.ScriptActive
	s.Integrity = o.Integrity

	c := domain.InventoryChange{Script: s}
	if readded && r.opts.EmitReaddEvents {
		c.Events = append(c.Events, r.event(s, domain.DiffAdd, domain.SeverityMed, readdSummary(s)))
	}
	if o.ContentHash != nil && (!hadVersion || prev != *o.ContentHash) {
		c.Version = r.version(s, o)
		if hadVersion {
			c.Events = append(c.Events, r.event(s, domain.DiffChange, domain.SeverityHigh, changeSummary(s)))
		}
	}
	return c
}

func (r reconciler) remove(s domain.Script) domain.InventoryChange {
	s.Status = domain.ScriptRemoved
	s.LastSeenAt = r.now
	return domain.InventoryChange{
		Script: s,
		Events: []domain.DiffEvent{r.event(s, domain.DiffRemove, domain.SeverityMed, removeSummary(s))},
	}
}

func (r reconciler) version(s domain.Script, o domain.Observation) *domain.ScriptVersion {
	return &domain.ScriptVersion{
		ID:          r.opts.NewID(),
		ScriptID:    s.ID,
		RunID:       r.runID,
		ContentHash: *o.ContentHash,
		SizeBytes:   o.SizeBytes,
		FetchedAt:   r.now,
	}
}

func (r reconciler) event(s domain.Script, typ domain.DiffType, sev domain.Severity, summary string) domain.DiffEvent {
	return domain.DiffEvent{
		ID:        r.opts.NewID(),
		SiteID:    r.siteID,
		RunID:     r.runID,
		Type:      typ,
		Severity:  sev,
		ScriptID:  domain.Ptr(s.ID),
		Summary:   summary,
		CreatedAt: r.now,
	}
}

// indexInventory keys the snapshot. If a key maps to several rows the active
// one wins.
func indexInventory(scripts []domain.Script) map[string]domain.Script {
	out := make(map[string]domain.Script, len(scripts))
	for _, s := range scripts {
		key := s.Key()
		if key == "" {
			continue
		}
		cur, ok := out[key]
		if !ok || (cur.Status != domain.ScriptActive && s.Status == domain.ScriptActive) {
			out[key] = s
		}
	}
	return out
}

// mergeObservations collapses repeated keys (the same script on several pages)
// keeping first-seen order and identity, and the first content hash obtained.
func mergeObservations(obs []domain.Observation) []domain.Observation {
	idx := make(map[string]int, len(obs))
	out := make([]domain.Observation, 0, len(obs))
	for _, o := range obs {
		key := o.Key()
		if key == "" {
			continue
		}
		i, ok := idx[key]
		if !ok {
			idx[key] = len(out)
			out = append(out, o)
			continue
		}
		if out[i].ContentHash == nil && o.ContentHash != nil {
			out[i].ContentHash = o.ContentHash
			out[i].SizeBytes = o.SizeBytes
		}
	}
	return out
}

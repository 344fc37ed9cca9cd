package domain

import "time"

// Core domain models shared by the engine, the stores and the HTTP surface.
// Rows are owned by the registry (sites, urls, queued runs and packs) or by
// this engine (everything it writes after a run or pack leaves queued).

type RunMode string

const (
	ModeQuick RunMode = "quick"
	ModeFull  RunMode = "full"
)

// Status is shared by ScanRun and EvidencePack.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Active reports whether a job may (re)enter processing.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

type ScriptStatus string

const (
	ScriptActive  ScriptStatus = "active"
	ScriptRemoved ScriptStatus = "removed"
)

type DiffType string

const (
	DiffAdd    DiffType = "add"
	DiffRemove DiffType = "remove"
	DiffChange DiffType = "change"
)

type Severity string

const (
	SeverityLow  Severity = "low"
	SeverityMed  Severity = "med"
	SeverityHigh Severity = "high"
)

type URLKind string

const (
	URLCheckout URLKind = "checkout"
	URLCart     URLKind = "cart"
	URLOther    URLKind = "other"
)

type Site struct {
	ID             string
	OrgID          string
	Domain         string
	Classification *string
	RulesetVersion string
	Status         string
	CreatedAt      time.Time
}

type MonitoredURL struct {
	ID        string
	SiteID    string
	URL       string
	Kind      URLKind
	CreatedAt time.Time
}

type ScanRun struct {
	ID           string
	SiteID       string
	Mode         RunMode
	Status       Status
	StartedAt    *time.Time
	EndedAt      *time.Time
	ErrorCode    *string
	ErrorMessage *string
	CreatedAt    time.Time
}

type Script struct {
	ID                string
	SiteID            string
	Src               *string
	InlineSnippetHash *string
	Integrity         *string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
	Status            ScriptStatus
}

// Key is the inventory identity of the script within its site.
func (s Script) Key() string {
	if s.Src != nil && *s.Src != "" {
		return SrcKey(*s.Src)
	}
	if s.InlineSnippetHash != nil {
		return InlineKey(*s.InlineSnippetHash)
	}
	return ""
}

func SrcKey(absURL string) string  { return "src:" + absURL }
func InlineKey(hash string) string { return "inl:" + hash }

type ScriptVersion struct {
	ID          string
	ScriptID    string
	RunID       string
	ContentHash string
	SizeBytes   *int64
	FetchedAt   time.Time
}

type DiffEvent struct {
	ID        string
	SiteID    string
	RunID     string
	Type      DiffType
	Severity  Severity
	ScriptID  *string
	Summary   string
	CreatedAt time.Time
}

type EvidencePack struct {
	ID        string
	SiteID    string
	FromDate  string // YYYY-MM-DD
	ToDate    string // YYYY-MM-DD
	Status    Status
	FileURL   *string
	CreatedAt time.Time
}

// Observation is one script seen on one rendered page.
// Exactly one of Src and InlineHash is set.
type Observation struct {
	PageURL     string
	Src         *string
	InlineHash  *string
	Integrity   *string
	ContentHash *string
	SizeBytes   *int64
	ThirdParty  bool
}

func (o Observation) Key() string {
	if o.Src != nil {
		return SrcKey(*o.Src)
	}
	if o.InlineHash != nil {
		return InlineKey(*o.InlineHash)
	}
	return ""
}

// Ptr returns a pointer to v; handy for the many nullable columns.
func Ptr[T any](v T) *T { return &v }

// Inventory is a point-in-time snapshot of a site's scripts together with
// the content hash of each script's most recent version.
type Inventory struct {
	Scripts []Script
	Latest  map[string]string // script id -> content hash
}

// InventoryChange is the unit of persistence produced by reconciliation:
// one script row (inserted or updated) plus its optional version and events.
type InventoryChange struct {
	Script  Script
	Insert  bool
	Version *ScriptVersion
	Events  []DiffEvent
}

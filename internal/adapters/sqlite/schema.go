package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS sites (
    id TEXT PRIMARY KEY,
    org_id TEXT NOT NULL,
    domain TEXT NOT NULL,
    classification TEXT,
    ruleset_version TEXT NOT NULL DEFAULT 'v1',
    status TEXT NOT NULL DEFAULT 'active',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS monitored_urls (
    id TEXT PRIMARY KEY,
    site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    url TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'other',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS monitored_urls_site_idx ON monitored_urls (site_id, created_at);

CREATE TABLE IF NOT EXISTS scan_runs (
    id TEXT PRIMARY KEY,
    site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    mode TEXT NOT NULL DEFAULT 'quick',
    status TEXT NOT NULL DEFAULT 'queued',
    started_at TEXT,
    ended_at TEXT,
    error_code TEXT,
    error_message TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS scan_runs_site_created_idx ON scan_runs (site_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS scan_runs_one_active_idx ON scan_runs (site_id) WHERE status IN ('queued', 'running');

CREATE TABLE IF NOT EXISTS scripts (
    id TEXT PRIMARY KEY,
    site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    src TEXT,
    inline_snippet_hash TEXT,
    integrity TEXT,
    first_seen_at TEXT NOT NULL,
    last_seen_at TEXT NOT NULL,
    status TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS scripts_site_src_idx ON scripts (site_id, src) WHERE src IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS scripts_site_inline_idx ON scripts (site_id, inline_snippet_hash) WHERE inline_snippet_hash IS NOT NULL;

CREATE TABLE IF NOT EXISTS script_versions (
    id TEXT PRIMARY KEY,
    script_id TEXT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
    run_id TEXT NOT NULL REFERENCES scan_runs(id) ON DELETE CASCADE,
    content_hash TEXT NOT NULL,
    size_bytes INTEGER,
    fetched_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS script_versions_latest_idx ON script_versions (script_id, fetched_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS diff_events (
    id TEXT PRIMARY KEY,
    site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    run_id TEXT NOT NULL REFERENCES scan_runs(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    script_id TEXT REFERENCES scripts(id) ON DELETE SET NULL,
    summary TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS diff_events_site_created_idx ON diff_events (site_id, created_at);

CREATE TABLE IF NOT EXISTS evidence_packs (
    id TEXT PRIMARY KEY,
    site_id TEXT NOT NULL REFERENCES sites(id) ON DELETE CASCADE,
    from_date TEXT NOT NULL,
    to_date TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    file_url TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    ref_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    last_error TEXT,
    run_after TEXT NOT NULL,
    queued_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT
);
CREATE INDEX IF NOT EXISTS tasks_claim_idx ON tasks (status, run_after, queued_at);
CREATE INDEX IF NOT EXISTS tasks_ref_idx ON tasks (kind, ref_id);
`

package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"scriptguard/internal/domain"
	"scriptguard/internal/ports"
)

type fakeStore struct {
	mu    sync.Mutex
	runs  map[string]domain.ScanRun
	packs map[string]domain.EvidencePack
	sites map[string]bool
	seq   int
}

func (f *fakeStore) GetScanRun(_ context.Context, id string) (domain.ScanRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return r, ports.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) GetEvidencePack(_ context.Context, id string) (domain.EvidencePack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.packs[id]
	if !ok {
		return p, ports.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) CreateScanRun(_ context.Context, siteID string, mode domain.RunMode) (domain.ScanRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sites[siteID] {
		return domain.ScanRun{}, ports.ErrNotFound
	}
	for _, r := range f.runs {
		if r.SiteID == siteID && r.Status.Active() {
			return domain.ScanRun{}, ports.ErrRunInProgress
		}
	}
	f.seq++
	r := domain.ScanRun{ID: "run-" + string(rune('0'+f.seq)), SiteID: siteID, Mode: mode, Status: domain.StatusQueued}
	f.runs[r.ID] = r
	return r, nil
}

func (f *fakeStore) MarkRunFailed(_ context.Context, id string, at time.Time, code, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok || !r.Status.Active() {
		return false, nil
	}
	r.Status = domain.StatusFailed
	r.EndedAt = &at
	r.ErrorCode = &code
	r.ErrorMessage = &message
	f.runs[id] = r
	return true, nil
}

type fakeQueue struct {
	ports.TaskQueue
	enqueued []string
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, kind, refID string, _ int) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.enqueued = append(q.enqueued, kind+":"+refID)
	return "task-" + refID, nil
}

// settleProcessor moves the referenced row to a terminal status.
type settleProcessor struct {
	store *fakeStore
	err   error
}

func (p settleProcessor) ProcessInline(_ context.Context, kind, refID string) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	switch kind {
	case ports.TaskScanRun:
		r := p.store.runs[refID]
		r.Status = domain.StatusFailed
		r.ErrorCode = domain.Ptr("NAV_ERROR")
		p.store.runs[refID] = r
	case ports.TaskEvidencePack:
		pk := p.store.packs[refID]
		pk.Status = domain.StatusSuccess
		pk.FileURL = domain.Ptr("org/o/site/s/packs/" + refID + ".zip")
		p.store.packs[refID] = pk
	}
	return p.err
}

type stuckProcessor struct{}

func (stuckProcessor) ProcessInline(context.Context, string, string) error {
	return errors.New("database unavailable")
}

func newTestServer(t *testing.T, proc func(*fakeStore) Processor) (*httptest.Server, *fakeStore, *fakeQueue, *Hub) {
	t.Helper()
	store := &fakeStore{
		runs:  map[string]domain.ScanRun{"r1": {ID: "r1", SiteID: "site-1", Mode: domain.ModeQuick, Status: domain.StatusQueued}},
		packs: map[string]domain.EvidencePack{"p1": {ID: "p1", SiteID: "site-1", FromDate: "2024-01-01", ToDate: "2024-01-31", Status: domain.StatusQueued}},
		sites: map[string]bool{"site-1": true, "site-2": true},
	}
	queue := &fakeQueue{}
	hub := NewHub(nil)
	srv := New(store, queue, proc(store), hub, nil, Options{MaxAttempts: 3})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, store, queue, hub
}

func settle(s *fakeStore) Processor { return settleProcessor{store: s, err: errors.New("scan run r1 failed (NAV_ERROR)")} }

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthzAndLookups(t *testing.T) {
	ts, _, _, _ := newTestServer(t, settle)

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodGet, ts.URL+"/runs/r1", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "queued" || body["site_id"] != "site-1" {
		t.Fatalf("get run = %d %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodGet, ts.URL+"/runs/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing run = %d", resp.StatusCode)
	}
	resp, body = do(t, http.MethodGet, ts.URL+"/evidence/p1", "")
	if resp.StatusCode != http.StatusOK || body["from_date"] != "2024-01-01" || body["file_url"] != nil {
		t.Fatalf("get evidence = %d %v", resp.StatusCode, body)
	}
}

func TestCreateRunConflict(t *testing.T) {
	ts, _, queue, _ := newTestServer(t, settle)

	resp, body := do(t, http.MethodPost, ts.URL+"/sites/site-2/runs", `{"mode":"full"}`)
	if resp.StatusCode != http.StatusAccepted || body["mode"] != "full" || body["status"] != "queued" {
		t.Fatalf("create = %d %v", resp.StatusCode, body)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != ports.TaskScanRun+":"+body["id"].(string) {
		t.Fatalf("enqueued = %v", queue.enqueued)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/sites/site-2/runs", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second create = %d, want 409", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/sites/site-1/runs", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("site with queued run = %d, want 409", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/sites/nope/runs", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown site = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/sites/site-2/runs", `{"mode":"deep"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode = %d", resp.StatusCode)
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("rejected requests enqueued tasks: %v", queue.enqueued)
	}
}

func TestCreateRunEnqueueFailureReleasesSite(t *testing.T) {
	ts, store, queue, _ := newTestServer(t, settle)

	queue.err = errors.New("queue unavailable")
	resp, _ := do(t, http.MethodPost, ts.URL+"/sites/site-2/runs", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("create with queue down = %d, want 500", resp.StatusCode)
	}
	store.mu.Lock()
	stranded := store.runs["run-1"]
	store.mu.Unlock()
	if stranded.Status != domain.StatusFailed || stranded.ErrorCode == nil || *stranded.ErrorCode != "TASK_ERROR" {
		t.Fatalf("unqueued run = %+v", stranded)
	}

	queue.err = nil
	resp, body := do(t, http.MethodPost, ts.URL+"/sites/site-2/runs", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create after queue recovered = %d %v", resp.StatusCode, body)
	}
	if len(queue.enqueued) != 1 || queue.enqueued[0] != ports.TaskScanRun+":"+body["id"].(string) {
		t.Fatalf("enqueued = %v", queue.enqueued)
	}
}

func TestProcessReturnsSettledRow(t *testing.T) {
	ts, _, _, _ := newTestServer(t, settle)

	resp, body := do(t, http.MethodPost, ts.URL+"/runs/r1/process?timeout=5", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "failed" || body["error_code"] != "NAV_ERROR" {
		t.Fatalf("process run = %d %v", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPost, ts.URL+"/evidence/p1/process", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "success" || body["file_url"] == nil {
		t.Fatalf("process evidence = %d %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/runs/r1/process?timeout=soon", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad timeout = %d", resp.StatusCode)
	}
}

func TestProcessUnsettledIsServerError(t *testing.T) {
	ts, _, _, _ := newTestServer(t, func(*fakeStore) Processor { return stuckProcessor{} })

	resp, body := do(t, http.MethodPost, ts.URL+"/runs/r1/process", "")
	if resp.StatusCode != http.StatusInternalServerError || !strings.Contains(body["error"].(string), "database unavailable") {
		t.Fatalf("process = %d %v", resp.StatusCode, body)
	}
}

func TestRunEventsStream(t *testing.T) {
	ts, _, _, hub := newTestServer(t, settle)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/runs/r1/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() eventMessage {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg eventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Kind != "status" || msg.Status != "queued" {
		t.Fatalf("snapshot = %+v", msg)
	}

	hub.Publish(ctx, ports.RunEvent{RunID: "other", Kind: "status", Status: domain.StatusRunning})
	hub.Publish(ctx, ports.RunEvent{
		RunID: "r1", SiteID: "site-1", Kind: "diff", Status: domain.StatusRunning,
		Diff: &domain.DiffEvent{ID: "d1", Type: domain.DiffChange, Severity: domain.SeverityHigh, Summary: "Changed script content: https://cdn/x.js"},
		At:   time.Now(),
	})
	msg := read()
	if msg.RunID != "r1" || msg.Kind != "diff" || msg.Diff == nil || msg.Diff.Severity != "high" {
		t.Fatalf("event = %+v", msg)
	}
}

package evidence

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"

	"scriptguard/internal/domain"
	"scriptguard/internal/fingerprint"
	"scriptguard/internal/ports"
)

type memEvidence struct {
	mu      sync.Mutex
	packs   map[string]domain.EvidencePack
	sites   map[string]domain.Site
	scripts []domain.Script
	diffs   []domain.DiffEvent
	runs    []domain.ScanRun
}

func (m *memEvidence) GetEvidencePack(_ context.Context, id string) (domain.EvidencePack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packs[id]
	if !ok {
		return domain.EvidencePack{}, ports.ErrNotFound
	}
	return p, nil
}

func (m *memEvidence) transition(id string, to domain.Status, url *string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.packs[id]
	if !ok || p.Status.Terminal() {
		return false
	}
	p.Status = to
	p.FileURL = url
	m.packs[id] = p
	return true
}

func (m *memEvidence) MarkPackRunning(_ context.Context, id string) (bool, error) {
	return m.transition(id, domain.StatusRunning, nil), nil
}

func (m *memEvidence) MarkPackSucceeded(_ context.Context, id, url string) (bool, error) {
	return m.transition(id, domain.StatusSuccess, &url), nil
}

func (m *memEvidence) MarkPackFailed(_ context.Context, id string) (bool, error) {
	return m.transition(id, domain.StatusFailed, nil), nil
}

func (m *memEvidence) GetSite(_ context.Context, id string) (domain.Site, error) {
	s, ok := m.sites[id]
	if !ok {
		return domain.Site{}, ports.ErrNotFound
	}
	return s, nil
}

func (m *memEvidence) ListScripts(context.Context, string) ([]domain.Script, error) {
	return m.scripts, nil
}

func (m *memEvidence) ListDiffEvents(_ context.Context, _ string, from, to time.Time) ([]domain.DiffEvent, error) {
	var out []domain.DiffEvent
	for _, d := range m.diffs {
		if !d.CreatedAt.Before(from) && d.CreatedAt.Before(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memEvidence) ListScanRuns(_ context.Context, _ string, from, to time.Time) ([]domain.ScanRun, error) {
	var out []domain.ScanRun
	for _, r := range m.runs {
		if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

type memContent struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
	puts  int
}

func (c *memContent) Put(_ context.Context, path string, data []byte, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	if c.err != nil {
		return c.err
	}
	if c.files == nil {
		c.files = map[string][]byte{}
	}
	c.files[path] = append([]byte(nil), data...)
	return nil
}

func (c *memContent) Get(_ context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.files[path]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return b, nil
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic(err)
	}
	return t
}

func fixture() *memEvidence {
	src := "https://cdn.example.net/a.js"
	return &memEvidence{
		packs: map[string]domain.EvidencePack{
			"pack-1": {ID: "pack-1", SiteID: "site-1", FromDate: "2024-01-01", ToDate: "2024-01-31", Status: domain.StatusQueued},
		},
		sites: map[string]domain.Site{
			"site-1": {ID: "site-1", OrgID: "org-1", Domain: "shop.example.com", RulesetVersion: "v1"},
		},
		scripts: []domain.Script{
			{ID: "s1", SiteID: "site-1", Src: &src, FirstSeenAt: at("2023-11-02T10:00:00Z"), LastSeenAt: at("2024-01-20T10:00:00Z"), Status: domain.ScriptActive},
		},
		diffs: []domain.DiffEvent{
			{ID: "d-before", RunID: "r0", Type: domain.DiffAdd, Severity: domain.SeverityMed, Summary: "before", CreatedAt: at("2023-12-31T23:59:59.999Z")},
			{ID: "d-first", RunID: "r1", Type: domain.DiffAdd, Severity: domain.SeverityMed, Summary: "Added script: " + src, CreatedAt: at("2024-01-01T00:00:00Z")},
			{ID: "d-last", RunID: "r2", Type: domain.DiffChange, Severity: domain.SeverityHigh, Summary: "Changed script content: " + src, CreatedAt: at("2024-01-31T23:59:59.999Z")},
			{ID: "d-after", RunID: "r3", Type: domain.DiffRemove, Severity: domain.SeverityMed, Summary: "after", CreatedAt: at("2024-02-01T00:00:00Z")},
		},
		runs: []domain.ScanRun{
			{ID: "r1", SiteID: "site-1", Mode: domain.ModeQuick, Status: domain.StatusSuccess, CreatedAt: at("2024-01-01T00:00:00Z")},
			{ID: "r3", SiteID: "site-1", Mode: domain.ModeQuick, Status: domain.StatusSuccess, CreatedAt: at("2024-02-01T00:00:00Z")},
		},
	}
}

func noRetry() retry.Backoff { return retry.WithMaxRetries(0, retry.NewConstant(time.Millisecond)) }

func fixedClock() time.Time { return at("2024-02-02T08:00:00Z") }

func TestWindow(t *testing.T) {
	from, to, err := Window("2024-01-01", "2024-01-31")
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if !from.Equal(at("2024-01-01T00:00:00Z")) || !to.Equal(at("2024-02-01T00:00:00Z")) {
		t.Fatalf("window = [%s, %s)", from, to)
	}
	if _, _, err := Window("2024-02-01", "2024-01-31"); err == nil {
		t.Fatal("expected error for inverted window")
	}
	if _, _, err := Window("01/01/2024", "2024-01-31"); err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestCSVField(t *testing.T) {
	cases := map[string]string{
		"plain":          "plain",
		"a,b":            `"a,b"`,
		`say "hi"`:       `"say ""hi"""`,
		"line\nbreak":    "\"line\nbreak\"",
		"":               "",
		"semi;colon tab": "semi;colon tab",
	}
	for in, want := range cases {
		if got := csvField(in); got != want {
			t.Errorf("csvField(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestToCSVLayout(t *testing.T) {
	got := string(toCSV([]string{"a", "b"}, [][]string{{"1", ""}, {"x,y", "2"}}))
	want := "a,b\n1,\n\"x,y\",2"
	if got != want {
		t.Fatalf("toCSV = %q, want %q", got, want)
	}
	if got := string(toCSV([]string{"a", "b"}, nil)); got != "a,b\n" {
		t.Fatalf("empty toCSV = %q", got)
	}
}

func TestScriptsCSVNullsAreEmpty(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	got := string(scriptsCSV([]domain.Script{{
		ID: "s9", InlineSnippetHash: &hash,
		FirstSeenAt: at("2024-01-05T01:02:03.5Z"), LastSeenAt: at("2024-01-06T00:00:00Z"),
		Status: domain.ScriptRemoved,
	}}))
	want := "id,src,inline_snippet_hash,integrity,first_seen_at,last_seen_at,status\n" +
		"s9,," + hash + ",,2024-01-05T01:02:03.500Z,2024-01-06T00:00:00.000Z,removed"
	if got != want {
		t.Fatalf("scriptsCSV =\n%s\nwant\n%s", got, want)
	}
}

func readZip(t *testing.T, archive []byte) (names []string, files map[string][]byte) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	files = map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		names = append(names, f.Name)
		files[f.Name] = b
		if !f.Modified.Equal(archiveTimestamp) {
			t.Errorf("%s modified = %s", f.Name, f.Modified)
		}
	}
	return names, files
}

func TestAssemblerBuildsPack(t *testing.T) {
	store := fixture()
	content := &memContent{}
	a := New(store, content, WithClock(fixedClock), WithUploadBackoff(noRetry))

	out, err := a.Execute(context.Background(), PackInput{EvidenceID: "pack-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	wantPath := "org/org-1/site/site-1/packs/pack-1.zip"
	if out.Status != domain.StatusSuccess || out.Path != wantPath {
		t.Fatalf("out = %+v", out)
	}
	pack := store.packs["pack-1"]
	if pack.Status != domain.StatusSuccess || pack.FileURL == nil || *pack.FileURL != wantPath {
		t.Fatalf("pack row = %+v", pack)
	}

	archive := content.files[wantPath]
	names, files := readZip(t, archive)
	wantNames := []string{SummaryFile, ScriptsFile, DiffsFile, RunsFile, ManifestFile}
	if strings.Join(names, ",") != strings.Join(wantNames, ",") {
		t.Fatalf("entries = %v", names)
	}
	if !bytes.HasPrefix(files[SummaryFile], []byte("%PDF-")) {
		t.Fatal("summary is not a PDF")
	}

	diffLines := strings.Split(string(files[DiffsFile]), "\n")
	if len(diffLines) != 3 {
		t.Fatalf("diff csv lines = %d:\n%s", len(diffLines), files[DiffsFile])
	}
	if !strings.HasPrefix(diffLines[1], "d-first,") || !strings.HasPrefix(diffLines[2], "d-last,") {
		t.Fatalf("diff rows = %q", diffLines[1:])
	}
	runLines := strings.Split(string(files[RunsFile]), "\n")
	if len(runLines) != 2 || !strings.HasPrefix(runLines[1], "r1,") {
		t.Fatalf("run rows = %q", runLines)
	}

	m := out.Manifest
	if m.SiteID != "site-1" || m.OrgID != "org-1" || m.Period != (Period{From: "2024-01-01", To: "2024-01-31"}) {
		t.Fatalf("manifest header = %+v", m)
	}
	if m.GeneratedAt != "2024-02-02T08:00:00.000Z" {
		t.Fatalf("generated_at = %s", m.GeneratedAt)
	}
	if len(m.Files) != 4 {
		t.Fatalf("manifest files = %d", len(m.Files))
	}
	for _, f := range m.Files {
		data := files[f.Path]
		if f.SHA256 != fingerprint.Sum(data) || f.Bytes != len(data) {
			t.Errorf("manifest entry %s does not match archive", f.Path)
		}
	}

	res, err := Verify(archive, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.OK() || res.Signed {
		t.Fatalf("verify = %+v", res)
	}
}

func TestAssemblerSkipsTerminalPack(t *testing.T) {
	store := fixture()
	p := store.packs["pack-1"]
	p.Status = domain.StatusSuccess
	store.packs["pack-1"] = p
	content := &memContent{}

	out, err := New(store, content, WithUploadBackoff(noRetry)).Execute(context.Background(), PackInput{EvidenceID: "pack-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Skipped || content.puts != 0 {
		t.Fatalf("out = %+v puts = %d", out, content.puts)
	}
}

func TestAssemblerUploadFailure(t *testing.T) {
	store := fixture()
	p := store.packs["pack-1"]
	stale := "org/org-1/site/site-1/packs/old.zip"
	p.FileURL = &stale
	store.packs["pack-1"] = p
	boom := errors.New("bucket unavailable")
	content := &memContent{err: boom}
	backoff := func() retry.Backoff { return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond)) }

	out, err := New(store, content, WithClock(fixedClock), WithUploadBackoff(backoff)).
		Execute(context.Background(), PackInput{EvidenceID: "pack-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if content.puts != 3 {
		t.Fatalf("puts = %d, want 3", content.puts)
	}
	if out.Status != domain.StatusFailed || out.Path != "" {
		t.Fatalf("out = %+v", out)
	}
	row := store.packs["pack-1"]
	if row.Status != domain.StatusFailed || row.FileURL != nil {
		t.Fatalf("pack row = %+v", row)
	}
}

func TestAssemblerMissingSiteFails(t *testing.T) {
	store := fixture()
	delete(store.sites, "site-1")

	_, err := New(store, &memContent{}, WithUploadBackoff(noRetry)).Execute(context.Background(), PackInput{EvidenceID: "pack-1"})
	if !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if store.packs["pack-1"].Status != domain.StatusFailed {
		t.Fatalf("status = %s", store.packs["pack-1"].Status)
	}
}

func TestSignedPackVerifies(t *testing.T) {
	signer, err := NewSignerFromSeed(strings.Repeat("07", 32))
	if err != nil {
		t.Fatalf("NewSignerFromSeed: %v", err)
	}
	store := fixture()
	content := &memContent{}
	out, err := New(store, content, WithSigner(signer), WithClock(fixedClock), WithUploadBackoff(noRetry)).
		Execute(context.Background(), PackInput{EvidenceID: "pack-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	archive := content.files[out.Path]

	res, err := Verify(archive, signer.PublicKey())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.OK() || !res.Signed || !res.SignatureChecked {
		t.Fatalf("verify = %+v", res)
	}

	other, _, _ := ed25519.GenerateKey(nil)
	res, err = Verify(archive, other)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.OK() || res.SignatureError == "" {
		t.Fatalf("foreign key accepted: %+v", res)
	}
}

func TestVerifyReportsTampering(t *testing.T) {
	bundle, err := Build(BuildInput{
		Site:        domain.Site{ID: "site-1", OrgID: "org-1", Domain: "shop.example.com", RulesetVersion: "v1"},
		Pack:        domain.EvidencePack{ID: "pack-1", FromDate: "2024-01-01", ToDate: "2024-01-31"},
		GeneratedAt: fixedClock(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var files []File
	for _, f := range bundle.Files {
		switch f.Path {
		case RunsFile:
			continue
		case ScriptsFile:
			f.Data = append(append([]byte(nil), f.Data...), []byte("x,,,,,,active")...)
		}
		files = append(files, f)
	}
	files = append(files, File{Path: "extra.txt", Data: []byte("hi")})
	tampered, err := writeArchive(files)
	if err != nil {
		t.Fatalf("writeArchive: %v", err)
	}

	res, err := Verify(tampered, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.OK() {
		t.Fatal("tampered archive verified")
	}
	if strings.Join(res.Missing, ",") != RunsFile ||
		strings.Join(res.Mismatched, ",") != ScriptsFile ||
		strings.Join(res.Undeclared, ",") != "extra.txt" {
		t.Fatalf("verify = %+v", res)
	}

	if _, err := Verify([]byte("not a zip"), nil); err == nil {
		t.Fatal("expected error for garbage input")
	}
}

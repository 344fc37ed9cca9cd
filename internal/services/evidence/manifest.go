package evidence

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"scriptguard/internal/domain"
	"scriptguard/internal/fingerprint"
)

const (
	SummaryFile   = "summary.pdf"
	ScriptsFile   = "scripts_inventory.csv"
	DiffsFile     = "diff_events.csv"
	RunsFile      = "scan_runs.csv"
	ManifestFile  = "manifest.json"
	SignatureFile = "manifest.sig"
)

// Zip entries carry a fixed modification time so identical inputs produce
// identical archives.
var archiveTimestamp = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

type ManifestFileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

type Period struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type Manifest struct {
	GeneratedAt string              `json:"generated_at"`
	SiteID      string              `json:"site_id"`
	OrgID       string              `json:"org_id"`
	Period      Period              `json:"period"`
	Files       []ManifestFileEntry `json:"files"`
}

type File struct {
	Path string
	Data []byte
}

// BuildInput is everything a pack is assembled from.
type BuildInput struct {
	Site        domain.Site
	Pack        domain.EvidencePack
	Scripts     []domain.Script
	Diffs       []domain.DiffEvent
	Runs        []domain.ScanRun
	GeneratedAt time.Time
	Signer      *Signer
}

type Bundle struct {
	Manifest Manifest
	Files    []File
	Archive  []byte
}

// Build renders the artifacts, the manifest over them and the zip archive.
func Build(in BuildInput) (Bundle, error) {
	classification := ""
	if in.Site.Classification != nil {
		classification = *in.Site.Classification
	}
	summary, err := renderSummary(SummaryData{
		SiteID:         in.Site.ID,
		Domain:         in.Site.Domain,
		From:           in.Pack.FromDate,
		To:             in.Pack.ToDate,
		RulesetVersion: in.Site.RulesetVersion,
		Classification: classification,
		Runs:           len(in.Runs),
		Diffs:          len(in.Diffs),
		Scripts:        len(in.Scripts),
		GeneratedAt:    in.GeneratedAt,
	})
	if err != nil {
		return Bundle{}, err
	}

	files := []File{
		{Path: SummaryFile, Data: summary},
		{Path: ScriptsFile, Data: scriptsCSV(in.Scripts)},
		{Path: DiffsFile, Data: diffsCSV(in.Diffs)},
		{Path: RunsFile, Data: runsCSV(in.Runs)},
	}

	m := Manifest{
		GeneratedAt: ts(in.GeneratedAt),
		SiteID:      in.Site.ID,
		OrgID:       in.Site.OrgID,
		Period:      Period{From: in.Pack.FromDate, To: in.Pack.ToDate},
		Files:       make([]ManifestFileEntry, 0, len(files)),
	}
	for _, f := range files {
		m.Files = append(m.Files, ManifestFileEntry{Path: f.Path, SHA256: fingerprint.Sum(f.Data), Bytes: len(f.Data)})
	}
	manifestBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Bundle{}, fmt.Errorf("encode manifest: %w", err)
	}
	files = append(files, File{Path: ManifestFile, Data: manifestBytes})

	if in.Signer != nil {
		sig, err := in.Signer.Sign(manifestBytes)
		if err != nil {
			return Bundle{}, fmt.Errorf("sign manifest: %w", err)
		}
		files = append(files, File{Path: SignatureFile, Data: sig})
	}

	archive, err := writeArchive(files)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Manifest: m, Files: files, Archive: archive}, nil
}

func writeArchive(files []File) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.Path, Method: zip.Deflate, Modified: archiveTimestamp}
		hdr.SetMode(0o644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("add %s to archive: %w", f.Path, err)
		}
		if _, err := w.Write(f.Data); err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("write %s to archive: %w", f.Path, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// PackPath is the storage path of a pack's archive.
func PackPath(orgID, siteID, packID string) string {
	return "org/" + orgID + "/site/" + siteID + "/packs/" + packID + ".zip"
}

package evidence

import (
	"archive/zip"
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"scriptguard/internal/fingerprint"
)

var ErrNoManifest = errors.New("archive has no manifest.json")

// VerifyResult lists every discrepancy between an archive and its manifest.
type VerifyResult struct {
	Manifest         Manifest
	Missing          []string
	Mismatched       []string
	Undeclared       []string
	Signed           bool
	SignatureChecked bool
	SignatureError   string
}

func (r VerifyResult) OK() bool {
	return len(r.Missing) == 0 && len(r.Mismatched) == 0 && len(r.Undeclared) == 0 && r.SignatureError == ""
}

// Verify re-hashes each archive entry against manifest.json. When pub is set
// and the archive carries manifest.sig, the signature is checked too; a nil
// pub skips signature verification.
func Verify(archive []byte, pub ed25519.PublicKey) (VerifyResult, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("open archive: %w", err)
	}

	entries := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		data, err := readEntry(f)
		if err != nil {
			return VerifyResult{}, err
		}
		entries[f.Name] = data
	}

	manifestBytes, ok := entries[ManifestFile]
	if !ok {
		return VerifyResult{}, ErrNoManifest
	}
	var res VerifyResult
	if err := json.Unmarshal(manifestBytes, &res.Manifest); err != nil {
		return VerifyResult{}, fmt.Errorf("decode manifest: %w", err)
	}

	declared := map[string]bool{ManifestFile: true, SignatureFile: true}
	for _, f := range res.Manifest.Files {
		declared[f.Path] = true
		data, ok := entries[f.Path]
		if !ok {
			res.Missing = append(res.Missing, f.Path)
			continue
		}
		if len(data) != f.Bytes || fingerprint.Sum(data) != f.SHA256 {
			res.Mismatched = append(res.Mismatched, f.Path)
		}
	}
	for name := range entries {
		if !declared[name] {
			res.Undeclared = append(res.Undeclared, name)
		}
	}
	sort.Strings(res.Undeclared)

	if sig, ok := entries[SignatureFile]; ok {
		res.Signed = true
		if pub != nil {
			res.SignatureChecked = true
			if err := verifySignature(pub, manifestBytes, sig); err != nil {
				res.SignatureError = err.Error()
			}
		}
	}
	return res, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return data, nil
}

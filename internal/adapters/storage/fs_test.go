package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"scriptguard/internal/ports"
)

func TestFSPutGet(t *testing.T) {
	root := t.TempDir()
	s, err := NewFS(root)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	path := "org/o1/site/s1/packs/p1.zip"

	if err := s.Put(ctx, path, []byte("v1"), "application/zip"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, path, []byte("v2"), "application/zip"); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err := s.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("Get = %q", got)
	}

	entries, err := os.ReadDir(filepath.Join(root, "org", "o1", "site", "s1", "packs"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("leftover temp files: %v", entries)
	}
}

func TestFSMissingAndInvalid(t *testing.T) {
	s, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Get(ctx, "org/x.zip"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("Get missing err = %v", err)
	}
	for _, p := range []string{"", "../escape.zip", "/abs/path.zip", "org/../../x"} {
		if err := s.Put(ctx, p, []byte("x"), ""); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Put(%q) err = %v, want ErrInvalidPath", p, err)
		}
	}
}

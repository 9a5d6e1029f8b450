package supervisor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolverPrefersExplicitPath(t *testing.T) {
	got, err := NewResolver("/opt/custom/worker", t.TempDir())()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "/opt/custom/worker" {
		t.Errorf("path = %q, want explicit path", got)
	}
}

func TestResolverFindsBundledWorker(t *testing.T) {
	dir := t.TempDir()
	bundled := filepath.Join(dir, workerFileName())
	if err := os.WriteFile(bundled, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := NewResolver("", dir)()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != bundled {
		t.Errorf("path = %q, want %q", got, bundled)
	}
}

func TestResolverIgnoresDirectoryWithWorkerName(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, workerFileName()), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Setenv("PATH", t.TempDir())

	if _, err := NewResolver("", dir)(); err == nil {
		t.Fatal("expected error when only a directory carries the worker name")
	}
}

func TestResolverFallsBackToPath(t *testing.T) {
	binDir := t.TempDir()
	onPath := filepath.Join(binDir, workerFileName())
	if err := os.WriteFile(onPath, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PATH", binDir)

	got, err := NewResolver("", t.TempDir())()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != onPath {
		t.Errorf("path = %q, want %q", got, onPath)
	}
}

func TestResolverMissingWorker(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	if _, err := NewResolver("", t.TempDir())(); err == nil {
		t.Fatal("expected error for missing worker")
	}
}

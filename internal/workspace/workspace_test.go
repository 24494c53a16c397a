package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareAndCleanup(t *testing.T) {
	root := filepath.Join(t.TempDir(), "runs")
	m, err := New(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id, dir, err := m.Prepare()
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if id == "" || filepath.Dir(dir) != root {
		t.Fatalf("unexpected workspace %q in %q", id, dir)
	}
	if err := os.WriteFile(filepath.Join(dir, "bundle.tar.gz"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.CleanupByID(id); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected workspace removed, got %v", err)
	}
}

func TestCleanupRefusesOutsideRoot(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outside := t.TempDir()
	if err := m.Cleanup(outside); err == nil {
		t.Fatalf("expected refusal for %s", outside)
	}
	if err := m.Cleanup(m.Root()); err == nil {
		t.Fatalf("expected refusal for the root itself")
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("outside dir touched: %v", err)
	}
}

func TestPrepareIDReplacesLeftovers(t *testing.T) {
	m, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, err := m.PrepareID("run-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	stale := filepath.Join(dir, "stale")
	if err := os.WriteFile(stale, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := m.PrepareID("run-1"); err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale file removed")
	}
}

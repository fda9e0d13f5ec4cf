package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIsNonEmpty(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	full := filepath.Join(dir, "full")

	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if IsNonEmpty(filepath.Join(dir, "missing")) {
		t.Error("IsNonEmpty returned true for missing file")
	}
	if IsNonEmpty(empty) {
		t.Error("IsNonEmpty returned true for empty file")
	}
	if !IsNonEmpty(full) {
		t.Error("IsNonEmpty returned false for non-empty file")
	}
}

func TestEnsureDir(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")

	if err := EnsureDir(nested); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	info, err := os.Stat(nested)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory at %s", nested)
	}

	// Idempotent
	if err := EnsureDir(nested); err != nil {
		t.Fatalf("EnsureDir second call failed: %v", err)
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "msg.eml")

	if err := WriteAtomic(path, []byte("Subject: hi\r\n\r\nbody")); err != nil {
		t.Fatalf("WriteAtomic failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "Subject: hi\r\n\r\nbody" {
		t.Errorf("unexpected content: %q", got)
	}

	// No temp files left behind
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}

	// Overwrite replaces content
	if err := WriteAtomic(path, []byte("v2")); err != nil {
		t.Fatalf("WriteAtomic overwrite failed: %v", err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "v2" {
		t.Errorf("expected overwrite, got %q", got)
	}
}

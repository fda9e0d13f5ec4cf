package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunNoArgs(t *testing.T) {
	err := Run(nil)
	if err == nil {
		t.Fatal("expected error with no args")
	}
	if !strings.Contains(err.Error(), "usage") {
		t.Errorf("expected usage message, got: %v", err)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	err := Run([]string{"sync"})
	if err == nil {
		t.Fatal("expected error with unknown command")
	}
	if !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("expected 'unknown command' error, got: %v", err)
	}
}

func TestExportMissingMbox(t *testing.T) {
	err := Run([]string{"export", "--out-dir", t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "--mbox") {
		t.Errorf("expected '--mbox' error, got: %v", err)
	}
}

func TestExportMissingOutDir(t *testing.T) {
	err := Run([]string{"export", "--mbox", "in.mbox"})
	if err == nil || !strings.Contains(err.Error(), "--out-dir") {
		t.Errorf("expected '--out-dir' error, got: %v", err)
	}
}

func TestExportUnknownLayout(t *testing.T) {
	err := Run([]string{"export", "--mbox", "in.mbox", "--out-dir", t.TempDir(), "--layout", "week"})
	if err == nil || !strings.Contains(err.Error(), "layout") {
		t.Errorf("expected layout error, got: %v", err)
	}
}

func TestImportMissingSrc(t *testing.T) {
	err := Run([]string{"import", "--out-dir", t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "--src") {
		t.Errorf("expected '--src' error, got: %v", err)
	}
}

func TestImportMissingOutDir(t *testing.T) {
	err := Run([]string{"import", "--src", t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "--out-dir") {
		t.Errorf("expected '--out-dir' error, got: %v", err)
	}
}

func TestImportEvenSplitRequiresSplits(t *testing.T) {
	err := Run([]string{"import", "--src", t.TempDir(), "--out-dir", t.TempDir(), "--split-by", "even"})
	if err == nil || !strings.Contains(err.Error(), "--splits") {
		t.Errorf("expected '--splits' error, got: %v", err)
	}
}

func TestImportUnknownSplitPolicy(t *testing.T) {
	err := Run([]string{"import", "--src", t.TempDir(), "--out-dir", t.TempDir(), "--split-by", "weight"})
	if err == nil || !strings.Contains(err.Error(), "split policy") {
		t.Errorf("expected split policy error, got: %v", err)
	}
}

func TestImportRejectsNonPositiveCeiling(t *testing.T) {
	err := Run([]string{"import", "--src", t.TempDir(), "--out-dir", t.TempDir(), "--max-pst-gb", "0"})
	if err == nil || !strings.Contains(err.Error(), "--max-pst-gb") {
		t.Errorf("expected '--max-pst-gb' error, got: %v", err)
	}
}

func TestImportEmptySourceIsNotAnError(t *testing.T) {
	err := Run([]string{"import", "--src", t.TempDir(), "--out-dir", t.TempDir(), "--dry-run"})
	if err != nil {
		t.Fatalf("empty source should be a no-op, got: %v", err)
	}
}

func TestImportDryRunEndToEnd(t *testing.T) {
	src := t.TempDir()
	dir := filepath.Join(src, "2009")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		msg := fmt.Sprintf("From: a@example.com\r\nSubject: m%d\r\n"+
			"Date: Mon, 05 Jan 2009 10:00:00 +0000\r\n\r\nbody\r\n", i)
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("m%d.eml", i)), []byte(msg), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	err := Run([]string{"import",
		"--src", src,
		"--out-dir", t.TempDir(),
		"--split-by", "year",
		"--dry-run",
	})
	if err != nil {
		t.Fatalf("dry-run import failed: %v", err)
	}
}

package iosource

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRedoHeaderPreparerReportsLogSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ib_logfile0")
	if err := os.WriteFile(path, make([]byte, 4096), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	rl, err := OpenRedoLog(path)
	if err != nil {
		t.Fatalf("open redo log: %v", err)
	}
	defer rl.Close()

	p := NewRedoHeaderPreparer(rl)
	header, trailer, logSize, err := p.PrepareRedoCopy()
	if err != nil {
		t.Fatalf("prepare redo copy: %v", err)
	}
	if logSize != 4096 {
		t.Fatalf("expected log size 4096, got %d", logSize)
	}
	if len(header) != 8 {
		t.Fatalf("expected an 8-byte header, got %d bytes", len(header))
	}
	if len(trailer) == 0 {
		t.Fatal("expected a non-empty trailer sentinel")
	}
}

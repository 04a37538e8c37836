package ui_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"chandl/internal/dl"
	"chandl/internal/ui"
)

func TestProgressBar_Update(t *testing.T) {
	var out bytes.Buffer
	bar := ui.NewProgressBar(&out, 300, "downloading")

	err := bar.Update([]dl.Progress{{BytesWritten: 100}, {BytesWritten: 50}})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := bar.Current(); got != 150 {
		t.Errorf("Current() = %d, want 150", got)
	}
	if err := bar.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
}

func TestWatchProgress(t *testing.T) {
	var out bytes.Buffer
	bar := ui.NewProgressBar(&out, 1<<40, "downloading")

	var written atomic.Int64
	snapshot := func(ctx context.Context) ([]dl.Progress, error) {
		return []dl.Progress{{BytesWritten: written.Add(100)}}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := ui.WatchProgress(ctx, bar, snapshot, 5*time.Millisecond); err != nil {
		t.Fatalf("WatchProgress() error = %v", err)
	}
	if got := bar.Current(); got != written.Load() {
		t.Errorf("Current() = %d, want the final snapshot %d", got, written.Load())
	}
}

func TestWatchProgress_SnapshotError(t *testing.T) {
	var out bytes.Buffer
	bar := ui.NewProgressBar(&out, 0, "downloading")
	boom := errors.New("ledger closed")

	err := ui.WatchProgress(context.Background(), bar, func(context.Context) ([]dl.Progress, error) {
		return nil, boom
	}, time.Millisecond)
	if !errors.Is(err, boom) {
		t.Errorf("WatchProgress() error = %v, want %v", err, boom)
	}
}

func TestReadPassphrase_NotATerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input")
	if err := os.WriteFile(path, []byte("correct horse\nsecond line\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer in.Close()

	var out bytes.Buffer
	got, err := ui.ReadPassphrase(in, &out, "Passphrase: ")
	if err != nil {
		t.Fatalf("ReadPassphrase() error = %v", err)
	}
	if got != "correct horse" {
		t.Errorf("ReadPassphrase() = %q, want %q", got, "correct horse")
	}
	if out.String() != "Passphrase: " {
		t.Errorf("prompt = %q", out.String())
	}
}

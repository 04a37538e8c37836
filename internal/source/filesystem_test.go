package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chandl/internal/dl"
)

func writeChannelFile(t *testing.T, dir, name, content string, mtime time.Time) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func newTestFileSystemSource(t *testing.T) (*FileSystemSource, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "holidays")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	writeChannelFile(t, dir, "beach.mp4", "0123456789", base)
	writeChannelFile(t, dir, "sunset.JPG", "jpeg", base.Add(time.Hour))
	writeChannelFile(t, dir, "itinerary.pdf", "pdf!", base.Add(2*time.Hour))
	writeChannelFile(t, dir, ".hidden", "x", base)
	writeChannelFile(t, dir, "partial.mp4.part", "x", base)

	s, err := NewFileSystemSource(root)
	if err != nil {
		t.Fatalf("NewFileSystemSource() error = %v", err)
	}
	return s, root
}

func TestNewFileSystemSource_BadRoot(t *testing.T) {
	if _, err := NewFileSystemSource(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("NewFileSystemSource() on a missing root should fail")
	}
}

func TestFileSystemSource_ResolveChannel(t *testing.T) {
	s, _ := newTestFileSystemSource(t)
	ctx := context.Background()

	ch, err := s.ResolveChannel(ctx, dl.ChannelRef{Username: "holidays"})
	if err != nil {
		t.Fatalf("ResolveChannel() error = %v", err)
	}
	if ch.ID != ChannelID("holidays") || ch.ID <= 0 || ch.Title != "holidays" {
		t.Errorf("ResolveChannel() = %+v", ch)
	}

	byID, err := s.ResolveChannel(ctx, dl.ChannelRef{ID: ch.ID})
	if err != nil || byID.Username != "holidays" {
		t.Errorf("ResolveChannel(by id) = %+v, %v", byID, err)
	}

	var nf *dl.NotFoundError
	if _, err := s.ResolveChannel(ctx, dl.ChannelRef{Username: "work"}); !errors.As(err, &nf) {
		t.Errorf("ResolveChannel(unknown) error = %v, want NotFoundError", err)
	}
	if _, err := s.ResolveChannel(ctx, dl.ChannelRef{ID: 12345}); !errors.As(err, &nf) {
		t.Errorf("ResolveChannel(unknown id) error = %v, want NotFoundError", err)
	}
}

func TestFileSystemSource_ListMedia(t *testing.T) {
	s, _ := newTestFileSystemSource(t)
	ctx := context.Background()
	ch, err := s.ResolveChannel(ctx, dl.ChannelRef{Username: "holidays"})
	if err != nil {
		t.Fatal(err)
	}

	it, err := s.ListMedia(ctx, ch, 0)
	if err != nil {
		t.Fatalf("ListMedia() error = %v", err)
	}
	items, err := dl.CollectMedia(ctx, it)
	if err != nil {
		t.Fatal(err)
	}

	want := []struct {
		id   int64
		name string
		kind dl.MediaKind
		size int64
	}{
		{3, "itinerary.pdf", dl.KindDocument, 4},
		{2, "sunset.JPG", dl.KindPhoto, 4},
		{1, "beach.mp4", dl.KindVideo, 10},
	}
	if len(items) != len(want) {
		t.Fatalf("ListMedia() returned %d items, want %d", len(items), len(want))
	}
	for i, w := range want {
		got := items[i]
		if got.Key.MessageID != w.id || got.FileName != w.name || got.Kind != w.kind || got.Size != w.size {
			t.Errorf("items[%d] = %+v, want id %d %s %s size %d", i, got, w.id, w.name, w.kind, w.size)
		}
		if got.Key.ChannelID != ch.ID {
			t.Errorf("items[%d].ChannelID = %d, want %d", i, got.Key.ChannelID, ch.ID)
		}
	}

	it, _ = s.ListMedia(ctx, ch, 1)
	limited, _ := dl.CollectMedia(ctx, it)
	if len(limited) != 1 || limited[0].FileName != "itinerary.pdf" {
		t.Errorf("ListMedia(limit 1) = %v", limited)
	}
}

func TestFileSystemSource_FetchRange(t *testing.T) {
	s, root := newTestFileSystemSource(t)
	ctx := context.Background()
	ch, _ := s.ResolveChannel(ctx, dl.ChannelRef{Username: "holidays"})
	it, _ := s.ListMedia(ctx, ch, 0)
	items, _ := dl.CollectMedia(ctx, it)
	beach := items[2]

	got, err := s.FetchRange(ctx, beach, 4, 3)
	if err != nil || string(got) != "456" {
		t.Errorf("FetchRange(4, 3) = %q, %v", got, err)
	}
	got, err = s.FetchRange(ctx, beach, 8, 100)
	if err != nil || string(got) != "89" {
		t.Errorf("FetchRange(8, 100) = %q, %v", got, err)
	}
	got, err = s.FetchRange(ctx, beach, 10, 100)
	if err != nil || len(got) != 0 {
		t.Errorf("FetchRange(end) = %q, %v", got, err)
	}

	if err := os.Remove(filepath.Join(root, "holidays", "beach.mp4")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FetchRange(ctx, beach, 0, 1); !dl.IsPermanent(err) {
		t.Errorf("FetchRange() on a deleted file error = %v, want permanent", err)
	}
}

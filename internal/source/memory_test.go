package source

import (
	"context"
	"errors"
	"testing"

	"chandl/internal/dl"
)

func newTestMemorySource(t *testing.T) *MemorySource {
	t.Helper()
	s := NewMemorySource()
	s.AddChannel(dl.ChannelHandle{ID: -1001, Title: "News", Username: "news", Members: 42})
	s.AddChannel(dl.ChannelHandle{ID: -1002, Title: "Private", Username: "private"})
	s.DenyChannel(-1002, "not a member")
	for id, body := range map[int64]string{1: "first", 2: "second!", 3: "third"} {
		item := dl.MediaItem{Key: dl.Key{ChannelID: -1001, MessageID: id}, Kind: dl.KindDocument, Size: int64(len(body))}
		if err := s.AddMedia(item, []byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestMemorySource_ResolveChannel(t *testing.T) {
	s := newTestMemorySource(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		ref     dl.ChannelRef
		wantID  int64
		wantErr any
	}{
		{name: "by username", ref: dl.ChannelRef{Username: "news"}, wantID: -1001},
		{name: "by id", ref: dl.ChannelRef{ID: -1001}, wantID: -1001},
		{name: "unknown", ref: dl.ChannelRef{Username: "nope"}, wantErr: new(*dl.NotFoundError)},
		{name: "denied", ref: dl.ChannelRef{Username: "private"}, wantErr: new(*dl.AccessDeniedError)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := s.ResolveChannel(ctx, tt.ref)
			if tt.wantErr != nil {
				if !errors.As(err, tt.wantErr) {
					t.Fatalf("ResolveChannel() error = %v, want %T", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveChannel() error = %v", err)
			}
			if ch.ID != tt.wantID || ch.Members != 42 {
				t.Errorf("ResolveChannel() = %+v", ch)
			}
		})
	}
}

func TestMemorySource_ListMedia(t *testing.T) {
	s := newTestMemorySource(t)
	ctx := context.Background()
	ch := &dl.ChannelHandle{ID: -1001}

	it, err := s.ListMedia(ctx, ch, 0)
	if err != nil {
		t.Fatalf("ListMedia() error = %v", err)
	}
	items, err := dl.CollectMedia(ctx, it)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 || items[0].Key.MessageID != 3 || items[2].Key.MessageID != 1 {
		t.Errorf("ListMedia() order = %v, want newest first", items)
	}

	it, _ = s.ListMedia(ctx, ch, 2)
	items, _ = dl.CollectMedia(ctx, it)
	if len(items) != 2 || items[0].Key.MessageID != 3 {
		t.Errorf("ListMedia(limit 2) = %v", items)
	}
}

func TestMemorySource_FetchRange(t *testing.T) {
	s := newTestMemorySource(t)
	ctx := context.Background()
	item := dl.MediaItem{Key: dl.Key{ChannelID: -1001, MessageID: 2}}

	tests := []struct {
		offset int64
		max    int
		want   string
	}{
		{offset: 0, max: 3, want: "sec"},
		{offset: 3, max: 100, want: "ond!"},
		{offset: 7, max: 10, want: ""},
		{offset: 50, max: 10, want: ""},
	}
	for _, tt := range tests {
		got, err := s.FetchRange(ctx, item, tt.offset, tt.max)
		if err != nil {
			t.Fatalf("FetchRange(%d, %d) error = %v", tt.offset, tt.max, err)
		}
		if string(got) != tt.want {
			t.Errorf("FetchRange(%d, %d) = %q, want %q", tt.offset, tt.max, got, tt.want)
		}
	}

	s.RemoveMedia(item.Key)
	if _, err := s.FetchRange(ctx, item, 0, 1); !dl.IsPermanent(err) {
		t.Errorf("FetchRange() after removal error = %v, want permanent", err)
	}
}

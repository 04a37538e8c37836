package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chandl/internal/dl"
)

// MemorySource serves channels and media held in memory. It backs the
// "memory" source type used for demos and tests. Safe for concurrent use.
type MemorySource struct {
	mu       sync.RWMutex
	channels map[int64]*memoryChannel
}

type memoryChannel struct {
	handle  dl.ChannelHandle
	denied  string
	items   map[int64]dl.MediaItem
	content map[int64][]byte
}

var _ dl.Source = (*MemorySource)(nil)

func NewMemorySource() *MemorySource {
	return &MemorySource{channels: make(map[int64]*memoryChannel)}
}

// AddChannel registers a channel. Re-adding an ID replaces its metadata
// and keeps its media.
func (s *MemorySource) AddChannel(ch dl.ChannelHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.channels[ch.ID]; ok {
		existing.handle = ch
		return
	}
	s.channels[ch.ID] = &memoryChannel{
		handle:  ch,
		items:   make(map[int64]dl.MediaItem),
		content: make(map[int64][]byte),
	}
}

// DenyChannel makes ResolveChannel fail with AccessDeniedError.
func (s *MemorySource) DenyChannel(id int64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[id]; ok {
		ch.denied = reason
	}
}

// AddMedia stores an item and its bytes. The item's channel must exist.
// A negative Size is kept as declared so unknown-size items can be served.
func (s *MemorySource) AddMedia(item dl.MediaItem, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[item.Key.ChannelID]
	if !ok {
		return fmt.Errorf("channel %d not registered", item.Key.ChannelID)
	}
	ch.items[item.Key.MessageID] = item
	ch.content[item.Key.MessageID] = content
	return nil
}

// RemoveMedia deletes an item, as if its message was deleted upstream.
func (s *MemorySource) RemoveMedia(key dl.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[key.ChannelID]; ok {
		delete(ch.items, key.MessageID)
		delete(ch.content, key.MessageID)
	}
}

func (s *MemorySource) ResolveChannel(ctx context.Context, ref dl.ChannelRef) (*dl.ChannelHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.channels {
		match := (ref.ID != 0 && ch.handle.ID == ref.ID) ||
			(ref.Username != "" && ch.handle.Username == ref.Username)
		if !match {
			continue
		}
		if ch.denied != "" {
			return nil, &dl.AccessDeniedError{Ref: ref.String(), Reason: ch.denied}
		}
		handle := ch.handle
		return &handle, nil
	}
	return nil, &dl.NotFoundError{Ref: ref.String()}
}

func (s *MemorySource) ListMedia(ctx context.Context, ch *dl.ChannelHandle, limit int) (dl.MediaIter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mc, ok := s.channels[ch.ID]
	if !ok {
		return nil, &dl.NotFoundError{Ref: fmt.Sprint(ch.ID)}
	}
	items := make([]dl.MediaItem, 0, len(mc.items))
	for _, item := range mc.items {
		items = append(items, item)
	}
	sortNewestFirst(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return dl.NewSliceIter(items), nil
}

func (s *MemorySource) FetchRange(ctx context.Context, item dl.MediaItem, offset int64, maxBytes int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[item.Key.ChannelID]
	if !ok {
		return nil, &dl.PermanentItemError{Key: item.Key, Reason: "channel gone"}
	}
	content, ok := ch.content[item.Key.MessageID]
	if !ok {
		return nil, &dl.PermanentItemError{Key: item.Key, Reason: "message deleted"}
	}
	return sliceRange(content, offset, maxBytes), nil
}

// sliceRange copies up to maxBytes of data starting at offset.
func sliceRange(data []byte, offset int64, maxBytes int) []byte {
	if offset < 0 || offset >= int64(len(data)) {
		return nil
	}
	end := offset + int64(maxBytes)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out
}

// sortNewestFirst orders items by descending message id.
func sortNewestFirst(items []dl.MediaItem) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].Key.MessageID > items[j].Key.MessageID
	})
}

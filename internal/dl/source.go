package dl

import "context"

// Source is the messaging-protocol collaborator: it resolves channels,
// enumerates their media and serves byte ranges of a single item.
type Source interface {
	// ResolveChannel fails with *NotFoundError or *AccessDeniedError.
	ResolveChannel(ctx context.Context, ref ChannelRef) (*ChannelHandle, error)

	// ListMedia enumerates media in a channel, newest first. limit <= 0 means
	// no limit. The iterator is finite and can only be restarted by calling
	// ListMedia again.
	ListMedia(ctx context.Context, ch *ChannelHandle, limit int) (MediaIter, error)

	// FetchRange returns up to maxBytes starting at offset. A short or empty
	// result past the end of the item signals end of stream. Errors are
	// *TransientError or *PermanentItemError.
	FetchRange(ctx context.Context, item MediaItem, offset int64, maxBytes int) ([]byte, error)
}

// MediaIter walks a media listing.
type MediaIter interface {
	Next(ctx context.Context) bool
	Value() MediaItem
	Err() error
}

// SliceIter is a MediaIter over an in-memory slice.
type SliceIter struct {
	items []MediaItem
	pos   int
	err   error
}

// NewSliceIter returns an iterator positioned before the first item.
func NewSliceIter(items []MediaItem) *SliceIter {
	return &SliceIter{items: items, pos: -1}
}

func (it *SliceIter) Next(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		it.err = err
		return false
	}
	if it.pos+1 >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *SliceIter) Value() MediaItem { return it.items[it.pos] }

func (it *SliceIter) Err() error { return it.err }

// CollectMedia drains an iterator into a slice.
func CollectMedia(ctx context.Context, it MediaIter) ([]MediaItem, error) {
	var items []MediaItem
	for it.Next(ctx) {
		items = append(items, it.Value())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

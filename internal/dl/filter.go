package dl

// NameMatcher reports whether a file name should be hidden from listings.
type NameMatcher interface {
	Match(name string) bool
}

// ItemFilter hides listed items by name pattern or media kind.
// A nil *ItemFilter allows everything.
type ItemFilter struct {
	ignore NameMatcher
	kinds  map[MediaKind]bool
}

// NewItemFilter builds a filter. ignore may be nil; an empty kinds list
// allows every kind.
func NewItemFilter(ignore NameMatcher, kinds []MediaKind) *ItemFilter {
	f := &ItemFilter{ignore: ignore}
	if len(kinds) > 0 {
		f.kinds = make(map[MediaKind]bool, len(kinds))
		for _, k := range kinds {
			f.kinds[k] = true
		}
	}
	return f
}

// Allow reports whether item should be listed.
func (f *ItemFilter) Allow(item MediaItem) bool {
	if f == nil {
		return true
	}
	if f.kinds != nil && !f.kinds[item.Kind] {
		return false
	}
	if f.ignore != nil && f.ignore.Match(item.BaseName()) {
		return false
	}
	return true
}

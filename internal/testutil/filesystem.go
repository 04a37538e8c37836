package testutil

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"sort"
	"sync"

	"chandl/internal/dl"
)

// MemoryFileStore is an in-memory dl.FileStore. Safe for concurrent use.
type MemoryFileStore struct {
	mu    sync.Mutex
	files map[string][]byte

	// WriteErr, when set, is returned by every ChunkWriter.Write.
	WriteErr error
}

// NewMemoryFileStore creates an empty store.
func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{files: make(map[string][]byte)}
}

// SetFile replaces the content at path.
func (m *MemoryFileStore) SetFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), content...)
}

// File returns a copy of the content at path.
func (m *MemoryFileStore) File(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// Paths lists every stored path in sorted order.
func (m *MemoryFileStore) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (m *MemoryFileStore) Stat(path string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return int64(len(data)), ok, nil
}

func (m *MemoryFileStore) OpenAt(path string, offset int64) (dl.ChunkWriter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := m.files[path]
	if int64(len(data)) < offset {
		return nil, fmt.Errorf("cannot open %s at %d: file has %d bytes", path, offset, len(data))
	}
	m.files[path] = data[:offset:offset]
	return &memoryWriter{store: m, path: path}, nil
}

func (m *MemoryFileStore) HashPrefix(path string, n int64) (hash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	if int64(len(data)) < n {
		return nil, fmt.Errorf("%s has %d bytes, want %d", path, len(data), n)
	}
	h := sha256.New()
	h.Write(data[:n])
	return h, nil
}

func (m *MemoryFileStore) Finalize(partialPath, targetPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[partialPath]
	if !ok {
		return fmt.Errorf("file not found: %s", partialPath)
	}
	m.files[targetPath] = data
	delete(m.files, partialPath)
	return nil
}

func (m *MemoryFileStore) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

type memoryWriter struct {
	store  *MemoryFileStore
	path   string
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("write to closed file %s", w.path)
	}
	if w.store.WriteErr != nil {
		return 0, w.store.WriteErr
	}
	w.store.files[w.path] = append(w.store.files[w.path], p...)
	return len(p), nil
}

func (w *memoryWriter) Sync() error { return nil }

func (w *memoryWriter) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.closed = true
	return nil
}

var _ dl.FileStore = (*MemoryFileStore)(nil)

package dl

import "hash"

// FileStore abstracts the local files a download is written to.
type FileStore interface {
	// Stat returns the size of path and whether it exists.
	Stat(path string) (size int64, exists bool, err error)

	// OpenAt opens path for writing, truncating it to offset and positioning
	// the writer there. Missing parent directories are created.
	OpenAt(path string, offset int64) (ChunkWriter, error)

	// HashPrefix returns a SHA-256 hash that has consumed the first n bytes
	// of path. It fails if the file is shorter than n.
	HashPrefix(path string, n int64) (hash.Hash, error)

	// Finalize moves a finished partial file to its target path.
	Finalize(partialPath, targetPath string) error

	// Remove deletes path. Missing files are not an error.
	Remove(path string) error
}

// ChunkWriter receives whole chunks. Sync is called after every chunk so
// that recorded progress never runs ahead of the bytes on disk.
type ChunkWriter interface {
	Write(p []byte) (int, error)
	Sync() error
	Close() error
}

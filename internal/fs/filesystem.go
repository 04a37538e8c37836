package fs

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"chandl/internal/dl"
)

// OSFileStore is the real filesystem implementation of dl.FileStore.
type OSFileStore struct{}

// NewOSFileStore creates a file store that operates on the real filesystem.
func NewOSFileStore() *OSFileStore {
	return &OSFileStore{}
}

// Stat returns the size of a regular file. Missing files are reported with
// exists false and no error.
func (s *OSFileStore) Stat(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return 0, false, fmt.Errorf("not a regular file: %s", path)
	}
	return info.Size(), true, nil
}

// OpenAt opens path for writing at offset, dropping anything after it.
func (s *OSFileStore) OpenAt(path string, offset int64) (dl.ChunkWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating %s: %w", path, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking %s: %w", path, err)
	}
	return f, nil
}

// HashPrefix returns a SHA-256 hash over the first n bytes of path.
func (s *OSFileStore) HashPrefix(path string, n int64) (hash.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	copied, err := io.CopyN(h, f, n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s has %d bytes, want at least %d", path, copied, n)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return h, nil
}

// Finalize renames the partial file onto the target path.
func (s *OSFileStore) Finalize(partialPath, targetPath string) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.Rename(partialPath, targetPath); err != nil {
		return fmt.Errorf("renaming %s: %w", partialPath, err)
	}
	return nil
}

// Remove deletes path if it exists.
func (s *OSFileStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// FileEntry is a regular file found by ListFiles.
type FileEntry struct {
	Path string // relative to the listed directory
	Info fs.FileInfo
}

// ListFiles discovers regular files under dir. Hidden files and partial
// downloads are skipped. Paths are relative to dir.
func ListFiles(dir string, recursive bool) ([]FileEntry, error) {
	var entries []FileEntry

	if recursive {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != dir && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || skipName(d.Name()) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", p, err)
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			entries = append(entries, FileEntry{Path: rel, Info: info})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking directory: %w", err)
		}
		return entries, nil
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	for _, entry := range dirEntries {
		if !entry.Type().IsRegular() || skipName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		entries = append(entries, FileEntry{Path: entry.Name(), Info: info})
	}
	return entries, nil
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, dl.PartialSuffix)
}

var _ dl.FileStore = (*OSFileStore)(nil)

package source

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chandl/internal/dl"
	chfs "chandl/internal/fs"
)

// FileSystemSource treats each sub-directory of a root as a channel and
// each regular file in it as a message. Message ids follow modification
// time, oldest first, so files added later get higher ids.
type FileSystemSource struct {
	root string
}

var _ dl.Source = (*FileSystemSource)(nil)

// NewFileSystemSource checks that root is a readable directory.
func NewFileSystemSource(root string) (*FileSystemSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source root not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root is not a directory: %s", root)
	}
	return &FileSystemSource{root: root}, nil
}

// ChannelID derives a stable positive id from a directory name.
func ChannelID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64() >> 1)
}

func (s *FileSystemSource) ResolveChannel(ctx context.Context, ref dl.ChannelRef) (*dl.ChannelHandle, error) {
	name := ref.Username
	if name == "" {
		found, err := s.nameForID(ref.ID)
		if err != nil {
			return nil, err
		}
		if found == "" {
			return nil, &dl.NotFoundError{Ref: ref.String()}
		}
		name = found
	}

	dir := filepath.Join(s.root, name)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &dl.NotFoundError{Ref: ref.String()}
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, &dl.AccessDeniedError{Ref: ref.String(), Reason: err.Error()}
		}
		return nil, fmt.Errorf("resolving %s: %w", ref, err)
	}
	if !info.IsDir() || strings.HasPrefix(name, ".") {
		return nil, &dl.NotFoundError{Ref: ref.String()}
	}
	if _, err := os.ReadDir(dir); err != nil && errors.Is(err, fs.ErrPermission) {
		return nil, &dl.AccessDeniedError{Ref: ref.String(), Reason: err.Error()}
	}

	return &dl.ChannelHandle{ID: ChannelID(name), Title: name, Username: name}, nil
}

func (s *FileSystemSource) nameForID(id int64) (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("reading source root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && ChannelID(e.Name()) == id {
			return e.Name(), nil
		}
	}
	return "", nil
}

func (s *FileSystemSource) ListMedia(ctx context.Context, ch *dl.ChannelHandle, limit int) (dl.MediaIter, error) {
	files, err := chfs.ListFiles(filepath.Join(s.root, ch.Username), false)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", ch.Username, err)
	}

	sort.Slice(files, func(i, j int) bool {
		ti, tj := files[i].Info.ModTime(), files[j].Info.ModTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return files[i].Path < files[j].Path
	})

	items := make([]dl.MediaItem, 0, len(files))
	for i, f := range files {
		items = append(items, s.itemFor(ch, int64(i+1), f))
	}
	sortNewestFirst(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return dl.NewSliceIter(items), nil
}

func (s *FileSystemSource) itemFor(ch *dl.ChannelHandle, id int64, f chfs.FileEntry) dl.MediaItem {
	name := filepath.Base(f.Path)
	return dl.MediaItem{
		Key:       dl.Key{ChannelID: ch.ID, MessageID: id},
		Kind:      kindForName(name),
		Size:      f.Info.Size(),
		FileName:  name,
		MimeType:  mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
		SourceRef: filepath.Join(s.root, ch.Username, f.Path),
		Date:      f.Info.ModTime(),
	}
}

func kindForName(name string) dl.MediaKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4", ".mkv", ".mov", ".webm", ".avi", ".m4v":
		return dl.KindVideo
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic":
		return dl.KindPhoto
	default:
		return dl.KindDocument
	}
}

func (s *FileSystemSource) FetchRange(ctx context.Context, item dl.MediaItem, offset int64, maxBytes int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(item.SourceRef)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, &dl.PermanentItemError{Key: item.Key, Reason: err.Error()}
		}
		return nil, &dl.TransientError{Op: "open", Err: err}
	}
	defer f.Close()

	buf := make([]byte, maxBytes)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &dl.TransientError{Op: "read", Err: err}
	}
	return buf[:n], nil
}

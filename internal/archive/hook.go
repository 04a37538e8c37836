package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"chandl/internal/dl"
)

// EncryptedSuffix is appended to keys of encrypted archive copies.
const EncryptedSuffix = ".age"

// Hook mirrors each completed download into an archive and records where it
// went. With an encryptor set, only ciphertext leaves the machine.
type Hook struct {
	archive   dl.Archive
	encryptor dl.Encryptor
	ledger    dl.Ledger
	logger    dl.Logger
}

var _ dl.CompletionHook = (*Hook)(nil)

// NewHook creates a completion hook. encryptor may be nil.
func NewHook(archive dl.Archive, encryptor dl.Encryptor, ledger dl.Ledger, logger dl.Logger) *Hook {
	if logger == nil {
		logger = dl.NewNopLogger()
	}
	return &Hook{archive: archive, encryptor: encryptor, ledger: ledger, logger: logger}
}

// ObjectKey names the archive copy of a record: "<channel>/<message>-<file>".
// File names that already carry the message prefix are used as is.
func (h *Hook) ObjectKey(rec *dl.DownloadRecord) string {
	base := filepath.Base(rec.TargetPath)
	prefix := strconv.FormatInt(rec.Key.MessageID, 10) + "-"
	if !strings.HasPrefix(base, prefix) {
		base = prefix + base
	}
	key := fmt.Sprintf("%d/%s", rec.Key.ChannelID, base)
	if h.encryptor != nil {
		key += EncryptedSuffix
	}
	return key
}

func (h *Hook) OnComplete(ctx context.Context, rec *dl.DownloadRecord, item dl.MediaItem) error {
	key := h.ObjectKey(rec)

	exists, err := h.archive.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("checking archive for %s: %w", rec.Key, err)
	}
	if exists {
		h.logger.Debug("archive copy already present", "key", rec.Key.String(), "object", key)
		return nil
	}

	f, err := os.Open(rec.TargetPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", rec.TargetPath, err)
	}
	defer f.Close()

	var location string
	if h.encryptor == nil {
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", rec.TargetPath, err)
		}
		location, err = h.archive.Put(ctx, key, f, info.Size())
		if err != nil {
			return fmt.Errorf("archiving %s: %w", rec.Key, err)
		}
	} else {
		location, err = h.putEncrypted(ctx, key, f)
		if err != nil {
			return fmt.Errorf("archiving %s: %w", rec.Key, err)
		}
	}

	if err := h.ledger.SetArchived(ctx, rec.Key, location); err != nil {
		return fmt.Errorf("recording archive location for %s: %w", rec.Key, err)
	}
	h.logger.Info("archived download", "key", rec.Key.String(), "location", location)
	return nil
}

// putEncrypted streams the ciphertext straight into the archive.
func (h *Hook) putEncrypted(ctx context.Context, key string, plain io.Reader) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(h.encryptor.Encrypt(plain, pw))
	}()

	location, err := h.archive.Put(ctx, key, pr, -1)
	// Unblocks the encrypting goroutine if Put returned early.
	pr.CloseWithError(io.ErrClosedPipe)
	return location, err
}

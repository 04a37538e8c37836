package archive

import (
	"context"
	"fmt"

	"chandl/internal/config"
	"chandl/internal/dl"
)

// NewArchiveFromConfig returns the configured archive, or nil when
// archiving is disabled.
func NewArchiveFromConfig(ctx context.Context, cfg config.ArchiveConfig) (dl.Archive, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "memory":
		return NewMemoryArchive(), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem archive requires root to be set")
		}
		a, err := NewFileSystemArchive(cfg.Root)
		if err != nil {
			return nil, err
		}
		if err := a.ValidateSetup(); err != nil {
			return nil, err
		}
		return a, nil
	case "s3":
		a, err := NewS3Archive(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown archive type: %q", cfg.Type)
	}
}

package source

import (
	"fmt"
	"time"

	"chandl/internal/config"
	"chandl/internal/dl"
)

// NewSourceFromConfig creates the configured media source.
func NewSourceFromConfig(cfg config.SourceConfig, logger dl.Logger) (dl.Source, error) {
	switch cfg.Type {
	case "memory":
		return NewMemorySource(), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem source requires root to be set")
		}
		s, err := NewFileSystemSource(cfg.Root)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "telegram", "":
		s, err := NewBotSource(BotOptions{
			Token:          cfg.BotToken,
			APIEndpoint:    cfg.APIEndpoint,
			FileEndpoint:   cfg.FileEndpoint,
			RequestTimeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown source type: %q", cfg.Type)
	}
}

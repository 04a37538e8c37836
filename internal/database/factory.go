package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chandl/internal/config"
	"chandl/internal/dl"
)

// Store is a ledger that also records operations.
type Store interface {
	dl.Ledger
	dl.OperationLog
}

// NewLedgerFromConfig creates a ledger based on the database config type.
func NewLedgerFromConfig(cfg config.DatabaseConfig, hostID string, clock dl.Clock) (Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		return openSQLite(filepath.Join(cfg.DataDir, hostID+".db"), clock)
	case "memory":
		return openSQLite(":memory:", clock)
	case "mongo":
		if cfg.MongoURI == "" {
			return nil, fmt.Errorf("mongo_uri required for mongo database")
		}
		name := cfg.MongoDatabase
		if name == "" {
			name = "chandl"
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		l, err := NewMongoLedger(ctx, cfg.MongoURI, name, clock)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}

func openSQLite(path string, clock dl.Clock) (Store, error) {
	l, err := NewSQLiteLedger(path, clock)
	if err != nil {
		return nil, err
	}
	return l, nil
}

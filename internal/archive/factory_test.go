package archive

import (
	"context"
	"path/filepath"
	"testing"

	"chandl/internal/config"
)

func TestNewArchiveFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ArchiveConfig
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: config.ArchiveConfig{Type: "none"}, wantNil: true},
		{name: "empty type", cfg: config.ArchiveConfig{}, wantNil: true},
		{name: "memory", cfg: config.ArchiveConfig{Type: "memory"}},
		{name: "filesystem", cfg: config.ArchiveConfig{Type: "filesystem", Root: filepath.Join(t.TempDir(), "mirror")}},
		{name: "filesystem without root", cfg: config.ArchiveConfig{Type: "filesystem"}, wantErr: true},
		{name: "s3 without bucket", cfg: config.ArchiveConfig{Type: "s3"}, wantErr: true},
		{name: "unknown", cfg: config.ArchiveConfig{Type: "ftp"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewArchiveFromConfig(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewArchiveFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if (a == nil) != tt.wantNil {
				t.Errorf("NewArchiveFromConfig() = %v, wantNil %v", a, tt.wantNil)
			}
		})
	}
}

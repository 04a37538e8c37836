package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("test-host-abc", "/home/user/.local/share/chandl")
	original.Downloads.MaxConcurrentDownloads = 5
	original.RateLimit = RateLimitConfig{BytesPerSecond: "2 MiB", MaxRate: 10, TimePeriod: 60}
	original.Archive = ArchiveConfig{Type: "s3", S3Bucket: "media", S3Prefix: "chandl/", S3Region: "eu-west-1"}
	original.Filters = FiltersConfig{Ignore: []string{"*.zip"}, Kinds: []string{"video"}}

	var buf bytes.Buffer
	m := &Manager{}
	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.HostID != original.HostID {
		t.Errorf("HostID = %q, want %q", got.HostID, original.HostID)
	}
	if got.Downloads != original.Downloads {
		t.Errorf("Downloads = %+v, want %+v", got.Downloads, original.Downloads)
	}
	if got.RateLimit != original.RateLimit {
		t.Errorf("RateLimit = %+v, want %+v", got.RateLimit, original.RateLimit)
	}
	if got.Archive != original.Archive {
		t.Errorf("Archive = %+v, want %+v", got.Archive, original.Archive)
	}
	if got.Database != original.Database {
		t.Errorf("Database = %+v, want %+v", got.Database, original.Database)
	}
	if len(got.Filters.Ignore) != 1 || got.Filters.Ignore[0] != "*.zip" {
		t.Errorf("Filters.Ignore = %v, want [*.zip]", got.Filters.Ignore)
	}
	if len(got.Filters.Kinds) != 1 || got.Filters.Kinds[0] != "video" {
		t.Errorf("Filters.Kinds = %v, want [video]", got.Filters.Kinds)
	}
}

func TestManager_Read_AllKeys(t *testing.T) {
	input := `
host_id = "h"
base_dir = "/data"

[downloads]
download_dir = "/data/media"
max_concurrent_downloads = 2
retry_attempts = 4
backoff_base_ms = 100
backoff_cap_ms = 1000
chunk_size = 65536
chunk_timeout_ms = 5000
queue_size = 8
shutdown_grace_ms = 2000
verify_mode = "length"

[rate_limit]
bytes_per_second = "1 MB"
max_rate = 30
time_period = 1.5

[source]
type = "filesystem"
root = "/srv/channels"
`
	got, err := (&Manager{}).Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	d := got.Downloads
	if d.DownloadDir != "/data/media" || d.MaxConcurrentDownloads != 2 || d.RetryAttempts != 4 ||
		d.BackoffBaseMs != 100 || d.BackoffCapMs != 1000 || d.ChunkSize != 65536 ||
		d.ChunkTimeoutMs != 5000 || d.QueueSize != 8 || d.ShutdownGraceMs != 2000 || d.VerifyMode != "length" {
		t.Errorf("Downloads = %+v", d)
	}
	if got.RateLimit.BytesPerSecond != "1 MB" || got.RateLimit.MaxRate != 30 || got.RateLimit.TimePeriod != 1.5 {
		t.Errorf("RateLimit = %+v", got.RateLimit)
	}
	if got.Source.Type != "filesystem" || got.Source.Root != "/srv/channels" {
		t.Errorf("Source = %+v", got.Source)
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("host-1", "/data/chandl")

	if cfg.HostID != "host-1" {
		t.Errorf("HostID = %q, want %q", cfg.HostID, "host-1")
	}
	if cfg.LogDir != "/data/chandl/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/chandl/log")
	}
	if cfg.Downloads.DownloadDir != "/data/chandl/downloads" {
		t.Errorf("Downloads.DownloadDir = %q", cfg.Downloads.DownloadDir)
	}
	if cfg.Database.DataDir != "/data/chandl/db" {
		t.Errorf("Database.DataDir = %q", cfg.Database.DataDir)
	}
	if cfg.Encryption.PublicKeyPath != "/data/chandl/keys/chandl.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
	if cfg.Downloads.VerifyMode != "checksum" {
		t.Errorf("Downloads.VerifyMode = %q, want checksum", cfg.Downloads.VerifyMode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults error = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing download dir", mutate: func(c *Config) { c.Downloads.DownloadDir = "" }, wantErr: true},
		{name: "negative workers", mutate: func(c *Config) { c.Downloads.MaxConcurrentDownloads = -1 }, wantErr: true},
		{name: "unknown verify mode", mutate: func(c *Config) { c.Downloads.VerifyMode = "md5" }, wantErr: true},
		{name: "length verify mode", mutate: func(c *Config) { c.Downloads.VerifyMode = "length" }},
		{name: "negative rate", mutate: func(c *Config) { c.RateLimit.MaxRate = -5 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("h", "/data")
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "chandl.toml")
		if err := Init(path, NewConfig("h1", dir)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("config file not created: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("config file mode = %o, want 600", perm)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "chandl.toml")
		cfg := NewConfig("h1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}
		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "chandl.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.HostID != "read-test" {
			t.Errorf("HostID = %q, want %q", got.HostID, "read-test")
		}
		if got.Database.Type != "memory" {
			t.Errorf("Database.Type = %q, want memory", got.Database.Type)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/chandl.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}

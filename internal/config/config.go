package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for chandl.
type Config struct {
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Downloads  DownloadsConfig  `toml:"downloads"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Database   DatabaseConfig   `toml:"database"`
	Source     SourceConfig     `toml:"source"`
	Archive    ArchiveConfig    `toml:"archive"`
	Encryption EncryptionConfig `toml:"encryption"`
	Filters    FiltersConfig    `toml:"filters"`
	StatusAPI  StatusAPIConfig  `toml:"status_api"`
}

// DownloadsConfig controls where files go and how the scheduler behaves.
// Zero values fall back to the scheduler defaults.
type DownloadsConfig struct {
	DownloadDir            string `toml:"download_dir"`
	MaxConcurrentDownloads int    `toml:"max_concurrent_downloads"`
	RetryAttempts          int    `toml:"retry_attempts"`
	BackoffBaseMs          int    `toml:"backoff_base_ms"`
	BackoffCapMs           int    `toml:"backoff_cap_ms"`
	ChunkSize              int    `toml:"chunk_size"`
	ChunkTimeoutMs         int    `toml:"chunk_timeout_ms"`
	QueueSize              int    `toml:"queue_size"`
	ShutdownGraceMs        int    `toml:"shutdown_grace_ms"`
	VerifyMode             string `toml:"verify_mode"` // "checksum" (default) or "length"
	ScanLimit              int    `toml:"scan_limit"`  // newest messages to list, 0 = all
}

// RateLimitConfig configures the shared rate budgets. Zero means unlimited.
type RateLimitConfig struct {
	BytesPerSecond string  `toml:"bytes_per_second"` // e.g. "2 MiB"
	MaxRate        int     `toml:"max_rate"`         // chunk requests per time_period
	TimePeriod     float64 `toml:"time_period"`      // seconds, defaults to 1
}

// DatabaseConfig represents configuration for the download ledger.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite", "memory" or "mongo"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite

	// Mongo-specific fields (only used when Type == "mongo").
	// The URI is usually supplied through CHANDL_MONGO_URI.
	MongoURI      string `toml:"mongo_uri,omitempty"`
	MongoDatabase string `toml:"mongo_database,omitempty"`
}

// SourceConfig selects where channels and media come from.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type SourceConfig struct {
	Type string `toml:"type"` // "telegram", "filesystem" or "memory"

	// Filesystem-specific: each sub-directory of Root is a channel.
	Root string `toml:"root,omitempty"`

	// Telegram-specific. The token is usually supplied through CHANDL_BOT_TOKEN.
	BotToken         string `toml:"bot_token,omitempty"`
	APIEndpoint      string `toml:"api_endpoint,omitempty"`  // format with %s token and %s method
	FileEndpoint     string `toml:"file_endpoint,omitempty"` // format with %s token and %s file path
	RequestTimeoutMs int    `toml:"request_timeout_ms,omitempty"`
}

// ArchiveConfig configures where completed downloads are mirrored.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "none" (default), "memory", "filesystem" or "s3"

	// Filesystem-specific fields.
	Root string `toml:"root,omitempty"`

	// S3-specific fields. Credentials fall back to the default AWS chain.
	S3Bucket        string `toml:"s3_bucket,omitempty"`
	S3Prefix        string `toml:"s3_prefix,omitempty"`
	S3Region        string `toml:"s3_region,omitempty"`
	S3Endpoint      string `toml:"s3_endpoint,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty"`
	SecretAccessKey string `toml:"secret_access_key,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for archive copies.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "none" (default), "age" or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
	Armor          bool   `toml:"armor,omitempty"` // ASCII-armored ciphertext
}

// FiltersConfig hides media from listings.
type FiltersConfig struct {
	Ignore []string `toml:"ignore"` // glob patterns matched against file names
	Kinds  []string `toml:"kinds"`  // "video", "photo", "document"; empty lists all
}

// StatusAPIConfig configures the read-only HTTP progress API.
type StatusAPIConfig struct {
	Addr             string   `toml:"addr"` // e.g. "127.0.0.1:8787"; empty disables it
	UpdateIntervalMs int      `toml:"update_interval_ms"`
	AllowOrigins     []string `toml:"allow_origins,omitempty"` // empty allows any origin
}

// NewConfig creates a new Config with the provided values and defaults that
// keep everything under baseDir.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Downloads: DownloadsConfig{
			DownloadDir:            filepath.Join(baseDir, "downloads"),
			MaxConcurrentDownloads: 3,
			RetryAttempts:          3,
			BackoffBaseMs:          500,
			BackoffCapMs:           30000,
			ChunkSize:              512 * 1024,
			ChunkTimeoutMs:         30000,
			QueueSize:              64,
			ShutdownGraceMs:        5000,
			VerifyMode:             "checksum",
			ScanLimit:              100,
		},
		RateLimit: RateLimitConfig{MaxRate: 20, TimePeriod: 1},
		Database:  DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Source:    SourceConfig{Type: "telegram", RequestTimeoutMs: 60000},
		Archive:   ArchiveConfig{Type: "none"},
		Encryption: EncryptionConfig{
			Type:           "none",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "chandl.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "chandl.key"),
		},
		StatusAPI: StatusAPIConfig{UpdateIntervalMs: 1000},
	}
}

// Validate checks settings that would otherwise fail deep inside a download.
func (c *Config) Validate() error {
	d := c.Downloads
	if d.DownloadDir == "" {
		return fmt.Errorf("downloads.download_dir is required")
	}
	if d.MaxConcurrentDownloads < 0 || d.RetryAttempts < 0 || d.ChunkSize < 0 || d.QueueSize < 0 {
		return fmt.Errorf("downloads settings must not be negative")
	}
	switch d.VerifyMode {
	case "", "checksum", "length":
	default:
		return fmt.Errorf("downloads.verify_mode must be \"checksum\" or \"length\", got %q", d.VerifyMode)
	}
	if c.RateLimit.MaxRate < 0 || c.RateLimit.TimePeriod < 0 {
		return fmt.Errorf("rate_limit settings must not be negative")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may hold a bot token or S3 keys.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to a new config file at path. It refuses to overwrite.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

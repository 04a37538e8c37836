package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"chandl/internal/config"
)

// Environment variables read by chandl.
const (
	EnvConfigPath = "CHANDL_CONFIG_PATH"
	EnvHome       = "CHANDL_HOME"
	EnvBotToken   = "CHANDL_BOT_TOKEN"
	EnvMongoURI   = "CHANDL_MONGO_URI"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - CHANDL_CONFIG_PATH: config file location (default: ~/.config/chandl.toml)
//   - CHANDL_HOME: base directory for chandl data (default: ~/.local/share/chandl)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "chandl.toml"), nil
}

func getBaseDir() (string, error) {
	if path := os.Getenv(EnvHome); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "chandl"), nil
}

// LoadEnv reads KEY=value lines from .env in the working directory and then
// from baseDir/.env. Variables already set in the environment are kept.
func LoadEnv(baseDir string) error {
	for _, path := range []string{".env", filepath.Join(baseDir, ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overrides secrets in cfg with values from the environment.
func ApplyEnv(cfg *config.Config) {
	if v := os.Getenv(EnvBotToken); v != "" {
		cfg.Source.BotToken = v
	}
	if v := os.Getenv(EnvMongoURI); v != "" {
		cfg.Database.MongoURI = v
	}
}

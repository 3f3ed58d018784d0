// Package config loads runtime configuration from the environment, with an
// optional .dmms/config.yml overlay for per-project overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/dmms-io/dmms/internal/dmmserr"
)

// ChromaMode selects the vector-store gateway implementation.
type ChromaMode string

const (
	ChromaPersistent ChromaMode = "persistent"
	ChromaServer     ChromaMode = "server"
)

// Config is the construction-time context threaded through components.
// There are no config singletons; whoever builds a component hands it the
// piece of Config it needs.
type Config struct {
	// Vector store
	ChromaMode     ChromaMode
	ChromaDataPath string
	ChromaHost     string
	ChromaPort     int

	// VCS
	DoltRepositoryPath string
	DoltExecutablePath string
	DoltRemoteName     string
	DoltRemoteURL      string
	DoltCommandTimeout time.Duration

	// Transport tuning
	ConnectionTimeout time.Duration
	BulkDocTimeout    time.Duration
	BufferSize        int
	MaxRetries        int
	RetryDelay        time.Duration

	// Logging
	EnableLogging bool
	LogLevel      string
	LogFileName   string
}

// Load builds a Config from environment variables, applying defaults and an
// optional <projectDir>/.dmms/config.yml overlay. Env vars win over the file.
func Load(projectDir string) (*Config, error) {
	v := viper.New()

	v.SetDefault("CHROMA_MODE", string(ChromaPersistent))
	v.SetDefault("CHROMA_DATA_PATH", "./chroma_data")
	v.SetDefault("CHROMA_HOST", "localhost")
	v.SetDefault("CHROMA_PORT", 8000)
	v.SetDefault("DOLT_REPOSITORY_PATH", "./dolt_repo")
	v.SetDefault("DOLT_EXECUTABLE_PATH", "dolt")
	v.SetDefault("DOLT_REMOTE_NAME", "origin")
	v.SetDefault("DOLT_REMOTE_URL", "")
	v.SetDefault("DOLT_COMMAND_TIMEOUT", "30s")
	v.SetDefault("CONNECTION_TIMEOUT", "30s")
	v.SetDefault("BULK_DOC_TIMEOUT", "120s")
	v.SetDefault("BUFFER_SIZE", 8192)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_DELAY", "1s")
	v.SetDefault("ENABLE_LOGGING", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE_NAME", "dmms.log")

	if projectDir != "" {
		v.SetConfigType("yaml")
		v.SetConfigFile(filepath.Join(projectDir, ".dmms", "config.yml"))
		// Missing file is fine; a present but unreadable file is not.
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
				return nil, fmt.Errorf("reading .dmms/config.yml: %w", err)
			}
		}
	}

	v.AutomaticEnv()

	cfg := &Config{
		ChromaMode:         ChromaMode(v.GetString("CHROMA_MODE")),
		ChromaDataPath:     v.GetString("CHROMA_DATA_PATH"),
		ChromaHost:         v.GetString("CHROMA_HOST"),
		ChromaPort:         v.GetInt("CHROMA_PORT"),
		DoltRepositoryPath: v.GetString("DOLT_REPOSITORY_PATH"),
		DoltExecutablePath: v.GetString("DOLT_EXECUTABLE_PATH"),
		DoltRemoteName:     v.GetString("DOLT_REMOTE_NAME"),
		DoltRemoteURL:      v.GetString("DOLT_REMOTE_URL"),
		DoltCommandTimeout: v.GetDuration("DOLT_COMMAND_TIMEOUT"),
		ConnectionTimeout:  v.GetDuration("CONNECTION_TIMEOUT"),
		BulkDocTimeout:     v.GetDuration("BULK_DOC_TIMEOUT"),
		BufferSize:         v.GetInt("BUFFER_SIZE"),
		MaxRetries:         v.GetInt("MAX_RETRIES"),
		RetryDelay:         v.GetDuration("RETRY_DELAY"),
		EnableLogging:      v.GetBool("ENABLE_LOGGING"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		LogFileName:        v.GetString("LOG_FILE_NAME"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum fields and numeric ranges.
func (c *Config) Validate() error {
	switch c.ChromaMode {
	case ChromaPersistent, ChromaServer:
	default:
		return dmmserr.Validationf("CHROMA_MODE %q (want persistent or server)", c.ChromaMode)
	}
	if c.ChromaMode == ChromaServer && c.ChromaHost == "" {
		return dmmserr.Validationf("CHROMA_HOST required in server mode")
	}
	if c.MaxRetries < 0 {
		return dmmserr.Validationf("MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.DoltCommandTimeout <= 0 {
		return dmmserr.Validationf("DOLT_COMMAND_TIMEOUT must be positive")
	}
	return nil
}

// TrackerDBPath derives the pending-op database location. The dev segment
// keeps test databases away from production data.
func (c *Config) TrackerDBPath() string {
	return filepath.Join(c.ChromaDataPath, "dev", "deletion_tracking.db")
}

// isNotExist unwraps the fs error viper surfaces for explicit
// SetConfigFile paths that do not exist.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

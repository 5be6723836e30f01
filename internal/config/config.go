// Package config loads and persists gardensync settings.
//
// Values come from, in order of precedence: explicit Set calls, GARDENSYNC_*
// environment variables, the TOML config file and built-in defaults.
// Nested keys map to environment variables with "." replaced by "_", so
// log.file is GARDENSYNC_LOG_FILE.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the resolved configuration of one gardensync process.
type Config struct {
	RelayURL   string    `mapstructure:"relay_url"`
	Session    string    `mapstructure:"session"`
	NamePrefix string    `mapstructure:"name_prefix"`
	GardensDir string    `mapstructure:"gardens_dir"`
	ListenAddr string    `mapstructure:"listen_addr"`
	HistoryDB  string    `mapstructure:"history_db"`
	Log        LogConfig `mapstructure:"log"`
}

// LogConfig controls where component logs go.
type LogConfig struct {
	// File, when set, receives all logs with rotation instead of stderr
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ErrUnknownKey is returned by Set and Get for keys that are not settings.
var ErrUnknownKey = errors.New("unknown config key")

// Keys lists every settable key.
var Keys = []string{
	"relay_url",
	"session",
	"name_prefix",
	"gardens_dir",
	"listen_addr",
	"history_db",
	"log.file",
	"log.max_size_mb",
	"log.max_backups",
	"log.max_age_days",
}

// Store wraps a viper instance bound to one config file.
type Store struct {
	v    *viper.Viper
	path string
}

// DefaultPath returns ~/.config/gardensync/config.toml, honouring
// XDG_CONFIG_HOME.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "gardensync", "config.toml")
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "gardensync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "gardensync")
	}
	return "."
}

// Load reads the config file at path (DefaultPath when empty). A missing
// file is not an error.
func Load(path string) (*Store, error) {
	if path == "" {
		if envPath := os.Getenv("GARDENSYNC_CONFIG"); envPath != "" {
			path = envPath
		} else {
			path = DefaultPath()
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("GARDENSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	data := dataDir()
	v.SetDefault("relay_url", "ws://localhost:8787/ws")
	v.SetDefault("session", "")
	v.SetDefault("name_prefix", "")
	v.SetDefault("gardens_dir", filepath.Join(data, "gardens"))
	v.SetDefault("listen_addr", "")
	v.SetDefault("history_db", filepath.Join(data, "history.db"))
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	return &Store{v: v, path: path}, nil
}

// Path returns the config file location.
func (s *Store) Path() string {
	return s.path
}

// Config decodes the current settings.
func (s *Store) Config() (*Config, error) {
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Get returns the resolved value of key as a string.
func (s *Store) Get(key string) (string, error) {
	if !slices.Contains(Keys, key) {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return s.v.GetString(key), nil
}

// Set changes key for this process. Call Save to persist it.
func (s *Store) Set(key, value string) error {
	if !slices.Contains(Keys, key) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	s.v.Set(key, value)
	return nil
}

// Save writes every setting back to the config file.
func (s *Store) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", s.path, err)
	}
	return nil
}

// LogWriter returns where component loggers should write: a rotating file
// when log.file is set, stderr otherwise.
func (c LogConfig) LogWriter() io.Writer {
	if c.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    max(c.MaxSizeMB, 1),
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
	}
}

// NewLogger builds a component logger with the usual "[name] " prefix.
func NewLogger(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

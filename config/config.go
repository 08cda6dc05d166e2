package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"filerelay/transfer"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "filerelay"
	// DefaultListenPort is the TCP port receivers listen on.
	DefaultListenPort = 9750
	// EnvPrefix prefixes environment overrides, e.g. FILERELAY_DEFAULT_KEY.
	EnvPrefix = "FILERELAY"
	// DataDirEnv overrides the data directory.
	DataDirEnv = EnvPrefix + "_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Config contains persistent local settings.
type Config struct {
	DeviceID    string `json:"device_id" mapstructure:"device_id"`
	DeviceName  string `json:"device_name" mapstructure:"device_name"`
	ListenPort  int    `json:"listen_port" mapstructure:"listen_port"`
	ChunkSize   int    `json:"chunk_size" mapstructure:"chunk_size"`
	DefaultKey  string `json:"default_key" mapstructure:"default_key"`
	PreferRoute string `json:"prefer_route" mapstructure:"prefer_route"`
	AutoAccept  bool   `json:"auto_accept" mapstructure:"auto_accept"`
	FilesDir    string `json:"files_dir" mapstructure:"files_dir"`
}

// TransferOptions maps the settings the transfer engine reads.
func (c *Config) TransferOptions() transfer.Options {
	return transfer.Options{
		ChunkSize:   c.ChunkSize,
		DefaultKey:  c.DefaultKey,
		PreferRoute: c.PreferRoute,
		AutoAccept:  c.AutoAccept,
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FILERELAY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads config.json through viper, applying FILERELAY_* environment
// overrides on top of the file and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	dataDir := filepath.Dir(path)
	v.SetDefault("device_id", "")
	v.SetDefault("device_name", "")
	v.SetDefault("listen_port", DefaultListenPort)
	v.SetDefault("chunk_size", transfer.DefaultChunkSize)
	v.SetDefault("default_key", "")
	v.SetDefault("prefer_route", "")
	v.SetDefault("auto_accept", true)
	v.SetDefault("files_dir", filepath.Join(dataDir, "files"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ChunkSize = transfer.ClampChunkSize(cfg.ChunkSize)

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// effective config, its path and the data directory.
func LoadOrCreate() (*Config, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	stored, err := readFile(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		stored = defaultConfig(dataDir)
		if err := Save(cfgPath, stored); err != nil {
			return nil, "", "", err
		}
	case err != nil:
		return nil, "", "", err
	default:
		// Normalize the file itself so env overrides are never persisted.
		if normalizeDefaults(stored, dataDir) {
			if err := Save(cfgPath, stored); err != nil {
				return nil, "", "", err
			}
		}
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		return nil, "", "", err
	}
	return cfg, cfgPath, dataDir, nil
}

func readFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func defaultConfig(dataDir string) *Config {
	return &Config{
		DeviceID:   uuid.NewString(),
		DeviceName: hostDeviceName(),
		ListenPort: DefaultListenPort,
		ChunkSize:  transfer.DefaultChunkSize,
		AutoAccept: true,
		FilesDir:   filepath.Join(dataDir, "files"),
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = hostDeviceName()
		updated = true
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		cfg.ListenPort = DefaultListenPort
		updated = true
	}
	if clamped := transfer.ClampChunkSize(cfg.ChunkSize); clamped != cfg.ChunkSize {
		cfg.ChunkSize = clamped
		updated = true
	}
	if cfg.FilesDir == "" {
		cfg.FilesDir = filepath.Join(dataDir, "files")
		updated = true
	}

	return updated
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "filerelay device"
}

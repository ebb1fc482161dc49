package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "filedrop"
	// DefaultNegotiationPort is the TCP port for the negotiation channel.
	DefaultNegotiationPort = 5051
	// DefaultHTTPPort is the port for the payload/query HTTP server.
	DefaultHTTPPort = 5050
	// ServiceNamePrefix prefixes every advertised service instance name.
	ServiceNamePrefix = "FileShare-"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceName      string `json:"device_name"`
	ServiceName     string `json:"service_name"`
	NegotiationPort int    `json:"negotiation_port"`
	HTTPPort        int    `json:"http_port"`
	UploadDir       string `json:"upload_dir"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FILEDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("FILEDROP_DATA_DIR"); override != "" {
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
		filepath.Join(dataDir, "uploads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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

// LoadOrCreate ensures the directory layout and config file exist, then
// returns the config along with the data directory.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, dataDir, nil
}

// NewServiceName generates a fresh advertised service instance name.
//
// The 4-character suffix keeps instance names unique on a segment while
// matching the FileShare-[a-z0-9]{4} pattern other devices filter on.
func NewServiceName() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return ServiceNamePrefix + suffix
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceName:      defaultDeviceName(),
		ServiceName:     NewServiceName(),
		NegotiationPort: DefaultNegotiationPort,
		HTTPPort:        DefaultHTTPPort,
		UploadDir:       filepath.Join(dataDir, "uploads"),
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "FileDrop Device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	if !strings.HasPrefix(cfg.ServiceName, ServiceNamePrefix) {
		cfg.ServiceName = NewServiceName()
		updated = true
	}

	if cfg.NegotiationPort <= 0 {
		cfg.NegotiationPort = DefaultNegotiationPort
		updated = true
	}

	if cfg.HTTPPort <= 0 {
		cfg.HTTPPort = DefaultHTTPPort
		updated = true
	}

	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(dataDir, "uploads")
		updated = true
	}

	return updated
}

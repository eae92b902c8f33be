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
	AppDirectoryName = "airwin"
	// DataDirEnv overrides the resolved data directory when set.
	DataDirEnv = "AIRWIN_DATA_DIR"

	// DefaultModel is the host model string advertised in TXT records.
	DefaultModel = "Windows,1"
	// DefaultLegacyPort carries the legacy raw-TLS dialect and the multicast socket.
	DefaultLegacyPort = 7000
	// DefaultAirDropPort is the standard AirDrop HTTPS port.
	DefaultAirDropPort = 8771
	// DefaultCompanionPort is advertised for _companion-link._tcp.
	DefaultCompanionPort = 7001
	// DefaultDeviceInfoPort is advertised for _device-info._tcp.
	DefaultDeviceInfoPort = 7002
	// DefaultAWDLInterface is the interface an AWDL daemon exposes.
	DefaultAWDLInterface = "awdl0"
	// DefaultLogLevel is used when log_level is empty or unknown.
	DefaultLogLevel = "info"

	// MDNSBackendZeroconf publishes records with the in-process responder.
	MDNSBackendZeroconf = "zeroconf"
	// MDNSBackendAvahi publishes records through a running avahi-daemon.
	MDNSBackendAvahi = "avahi"

	configFileName     = "config.json"
	downloadsDirName   = "downloads"
	fallbackDeviceName = "AirWin Device"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	Model          string `json:"model"`
	LegacyPort     int    `json:"legacy_port"`
	AirDropPort    int    `json:"airdrop_port"`
	CompanionPort  int    `json:"companion_port"`
	DeviceInfoPort int    `json:"device_info_port"`
	DownloadDir    string `json:"download_dir"`
	EnableBLE      *bool  `json:"enable_ble,omitempty"`
	EnableAWDL     *bool  `json:"enable_awdl,omitempty"`
	AWDLInterface  string `json:"awdl_interface"`
	MDNSBackend    string `json:"mdns_backend"`
	AutoAccept     *bool  `json:"auto_accept,omitempty"`
	LogLevel       string `json:"log_level"`
}

// BLEEnabled reports whether BLE scanning should be attempted.
func (c *DeviceConfig) BLEEnabled() bool {
	return boolOrDefault(c.EnableBLE, true)
}

// AWDLEnabled reports whether the AWDL peer feed should be attempted.
func (c *DeviceConfig) AWDLEnabled() bool {
	return boolOrDefault(c.EnableAWDL, true)
}

// AutoAcceptEnabled reports whether /Ask requests are accepted without a prompt.
func (c *DeviceConfig) AutoAcceptEnabled() bool {
	return boolOrDefault(c.AutoAccept, true)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If AIRWIN_DATA_DIR is set, its value is used as an explicit override.
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
		filepath.Join(dataDir, downloadsDirName),
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

// LoadOrCreate ensures directories and config exist, then returns both.
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

		cfg = &DeviceConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create download directory: %w", err)
	}

	return cfg, cfgPath, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackDeviceName
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	setString := func(field *string, value string) {
		if strings.TrimSpace(*field) == "" {
			*field = value
			updated = true
		}
	}
	setPort := func(field *int, value int) {
		if *field <= 0 || *field > 65535 {
			*field = value
			updated = true
		}
	}
	setBool := func(field **bool, value bool) {
		if *field == nil {
			v := value
			*field = &v
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, defaultDeviceName())
	setString(&cfg.Model, DefaultModel)
	setPort(&cfg.LegacyPort, DefaultLegacyPort)
	setPort(&cfg.AirDropPort, DefaultAirDropPort)
	setPort(&cfg.CompanionPort, DefaultCompanionPort)
	setPort(&cfg.DeviceInfoPort, DefaultDeviceInfoPort)
	setString(&cfg.DownloadDir, filepath.Join(dataDir, downloadsDirName))
	setBool(&cfg.EnableBLE, true)
	setBool(&cfg.EnableAWDL, true)
	setString(&cfg.AWDLInterface, DefaultAWDLInterface)
	setBool(&cfg.AutoAccept, true)

	if backend := normalizeMDNSBackend(cfg.MDNSBackend); backend != cfg.MDNSBackend {
		cfg.MDNSBackend = backend
		updated = true
	}
	if level := strings.ToLower(strings.TrimSpace(cfg.LogLevel)); level == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizeMDNSBackend(backend string) string {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case MDNSBackendAvahi:
		return MDNSBackendAvahi
	default:
		return MDNSBackendZeroconf
	}
}

func boolOrDefault(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

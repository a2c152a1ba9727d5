// Package config handles configuration loading and validation for the
// sentinel service and agent. Both binaries read the same TOML file; the
// agent only consults the sections relevant to collection.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds the complete configuration for the service and the agent.
type Config struct {
	// Service configuration for the privileged background process.
	Service ServiceConfig `toml:"service" json:"service"`

	// Retention configuration for local data lifetime.
	Retention RetentionConfig `toml:"retention" json:"retention"`

	// Sync configuration for the backend upload engine.
	Sync SyncConfig `toml:"sync" json:"sync"`

	// Agent configuration for the desktop collection process.
	Agent AgentConfig `toml:"agent" json:"agent"`

	// Logging configuration shared by both binaries.
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// ServiceConfig holds the background service configuration.
type ServiceConfig struct {
	// DataDir is the base directory for the database, key file, and
	// captured screenshot files.
	DataDir string `toml:"data_dir" json:"data_dir"`

	// ListenAddr is the loopback address the IPC server binds.
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`

	// AuthToken authenticates agent messages. Override with
	// SENTINEL_AUTH_TOKEN rather than committing it to the file.
	AuthToken string `toml:"auth_token" json:"auth_token"`

	// KeyFile is the path to the master key file. Defaults to
	// DataDir/sentinel.key.
	KeyFile string `toml:"key_file" json:"key_file"`

	// DatabasePath is the SQLite database path. Defaults to
	// DataDir/sentinel.db.
	DatabasePath string `toml:"database_path" json:"database_path"`

	// ReadTimeoutSec is the per-message read deadline on agent connections.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec"`
}

// RetentionConfig holds local data retention configuration.
// Retention is wall-clock based and independent of sync state.
type RetentionConfig struct {
	// GeneralDays is the retention window for clipboard, app usage, and
	// system event rows.
	GeneralDays int `toml:"general_days" json:"general_days"`

	// ScreenshotDays is the retention window for screenshot rows and
	// their files on disk.
	ScreenshotDays int `toml:"screenshot_days" json:"screenshot_days"`

	// SweepIntervalSec is how often the sweeper runs.
	SweepIntervalSec int `toml:"sweep_interval_sec" json:"sweep_interval_sec"`
}

// SyncConfig holds backend sync configuration.
type SyncConfig struct {
	// Enabled determines whether the sync engine runs at all.
	Enabled bool `toml:"enabled" json:"enabled"`

	// Endpoint is the base URL of the collection backend.
	Endpoint string `toml:"endpoint" json:"endpoint"`

	// APIKey is the bearer token for backend requests. Override with
	// SENTINEL_API_KEY.
	APIKey string `toml:"api_key" json:"api_key"`

	// IntervalSec is the period between sync cycles.
	IntervalSec int `toml:"interval_sec" json:"interval_sec"`

	// BatchSize is the maximum rows uploaded per request.
	BatchSize int `toml:"batch_size" json:"batch_size"`

	// RetryAttempts is the number of attempts per batch upload.
	RetryAttempts int `toml:"retry_attempts" json:"retry_attempts"`

	// TimeoutSec is the HTTP request timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec"`
}

// AgentConfig holds the desktop agent configuration.
type AgentConfig struct {
	// ServerAddr is the service IPC address the agent connects to.
	ServerAddr string `toml:"server_addr" json:"server_addr"`

	// AuthToken must match the service token.
	AuthToken string `toml:"auth_token" json:"auth_token"`

	// QueueSize bounds the in-memory event queue. When full, new events
	// are dropped and counted.
	QueueSize int `toml:"queue_size" json:"queue_size"`

	// ReconnectDelaySec is the fixed delay between connection attempts.
	ReconnectDelaySec int `toml:"reconnect_delay_sec" json:"reconnect_delay_sec"`

	// ScreenshotIntervalMs is the screenshot capture period.
	ScreenshotIntervalMs int `toml:"screenshot_interval_ms" json:"screenshot_interval_ms"`

	// ClipboardIntervalMs is the clipboard poll period.
	ClipboardIntervalMs int `toml:"clipboard_interval_ms" json:"clipboard_interval_ms"`

	// AppUsageIntervalMs is the foreground window poll period.
	AppUsageIntervalMs int `toml:"app_usage_interval_ms" json:"app_usage_interval_ms"`

	// ScreenshotQuality is the JPEG quality for captured frames (1-100).
	ScreenshotQuality int `toml:"screenshot_quality" json:"screenshot_quality"`

	// ScreenshotScale shrinks captured frames before encoding (0-1].
	ScreenshotScale float64 `toml:"screenshot_scale" json:"screenshot_scale"`

	// ScreenshotDir is where the agent writes captured frames before
	// reporting them. Defaults to the service DataDir/screenshots.
	ScreenshotDir string `toml:"screenshot_dir" json:"screenshot_dir"`

	// PingIntervalSec is the liveness ping period.
	PingIntervalSec int `toml:"ping_interval_sec" json:"ping_interval_sec"`

	// EncryptClipboard controls whether full clipboard content is
	// encrypted and sent. When disabled only the preview and hash are
	// recorded.
	EncryptClipboard bool `toml:"encrypt_clipboard" json:"encrypt_clipboard"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level"`

	// Format is the output format: text or json.
	Format string `toml:"format" json:"format"`

	// Output is the destination: stdout, stderr, file, or both.
	Output string `toml:"output" json:"output"`

	// FilePath is the log file path when Output includes file.
	FilePath string `toml:"file_path" json:"file_path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Service: ServiceConfig{
			DataDir:        dir,
			ListenAddr:     "127.0.0.1:51234",
			KeyFile:        filepath.Join(dir, "sentinel.key"),
			DatabasePath:   filepath.Join(dir, "sentinel.db"),
			ReadTimeoutSec: 30,
		},
		Retention: RetentionConfig{
			GeneralDays:      30,
			ScreenshotDays:   7,
			SweepIntervalSec: 3600,
		},
		Sync: SyncConfig{
			Enabled:       false,
			IntervalSec:   300,
			BatchSize:     100,
			RetryAttempts: 3,
			TimeoutSec:    30,
		},
		Agent: AgentConfig{
			ServerAddr:           "127.0.0.1:51234",
			QueueSize:            1000,
			ReconnectDelaySec:    5,
			ScreenshotIntervalMs: 1000,
			ClipboardIntervalMs:  500,
			AppUsageIntervalMs:   1000,
			ScreenshotQuality:    50,
			ScreenshotScale:      0.5,
			ScreenshotDir:        filepath.Join(dir, "screenshots"),
			PingIntervalSec:      30,
			EncryptClipboard:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// DataDir returns the base sentinel data directory. SENTINEL_DATA_DIR
// overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("SENTINEL_DATA_DIR"); envDir != "" {
		return envDir
	}
	return platformDataDir()
}

func platformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Application Support", "sentinel")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "sentinel")
	default: // Linux and other Unix
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			return filepath.Join(dataHome, "sentinel")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "share", "sentinel")
	}
}

// Load reads configuration from the specified path. A missing file yields
// the defaults. Environment overrides are applied after decoding.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides. Secrets are
// expected to arrive this way rather than via the file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SENTINEL_AUTH_TOKEN"); v != "" {
		c.Service.AuthToken = v
		c.Agent.AuthToken = v
	}
	if v := os.Getenv("SENTINEL_API_KEY"); v != "" {
		c.Sync.APIKey = v
	}
	if v := os.Getenv("SENTINEL_LISTEN_ADDR"); v != "" {
		c.Service.ListenAddr = v
		c.Agent.ServerAddr = v
	}
	if v := os.Getenv("SENTINEL_DATABASE_PATH"); v != "" {
		c.Service.DatabasePath = v
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Service.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("service.listen_addr %q: %w", c.Service.ListenAddr, err))
	}
	if c.Retention.GeneralDays <= 0 {
		errs = append(errs, errors.New("retention.general_days must be positive"))
	}
	if c.Retention.ScreenshotDays <= 0 {
		errs = append(errs, errors.New("retention.screenshot_days must be positive"))
	}
	if c.Retention.SweepIntervalSec <= 0 {
		errs = append(errs, errors.New("retention.sweep_interval_sec must be positive"))
	}
	if c.Sync.Enabled {
		if c.Sync.Endpoint == "" {
			errs = append(errs, errors.New("sync.endpoint required when sync is enabled"))
		}
		if c.Sync.APIKey == "" {
			errs = append(errs, errors.New("sync.api_key required when sync is enabled"))
		}
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, errors.New("sync.batch_size must be positive"))
	}
	if c.Sync.IntervalSec <= 0 {
		errs = append(errs, errors.New("sync.interval_sec must be positive"))
	}
	if c.Agent.QueueSize <= 0 {
		errs = append(errs, errors.New("agent.queue_size must be positive"))
	}
	if c.Agent.ScreenshotQuality < 1 || c.Agent.ScreenshotQuality > 100 {
		errs = append(errs, fmt.Errorf("agent.screenshot_quality %d out of range 1-100", c.Agent.ScreenshotQuality))
	}
	if c.Agent.ScreenshotScale <= 0 || c.Agent.ScreenshotScale > 1 {
		errs = append(errs, fmt.Errorf("agent.screenshot_scale %s out of range (0,1]",
			strconv.FormatFloat(c.Agent.ScreenshotScale, 'g', -1, 64)))
	}

	return errors.Join(errs...)
}

// EnsureDirectories creates the directories the service needs at startup.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Service.DataDir,
		filepath.Dir(c.Service.DatabasePath),
		filepath.Dir(c.Service.KeyFile),
		c.Agent.ScreenshotDir,
	}
	if c.Logging.FilePath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

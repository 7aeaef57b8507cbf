package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

// Config represents the main application configuration
type Config struct {
	Account    AccountConfig    `toml:"account" yaml:"account"`
	Connection ConnectionConfig `toml:"connection" yaml:"connection"`
	Keepalive  KeepaliveConfig  `toml:"keepalive" yaml:"keepalive"`
	Idle       IdleConfig       `toml:"idle" yaml:"idle"`
	Delivery   DeliveryConfig   `toml:"delivery" yaml:"delivery"`
	Encryption EncryptionConfig `toml:"encryption" yaml:"encryption"`
	Upload     UploadConfig     `toml:"upload" yaml:"upload"`
	Push       PushConfig       `toml:"push" yaml:"push"`
	Network    NetworkConfig    `toml:"network" yaml:"network"`
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`
	Storage    StorageConfig    `toml:"storage" yaml:"storage"`
	UI         UIConfig         `toml:"ui" yaml:"ui"`
}

// AccountConfig represents the XMPP account
type AccountConfig struct {
	JID      string `toml:"jid" yaml:"jid"`
	Password string `toml:"password" yaml:"password"`
	Server   string `toml:"server" yaml:"server"`
	Port     int    `toml:"port" yaml:"port"`
	Resource string `toml:"resource" yaml:"resource"`
	Priority int    `toml:"priority" yaml:"priority"`
	// InsecureSkipVerify disables certificate verification (test servers only)
	InsecureSkipVerify bool `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// ConnectionConfig contains supervisor settings
type ConnectionConfig struct {
	AuthFailureLimit      int      `toml:"auth_failure_limit" yaml:"auth_failure_limit"`
	ReconnectFailureLimit int      `toml:"reconnect_failure_limit" yaml:"reconnect_failure_limit"`
	ReconnectBaseDelay    Duration `toml:"reconnect_base_delay" yaml:"reconnect_base_delay"`
	ReconnectMaxDelay     Duration `toml:"reconnect_max_delay" yaml:"reconnect_max_delay"`
	ConnectTimeout        Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	JoinTimeout           Duration `toml:"join_timeout" yaml:"join_timeout"`
	WakeLockTimeout       Duration `toml:"wake_lock_timeout" yaml:"wake_lock_timeout"`
}

// KeepaliveConfig contains adaptive ping settings
type KeepaliveConfig struct {
	MinInterval     Duration `toml:"min_interval" yaml:"min_interval"`
	MaxInterval     Duration `toml:"max_interval" yaml:"max_interval"`
	DefaultInterval Duration `toml:"default_interval" yaml:"default_interval"`
	FastProbe       Duration `toml:"fast_probe_timeout" yaml:"fast_probe_timeout"`
	SlowProbe       Duration `toml:"slow_probe_timeout" yaml:"slow_probe_timeout"`
	GrowthFactor    float64  `toml:"growth_factor" yaml:"growth_factor"`
}

// IdleConfig contains idle/activity controller settings
type IdleConfig struct {
	// InactiveDelay is the debounce before entering the inactive state
	InactiveDelay Duration `toml:"inactive_delay" yaml:"inactive_delay"`
	// IdleTimeout is the outer shutdown timer (0 = never shut down)
	IdleTimeout Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	// LowPowerInterval is the recurring liveness test while inactive (0 = off)
	LowPowerInterval Duration `toml:"low_power_interval" yaml:"low_power_interval"`
	// WakeupRetry is the alarm armed after an idle shutdown without push
	WakeupRetry Duration `toml:"wakeup_retry" yaml:"wakeup_retry"`
}

// DeliveryConfig contains listener pool settings
type DeliveryConfig struct {
	Workers   int `toml:"workers" yaml:"workers"`
	QueueSize int `toml:"queue_size" yaml:"queue_size"`
}

// EncryptionConfig contains encryption settings
type EncryptionConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	KeyFile     string `toml:"key_file" yaml:"key_file"`
	KeyringFile string `toml:"keyring_file" yaml:"keyring_file"`
	Passphrase  string `toml:"passphrase" yaml:"passphrase"`
}

// UploadConfig selects the media upload backend
type UploadConfig struct {
	Backend   string `toml:"backend" yaml:"backend"` // http or s3
	MaxSize   int64  `toml:"max_size" yaml:"max_size"`
	Bucket    string `toml:"bucket" yaml:"bucket"`
	Region    string `toml:"region" yaml:"region"`
	Endpoint  string `toml:"endpoint" yaml:"endpoint"`
	AccessKey string `toml:"access_key" yaml:"access_key"`
	SecretKey string `toml:"secret_key" yaml:"secret_key"`
	PublicURL string `toml:"public_url" yaml:"public_url"`
	SlotURL   string `toml:"slot_url" yaml:"slot_url"`
}

// PushConfig contains push provider settings
type PushConfig struct {
	Plugin   string `toml:"plugin" yaml:"plugin"`
	SenderID string `toml:"sender_id" yaml:"sender_id"`
}

// NetworkConfig overrides network detection
type NetworkConfig struct {
	Type    string `toml:"type" yaml:"type"` // wifi, mobile, ethernet or empty to detect
	ID      string `toml:"id" yaml:"id"`
	Metered bool   `toml:"metered" yaml:"metered"`
	// PollInterval is how often interfaces are re-checked (0 = never)
	PollInterval Duration `toml:"poll_interval" yaml:"poll_interval"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level" yaml:"level"`
	File    string `toml:"file" yaml:"file"`
	Console bool   `toml:"console" yaml:"console"`
	JSON    bool   `toml:"json" yaml:"json"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	DataDir string `toml:"data_dir" yaml:"data_dir"`
}

// UIConfig contains terminal UI settings
type UIConfig struct {
	Theme string `toml:"theme" yaml:"theme"`
	// Headless reads commands from stdin instead of drawing the status view
	Headless bool `toml:"headless" yaml:"headless"`
}

// Duration wraps time.Duration so it can be written as "90s" in config files
type Duration struct {
	time.Duration
}

// D is a shorthand for building a Duration
func D(d time.Duration) Duration {
	return Duration{d}
}

// UnmarshalText implements encoding.TextUnmarshaler (used by toml)
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			Port:     5222,
			Resource: "beacon",
		},
		Connection: ConnectionConfig{
			AuthFailureLimit:      3,
			ReconnectFailureLimit: 10,
			ReconnectBaseDelay:    D(2 * time.Second),
			ReconnectMaxDelay:     D(5 * time.Minute),
			ConnectTimeout:        D(30 * time.Second),
			JoinTimeout:           D(500 * time.Millisecond),
			WakeLockTimeout:       D(30 * time.Second),
		},
		Keepalive: KeepaliveConfig{
			MinInterval:     D(90 * time.Second),
			MaxInterval:     D(30 * time.Minute),
			DefaultInterval: D(5 * time.Minute),
			FastProbe:       D(5 * time.Second),
			SlowProbe:       D(10 * time.Second),
			GrowthFactor:    1.5,
		},
		Idle: IdleConfig{
			InactiveDelay:    D(30 * time.Second),
			IdleTimeout:      D(0),
			LowPowerInterval: D(0),
			WakeupRetry:      D(30 * time.Minute),
		},
		Delivery: DeliveryConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Encryption: EncryptionConfig{
			Enabled: true,
		},
		Upload: UploadConfig{
			Backend: "http",
			MaxSize: 10 * 1024 * 1024, // 10MB
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		UI: UIConfig{
			Theme: "nord",
		},
	}
}

// Validate checks the configuration for values the core cannot run with
func (c *Config) Validate() error {
	if c.Account.JID == "" {
		return errors.New("account.jid is required")
	}
	if c.Keepalive.MinInterval.Duration <= 0 {
		return errors.New("keepalive.min_interval must be positive")
	}
	if c.Keepalive.MinInterval.Duration > c.Keepalive.MaxInterval.Duration {
		return fmt.Errorf("keepalive.min_interval (%s) exceeds keepalive.max_interval (%s)",
			c.Keepalive.MinInterval, c.Keepalive.MaxInterval)
	}
	if c.Keepalive.GrowthFactor <= 1 {
		return errors.New("keepalive.growth_factor must be greater than 1")
	}
	if c.Connection.AuthFailureLimit <= 0 {
		return errors.New("connection.auth_failure_limit must be positive")
	}
	switch c.Upload.Backend {
	case "", "http", "s3":
	default:
		return fmt.Errorf("unknown upload backend %q", c.Upload.Backend)
	}
	return nil
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		configDir = filepath.Join(home, ".config")
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		dataDir = filepath.Join(home, ".local", "share")
	}

	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		cacheDir = filepath.Join(home, ".cache")
	}

	return &Paths{
		ConfigDir: filepath.Join(configDir, "beacon"),
		DataDir:   filepath.Join(dataDir, "beacon"),
		CacheDir:  filepath.Join(cacheDir, "beacon"),
	}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if alt := filepath.Join(paths.ConfigDir, "config.yaml"); fileExists(alt) {
			configPath = alt
		} else {
			cfg := DefaultConfig()
			cfg.applyPaths(paths)
			return cfg, nil
		}
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg.applyPaths(paths)
	return cfg, nil
}

// LoadFile loads the configuration from path; .yaml and .yml use YAML, anything else TOML
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.Encryption.KeyFile = expandPath(cfg.Encryption.KeyFile)
	cfg.Encryption.KeyringFile = expandPath(cfg.Encryption.KeyringFile)
	cfg.Push.Plugin = expandPath(cfg.Push.Plugin)

	return cfg, nil
}

func (c *Config) applyPaths(paths *Paths) {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = paths.DataDir
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.Storage.DataDir, "beacon.log")
	}
	if c.Encryption.KeyFile == "" {
		c.Encryption.KeyFile = filepath.Join(c.Storage.DataDir, "private.asc")
	}
	if c.Encryption.KeyringFile == "" {
		c.Encryption.KeyringFile = filepath.Join(c.Storage.DataDir, "keyring.asc")
	}
}

// Save saves the configuration as TOML to path
func Save(cfg *Config, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

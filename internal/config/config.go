// Package config handles configuration loading and validation for the
// tatchi relay and worker.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"tatchi/internal/logging"
	"tatchi/internal/modexp"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TATCHI_"

// Config is the complete configuration shared by vrfrelay and vrfworker.
// Each binary reads the sections it needs.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	// Relay is the client side of the escrow exchange.
	Relay RelayConfig `toml:"relay" json:"relay" yaml:"relay" envPrefix:"RELAY_"`

	// Modexp selects the commutative-encryption group and engine.
	Modexp ModexpConfig `toml:"modexp" json:"modexp" yaml:"modexp" envPrefix:"MODEXP_"`

	Handshake HandshakeConfig `toml:"handshake" json:"handshake" yaml:"handshake" envPrefix:"HANDSHAKE_"`

	Store StoreConfig `toml:"store" json:"store" yaml:"store" envPrefix:"STORE_"`

	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging" envPrefix:"LOG_"`

	// RelayServer configures vrfrelay serve.
	RelayServer RelayServerConfig `toml:"relay_server" json:"relay_server" yaml:"relay_server" envPrefix:"RELAY_SERVER_"`

	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// RelayConfig points the worker at a relay.
type RelayConfig struct {
	URL            string            `toml:"url" json:"url" yaml:"url" env:"URL"`
	ApplyLockPath  string            `toml:"apply_lock_path" json:"apply_lock_path" yaml:"apply_lock_path" env:"APPLY_LOCK_PATH"`
	RemoveLockPath string            `toml:"remove_lock_path" json:"remove_lock_path" yaml:"remove_lock_path" env:"REMOVE_LOCK_PATH"`
	TimeoutMs      int               `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms" env:"TIMEOUT_MS"`
	MaxIdleConns   int               `toml:"max_idle_conns" json:"max_idle_conns" yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	Headers        map[string]string `toml:"headers" json:"headers" yaml:"headers" env:"HEADERS"`
}

// ModexpConfig selects the prime and exponentiation engine.
type ModexpConfig struct {
	// PB64u overrides the default 2048-bit MODP prime.
	PB64u string `toml:"p_b64u" json:"p_b64u" yaml:"p_b64u" env:"P_B64U"`

	// Engine is "big" or "constant-time".
	Engine string `toml:"engine" json:"engine" yaml:"engine" env:"ENGINE"`
}

// HandshakeConfig bounds how long the signer waits for WrapKeySeed material.
type HandshakeConfig struct {
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms" env:"TIMEOUT_MS"`
}

// StoreConfig locates the worker's account store.
type StoreConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	Path    string `toml:"path" json:"path" yaml:"path" env:"PATH"`
}

// LoggingConfig mirrors logging.Config in serializable form.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level" env:"LEVEL"`
	Format     string `toml:"format" json:"format" yaml:"format" env:"FORMAT"`
	Output     string `toml:"output" json:"output" yaml:"output" env:"OUTPUT"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path" env:"FILE"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress" env:"COMPRESS"`
	AuditPath  string `toml:"audit_path" json:"audit_path" yaml:"audit_path" env:"AUDIT_PATH"`
}

// RelayServerConfig configures the relay HTTP service.
type RelayServerConfig struct {
	Listen             string  `toml:"listen" json:"listen" yaml:"listen" env:"LISTEN"`
	KeyFile            string  `toml:"key_file" json:"key_file" yaml:"key_file" env:"KEY_FILE"`
	RateLimitRPS       float64 `toml:"rate_limit_rps" json:"rate_limit_rps" yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst     int     `toml:"rate_limit_burst" json:"rate_limit_burst" yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	RateLimitIdleSec   int     `toml:"rate_limit_idle_sec" json:"rate_limit_idle_sec" yaml:"rate_limit_idle_sec" env:"RATE_LIMIT_IDLE_SEC"`
	ReadTimeoutSec     int     `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec" env:"READ_TIMEOUT_SEC"`
	WriteTimeoutSec    int     `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec" env:"WRITE_TIMEOUT_SEC"`
	ShutdownTimeoutSec int     `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec" env:"SHUTDOWN_TIMEOUT_SEC"`
}

// MetricsConfig controls Prometheus collection.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	Namespace string `toml:"namespace" json:"namespace" yaml:"namespace" env:"NAMESPACE"`

	// Listen serves /metrics separately for the worker, whose stdout is taken.
	Listen string `toml:"listen" json:"listen" yaml:"listen" env:"LISTEN"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Relay: RelayConfig{
			URL:            "http://127.0.0.1:8787",
			ApplyLockPath:  "/vrf/apply-server-lock",
			RemoveLockPath: "/vrf/remove-server-lock",
			TimeoutMs:      10000,
			MaxIdleConns:   16,
		},
		Modexp: ModexpConfig{
			Engine: "big",
		},
		Handshake: HandshakeConfig{
			TimeoutMs: 60000,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    filepath.Join(DataDir(), "accounts.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logging.DefaultLogPath("tatchi.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		RelayServer: RelayServerConfig{
			Listen:             ":8787",
			KeyFile:            filepath.Join(DataDir(), "relay-keys.json"),
			RateLimitRPS:       5,
			RateLimitBurst:     10,
			RateLimitIdleSec:   600,
			ReadTimeoutSec:     10,
			WriteTimeoutSec:    10,
			ShutdownTimeoutSec: 15,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "tatchi",
		},
	}
}

// DataDir is the per-user data directory, overridable with TATCHI_HOME.
func DataDir() string {
	if dir := os.Getenv(EnvPrefix + "HOME"); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tatchi")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tatchi")
}

// ConfigPath is the default configuration file location.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads path (missing files yield defaults), applies TATCHI_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays TATCHI_* variables, e.g. TATCHI_RELAY_URL,
// TATCHI_MODEXP_ENGINE or TATCHI_RELAY_SERVER_RATE_LIMIT_RPS.
func (c *Config) ApplyEnvOverrides() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &Config{
		Version:     c.Version,
		Relay:       c.Relay,
		Modexp:      c.Modexp,
		Handshake:   c.Handshake,
		Store:       c.Store,
		Logging:     c.Logging,
		RelayServer: c.RelayServer,
		Metrics:     c.Metrics,
	}
	if c.Relay.Headers != nil {
		out.Relay.Headers = make(map[string]string, len(c.Relay.Headers))
		for k, v := range c.Relay.Headers {
			out.Relay.Headers[k] = v
		}
	}
	return out
}

// EnsureDirectories creates the directories the configured paths live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Store.Path), filepath.Dir(c.RelayServer.KeyFile)}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// HandshakeTimeout returns the signer-side wait bound.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Handshake.TimeoutMs) * time.Millisecond
}

// RelayTimeout returns the per-request relay timeout.
func (c *Config) RelayTimeout() time.Duration {
	return time.Duration(c.Relay.TimeoutMs) * time.Millisecond
}

// ModexpParams builds the group parameters.
func (c *Config) ModexpParams() (*modexp.Params, error) {
	engine := modexp.EngineByName(c.Modexp.Engine)
	if engine == nil {
		return nil, fmt.Errorf("config: unknown modexp engine %q", c.Modexp.Engine)
	}
	if c.Modexp.PB64u == "" {
		return modexp.DefaultParams(engine), nil
	}
	return modexp.ParamsFromB64u(c.Modexp.PB64u, engine)
}

// LoggerConfig converts the logging section. component names the binary.
func (c *Config) LoggerConfig(component string) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Logging.Output,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSizeMB,
		MaxAge:     c.Logging.MaxAgeDays,
		MaxBackups: c.Logging.MaxBackups,
		Compress:   c.Logging.Compress,
		Component:  component,
	}, nil
}

// SaveConfig writes cfg to path in the format its extension names (TOML by default).
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var b strings.Builder
		err = toml.NewEncoder(&b).Encode(cfg)
		data = []byte(b.String())
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

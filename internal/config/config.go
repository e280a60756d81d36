package config

import (
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Default values
const (
	DefaultListenAddr      = ":4887"
	DefaultTimeoutSeconds  = 10
	DefaultBufferSize      = 32768
	DefaultMaxHeaderBytes  = 64 * 1024
	DefaultAcceptBurst     = 16
	DefaultShutdownSeconds = 10

	DefaultCAName        = "gosling"
	DefaultCAKeyBits     = 4096
	DefaultLeafKeyBits   = 2048
	DefaultLeafValidDays = 365

	minKeyBits = 1024
)

// Log levels accepted by logging.level
const (
	LevelError = "error"
	LevelWarn  = "warn"
	LevelInfo  = "info"
	LevelDebug = "debug"
)

// ProxyConfig contains proxy server settings
type ProxyConfig struct {
	ListenAddr      string  `json:"listen_addr" yaml:"listen_addr"`
	DialTimeout     int     `json:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
	ReadTimeout     int     `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeout    int     `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	BufferSize      int     `json:"buffer_size" yaml:"buffer_size"`
	MaxHeaderBytes  int     `json:"max_header_bytes" yaml:"max_header_bytes"`
	MaxAcceptRate   float64 `json:"max_accept_rate" yaml:"max_accept_rate"` // connections per second, 0 = unlimited
	AcceptBurst     int     `json:"accept_burst" yaml:"accept_burst"`
	ShutdownTimeout int     `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogFile     string `json:"log_file" yaml:"log_file"`
	Level       string `json:"level" yaml:"level"`
	EnableDebug bool   `json:"enable_debug" yaml:"enable_debug"`
}

// TLSConfig contains TLS/certificate settings
type TLSConfig struct {
	CAName          string `json:"ca_name" yaml:"ca_name"`
	CAKeyBits       int    `json:"ca_key_bits" yaml:"ca_key_bits"`
	LeafKeyBits     int    `json:"leaf_key_bits" yaml:"leaf_key_bits"`
	LeafValidDays   int    `json:"leaf_valid_days" yaml:"leaf_valid_days"`
	ReuseRootSerial bool   `json:"reuse_root_serial" yaml:"reuse_root_serial"`
	CAExportFile    string `json:"ca_export_file" yaml:"ca_export_file"`
	UpstreamCAFile  string `json:"upstream_ca_file" yaml:"upstream_ca_file"`
}

// Config is the main configuration structure
type Config struct {
	Proxy   ProxyConfig   `json:"proxy" yaml:"proxy"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	TLS     TLSConfig     `json:"tls" yaml:"tls"`
}

// SetDefaults applies default values to the configuration
func (c *Config) SetDefaults() {
	// Proxy defaults
	if c.Proxy.ListenAddr == "" {
		c.Proxy.ListenAddr = DefaultListenAddr
	}
	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = DefaultTimeoutSeconds
	}
	if c.Proxy.ReadTimeout == 0 {
		c.Proxy.ReadTimeout = DefaultTimeoutSeconds
	}
	if c.Proxy.WriteTimeout == 0 {
		c.Proxy.WriteTimeout = DefaultTimeoutSeconds
	}
	if c.Proxy.BufferSize == 0 {
		c.Proxy.BufferSize = DefaultBufferSize
	}
	if c.Proxy.MaxHeaderBytes == 0 {
		c.Proxy.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.Proxy.AcceptBurst == 0 {
		c.Proxy.AcceptBurst = DefaultAcceptBurst
	}
	if c.Proxy.ShutdownTimeout == 0 {
		c.Proxy.ShutdownTimeout = DefaultShutdownSeconds
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = LevelInfo
	}

	// TLS defaults
	if c.TLS.CAName == "" {
		c.TLS.CAName = DefaultCAName
	}
	if c.TLS.CAKeyBits == 0 {
		c.TLS.CAKeyBits = DefaultCAKeyBits
	}
	if c.TLS.LeafKeyBits == 0 {
		c.TLS.LeafKeyBits = DefaultLeafKeyBits
	}
	if c.TLS.LeafValidDays == 0 {
		c.TLS.LeafValidDays = DefaultLeafValidDays
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateProxy(); err != nil {
		return errors.Wrap(err, "proxy config validation failed")
	}
	if err := c.validateLogging(); err != nil {
		return errors.Wrap(err, "logging config validation failed")
	}
	if err := c.validateTLS(); err != nil {
		return errors.Wrap(err, "TLS config validation failed")
	}
	return nil
}

// EffectiveLevel returns the configured level, raised to debug by enable_debug
func (l LoggingConfig) EffectiveLevel() string {
	if l.EnableDebug {
		return LevelDebug
	}
	return l.Level
}

// DialTimeoutDuration returns the upstream connect timeout
func (p ProxyConfig) DialTimeoutDuration() time.Duration {
	return time.Duration(p.DialTimeout) * time.Second
}

// ReadTimeoutDuration returns the per-read timeout on client and upstream sockets
func (p ProxyConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(p.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the per-write timeout on client and upstream sockets
func (p ProxyConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(p.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns how long Stop waits for connections
func (p ProxyConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(p.ShutdownTimeout) * time.Second
}

// validateProxy validates proxy configuration
func (c *Config) validateProxy() error {
	if err := validateNetworkAddress(c.Proxy.ListenAddr); err != nil {
		return errors.Wrap(err, "invalid listen_addr")
	}

	if c.Proxy.BufferSize <= 0 {
		return errors.Errorf("buffer_size must be positive, got %d", c.Proxy.BufferSize)
	}
	if c.Proxy.MaxHeaderBytes <= 0 {
		return errors.Errorf("max_header_bytes must be positive, got %d", c.Proxy.MaxHeaderBytes)
	}

	// Validate timeouts
	if c.Proxy.DialTimeout <= 0 {
		return errors.Errorf("dial_timeout_seconds must be positive, got %d", c.Proxy.DialTimeout)
	}
	if c.Proxy.ReadTimeout <= 0 {
		return errors.Errorf("read_timeout_seconds must be positive, got %d", c.Proxy.ReadTimeout)
	}
	if c.Proxy.WriteTimeout <= 0 {
		return errors.Errorf("write_timeout_seconds must be positive, got %d", c.Proxy.WriteTimeout)
	}
	if c.Proxy.ShutdownTimeout <= 0 {
		return errors.Errorf("shutdown_timeout_seconds must be positive, got %d", c.Proxy.ShutdownTimeout)
	}

	if c.Proxy.MaxAcceptRate < 0 {
		return errors.Errorf("max_accept_rate cannot be negative, got %v", c.Proxy.MaxAcceptRate)
	}
	if c.Proxy.AcceptBurst <= 0 {
		return errors.Errorf("accept_burst must be positive, got %d", c.Proxy.AcceptBurst)
	}

	return nil
}

// validateLogging validates logging configuration
func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case LevelError, LevelWarn, LevelInfo, LevelDebug:
	default:
		return errors.Errorf("level must be one of error, warn, info, debug; got %q", c.Logging.Level)
	}

	if c.Logging.LogFile != "" {
		if err := validateFilePath(c.Logging.LogFile); err != nil {
			return errors.Wrap(err, "invalid log_file path")
		}
	}

	return nil
}

// validateTLS validates TLS configuration
func (c *Config) validateTLS() error {
	if c.TLS.CAKeyBits < minKeyBits {
		return errors.Errorf("ca_key_bits must be at least %d, got %d", minKeyBits, c.TLS.CAKeyBits)
	}
	if c.TLS.LeafKeyBits < minKeyBits {
		return errors.Errorf("leaf_key_bits must be at least %d, got %d", minKeyBits, c.TLS.LeafKeyBits)
	}
	if c.TLS.LeafValidDays <= 0 {
		return errors.Errorf("leaf_valid_days must be positive, got %d", c.TLS.LeafValidDays)
	}

	if c.TLS.CAExportFile != "" {
		if err := validateFilePath(c.TLS.CAExportFile); err != nil {
			return errors.Wrap(err, "invalid ca_export_file path")
		}
	}
	if c.TLS.UpstreamCAFile != "" {
		if err := validateFilePath(c.TLS.UpstreamCAFile); err != nil {
			return errors.Wrap(err, "invalid upstream_ca_file path")
		}
	}

	return nil
}

// Helper validation functions

// validateNetworkAddress validates network address format (host:port)
func validateNetworkAddress(addr string) error {
	if addr == "" {
		return errors.New("address cannot be empty")
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return errors.New("address must include port (e.g., ':4887' or '127.0.0.1:4887')")
	}

	return nil
}

// validateFilePath validates file path format
func validateFilePath(path string) error {
	if path == "" {
		return errors.New("path cannot be empty")
	}

	// Check for invalid characters (basic validation)
	if strings.Contains(path, "\x00") {
		return errors.New("path contains null character")
	}

	return nil
}

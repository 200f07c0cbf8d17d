// Package config provides configuration management for Clarinet.
//
// Configuration is loaded from layered sources with proper precedence
// (later sources override earlier ones):
//  1. Default values
//  2. Configuration files (./config.yaml, ./configs/config.yaml,
//     ~/.clarinet/config.yaml, /etc/clarinet/config.yaml; last one wins)
//  3. .env files
//  4. Environment variables with the CLARINET_ prefix
//
// Environment variables use underscores for nested keys:
//   - CLARINET_SERVER_PORT=8095
//   - CLARINET_PACS_HOST=pacs.internal
//   - CLARINET_SESSION_EXPIRE_HOURS=12
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration for writing responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug disables the Secure cookie flag and enables debug logging
	Debug bool `mapstructure:"debug"`

	// RateLimit is the maximum requests per second per client (0 = no limit)
	RateLimit float64 `mapstructure:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig contains the relational database settings.
type DatabaseConfig struct {
	// URL is the postgres DSN, e.g.
	// "host=localhost user=clarinet dbname=clarinet sslmode=disable"
	URL string `mapstructure:"url"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int `mapstructure:"max_idle_conns"`

	// ConnMaxLifetime is how long a connection may be reused
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SessionConfig contains the session authenticator settings.
type SessionConfig struct {
	// CookieName is the session cookie name
	CookieName string `mapstructure:"cookie_name"`

	// ExpireHours is the session lifetime in hours
	ExpireHours int `mapstructure:"expire_hours"`

	// CacheTTLSeconds is the identity-cache TTL; 0 disables the cache
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`

	// CacheMaxEntries bounds the identity cache
	CacheMaxEntries int `mapstructure:"cache_max_entries"`

	// CleanupInterval is the sweeper interval
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// CleanupBatchSize bounds one sweeper delete batch
	CleanupBatchSize int `mapstructure:"cleanup_batch_size"`

	// RetentionDays deletes sessions older than this regardless of expiry
	RetentionDays int `mapstructure:"retention_days"`

	// SlidingRefresh extends expires_at once >50% of the lifetime elapsed
	SlidingRefresh bool `mapstructure:"sliding_refresh"`

	// IdleTimeoutMinutes rejects sessions idle longer than this; 0 disables
	IdleTimeoutMinutes int `mapstructure:"idle_timeout_minutes"`

	// IPCheck rejects requests whose IP differs from the login IP
	IPCheck bool `mapstructure:"ip_check"`

	// ConcurrentLimit evicts the oldest session past N per user; 0 disables
	ConcurrentLimit int `mapstructure:"concurrent_limit"`
}

// PACSConfig identifies the DIMSE peer.
type PACSConfig struct {
	// Host is the PACS hostname or IP
	Host string `mapstructure:"host"`

	// Port is the PACS DIMSE port
	Port int `mapstructure:"port"`

	// AET is the called AE title (the PACS)
	AET string `mapstructure:"aet"`

	// CallingAET is our AE title
	CallingAET string `mapstructure:"calling_aet"`

	// PreferCGet retrieves with C-GET instead of C-MOVE when possible
	PreferCGet bool `mapstructure:"prefer_cget"`

	// MoveAET is the destination AE title for C-MOVE
	MoveAET string `mapstructure:"move_aet"`

	// FindTimeout bounds find associations
	FindTimeout time.Duration `mapstructure:"find_timeout"`

	// RetrieveTimeout bounds retrieve/move associations
	RetrieveTimeout time.Duration `mapstructure:"retrieve_timeout"`

	// FindRetries and RetrieveRetries bound association retry attempts
	FindRetries     int `mapstructure:"find_retries"`
	RetrieveRetries int `mapstructure:"retrieve_retries"`

	// MaxConcurrent bounds the off-load pool for blocking DIMSE calls
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// Addr returns the host:port of the PACS peer.
func (p *PACSConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// CacheConfig contains the two-tier DICOMweb series cache settings.
type CacheConfig struct {
	// TTLHours is the disk cache entry lifetime
	TTLHours int `mapstructure:"ttl_hours"`

	// MaxSizeGB caps the disk cache size
	MaxSizeGB float64 `mapstructure:"max_size_gb"`

	// MemoryTTLSeconds is the memory cache entry lifetime
	MemoryTTLSeconds int `mapstructure:"memory_ttl_seconds"`

	// MemoryMaxEntries bounds the memory cache
	MemoryMaxEntries int `mapstructure:"memory_max_entries"`

	// CleanupInterval is the disk sweeper interval
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// SlicerConfig contains the per-user 3D-Slicer endpoint settings.
type SlicerConfig struct {
	// Port is the per-user Slicer HTTP port
	Port int `mapstructure:"port"`

	// Timeout bounds one script execution request
	Timeout time.Duration `mapstructure:"timeout"`

	// HelperScript is the path of the helper source prepended to scripts
	HelperScript string `mapstructure:"helper_script"`
}

// AnonConfig controls patient anonymization.
type AnonConfig struct {
	// IDPrefix forms anonymous patient ids as "<prefix>_<auto_id>"
	IDPrefix string `mapstructure:"id_prefix"`

	// NamesList is an optional pool of anonymous display names
	NamesList []string `mapstructure:"names_list"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Settings is the typed, read-only configuration object for one Clarinet
// process. It is constructed once at startup and injected everywhere.
type Settings struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Session  SessionConfig  `mapstructure:"session"`
	PACS     PACSConfig     `mapstructure:"pacs"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Slicer   SlicerConfig   `mapstructure:"slicer"`
	Anon     AnonConfig     `mapstructure:"anon"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// StoragePath is the root for the disk cache and record working folders
	StoragePath string `mapstructure:"storage_path"`
}

// SessionLifetime returns the configured session lifetime as a duration.
func (s *Settings) SessionLifetime() time.Duration {
	return time.Duration(s.Session.ExpireHours) * time.Hour
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment
// prefix (e.g. "CLARINET" -> "CLARINET_SERVER_PORT").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets the standard Clarinet defaults.
func (l *Loader) SetDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "60s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)
	l.v.SetDefault("server.rate_limit", 0)
	l.v.SetDefault("server.allowed_origins", []string{"*"})

	l.v.SetDefault("database.url", "host=localhost user=clarinet dbname=clarinet sslmode=disable")
	l.v.SetDefault("database.max_open_conns", 100)
	l.v.SetDefault("database.max_idle_conns", 10)
	l.v.SetDefault("database.conn_max_lifetime", "1h")

	l.v.SetDefault("session.cookie_name", "clarinet_session")
	l.v.SetDefault("session.expire_hours", 24)
	l.v.SetDefault("session.cache_ttl_seconds", 300)
	l.v.SetDefault("session.cache_max_entries", 1024)
	l.v.SetDefault("session.cleanup_interval", "10m")
	l.v.SetDefault("session.cleanup_batch_size", 500)
	l.v.SetDefault("session.retention_days", 30)
	l.v.SetDefault("session.sliding_refresh", false)
	l.v.SetDefault("session.idle_timeout_minutes", 0)
	l.v.SetDefault("session.ip_check", false)
	l.v.SetDefault("session.concurrent_limit", 0)

	l.v.SetDefault("pacs.host", "localhost")
	l.v.SetDefault("pacs.port", 11112)
	l.v.SetDefault("pacs.aet", "PACS")
	l.v.SetDefault("pacs.calling_aet", "CLARINET")
	l.v.SetDefault("pacs.prefer_cget", true)
	l.v.SetDefault("pacs.move_aet", "")
	l.v.SetDefault("pacs.find_timeout", "30s")
	l.v.SetDefault("pacs.retrieve_timeout", "300s")
	l.v.SetDefault("pacs.find_retries", 0)
	l.v.SetDefault("pacs.retrieve_retries", 1)
	l.v.SetDefault("pacs.max_concurrent", 4)

	l.v.SetDefault("cache.ttl_hours", 24)
	l.v.SetDefault("cache.max_size_gb", 10)
	l.v.SetDefault("cache.memory_ttl_seconds", 600)
	l.v.SetDefault("cache.memory_max_entries", 16)
	l.v.SetDefault("cache.cleanup_interval", "15m")

	l.v.SetDefault("slicer.port", 2016)
	l.v.SetDefault("slicer.timeout", "60s")
	l.v.SetDefault("slicer.helper_script", "")

	l.v.SetDefault("anon.id_prefix", "CLN")
	l.v.SetDefault("anon.names_list", []string{})

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")

	l.v.SetDefault("storage_path", "./storage")
}

// Load reads configuration from file, .env, and environment variables into
// target. If cfgFile is empty, config.yaml is searched in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.clarinet")
		l.v.AddConfigPath("/etc/clarinet")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadSettings loads the Clarinet settings with standard defaults.
func LoadSettings(cfgFile string) (*Settings, error) {
	loader := NewLoader("CLARINET")
	loader.SetDefaults()

	settings := &Settings{}
	if err := loader.Load(cfgFile, settings); err != nil {
		return nil, err
	}

	if err := Validate(settings); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return settings, nil
}

// Validate checks the loaded settings for obvious misconfiguration.
func Validate(s *Settings) error {
	if s.Server.Port < 1 || s.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", s.Server.Port)
	}
	if s.Session.ExpireHours < 1 {
		return fmt.Errorf("session expire_hours must be positive, got %d", s.Session.ExpireHours)
	}
	if s.PACS.Host == "" {
		return fmt.Errorf("pacs host is required")
	}
	if s.StoragePath == "" {
		return fmt.Errorf("storage_path is required")
	}
	return nil
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}

// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Tiles        TilesConfig        `mapstructure:"tiles"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Providers    []ProviderConfig   `mapstructure:"providers" validate:"dive"`
	Export       ExportConfig       `mapstructure:"export"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Sync         SyncConfig         `mapstructure:"sync"`
	TLS          TLSConfig          `mapstructure:"tls"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
	FrontendEnabled bool          `mapstructure:"frontend_enabled"`
	PublicURL       string        `mapstructure:"public_url"` // base URL used by provision --verify
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// TilesConfig holds tile serving configuration.
type TilesConfig struct {
	Root               string        `mapstructure:"root"`
	Placeholder        string        `mapstructure:"placeholder"` // PNG served for misses; built-in when empty
	ArchiveScheme      string        `mapstructure:"archive_scheme"`
	SupertileCacheSize int64         `mapstructure:"supertile_cache_size"`
	SupertileTTL       time.Duration `mapstructure:"supertile_ttl"`
	WarmOnStart        bool          `mapstructure:"warm_on_start"`
	Watch              bool          `mapstructure:"watch"`
}

// ProvisioningConfig holds retrieval and stitching configuration.
type ProvisioningConfig struct {
	DataDir             string        `mapstructure:"data_dir"`
	Overwrite           bool          `mapstructure:"overwrite"`
	RetainIntermediates bool          `mapstructure:"retain_intermediates"`
	GridAligned         bool          `mapstructure:"grid_aligned"`
	Concurrency         int           `mapstructure:"concurrency"`
	MaxRounds           int           `mapstructure:"max_rounds"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	Exhaustion          string        `mapstructure:"exhaustion"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	DPI                 int           `mapstructure:"dpi"`
	Quantize            bool          `mapstructure:"quantize"`
	ClipEdges           bool          `mapstructure:"clip_edges"`
	UserAgents          []string      `mapstructure:"user_agents"`
}

// ProviderConfig describes one upstream imagery source.
type ProviderConfig struct {
	Name        string   `mapstructure:"name" validate:"required,excludesall=/"`
	Type        string   `mapstructure:"type" validate:"required,oneof=wms xyz"`
	URL         string   `mapstructure:"url" validate:"required"`
	Layers      []string `mapstructure:"layers" validate:"required_if=Type wms"`
	Styles      []string `mapstructure:"styles"`
	Format      string   `mapstructure:"format" validate:"omitempty,oneof=png jpeg jpg"`
	Version     string   `mapstructure:"version" validate:"omitempty,oneof=1.1.1 1.3.0"`
	CRS         string   `mapstructure:"crs"`
	Transparent bool     `mapstructure:"transparent"`
	MaxWidth    int      `mapstructure:"max_width" validate:"omitempty,min=1,max=16384"`
	MaxHeight   int      `mapstructure:"max_height" validate:"omitempty,min=1,max=16384"`
	DPI         int      `mapstructure:"dpi" validate:"omitempty,min=1"`
	ContentType string   `mapstructure:"content_type"`
	Extension   string   `mapstructure:"extension"`
}

// ExportConfig holds mosaic export configuration.
type ExportConfig struct {
	MaxTiles int `mapstructure:"max_tiles"`
}

// StorageConfig holds object storage configuration for archive sync.
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // s3, azure, http, local
	LocalPath string      `mapstructure:"local_path"`
	S3        S3Config    `mapstructure:"s3"`
	Azure     AzureConfig `mapstructure:"azure"`
	HTTP      HTTPConfig  `mapstructure:"http"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// HTTPConfig holds HTTP download configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// SyncConfig holds archive sync configuration.
type SyncConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool      `mapstructure:"enabled"`
	Domains  []string  `mapstructure:"domains"`
	Email    string    `mapstructure:"email"`
	CacheDir string    `mapstructure:"cache_dir"`
	Staging  bool      `mapstructure:"staging"` // Use Let's Encrypt staging
	DNS      DNSConfig `mapstructure:"dns"`
}

// DNSConfig holds Azure DNS settings for the DNS-01 challenge.
type DNSConfig struct {
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group_name"`
	ClientID          string `mapstructure:"client_id"` // empty uses the system assigned identity
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values.
func Defaults() {
	v := viper.GetViper()

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("server.frontend_enabled", true)
	v.SetDefault("server.public_url", "http://localhost:8080")

	// Tiles defaults
	v.SetDefault("tiles.root", "./data/result")
	v.SetDefault("tiles.archive_scheme", "xyz")
	v.SetDefault("tiles.supertile_cache_size", 256)
	v.SetDefault("tiles.supertile_ttl", 10*time.Minute)
	v.SetDefault("tiles.warm_on_start", false)
	v.SetDefault("tiles.watch", true)

	// Provisioning defaults
	v.SetDefault("provisioning.data_dir", "./data")
	v.SetDefault("provisioning.overwrite", false)
	v.SetDefault("provisioning.retain_intermediates", false)
	v.SetDefault("provisioning.grid_aligned", true)
	v.SetDefault("provisioning.concurrency", 4)
	v.SetDefault("provisioning.max_rounds", 3)
	v.SetDefault("provisioning.backoff_base", time.Second)
	v.SetDefault("provisioning.backoff_max", 30*time.Second)
	v.SetDefault("provisioning.exhaustion", "soft")
	v.SetDefault("provisioning.request_timeout", time.Minute)
	v.SetDefault("provisioning.dpi", 96)
	v.SetDefault("provisioning.quantize", false)
	v.SetDefault("provisioning.clip_edges", true)

	// Export defaults
	v.SetDefault("export.max_tiles", 1024)

	// Storage defaults
	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "./archives")
	v.SetDefault("storage.http.index_file", "index.txt")
	v.SetDefault("storage.http.timeout", 5*time.Minute)

	// Sync defaults
	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.interval", time.Hour)

	// TLS defaults
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cache_dir", "./.certmagic")
	v.SetDefault("tls.staging", false)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load loads configuration from .env, environment and config file.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.GetViper()
	Defaults()

	// Environment variable binding
	v.SetEnvPrefix("BVSAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/bvsar")
	}

	// Try to read config file (not required)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Tiles.Root == "" {
		return fmt.Errorf("tiles root is required")
	}
	switch c.Tiles.ArchiveScheme {
	case "xyz", "tms":
	default:
		return fmt.Errorf("unknown archive scheme: %s", c.Tiles.ArchiveScheme)
	}

	if c.Provisioning.DataDir == "" {
		return fmt.Errorf("provisioning data dir is required")
	}
	if c.Provisioning.Concurrency < 1 {
		return fmt.Errorf("provisioning concurrency must be at least 1")
	}
	if c.Provisioning.MaxRounds < 1 {
		return fmt.Errorf("provisioning max rounds must be at least 1")
	}
	switch c.Provisioning.Exhaustion {
	case "soft", "hard":
	default:
		return fmt.Errorf("unknown exhaustion policy: %s", c.Provisioning.Exhaustion)
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid provider: %w", err)
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true
	}

	if c.Export.MaxTiles < 1 {
		return fmt.Errorf("export max tiles must be at least 1")
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return fmt.Errorf("TLS enabled but no domains specified")
		}
		if c.TLS.Email == "" {
			return fmt.Errorf("TLS enabled but no email specified")
		}
	}

	if c.Sync.Enabled {
		if c.Sync.Interval <= 0 {
			return fmt.Errorf("sync interval must be positive")
		}
		if err := c.Storage.validate(); err != nil {
			return err
		}
	}

	return nil
}

func (s *StorageConfig) validate() error {
	switch s.Type {
	case "local":
		if s.LocalPath == "" {
			return fmt.Errorf("local storage path is required")
		}
	case "s3":
		if s.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required")
		}
		if s.S3.Region == "" {
			return fmt.Errorf("S3 region is required")
		}
	case "azure":
		if s.Azure.Container == "" {
			return fmt.Errorf("azure container is required")
		}
		if s.Azure.AccountName == "" && s.Azure.ConnectionString == "" {
			return fmt.Errorf("azure account name or connection string is required")
		}
	case "http":
		if s.HTTP.BaseURL == "" {
			return fmt.Errorf("HTTP base URL is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", s.Type)
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. WXHISTORY_SERVER_PORT
const EnvPrefix = "WXHISTORY"

// Corrupt history policies
const (
	OnCorruptFail   = "fail"
	OnCorruptEmpty  = "empty"
	OnCorruptBackup = "backup"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	History   HistoryConfig   `yaml:"history" mapstructure:"history"`
	Reports   ReportsConfig   `yaml:"reports" mapstructure:"reports"`
	Favorites FavoritesConfig `yaml:"favorites" mapstructure:"favorites"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	Port           string        `yaml:"port" mapstructure:"port" json:"port"`
	Host           string        `yaml:"host" mapstructure:"host" json:"host"`
	CORSOrigins    []string      `yaml:"corsOrigins" mapstructure:"corsOrigins" json:"corsOrigins"`
	RequestTimeout time.Duration `yaml:"requestTimeout" mapstructure:"requestTimeout" json:"requestTimeout"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled               bool   `yaml:"enabled" mapstructure:"enabled"`
	Path                  string `yaml:"path" mapstructure:"path"`
	IncludeProcessMetrics bool   `yaml:"includeProcessMetrics" mapstructure:"includeProcessMetrics"`
	IncludeGoMetrics      bool   `yaml:"includeGoMetrics" mapstructure:"includeGoMetrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string            `yaml:"level" mapstructure:"level"`
	Format string            `yaml:"format" mapstructure:"format"`
	Output string            `yaml:"output" mapstructure:"output"`
	Fields map[string]string `yaml:"fields" mapstructure:"fields"`
}

// HistoryConfig controls the query history log and its persistence
type HistoryConfig struct {
	Backend        string         `yaml:"backend" mapstructure:"backend"`
	Path           string         `yaml:"path" mapstructure:"path"`
	MaxRecords     int            `yaml:"maxRecords" mapstructure:"maxRecords"`
	Unlimited      bool           `yaml:"unlimited" mapstructure:"unlimited"`
	MaxAge         time.Duration  `yaml:"maxAge" mapstructure:"maxAge"`
	AutoPersist    bool           `yaml:"autoPersist" mapstructure:"autoPersist"`
	FlushInterval  time.Duration  `yaml:"flushInterval" mapstructure:"flushInterval"`
	PersistTimeout time.Duration  `yaml:"persistTimeout" mapstructure:"persistTimeout"`
	OnCorrupt      string         `yaml:"onCorrupt" mapstructure:"onCorrupt"`
	Badger         BadgerConfig   `yaml:"badger" mapstructure:"badger"`
	SQLite         SQLiteConfig   `yaml:"sqlite" mapstructure:"sqlite"`
	Postgres       PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
	Influx         InfluxConfig   `yaml:"influx" mapstructure:"influx"`
}

// BadgerConfig contains BadgerDB-specific configuration
type BadgerConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL-specific configuration
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"sslmode" mapstructure:"sslmode"`
}

// ConnString builds a libpq style connection string
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// InfluxConfig enables mirroring every recorded query to InfluxDB
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	URL     string `yaml:"url" mapstructure:"url"`
	Token   string `yaml:"token" mapstructure:"token"`
	Org     string `yaml:"org" mapstructure:"org"`
	Bucket  string `yaml:"bucket" mapstructure:"bucket"`
}

// ReportsConfig contains report generation and export settings
type ReportsConfig struct {
	DefaultRows        int     `yaml:"defaultRows" mapstructure:"defaultRows"`
	TrendThreshold     float64 `yaml:"trendThreshold" mapstructure:"trendThreshold"`
	ExportDir          string  `yaml:"exportDir" mapstructure:"exportDir"`
	CSVSummaryComments bool    `yaml:"csvSummaryComments" mapstructure:"csvSummaryComments"`
	TextMaxWidth       int     `yaml:"textMaxWidth" mapstructure:"textMaxWidth"`
}

// FavoritesConfig contains favorite location settings
type FavoritesConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	MaxEntries int    `yaml:"maxEntries" mapstructure:"maxEntries"`
}

// FetchConfig controls background dispatch of weather lookups
type FetchConfig struct {
	Workers            int           `yaml:"workers" mapstructure:"workers"`
	QueueSize          int           `yaml:"queueSize" mapstructure:"queueSize"`
	Timeout            time.Duration `yaml:"timeout" mapstructure:"timeout"`
	BreakerMaxFailures uint32        `yaml:"breakerMaxFailures" mapstructure:"breakerMaxFailures"`
	BreakerOpenTimeout time.Duration `yaml:"breakerOpenTimeout" mapstructure:"breakerOpenTimeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "7880")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.corsOrigins", []string{"http://localhost:7880"})
	v.SetDefault("server.requestTimeout", "30s")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.includeProcessMetrics", true)
	v.SetDefault("metrics.includeGoMetrics", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("history.backend", "file")
	v.SetDefault("history.path", "data/history.json")
	v.SetDefault("history.maxRecords", 100)
	v.SetDefault("history.unlimited", false)
	v.SetDefault("history.maxAge", "720h")
	v.SetDefault("history.autoPersist", true)
	v.SetDefault("history.flushInterval", "30s")
	v.SetDefault("history.persistTimeout", "5s")
	v.SetDefault("history.onCorrupt", OnCorruptFail)
	v.SetDefault("history.badger.path", "data/badger")
	v.SetDefault("history.sqlite.path", "data/history.db")
	v.SetDefault("history.postgres.host", "localhost")
	v.SetDefault("history.postgres.port", 5432)
	v.SetDefault("history.postgres.user", "wxhistory")
	v.SetDefault("history.postgres.password", "")
	v.SetDefault("history.postgres.database", "wxhistory")
	v.SetDefault("history.postgres.sslmode", "disable")
	v.SetDefault("history.influx.enabled", false)
	v.SetDefault("history.influx.url", "http://localhost:8086")
	v.SetDefault("history.influx.token", "")
	v.SetDefault("history.influx.org", "wxhistory")
	v.SetDefault("history.influx.bucket", "weather")
	v.SetDefault("reports.defaultRows", 20)
	v.SetDefault("reports.trendThreshold", 0.5)
	v.SetDefault("reports.exportDir", "exports")
	v.SetDefault("reports.csvSummaryComments", false)
	v.SetDefault("reports.textMaxWidth", 120)
	v.SetDefault("favorites.path", "data/favorites.json")
	v.SetDefault("favorites.maxEntries", 50)
	v.SetDefault("fetch.workers", 4)
	v.SetDefault("fetch.queueSize", 64)
	v.SetDefault("fetch.timeout", "10s")
	v.SetDefault("fetch.breakerMaxFailures", 5)
	v.SetDefault("fetch.breakerOpenTimeout", "30s")
}

// Default returns the built-in configuration. The environment is not
// consulted; use LoadConfig for that. It panics if the built-in defaults
// fail to decode.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("config: built-in defaults do not decode: %v", err))
	}
	return &config
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadConfig loads configuration from file. A .env file next to the config
// file or in the working directory is applied first; variables already set in
// the environment win. With an empty configPath a missing config.yml is not
// an error.
func LoadConfig(configPath string) (*Config, error) {
	if err := loadDotEnv(configPath); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wxhistory")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.History.Backend = strings.ToLower(strings.TrimSpace(config.History.Backend))
	config.History.OnCorrupt = strings.ToLower(strings.TrimSpace(config.History.OnCorrupt))

	return &config, nil
}

func loadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append([]string{filepath.Join(filepath.Dir(configPath), ".env")}, candidates...)
	}

	seen := make(map[string]bool)
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true

		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", abs, err)
		}
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.requestTimeout cannot be negative")
	}

	if err := c.History.validate(); err != nil {
		return err
	}

	if c.Reports.DefaultRows <= 0 {
		return fmt.Errorf("reports.defaultRows must be positive, got %d", c.Reports.DefaultRows)
	}
	if c.Reports.TrendThreshold < 0 {
		return fmt.Errorf("reports.trendThreshold cannot be negative")
	}
	if c.Reports.TextMaxWidth != 0 && c.Reports.TextMaxWidth < 40 {
		return fmt.Errorf("reports.textMaxWidth too small (min 40): %d", c.Reports.TextMaxWidth)
	}

	if c.Favorites.MaxEntries < 0 {
		return fmt.Errorf("favorites.maxEntries cannot be negative")
	}

	if c.Fetch.Workers <= 0 {
		return fmt.Errorf("fetch.workers must be positive, got %d", c.Fetch.Workers)
	}
	if c.Fetch.QueueSize < 0 {
		return fmt.Errorf("fetch.queueSize cannot be negative")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be positive")
	}
	if c.Fetch.Timeout > 5*time.Minute {
		return fmt.Errorf("fetch.timeout too long (max 5 minutes): %v", c.Fetch.Timeout)
	}

	return nil
}

func (h HistoryConfig) validate() error {
	switch h.Backend {
	case "none", "file", "badger", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown history.backend: %q (valid options: none, file, badger, sqlite, postgres)", h.Backend)
	}

	if h.Backend == "file" && h.Path == "" {
		return fmt.Errorf("history.path is required for the file backend")
	}

	if !h.Unlimited && h.MaxRecords <= 0 {
		return fmt.Errorf("history.maxRecords must be positive (set history.unlimited to disable the bound), got %d", h.MaxRecords)
	}

	if h.MaxAge < 0 {
		return fmt.Errorf("history.maxAge cannot be negative")
	}
	if h.FlushInterval < 0 {
		return fmt.Errorf("history.flushInterval cannot be negative")
	}
	if h.FlushInterval > 0 && h.FlushInterval < time.Second {
		return fmt.Errorf("history.flushInterval too short (min 1 second): %v", h.FlushInterval)
	}
	if h.PersistTimeout <= 0 {
		return fmt.Errorf("history.persistTimeout must be positive")
	}

	if h.Influx.Enabled {
		if h.Influx.URL == "" || h.Influx.Org == "" || h.Influx.Bucket == "" {
			return fmt.Errorf("history.influx requires url, org and bucket when enabled")
		}
	}

	switch h.OnCorrupt {
	case OnCorruptFail, OnCorruptEmpty, OnCorruptBackup:
	default:
		return fmt.Errorf("invalid history.onCorrupt: %q (valid options: fail, empty, backup)", h.OnCorrupt)
	}

	return nil
}

// Capacity returns the history bound, or zero when the log is unbounded
func (h HistoryConfig) Capacity() int {
	if h.Unlimited {
		return 0
	}
	return h.MaxRecords
}

// YAML renders the effective configuration with secrets redacted
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if redacted.History.Postgres.Password != "" {
		redacted.History.Postgres.Password = "********"
	}
	if redacted.History.Influx.Token != "" {
		redacted.History.Influx.Token = "********"
	}

	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// Package config loads the application configuration from an optional YAML
// file, applies defaults and environment overrides, then validates.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"

	apperrors "ptop-analyzer/pkg/errors"
)

// Config is the full application configuration tree.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Bundles   BundlesConfig   `yaml:"bundles"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Export    ExportConfig    `yaml:"export"`
}

// AppConfig holds identity and logging settings.
type AppConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ServerConfig configures the tool-surface HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// TimescaleConfig configures the analytical store and the writer.
type TimescaleConfig struct {
	DSN            string `yaml:"dsn"`
	BatchSize      int    `yaml:"batch_size"`
	InsertPageSize int    `yaml:"insert_page_size"`
	UseCopy        bool   `yaml:"use_copy"`
	AdaptiveBatch  bool   `yaml:"adaptive_batch"`
	MaxBatchSize   int    `yaml:"max_batch_size"`
}

// CatalogConfig locates the embeddings artifact.
type CatalogConfig struct {
	EmbeddingsPath string `yaml:"embeddings_path"`
}

// BundlesConfig configures the bundle lifecycle.
type BundlesConfig struct {
	CatalogPath    string `yaml:"catalog_path"`
	SupportBaseDir string `yaml:"support_base_dir"`
	TmpRoot        string `yaml:"tmp_root"`
	MaxWorkers     int    `yaml:"max_workers"`
	CleanStart     bool   `yaml:"clean_start"`
	WatchSupport   bool   `yaml:"watch_support_dir"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// ExportConfig configures the optional Kafka ingest-summary producer.
type ExportConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	SASLUser     string   `yaml:"sasl_user"`
	SASLPassword string   `yaml:"sasl_password"`
	SASLSHA512   bool     `yaml:"sasl_sha512"`
}

// Load reads configFile (when non-empty), applies defaults and environment
// overrides, then validates the result.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, apperrors.ConfigError("read_file", "config file not readable").Wrap(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.ConfigError("parse_file", "config file not parseable").Wrap(err)
		}
	}
	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "ptop-analyzer"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "v0.1.0"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = "json"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8400
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 8401
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	cfg.Metrics.Enabled = true
	if cfg.Timescale.BatchSize == 0 {
		cfg.Timescale.BatchSize = 8000
	}
	if cfg.Timescale.InsertPageSize == 0 {
		cfg.Timescale.InsertPageSize = 800
	}
	if cfg.Timescale.MaxBatchSize == 0 {
		cfg.Timescale.MaxBatchSize = 50000
	}
	if cfg.Catalog.EmbeddingsPath == "" {
		cfg.Catalog.EmbeddingsPath = "docs/docs_embeddings.jsonl"
	}
	if cfg.Bundles.CatalogPath == "" {
		cfg.Bundles.CatalogPath = "data/bundles.db"
	}
	if cfg.Bundles.SupportBaseDir == "" {
		cfg.Bundles.SupportBaseDir = "/import/customer_data/support"
	}
	if cfg.Bundles.TmpRoot == "" {
		cfg.Bundles.TmpRoot = os.TempDir()
	}
	if cfg.Bundles.MaxWorkers == 0 {
		cfg.Bundles.MaxWorkers = 4
	}
	if cfg.Export.Topic == "" {
		cfg.Export.Topic = "ptops-ingest-summaries"
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	cfg.App.LogLevel = getEnvString("PTOPS_LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = getEnvString("PTOPS_LOG_FORMAT", cfg.App.LogFormat)
	cfg.Server.Host = getEnvString("PTOPS_SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("PTOPS_SERVER_PORT", cfg.Server.Port)
	cfg.Metrics.Enabled = getEnvBool("PTOPS_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Port = getEnvInt("PTOPS_METRICS_PORT", cfg.Metrics.Port)

	cfg.Timescale.DSN = getEnvString("TIMESCALE_DSN", cfg.Timescale.DSN)
	cfg.Timescale.BatchSize = getEnvInt("PTOPS_BATCH_SIZE", cfg.Timescale.BatchSize)
	cfg.Timescale.InsertPageSize = getEnvInt("PTOPS_INSERT_PAGE_SIZE", cfg.Timescale.InsertPageSize)
	cfg.Timescale.UseCopy = getEnvBool("PTOPS_USE_COPY_COMMAND", cfg.Timescale.UseCopy)
	cfg.Timescale.AdaptiveBatch = getEnvBool("PTOPS_ADAPTIVE_BATCH", cfg.Timescale.AdaptiveBatch)
	cfg.Timescale.MaxBatchSize = getEnvInt("PTOPS_MAX_BATCH_SIZE", cfg.Timescale.MaxBatchSize)

	cfg.Catalog.EmbeddingsPath = getEnvString("PTOPS_EMBEDDINGS_PATH", cfg.Catalog.EmbeddingsPath)
	cfg.Bundles.CatalogPath = getEnvString("SQLITE_PATH", cfg.Bundles.CatalogPath)
	cfg.Bundles.SupportBaseDir = getEnvString("SUPPORT_BASE_DIR", cfg.Bundles.SupportBaseDir)
	cfg.Bundles.TmpRoot = getEnvString("PTOPS_TMP_ROOT", cfg.Bundles.TmpRoot)
	cfg.Bundles.MaxWorkers = getEnvInt("PTOPS_MAX_WORKERS", cfg.Bundles.MaxWorkers)
	cfg.Bundles.CleanStart = getEnvBool("PTOPS_CLEAN_START", cfg.Bundles.CleanStart)
	cfg.Bundles.WatchSupport = getEnvBool("PTOPS_WATCH_SUPPORT_DIR", cfg.Bundles.WatchSupport)

	cfg.Tracing.Enabled = getEnvBool("PTOPS_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnvString("PTOPS_TRACING_ENDPOINT", cfg.Tracing.Endpoint)

	cfg.Export.Enabled = getEnvBool("PTOPS_EXPORT_ENABLED", cfg.Export.Enabled)
	if brokers := getEnvString("PTOPS_EXPORT_BROKERS", ""); brokers != "" {
		cfg.Export.Brokers = strings.Split(brokers, ",")
	}
	cfg.Export.Topic = getEnvString("PTOPS_EXPORT_TOPIC", cfg.Export.Topic)
	cfg.Export.SASLUser = getEnvString("PTOPS_EXPORT_SASL_USER", cfg.Export.SASLUser)
	cfg.Export.SASLPassword = getEnvString("PTOPS_EXPORT_SASL_PASSWORD", cfg.Export.SASLPassword)
}

func validate(cfg *Config) error {
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[cfg.App.LogLevel] {
		return apperrors.ConfigError("validate_log_level", "invalid log level: "+cfg.App.LogLevel)
	}
	if cfg.App.LogFormat != "json" && cfg.App.LogFormat != "text" {
		return apperrors.ConfigError("validate_log_format", "invalid log format: "+cfg.App.LogFormat)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return apperrors.ConfigError("validate_port", "invalid server port")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port {
		return apperrors.ConfigError("validate_port_conflict", "metrics port conflicts with server port")
	}
	if cfg.Timescale.BatchSize <= 0 || cfg.Timescale.InsertPageSize <= 0 {
		return apperrors.ConfigError("validate_batching", "batch sizes must be positive")
	}
	if cfg.Bundles.MaxWorkers <= 0 || cfg.Bundles.MaxWorkers > 100 {
		return apperrors.ConfigError("validate_workers", "max workers out of range")
	}
	if cfg.Export.Enabled && len(cfg.Export.Brokers) == 0 {
		return apperrors.ConfigError("validate_export", "export enabled but no brokers configured")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

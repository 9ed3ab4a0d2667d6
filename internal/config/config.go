// Package config loads the application configuration from file and
// environment and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	DB        DBConfig        `yaml:"db" mapstructure:"db"`
	Artifact  ArtifactConfig  `yaml:"artifact" mapstructure:"artifact"`
	Secrets   SecretsConfig   `yaml:"secrets" mapstructure:"secrets"`
	Browser   BrowserConfig   `yaml:"browser" mapstructure:"browser"`
	Run       RunConfig       `yaml:"run" mapstructure:"run"`
	Integrate IntegrateConfig `yaml:"integrate" mapstructure:"integrate"`
	Catalog   CatalogConfig   `yaml:"catalog" mapstructure:"catalog"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// DBConfig configures the shared operational database.
type DBConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite | memory
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ArtifactConfig configures the artifact sink.
type ArtifactConfig struct {
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
	// Dir switches to a filesystem sink for local work; it wins over Bucket.
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// SecretsConfig configures the credential service client.
type SecretsConfig struct {
	URL   string `yaml:"url" mapstructure:"url"`
	Token string `yaml:"token" mapstructure:"token"`
}

// BrowserConfig configures browser sessions.
type BrowserConfig struct {
	Driver              string `yaml:"driver" mapstructure:"driver"`
	Headless            bool   `yaml:"headless" mapstructure:"headless"`
	PageLoadTimeoutSecs int    `yaml:"page_load_timeout_secs" mapstructure:"page_load_timeout_secs"`
	Locale              string `yaml:"locale" mapstructure:"locale"`
}

// RunConfig configures runner budgets.
type RunConfig struct {
	DefaultTimeoutSeconds int     `yaml:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`
	AttemptTimeoutSeconds int     `yaml:"attempt_timeout_seconds" mapstructure:"attempt_timeout_seconds"`
	ShutdownBudgetSecs    int     `yaml:"shutdown_budget_secs" mapstructure:"shutdown_budget_secs"`
	MaxAttempts           int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	WorkspaceRoot         string  `yaml:"workspace_root" mapstructure:"workspace_root"`
	KeepWorkspace         bool    `yaml:"keep_workspace" mapstructure:"keep_workspace"`
	RequestsPerSecond     float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// RunTimeout returns the run deadline as a duration.
func (r RunConfig) RunTimeout() time.Duration {
	return time.Duration(r.DefaultTimeoutSeconds) * time.Second
}

// AttemptTimeout returns the attempt deadline as a duration.
func (r RunConfig) AttemptTimeout() time.Duration {
	return time.Duration(r.AttemptTimeoutSeconds) * time.Second
}

// IntegrateConfig surfaces the bill match tolerances as tunables.
type IntegrateConfig struct {
	CostTolerance float64 `yaml:"cost_tolerance" mapstructure:"cost_tolerance"`
	UsedTolerance float64 `yaml:"used_tolerance" mapstructure:"used_tolerance"`
	PeakTolerance float64 `yaml:"peak_tolerance" mapstructure:"peak_tolerance"`
}

// CatalogConfig points at the local source catalog.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DATAFEEDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The externally documented variable names.
	for key, env := range map[string]string{
		"db.url":                      "DATAFEEDS_DB_URL",
		"artifact.bucket":             "DATAFEEDS_ARTIFACT_BUCKET",
		"secrets.url":                 "DATAFEEDS_SECRETS_URL",
		"run.default_timeout_seconds": "DATAFEEDS_DEFAULT_TIMEOUT_SECONDS",
		"browser.headless":            "DATAFEEDS_HEADLESS",
		"log.level":                   "DATAFEEDS_LOG_LEVEL",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", env)
		}
	}

	// Defaults
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("browser.driver", "chromium")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.page_load_timeout_secs", 60)
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("run.default_timeout_seconds", 1800)
	v.SetDefault("run.attempt_timeout_seconds", 600)
	v.SetDefault("run.shutdown_budget_secs", 30)
	v.SetDefault("run.max_attempts", 3)
	v.SetDefault("run.requests_per_second", 2)
	v.SetDefault("integrate.cost_tolerance", 0.01)
	v.SetDefault("integrate.used_tolerance", 0.5)
	v.SetDefault("integrate.peak_tolerance", 0.1)
	v.SetDefault("catalog.path", "sources.yaml")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	// Run outcomes go to stdout as a JSON line; logs stay on stderr.
	zapCfg.OutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

// Package config loads and validates the application configuration.
// Precedence, lowest to highest: built-in defaults, vulnflow.yaml (the
// working directory or ~/.vulnflow), VULNFLOW_* environment variables,
// CLI flag overrides applied through the setters.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface is the read surface handed to commands and subsystems. The
// setters exist for CLI flag overrides and tests.
type Interface interface {
	Logger() LoggerConfig
	Engine() EngineConfig
	Rules() RulesConfig
	Database() DatabaseConfig
	Report() ReportConfig
	Churn() ChurnConfig

	SetEngineWorkers(int)
	SetEngineTimeout(time.Duration)
	SetRulesPath(string)
	SetDatabaseURL(string)
	SetReportFormat(string)
	SetReportOutput(string)
}

// Config is the root configuration document.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	RulesCfg    RulesConfig    `mapstructure:"rules" yaml:"rules"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	ReportCfg   ReportConfig   `mapstructure:"report" yaml:"report"`
	ChurnCfg    ChurnConfig    `mapstructure:"churn" yaml:"churn"`
}

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Rules() RulesConfig       { return c.RulesCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Report() ReportConfig     { return c.ReportCfg }
func (c *Config) Churn() ChurnConfig       { return c.ChurnCfg }

func (c *Config) SetEngineWorkers(w int)           { c.EngineCfg.Workers = w }
func (c *Config) SetEngineTimeout(d time.Duration) { c.EngineCfg.Timeout = d }
func (c *Config) SetRulesPath(p string)            { c.RulesCfg.Path = p }
func (c *Config) SetDatabaseURL(u string)          { c.DatabaseCfg.URL = u }
func (c *Config) SetReportFormat(f string)         { c.ReportCfg.Format = f }
func (c *Config) SetReportOutput(o string)         { c.ReportCfg.Output = o }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig names a terminal color per log level.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// EngineConfig tunes the analysis engine. Workers of zero means one per
// CPU; loop passes of zero picks the engine default.
type EngineConfig struct {
	Workers    int           `mapstructure:"workers" yaml:"workers"`
	LoopPasses int           `mapstructure:"loop_passes" yaml:"loop_passes"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RulesConfig points at a user rule bundle. An empty path selects the
// built-in defaults.
type RulesConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DatabaseConfig holds the scan-store connection details. An empty URL
// disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ReportConfig selects the findings output format and destination. An
// empty output writes to stdout.
type ReportConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// ChurnConfig tunes the git history signal attached to reports.
type ChurnConfig struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
	MaxCommits int  `mapstructure:"max_commits" yaml:"max_commits"`
}

// NewDefaultConfig returns a configuration populated with the defaults
// alone.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults seeds v with every default value.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "vulnflow")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Engine --
	v.SetDefault("engine.workers", 0)
	v.SetDefault("engine.loop_passes", 2)
	v.SetDefault("engine.timeout", "10m")

	// -- Rules --
	v.SetDefault("rules.path", "")

	// -- Database --
	v.SetDefault("database.url", "")

	// -- Report --
	v.SetDefault("report.format", "json")
	v.SetDefault("report.output", "")

	// -- Churn --
	v.SetDefault("churn.enabled", true)
	v.SetDefault("churn.max_commits", 500)
}

// Load reads the configuration stack. cfgFile, when set, must exist and
// parse; otherwise vulnflow.yaml is searched for in the working directory
// and ~/.vulnflow, and its absence is fine.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("VULNFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("vulnflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".vulnflow"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return NewConfigFromViper(v)
}

// NewConfigFromViper unmarshals and validates a prepared viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("database.url", "VULNFLOW_DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.Workers < 0 {
		return fmt.Errorf("engine.workers must not be negative")
	}
	if c.EngineCfg.LoopPasses < 0 {
		return fmt.Errorf("engine.loop_passes must not be negative")
	}
	if c.EngineCfg.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be a positive duration")
	}
	switch c.ReportCfg.Format {
	case "json", "sarif":
	default:
		return fmt.Errorf("report.format must be %q or %q, got %q", "json", "sarif", c.ReportCfg.Format)
	}
	if c.ChurnCfg.MaxCommits < 0 {
		return fmt.Errorf("churn.max_commits must not be negative")
	}
	return nil
}

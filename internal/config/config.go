// File: internal/config/config.go
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Network() NetworkConfig
	Automation() AutomationConfig
	Server() ServerConfig

	// Setters used by CLI flag overrides.
	SetBrowserHeadless(bool)
	SetAutomationRunTimeout(time.Duration)
	SetServerListenAddr(string)
}

// Config holds the entire application configuration. Sections are exported
// for viper decoding; consumers go through the Interface getters.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	NetworkCfg    NetworkConfig    `mapstructure:"network" yaml:"network"`
	AutomationCfg AutomationConfig `mapstructure:"automation" yaml:"automation"`
	ServerCfg     ServerConfig     `mapstructure:"server" yaml:"server"`
}

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig     { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) Network() NetworkConfig       { return c.NetworkCfg }
func (c *Config) Automation() AutomationConfig { return c.AutomationCfg }
func (c *Config) Server() ServerConfig         { return c.ServerCfg }

func (c *Config) SetBrowserHeadless(b bool)               { c.BrowserCfg.Headless = b }
func (c *Config) SetAutomationRunTimeout(d time.Duration) { c.AutomationCfg.RunTimeout = d }
func (c *Config) SetServerListenAddr(addr string)         { c.ServerCfg.ListenAddr = addr }

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

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverNone     = "none"
)

// DatabaseConfig selects where run records are kept. The Postgres driver is
// also the source of brokerage records (owners, properties, users).
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	URL        string `mapstructure:"url" yaml:"url"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// BrowserConfig holds settings for the Chrome instance driving the portals.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless" yaml:"headless"`
	Args          []string      `mapstructure:"args" yaml:"args"`
	WindowWidth   int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight  int           `mapstructure:"window_height" yaml:"window_height"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	ExecPath      string        `mapstructure:"exec_path" yaml:"exec_path"`
	Debug         bool          `mapstructure:"debug" yaml:"debug"`
	// Locale and Timezone are presented to portals; several format dates by them.
	Locale    string `mapstructure:"locale" yaml:"locale"`
	Timezone  string `mapstructure:"timezone" yaml:"timezone"`
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent"`
}

// NetworkConfig tunes page loading.
type NetworkConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
}

// AutomationConfig configures the run interpreter.
type AutomationConfig struct {
	DefinitionsDir    string        `mapstructure:"definitions_dir" yaml:"definitions_dir"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	RunTimeout        time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	MaxConcurrentRuns int           `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs"`
	// PortalRateLimit is the number of run starts per second allowed against
	// one portal. Zero disables the limiter.
	PortalRateLimit float64 `mapstructure:"portal_rate_limit" yaml:"portal_rate_limit"`
	PortalBurst     int     `mapstructure:"portal_burst" yaml:"portal_burst"`
}

// ServerConfig configures the HTTP run-control API.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "certidao")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite_path", "~/.certidao/runs.db")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.action_timeout", "20s")
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.locale", "pt-BR")
	v.SetDefault("browser.timezone", "America/Sao_Paulo")
	v.SetDefault("browser.user_agent", "")

	// -- Network --
	v.SetDefault("network.navigation_timeout", "90s")
	v.SetDefault("network.post_load_wait", "1s")
	v.SetDefault("network.ignore_tls_errors", false)

	// -- Automation --
	v.SetDefault("automation.definitions_dir", "~/.certidao/definitions")
	v.SetDefault("automation.wait_timeout", "30s")
	v.SetDefault("automation.run_timeout", "15m")
	v.SetDefault("automation.max_concurrent_runs", 4)
	v.SetDefault("automation.portal_rate_limit", 0.2)
	v.SetDefault("automation.portal_burst", 1)

	// -- Server --
	v.SetDefault("server.listen_addr", "127.0.0.1:8085")
	v.SetDefault("server.shutdown_timeout", "30s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Connection strings carry credentials and are usually injected by the environment.
	_ = v.BindEnv("database.url", "CERTIDAO_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.AutomationCfg.DefinitionsDir, &c.DatabaseCfg.SQLitePath, &c.LoggerCfg.LogFile, &c.BrowserCfg.ExecPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.DatabaseCfg.Driver {
	case DriverPostgres:
		if c.DatabaseCfg.URL == "" {
			return fmt.Errorf("database.url is required when database.driver is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.DatabaseCfg.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required when database.driver is %q", DriverSQLite)
		}
	case DriverNone:
	default:
		return fmt.Errorf("database.driver must be one of postgres, sqlite, none (got %q)", c.DatabaseCfg.Driver)
	}

	if c.BrowserCfg.ActionTimeout <= 0 {
		return fmt.Errorf("browser.action_timeout must be a positive duration")
	}
	if c.BrowserCfg.WindowWidth < 0 || c.BrowserCfg.WindowHeight < 0 {
		return fmt.Errorf("browser window size cannot be negative")
	}
	if c.NetworkCfg.NavigationTimeout <= 0 {
		return fmt.Errorf("network.navigation_timeout must be a positive duration")
	}
	if err := c.AutomationCfg.Validate(); err != nil {
		return fmt.Errorf("automation configuration invalid: %w", err)
	}
	if strings.TrimSpace(c.ServerCfg.ListenAddr) != "" {
		if _, _, err := net.SplitHostPort(c.ServerCfg.ListenAddr); err != nil {
			return fmt.Errorf("server.listen_addr %q is not host:port: %w", c.ServerCfg.ListenAddr, err)
		}
	}
	return nil
}

// Validate checks the automation settings.
func (a *AutomationConfig) Validate() error {
	if a.WaitTimeout <= 0 {
		return fmt.Errorf("wait_timeout must be a positive duration")
	}
	if a.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be a positive duration")
	}
	if a.MaxConcurrentRuns < 0 {
		return fmt.Errorf("max_concurrent_runs cannot be negative")
	}
	if a.PortalRateLimit < 0 {
		return fmt.Errorf("portal_rate_limit cannot be negative")
	}
	if a.PortalRateLimit > 0 && a.PortalBurst <= 0 {
		return fmt.Errorf("portal_burst must be positive when portal_rate_limit is set")
	}
	return nil
}

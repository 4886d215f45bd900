// Package config loads process configuration from HCL files and the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfighcl"
)

// Config holds the settings the process starts with. Runtime settings the
// user can change (proxy, sync interval) only take their defaults from here;
// see package settings.
type Config struct {
	DBDriver     string        `hcl:"db_driver" env:"DB_DRIVER" default:"sqlite" usage:"sqlite or postgres"`
	DatabaseDSN  string        `hcl:"database_dsn" env:"DATABASE_DSN" default:"sniffle.db"`
	ListenAddr   string        `hcl:"listen_addr" env:"LISTEN_ADDR" default:":8080"`
	ProxyURL     string        `hcl:"proxy_url" env:"PROXY_URL"`
	SyncInterval time.Duration `hcl:"sync_interval" env:"SYNC_INTERVAL" default:"30m"`
	FetchTimeout time.Duration `hcl:"fetch_timeout" env:"FETCH_TIMEOUT" default:"30s"`
	FetchRetries int           `hcl:"fetch_retries" env:"FETCH_RETRIES" default:"3"`
	HostInterval time.Duration `hcl:"host_interval" env:"HOST_INTERVAL" default:"500ms"`
	UserAgent    string        `hcl:"user_agent" env:"USER_AGENT" default:"sniffle/1.0 (+https://github.com/bryan-buckman/sniffle)"`
	Enrich       bool          `hcl:"enrich" env:"ENRICH" default:"true"`
	RulesFile    string        `hcl:"rules_file" env:"RULES_FILE"`
	LogLevel     string        `hcl:"log_level" env:"LOG_LEVEL" default:"info"`
	LogFile      string        `hcl:"log_file" env:"LOG_FILE"`
}

// DefaultFiles are the config files looked up when Load is given none.
var DefaultFiles = []string{"./sniffle.hcl", "./sniffle.local.hcl"}

// Load reads the config from the first existing file of files and then
// SNIFFLE_* environment variables. Missing files are not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = DefaultFiles
	}
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SNIFFLE",
		SkipFlags: true,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".hcl": aconfighcl.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown db_driver %q", c.DBDriver)
	}
	if c.FetchRetries < 1 {
		return fmt.Errorf("config: fetch_retries must be >= 1, got %d", c.FetchRetries)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("config: fetch_timeout must be positive")
	}
	if c.SyncInterval < time.Minute {
		return fmt.Errorf("config: sync_interval must be at least 1m, got %s", c.SyncInterval)
	}
	return nil
}

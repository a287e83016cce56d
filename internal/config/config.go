// Package config loads readsync settings from a YAML file, READSYNC_*
// environment variables and defaults, using viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/roach88/readsync/internal/cache"
	"github.com/roach88/readsync/internal/engine"
	"github.com/roach88/readsync/internal/netstate"
	"github.com/roach88/readsync/internal/remote"
	"github.com/roach88/readsync/internal/tracker"
)

// EnvPrefix prefixes every environment override, e.g. READSYNC_API_BASE_URL.
const EnvPrefix = "READSYNC"

// FileName is the config file looked up in $HOME when no path is given.
const FileName = ".readsync"

// Config is the resolved configuration.
type Config struct {
	Database  string
	Listen    string
	Owner     string
	AppOrigin string
	ShellPath string
	ProxyPath string
	RulesFile string
	Installed bool

	API          APIConfig
	Activity     ActivityConfig
	Queue        QueueConfig
	Tracking     tracker.Config
	Connectivity ConnectivityConfig
	Cache        CacheConfig

	// File is the config file that was read, empty when none was found.
	File string
}

type APIConfig struct {
	BaseURL  string
	Token    string
	RetryMax int
	Timeout  time.Duration
}

type ActivityConfig struct {
	AMQPURL  string
	Exchange string
}

type QueueConfig struct {
	Retention   time.Duration
	MaxAttempts int
}

type ConnectivityConfig struct {
	ProbeURL string
	Interval time.Duration
}

type CacheConfig struct {
	QuotaBytes int64
}

// SetDefaults registers the default for every key.
func SetDefaults(v *viper.Viper) {
	t := tracker.DefaultConfig()

	v.SetDefault("database", "~/.readsync/readsync.db")
	v.SetDefault("listen", "127.0.0.1:8787")
	v.SetDefault("owner", "local")
	v.SetDefault("app_origin", "")
	v.SetDefault("shell_path", cache.DefaultShell)
	v.SetDefault("proxy_path", cache.DefaultProxy)
	v.SetDefault("rules_file", "")
	v.SetDefault("installed", false)
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.retry_max", remote.DefaultRetryMax)
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("activity.amqp_url", "")
	v.SetDefault("activity.exchange", remote.DefaultExchange)
	v.SetDefault("queue.retention", engine.DefaultRetention)
	v.SetDefault("queue.max_attempts", engine.DefaultMaxAttempts)
	v.SetDefault("tracking.threshold", t.Threshold)
	v.SetDefault("tracking.margin", t.Margin)
	v.SetDefault("tracking.dwell", t.Dwell)
	v.SetDefault("tracking.poll_interval", t.PollInterval)
	v.SetDefault("tracking.report_interval", t.ReportInterval)
	v.SetDefault("tracking.session_cap", t.SessionCap)
	v.SetDefault("tracking.pending_max_age", t.PendingMaxAge)
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.interval", netstate.DefaultInterval)
	v.SetDefault("cache.quota_bytes", 0)
}

// Load reads path, or $HOME/.readsync.yaml when path is empty, applies
// READSYNC_* overrides and validates the result. A missing default file
// is not an error; a missing explicit file is.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	db, err := homedir.Expand(v.GetString("database"))
	if err != nil {
		return nil, fmt.Errorf("database path: %w", err)
	}
	rules := v.GetString("rules_file")
	if rules != "" {
		if rules, err = homedir.Expand(rules); err != nil {
			return nil, fmt.Errorf("rules file path: %w", err)
		}
	}

	return &Config{
		Database:  db,
		Listen:    v.GetString("listen"),
		Owner:     v.GetString("owner"),
		AppOrigin: strings.TrimRight(v.GetString("app_origin"), "/"),
		ShellPath: v.GetString("shell_path"),
		ProxyPath: v.GetString("proxy_path"),
		RulesFile: rules,
		Installed: v.GetBool("installed"),
		API: APIConfig{
			BaseURL:  v.GetString("api.base_url"),
			Token:    v.GetString("api.token"),
			RetryMax: v.GetInt("api.retry_max"),
			Timeout:  v.GetDuration("api.timeout"),
		},
		Activity: ActivityConfig{
			AMQPURL:  v.GetString("activity.amqp_url"),
			Exchange: v.GetString("activity.exchange"),
		},
		Queue: QueueConfig{
			Retention:   v.GetDuration("queue.retention"),
			MaxAttempts: v.GetInt("queue.max_attempts"),
		},
		Tracking: tracker.Config{
			Threshold:      v.GetFloat64("tracking.threshold"),
			Margin:         v.GetFloat64("tracking.margin"),
			Dwell:          v.GetDuration("tracking.dwell"),
			PollInterval:   v.GetDuration("tracking.poll_interval"),
			ReportInterval: v.GetDuration("tracking.report_interval"),
			SessionCap:     v.GetInt("tracking.session_cap"),
			PendingMaxAge:  v.GetDuration("tracking.pending_max_age"),
		},
		Connectivity: ConnectivityConfig{
			ProbeURL: v.GetString("connectivity.probe_url"),
			Interval: v.GetDuration("connectivity.interval"),
		},
		Cache: CacheConfig{
			QuotaBytes: v.GetInt64("cache.quota_bytes"),
		},
		File: v.ConfigFileUsed(),
	}, nil
}

// Validate checks values that are wrong whatever the command.
func (c *Config) Validate() error {
	if c.Database == "" {
		return errors.New("database must be set")
	}
	if strings.TrimSpace(c.Owner) == "" {
		return errors.New("owner must be set")
	}
	if c.AppOrigin != "" {
		if err := absoluteURL("app_origin", c.AppOrigin); err != nil {
			return err
		}
	}
	if c.API.BaseURL != "" {
		if err := absoluteURL("api.base_url", c.API.BaseURL); err != nil {
			return err
		}
	}
	if c.Connectivity.ProbeURL != "" {
		if err := absoluteURL("connectivity.probe_url", c.Connectivity.ProbeURL); err != nil {
			return err
		}
	}
	if !strings.HasPrefix(c.ShellPath, "/") || !strings.HasPrefix(c.ProxyPath, "/") {
		return errors.New("shell_path and proxy_path must start with /")
	}
	if c.API.RetryMax < 0 {
		return fmt.Errorf("api.retry_max must not be negative, got %d", c.API.RetryMax)
	}
	if c.Queue.Retention <= 0 {
		return fmt.Errorf("queue.retention must be positive, got %v", c.Queue.Retention)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Connectivity.Interval <= 0 {
		return fmt.Errorf("connectivity.interval must be positive, got %v", c.Connectivity.Interval)
	}
	if c.Cache.QuotaBytes < 0 {
		return fmt.Errorf("cache.quota_bytes must not be negative, got %d", c.Cache.QuotaBytes)
	}
	return c.Tracking.Validate()
}

// RequireServe checks the keys the agent cannot run without.
func (c *Config) RequireServe() error {
	if c.AppOrigin == "" {
		return errors.New("app_origin must be set")
	}
	if c.API.BaseURL == "" {
		return errors.New("api.base_url must be set")
	}
	return nil
}

// Origin parses AppOrigin.
func (c *Config) Origin() (*url.URL, error) {
	if c.AppOrigin == "" {
		return nil, errors.New("app_origin must be set")
	}
	return url.Parse(c.AppOrigin)
}

// EnsureDatabaseDir creates the database's parent directory.
func (c *Config) EnsureDatabaseDir() error {
	dir := filepath.Dir(c.Database)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

func absoluteURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"bonusvarsel/internal/ledger"
)

const (
	DefaultProgram  = "SAS"
	DefaultCountry  = "no"
	DefaultLanguage = "nb"
	DefaultAPIBase  = "https://onlineshopping.loyaltykey.com"
	DefaultPerPage  = 100
	DefaultDataDir  = "data"

	// DefaultCampaignAmount is the filter[amount] sent with campaign listings.
	DefaultCampaignAmount = 5
)

// Load reads the optional file at path, overlays environ (nil means the
// process environment), applies defaults and validates.
func Load(path string, environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		fc, err := parseFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fc
	}

	o, err := parseEnv(environ)
	if err != nil {
		return nil, err
	}
	o.apply(cfg)

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, format, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s config %s: %w", format, path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills empty fields in place.
func ApplyDefaults(cfg *Config) {
	p := &cfg.Program
	p.Name = strings.ToUpper(strings.TrimSpace(p.Name))
	if p.Name == "" {
		p.Name = DefaultProgram
	}
	p.Channel = strings.ToUpper(strings.TrimSpace(p.Channel))
	if p.Channel == "" {
		p.Channel = p.Name
	}
	p.Country = strings.ToLower(strings.TrimSpace(p.Country))
	if p.Country == "" {
		p.Country = DefaultCountry
	}
	if strings.TrimSpace(p.Language) == "" {
		p.Language = DefaultLanguage
	}

	u := &cfg.Upstream
	if strings.TrimSpace(u.APIBase) == "" {
		u.APIBase = DefaultAPIBase
	}
	if u.PerPage <= 0 {
		u.PerPage = DefaultPerPage
	}
	if u.CampaignAmount <= 0 {
		u.CampaignAmount = DefaultCampaignAmount
	}

	s := &cfg.Storage
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = "file"
	}
	if strings.TrimSpace(s.Path) == "" && s.Driver != "postgres" {
		if s.Driver == "sqlite" {
			s.Path = DefaultDataDir + "/bonusvarsel.db"
		} else {
			s.Path = DefaultDataDir
		}
	}

	c := &cfg.Cache
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = "file"
	}
	if strings.TrimSpace(c.Dir) == "" {
		c.Dir = DefaultDataDir + "/.cache"
	}

	n := &cfg.Notify
	if strings.TrimSpace(n.Policy) == "" {
		n.Policy = string(ledger.PolicyAll)
	}
	if n.TTLDays <= 0 {
		n.TTLDays = int(ledger.DefaultTTL / (24 * time.Hour))
	}
	if n.RetryMax == 0 {
		n.RetryMax = 2
	}

	if strings.TrimSpace(cfg.Schedule.Spec) == "" {
		cfg.Schedule.Spec = "@every 6h"
	}

	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	// Never run without a sink.
	if !cfg.Logging.Console && !cfg.Logging.File.Enabled {
		cfg.Logging.Console = true
	}
}

// Validate checks values defaults cannot fix.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if u, err := url.Parse(cfg.Upstream.APIBase); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.api_base: invalid url %q", cfg.Upstream.APIBase))
	}
	if cfg.Upstream.RatePerSec < 0 {
		errs = append(errs, errors.New("upstream.rate_per_sec must be >= 0"))
	}
	if _, err := ledger.ParsePolicy(cfg.Notify.Policy); err != nil {
		errs = append(errs, fmt.Errorf("notify.policy: %w", err))
	}

	switch cfg.Storage.Driver {
	case "file", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
	}

	switch cfg.Cache.Driver {
	case "file", "none", "off":
	case "redis":
		if strings.TrimSpace(cfg.Cache.Redis.Addr) == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.driver: unsupported %q", cfg.Cache.Driver))
	}

	durations := map[string]string{
		"upstream.timeout":                  cfg.Upstream.Timeout,
		"upstream.retry.base_delay":         cfg.Upstream.Retry.BaseDelay,
		"upstream.retry.max_delay":          cfg.Upstream.Retry.MaxDelay,
		"upstream.retry.jitter":             cfg.Upstream.Retry.Jitter,
		"upstream.retry.max_retry_after":    cfg.Upstream.Retry.MaxRetryAfter,
		"upstream.retry.network_base_delay": cfg.Upstream.Retry.NetworkBaseDelay,
		"upstream.retry.network_max_delay":  cfg.Upstream.Retry.NetworkMaxDelay,
		"storage.busy_timeout":              cfg.Storage.BusyTimeout,
		"notify.retry_base":                 cfg.Notify.RetryBase,
		"notify.retry_max_delay":            cfg.Notify.RetryMaxDelay,
		"notify.send_timeout":               cfg.Notify.SendTimeout,
		"telegram.timeout":                  cfg.Telegram.Timeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// TTL returns the ledger retention window.
func (n NotifyConfig) TTL() time.Duration {
	return time.Duration(n.TTLDays) * 24 * time.Hour
}

// Package config loads the axewatch daemon configuration from a YAML file
// and the environment. A .env file in the working directory is loaded
// first; environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	// Env is the deployment environment, from AXEWATCH_ENV or APP_ENV.
	// Audits run by default everywhere except production.
	Env string `yaml:"env"`

	Browser BrowserConfig `yaml:"browser"`
	Pages   []PageConfig  `yaml:"pages"`
	Audit   AuditConfig   `yaml:"audit"`
	Sinks   []SinkConfig  `yaml:"sinks"`
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
}

// BrowserConfig controls Chrome.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Mode             string        `yaml:"mode"` // headless | headful
	Stealth          *bool         `yaml:"stealth"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// PageConfig is one audited page. Selector narrows the audit to a region.
type PageConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Selector string `yaml:"selector"`
}

// AuditConfig is the session template applied to every page.
type AuditConfig struct {
	AxeSource         string         `yaml:"axe_source"`
	Enabled           *bool          `yaml:"enabled"`
	Highlighting      *bool          `yaml:"highlighting"`
	WatchChanges      *bool          `yaml:"watch_changes"`
	WatchInteractions *bool          `yaml:"watch_interactions"`
	WaitForContent    *bool          `yaml:"wait_for_content"`
	DebounceDelay     time.Duration  `yaml:"debounce_delay"`
	InitialScanDelay  time.Duration  `yaml:"initial_scan_delay"`
	ReadinessTimeout  time.Duration  `yaml:"readiness_timeout"`
	SettleDelay       time.Duration  `yaml:"settle_delay"`
	RetryDelay        time.Duration  `yaml:"retry_delay"`
	MaxRetries        int            `yaml:"max_retries"`
	ScannerOptions    map[string]any `yaml:"scanner_options"`
	LoggerPrefix      string         `yaml:"logger_prefix"`
}

// SinkConfig is a report output.
type SinkConfig struct {
	Type     string `yaml:"type"` // stdout | webhook | store | websocket
	URL      string `yaml:"url"`
	Retries  int    `yaml:"retries"`
	Sanitize bool   `yaml:"sanitize"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// StoreConfig controls the audit history.
type StoreConfig struct {
	Path      string        `yaml:"path"` // empty disables the history
	Retention time.Duration `yaml:"retention"`
}

// Load reads the YAML file at path (optional when empty), then applies
// .env and environment overrides, defaults and validation.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if env := firstNonEmpty(os.Getenv("AXEWATCH_ENV"), os.Getenv("APP_ENV")); env != "" {
		c.Env = strings.TrimSpace(env)
	}
	if v := strings.TrimSpace(os.Getenv("AXEWATCH_AXE_SOURCE")); v != "" {
		c.Audit.AxeSource = v
	}
	if v := strings.TrimSpace(os.Getenv("AXEWATCH_DB")); v != "" {
		c.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("AXEWATCH_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("AXEWATCH_REMOTE")); v != "" {
		c.Browser.Remote = v
	}
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Browser.Mode == "" {
		c.Browser.Mode = "headless"
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Store.Retention <= 0 {
		c.Store.Retention = 30 * 24 * time.Hour
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	for i := range c.Sinks {
		if c.Sinks[i].Type == "webhook" && c.Sinks[i].Retries <= 0 {
			c.Sinks[i].Retries = 3
		}
	}
}

// Development reports whether Env is anything but production.
func (c *Config) Development() bool {
	switch strings.ToLower(c.Env) {
	case "production", "prod":
		return false
	}
	return true
}

// AddPage appends a page built from a bare URL, as the CLI does.
func (c *Config) AddPage(rawURL, selector string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("config: invalid page url %q", rawURL)
	}
	id := strings.Trim(strings.ReplaceAll(u.Host+u.Path, "/", "-"), "-")
	c.Pages = append(c.Pages, PageConfig{ID: id, URL: rawURL, Selector: selector})
	return c.Validate()
}

// Validate checks page ids and urls and sink types.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Pages))
	for i, p := range c.Pages {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("config: pages[%d]: id is required", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("config: pages[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("config: pages[%d]: url is required", i))
		}
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout", "store", "websocket":
		case "webhook":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("config: sinks[%d]: webhook needs a url", i))
			}
		default:
			errs = append(errs, fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type))
		}
	}
	switch c.Browser.Mode {
	case "headless", "headful":
	default:
		errs = append(errs, fmt.Errorf("config: browser.mode: unknown mode %q", c.Browser.Mode))
	}
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

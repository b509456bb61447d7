package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"pcal/internal/ics"
	"pcal/internal/model"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// ID is an internal identifier used for logging and the cache.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
	// CalendarID is the calendar the feed's events belong to. Each source
	// needs its own; the importer deletes events of the calendar that are
	// missing from the feed.
	CalendarID int64 `yaml:"calendar_id" json:"calendar_id"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// WindowConfig sizes the materialized window.
type WindowConfig struct {
	// PastDays and FutureDays size the window created on first use and kept
	// ahead by the scheduled top-up.
	PastDays   int `yaml:"past_days" json:"past_days"`
	FutureDays int `yaml:"future_days" json:"future_days"`
	// ExtendDays is the step used when a caller asks for more without
	// naming a date.
	ExtendDays int `yaml:"extend_days" json:"extend_days"`
	// MaxOccurrencesPerSeries caps instances per series per extension.
	MaxOccurrencesPerSeries int `yaml:"max_occurrences_per_series" json:"max_occurrences_per_series"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for day codes of timed events
	// (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshCron is a cron schedule (e.g. "*/15 * * * *") for feed refresh
	// and the window top-up.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Database is the SQLite file. Empty keeps everything in memory.
	Database string `yaml:"database" json:"database"`

	// CacheDir holds downloaded feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Window WindowConfig `yaml:"window" json:"window"`

	// DebounceMS is how long navigation waits for the user to settle.
	DebounceMS int `yaml:"debounce_ms" json:"debounce_ms"`

	// VisibleCalendars limits queries to these calendars. Empty shows all.
	VisibleCalendars []int64 `yaml:"visible_calendars" json:"visible_calendars"`

	ICS []ICSConfig `yaml:"ics" json:"ics"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// LogLevel is a zerolog level name.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing or out-of-range values so partially filled
// configs still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.WeekStart != "monday" && c.WeekStart != "sunday" {
		c.WeekStart = "monday"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.CacheDir == "" {
		c.CacheDir = "./var/ics-cache"
	}
	if c.Window.PastDays <= 0 {
		c.Window.PastDays = 31
	}
	if c.Window.FutureDays <= 0 {
		c.Window.FutureDays = 92
	}
	if c.Window.ExtendDays <= 0 {
		c.Window.ExtendDays = 31
	}
	if c.Window.MaxOccurrencesPerSeries <= 0 {
		c.Window.MaxOccurrencesPerSeries = 5000
	}
	if c.DebounceMS <= 0 {
		c.DebounceMS = 250
	}
	if c.VisibleCalendars == nil {
		c.VisibleCalendars = []int64{}
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	ids := make(map[string]bool)
	cals := make(map[int64]string)
	for i, s := range c.ICS {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("ics[%d]: id is required", i))
		case ids[s.ID]:
			errs = append(errs, fmt.Errorf("ics[%d]: duplicate id %q", i, s.ID))
		}
		ids[s.ID] = true
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("ics[%d]: url is required", i))
		}
		if s.CalendarID <= 0 {
			errs = append(errs, fmt.Errorf("ics[%d]: calendar_id must be positive", i))
		} else if other, ok := cals[s.CalendarID]; ok {
			errs = append(errs, fmt.Errorf("ics[%d]: calendar_id %d already used by %q", i, s.CalendarID, other))
		}
		cals[s.CalendarID] = s.ID
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth needs both username and password"))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// WeekStartDay maps WeekStart to a weekday.
func (c *Config) WeekStartDay() time.Weekday {
	if c.WeekStart == "sunday" {
		return time.Sunday
	}
	return time.Monday
}

// Debounce is DebounceMS as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// Sources converts the ICS entries for the fetcher.
func (c *Config) Sources() []ics.Source {
	out := make([]ics.Source, 0, len(c.ICS))
	for _, s := range c.ICS {
		out = append(out, ics.Source{ID: s.ID, Name: s.Name, URL: s.URL, CalendarID: model.CalendarID(s.CalendarID)})
	}
	return out
}

// Calendars returns VisibleCalendars as calendar ids.
func (c *Config) Calendars() []model.CalendarID {
	out := make([]model.CalendarID, 0, len(c.VisibleCalendars))
	for _, id := range c.VisibleCalendars {
		out = append(out, model.CalendarID(id))
	}
	return out
}

// Load reads the YAML config at path. On first run the defaults are written
// to path with 0600 permissions and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory as needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".pcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}

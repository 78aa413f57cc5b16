package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"roombook/internal/ics"
	"roombook/internal/model"
)

// RoomConfig is one entry of the room catalog.
type RoomConfig struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	SortOrder int    `yaml:"sort_order" json:"sort_order"`
	Color     string `yaml:"color,omitempty" json:"color,omitempty"`
}

// LinkedFeedConfig mirrors an external iCalendar feed into a room.
type LinkedFeedConfig struct {
	Room string `yaml:"room" json:"room"`
	// URL usually carries a secret token; it is never logged in full.
	URL string `yaml:"url" json:"url"`
}

// RemoteConfig points at the calendar backend.
type RemoteConfig struct {
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the local API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the local API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone whose midnight starts the linked-feed window.
	Timezone string `yaml:"timezone" json:"timezone"`

	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// RoomPoll and UserPoll are cron specs ("@every 30s", "*/5 * * * *").
	RoomPoll string `yaml:"room_poll" json:"room_poll"`
	UserPoll string `yaml:"user_poll" json:"user_poll"`

	FreeBusyTTL time.Duration `yaml:"freebusy_ttl" json:"freebusy_ttl"`

	// HorizonDays is how far ahead linked feeds are expanded.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// SessionUser is the identity used for the editability check. Empty
	// means every non-linked event is editable.
	SessionUser string `yaml:"session_user" json:"session_user"`

	// ReauthURL is handed to clients when the organizer must log in again.
	ReauthURL string `yaml:"reauth_url" json:"reauth_url"`

	// SnapshotPath is the SQLite warm-start file. Empty disables it.
	SnapshotPath string `yaml:"snapshot_path" json:"snapshot_path"`

	FeedCacheDir string `yaml:"feed_cache_dir" json:"feed_cache_dir"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Rooms       []RoomConfig       `yaml:"rooms" json:"rooms"`
	LinkedFeeds []LinkedFeedConfig `yaml:"linked_feeds" json:"linked_feeds"`

	// BasicAuth, if non-nil, protects every endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// Defaults.
const (
	DefaultListen       = "127.0.0.1:8080"
	DefaultTimezone     = "UTC"
	DefaultRoomPoll     = "@every 30s"
	DefaultUserPoll     = "@every 5m"
	DefaultFreeBusyTTL  = 5 * time.Minute
	DefaultHorizonDays  = 30
	DefaultTimeout      = 15 * time.Second
	DefaultFeedCacheDir = "./var/feed-cache"
	DefaultLogLevel     = "info"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing or zero values.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = DefaultTimeout
	}
	if c.RoomPoll == "" {
		c.RoomPoll = DefaultRoomPoll
	}
	if c.UserPoll == "" {
		c.UserPoll = DefaultUserPoll
	}
	if c.FreeBusyTTL <= 0 {
		c.FreeBusyTTL = DefaultFreeBusyTTL
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = DefaultHorizonDays
	}
	if c.FeedCacheDir == "" {
		c.FeedCacheDir = DefaultFeedCacheDir
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Rooms == nil {
		c.Rooms = []RoomConfig{}
	}
	if c.LinkedFeeds == nil {
		c.LinkedFeeds = []LinkedFeedConfig{}
	}
	for i := range c.Rooms {
		c.Rooms[i].ID = strings.TrimSpace(c.Rooms[i].ID)
		if c.Rooms[i].Name == "" {
			c.Rooms[i].Name = c.Rooms[i].ID
		}
	}
}

// Validate reports configuration errors that would keep the daemon from
// doing anything useful.
func (c *Config) Validate() error {
	var errs []error
	if c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.base_url is required"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}

	seen := make(map[string]bool, len(c.Rooms))
	for i, r := range c.Rooms {
		switch {
		case r.ID == "":
			errs = append(errs, fmt.Errorf("rooms[%d]: id is required", i))
		case seen[r.ID]:
			errs = append(errs, fmt.Errorf("rooms[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
	}
	for i, f := range c.LinkedFeeds {
		if !seen[f.Room] {
			errs = append(errs, fmt.Errorf("linked_feeds[%d]: unknown room %q", i, f.Room))
		}
		if f.URL == "" {
			errs = append(errs, fmt.Errorf("linked_feeds[%d]: url is required", i))
		}
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth needs both username and password"))
	}
	return errors.Join(errs...)
}

// Location returns the configured zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CatalogRooms converts the room entries to the engine's reference data.
func (c *Config) CatalogRooms() []model.Room {
	out := make([]model.Room, 0, len(c.Rooms))
	for _, r := range c.Rooms {
		out = append(out, model.Room{ID: r.ID, DisplayName: r.Name, SortOrder: r.SortOrder, Color: r.Color})
	}
	return out
}

// Feeds returns the linked feed subscriptions.
func (c *Config) Feeds() []ics.Feed {
	out := make([]ics.Feed, 0, len(c.LinkedFeeds))
	for _, f := range c.LinkedFeeds {
		out = append(out, ics.Feed{RoomID: f.Room, URL: f.URL})
	}
	return out
}

// envOverrides are the settings that can be replaced from the environment,
// which keeps secrets and per-host values out of the YAML file.
type envOverrides struct {
	Listen            string        `env:"ROOMBOOK_LISTEN"`
	RemoteURL         string        `env:"ROOMBOOK_REMOTE_URL"`
	RemoteTimeout     time.Duration `env:"ROOMBOOK_REMOTE_TIMEOUT"`
	RoomPoll          string        `env:"ROOMBOOK_ROOM_POLL"`
	UserPoll          string        `env:"ROOMBOOK_USER_POLL"`
	SessionUser       string        `env:"ROOMBOOK_SESSION_USER"`
	ReauthURL         string        `env:"ROOMBOOK_REAUTH_URL"`
	SnapshotPath      string        `env:"ROOMBOOK_SNAPSHOT_PATH"`
	LogLevel          string        `env:"ROOMBOOK_LOG_LEVEL"`
	BasicAuthUsername string        `env:"ROOMBOOK_BASIC_AUTH_USERNAME"`
	BasicAuthPassword string        `env:"ROOMBOOK_BASIC_AUTH_PASSWORD"`
}

// ApplyEnv overlays ROOMBOOK_* environment variables on c.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Listen, o.Listen)
	set(&c.Remote.BaseURL, o.RemoteURL)
	set(&c.RoomPoll, o.RoomPoll)
	set(&c.UserPoll, o.UserPoll)
	set(&c.SessionUser, o.SessionUser)
	set(&c.ReauthURL, o.ReauthURL)
	set(&c.SnapshotPath, o.SnapshotPath)
	set(&c.LogLevel, o.LogLevel)
	if o.RemoteTimeout > 0 {
		c.Remote.Timeout = o.RemoteTimeout
	}
	if o.BasicAuthUsername != "" || o.BasicAuthPassword != "" {
		if c.BasicAuth == nil {
			c.BasicAuth = &BasicAuthConfig{}
		}
		set(&c.BasicAuth.Username, o.BasicAuthUsername)
		set(&c.BasicAuth.Password, o.BasicAuthPassword)
	}
	return nil
}

// Load reads the YAML file at path and applies environment overrides. On
// first run the file does not exist yet: a default config is written with
// 0600 permissions and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, fmt.Errorf("write default config: %w", err)
		}
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes cfg to path atomically (temp file in the same directory, then
// rename) with 0600 permissions.
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

	tmp, err := os.CreateTemp(dir, ".roombook-config-*.tmp")
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

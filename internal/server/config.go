package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/fleet-dash/internal/animate"
	"github.com/shaunagostinho/fleet-dash/internal/feed"
	"github.com/shaunagostinho/fleet-dash/internal/fleet"
	"github.com/shaunagostinho/fleet-dash/internal/geocode"
	"github.com/shaunagostinho/fleet-dash/internal/logger"
)

const DefaultConfigPath = "/etc/fleetdash/config.yaml"

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	// Push feeds and how they reconnect
	Feeds []feed.SourceConfig `yaml:"feeds" json:"feeds" validate:"dive"`
	Retry feed.RetryPolicy    `yaml:"retry" json:"retry"`

	// Device state and marker animation
	Store     StoreConfig     `yaml:"store" json:"store"`
	Animation AnimationConfig `yaml:"animation" json:"animation"`

	// Reverse geocoding
	Geocode GeocodeConfig `yaml:"geocode" json:"geocode"`

	// Logging
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Display preferences, editable from the dashboard
	Display DisplayConfig `yaml:"display" json:"display"`

	path string // file path for save/load
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr" validate:"required"`
	RenderHz   int    `yaml:"render_hz" json:"renderHz" validate:"gte=1,lte=120"` // Animation frames pushed per second
}

type StoreConfig struct {
	PathCap           int `yaml:"path_cap" json:"pathCap" validate:"gte=0"`                       // Points kept per device, 0 = unbounded
	MinDurationMs     int `yaml:"min_duration_ms" json:"minDurationMs" validate:"gte=0"`          // Floor for a transition
	DefaultDurationMs int `yaml:"default_duration_ms" json:"defaultDurationMs" validate:"gte=0"` // First fix
}

func (c StoreConfig) Fleet() fleet.Config {
	return fleet.Config{
		PathCap:         c.PathCap,
		MinDuration:     time.Duration(c.MinDurationMs) * time.Millisecond,
		DefaultDuration: time.Duration(c.DefaultDurationMs) * time.Millisecond,
	}
}

type AnimationConfig struct {
	Easing  string `yaml:"easing" json:"easing" validate:"omitempty,oneof=cosine quadratic cubic linear"`
	Heading string `yaml:"heading" json:"heading" validate:"omitempty,oneof=literal shortest shortest_arc"`
	Restart string `yaml:"restart" json:"restart" validate:"omitempty,oneof=fix rendered"` // Start point when a fix arrives mid-animation
}

func (c AnimationConfig) Animator() (animate.Config, error) {
	var out animate.Config
	var err error
	if out.Easing, err = animate.EasingByName(c.Easing); err != nil {
		return out, err
	}
	if out.Heading, err = animate.ParseHeadingMode(c.Heading); err != nil {
		return out, err
	}
	if out.Restart, err = animate.ParseRestartMode(c.Restart); err != nil {
		return out, err
	}
	return out, nil
}

type GeocodeConfig struct {
	Enabled   bool                    `yaml:"enabled" json:"enabled"`
	Nominatim geocode.NominatimConfig `yaml:"nominatim" json:"nominatim"`
	Workers   geocode.EnricherConfig  `yaml:"workers" json:"workers"`
	Cache     GeocodeCacheConfig      `yaml:"cache" json:"cache"`
}

type GeocodeCacheConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Addr      string        `yaml:"addr" json:"addr" validate:"required_if=Enabled true"`
	Password  string        `yaml:"password" json:"-"`
	DB        int           `yaml:"db" json:"db" validate:"gte=0"`
	TTL       time.Duration `yaml:"ttl" json:"ttl"`
	Precision int           `yaml:"precision" json:"precision" validate:"gte=0,lte=8"` // Decimal places in the cache key
}

type DisplayConfig struct {
	Map   MapConfig   `yaml:"map" json:"map"`
	Trail TrailConfig `yaml:"trail" json:"trail"`
	Units UnitsConfig `yaml:"units" json:"units"`
	// Re-centre the map on each new fix
	Follow bool `yaml:"follow" json:"follow"`
	// Grey out devices silent for this long
	StaleAfterSec int `yaml:"stale_after_sec" json:"staleAfterSec"`
}

type MapConfig struct {
	CenterLat   float64           `yaml:"center_lat" json:"centerLat"`
	CenterLng   float64           `yaml:"center_lng" json:"centerLng"`
	Zoom        int               `yaml:"zoom" json:"zoom"`
	MaxZoom     int               `yaml:"max_zoom" json:"maxZoom"`
	Layer       string            `yaml:"layer" json:"layer"`   // Key into Layers
	Layers      map[string]string `yaml:"layers" json:"layers"` // Name -> tile URL template
	Subdomains  []string          `yaml:"subdomains" json:"subdomains"`
	Attribution string            `yaml:"attribution" json:"attribution"`
}

type TrailConfig struct {
	Show    bool    `yaml:"show" json:"show"`
	Color   string  `yaml:"color" json:"color"`
	Weight  int     `yaml:"weight" json:"weight"`
	Opacity float64 `yaml:"opacity" json:"opacity"`
}

type UnitsConfig struct {
	Speed string `yaml:"speed" json:"speed"` // "kph" or "mph"
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			RenderHz:   20,
		},
		Feeds: []feed.SourceConfig{
			{Type: "demo", Name: "demo", Vehicles: 3, Interval: 2 * time.Second},
		},
		Retry: feed.DefaultRetryPolicy(),
		Store: StoreConfig{
			PathCap:           100,
			MinDurationMs:     1000,
			DefaultDurationMs: 2000,
		},
		Animation: AnimationConfig{
			Easing:  "cosine",
			Heading: "literal",
			Restart: "fix",
		},
		Geocode: GeocodeConfig{
			Enabled: false,
			Nominatim: geocode.NominatimConfig{
				URL:       geocode.DefaultNominatimURL,
				UserAgent: "fleetdash/1.0",
				Timeout:   5 * time.Second,
			},
			Workers: geocode.EnricherConfig{
				Workers: 2,
				Queue:   64,
				Every:   30 * time.Second,
				Timeout: 10 * time.Second,
			},
			Cache: GeocodeCacheConfig{
				Addr:      "localhost:6379",
				TTL:       24 * time.Hour,
				Precision: 4,
			},
		},
		Logging: logger.DefaultConfig(),
		Display: DisplayConfig{
			Map: MapConfig{
				CenterLat: 25.621209,
				CenterLng: 85.170179,
				Zoom:      15,
				MaxZoom:   20,
				Layer:     "map",
				Layers: map[string]string{
					"map":       "http://{s}.google.com/vt?lyrs=m&x={x}&y={y}&z={z}",
					"satellite": "http://{s}.google.com/vt?lyrs=s&x={x}&y={y}&z={z}",
				},
				Subdomains:  []string{"mt0", "mt1", "mt2", "mt3"},
				Attribution: `&copy; <a href="https://www.google.com/maps">Google Maps</a>`,
			},
			Trail: TrailConfig{
				Show:    true,
				Color:   "red",
				Weight:  4,
				Opacity: 0.8,
			},
			Units:         UnitsConfig{Speed: "kph"},
			Follow:        true,
			StaleAfterSec: 300,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the YAML is missing or
// unparseable; a config that parses but fails validation is an error.
func LoadConfig(path string) (*Config, error) {
	l := log.WithField("component", "config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		l.WithField("path", path).Info("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		l.WithFields(log.Fields{"path": path, "err": err}).Warn("config parse error, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		l.WithField("path", path).Info("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and that animation names resolve.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Animation.Animator(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.WithFields(log.Fields{"component": "config", "path": path}).Info("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: LISTEN_ADDR, RENDER_HZ, FEED_TYPE, FEED_URL, FEED_SUBJECT,
// LOG_LEVEL, LOG_FILE, GEOCODE_ENABLED, NOMINATIM_URL, REDIS_ADDR,
// ANIMATION_EASING, ANIMATION_HEADING, ANIMATION_RESTART, SPEED_UNIT.
// FEED_* replace the feed list with that single feed.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("RENDER_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.RenderHz = n
		}
	}
	if v := os.Getenv("FEED_TYPE"); v != "" {
		c.Feeds = []feed.SourceConfig{{
			Type:    v,
			Name:    v,
			URL:     os.Getenv("FEED_URL"),
			Subject: os.Getenv("FEED_SUBJECT"),
		}}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("GEOCODE_ENABLED"); v != "" {
		c.Geocode.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("NOMINATIM_URL"); v != "" {
		c.Geocode.Nominatim.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Geocode.Cache.Addr = v
		c.Geocode.Cache.Enabled = true
	}
	if v := os.Getenv("ANIMATION_EASING"); v != "" {
		c.Animation.Easing = v
	}
	if v := os.Getenv("ANIMATION_HEADING"); v != "" {
		c.Animation.Heading = v
	}
	if v := os.Getenv("ANIMATION_RESTART"); v != "" {
		c.Animation.Restart = v
	}
	if v := os.Getenv("SPEED_UNIT"); v != "" {
		c.Display.Units.Speed = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// DisplayJSON serializes the display section for the API.
func (c *Config) DisplayJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.Display)
}

// DisplaySnapshot returns a copy of the display section.
func (c *Config) DisplaySnapshot() DisplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.Display
	d.Map.Layers = make(map[string]string, len(c.Display.Map.Layers))
	for k, v := range c.Display.Map.Layers {
		d.Map.Layers[k] = v
	}
	d.Map.Subdomains = append([]string(nil), c.Display.Map.Subdomains...)
	return d
}

// UpdateDisplayFromJSON applies a partial JSON update to the display section
// by deep-merging incoming fields into it. Fields not present in the
// incoming JSON are preserved. Only display preferences are editable from
// the dashboard; feeds and credentials are not.
func (c *Config) UpdateDisplayFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c.Display)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	// Accept either {"display": {...}} or the display object itself.
	if inner, ok := patch["display"].(map[string]interface{}); ok && len(patch) == 1 {
		patch = inner
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var next DisplayConfig
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	c.Display = next
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

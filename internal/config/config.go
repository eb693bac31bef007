// Package config loads livetraffic settings from defaults, an optional YAML
// file and LIVETRAFFIC_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid")

// Tick interval bounds: 20 to 33 snapshots per second.
const (
	MinTickInterval = 30 * time.Millisecond
	MaxTickInterval = 50 * time.Millisecond
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Viewport  ViewportConfig  `yaml:"viewport"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	State     StateConfig     `yaml:"state"`
	Roads     RoadsConfig     `yaml:"roads"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Log       LogConfig       `yaml:"log"`
	Relay     RelayConfig     `yaml:"relay"`
}

// ServerConfig points at the API serving /map and /ws.
type ServerConfig struct {
	BaseURL     string        `yaml:"base_url"`
	MapPath     string        `yaml:"map_path"`
	StreamPath  string        `yaml:"stream_path"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

type ViewportConfig struct {
	CenterLat       float64 `yaml:"center_lat"`
	CenterLon       float64 `yaml:"center_lon"`
	RadiusKm        float64 `yaml:"radius_km"`
	LiveResubscribe bool    `yaml:"live_resubscribe"`
}

type SchedulerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// StateConfig sets the retention policy. StaleAfter of zero keeps vehicles
// at their last position forever; 60s matches the upstream metadata TTL.
type StateConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

type RoadsConfig struct {
	Source      string `yaml:"source"` // http | geojson
	GeoJSONPath string `yaml:"geojson_path"`
	MaxSegments int    `yaml:"max_segments"`
}

// ReconnectConfig of zero InitialDelay redials immediately without backoff.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type LogConfig struct {
	Level      string `yaml:"level"` // debug | info
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RelayConfig configures the development relay server.
type RelayConfig struct {
	Listen          string        `yaml:"listen"`
	GtfsRtURL       string        `yaml:"gtfsrt_url"`
	SiriXMLURL      string        `yaml:"siri_xml_url"`
	SiriJSONURL     string        `yaml:"siri_json_url"`
	Refresh         time.Duration `yaml:"refresh"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	RoadsGeoJSON    string        `yaml:"roads_geojson"`
	FrameShape      string        `yaml:"frame_shape"`    // array | wrapped | single
	FrameEncoding   string        `yaml:"frame_encoding"` // json | gtfs-rt
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:     "http://localhost:3000",
			MapPath:     "/map",
			StreamPath:  "/ws",
			HTTPTimeout: 30 * time.Second,
		},
		Viewport: ViewportConfig{
			CenterLat: 52.52,
			CenterLon: 13.405,
		},
		Scheduler: SchedulerConfig{Interval: 40 * time.Millisecond},
		Roads: RoadsConfig{
			Source:      "http",
			MaxSegments: 3000,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Relay: RelayConfig{
			Listen:          ":3000",
			Refresh:         10 * time.Second,
			FetchTimeout:    10 * time.Second,
			FrameShape:      "array",
			FrameEncoding:   "json",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load returns the defaults, overlaid with path when non-empty, then with
// environment overrides. Callers validate the sections they use.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LIVETRAFFIC_SERVER_URL", &c.Server.BaseURL)
	float("LIVETRAFFIC_CENTER_LAT", &c.Viewport.CenterLat)
	float("LIVETRAFFIC_CENTER_LON", &c.Viewport.CenterLon)
	float("LIVETRAFFIC_RADIUS_KM", &c.Viewport.RadiusKm)
	duration("LIVETRAFFIC_TICK_INTERVAL", &c.Scheduler.Interval)
	duration("LIVETRAFFIC_STALE_AFTER", &c.State.StaleAfter)
	integer("LIVETRAFFIC_MAX_SEGMENTS", &c.Roads.MaxSegments)
	str("LIVETRAFFIC_LOG_LEVEL", &c.Log.Level)
	str("LIVETRAFFIC_LOG_FILE", &c.Log.File)
	str("LIVETRAFFIC_RELAY_LISTEN", &c.Relay.Listen)
	if len(errs) > 0 {
		return fmt.Errorf("%w: environment: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Validate checks the settings the client needs. Relay settings are checked
// by ValidateRelay.
func (c *Config) Validate() error {
	var errs []string
	u, err := url.Parse(c.Server.BaseURL)
	if c.Server.BaseURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Sprintf("server.base_url %q must be an http(s) URL", c.Server.BaseURL))
	}
	if c.Scheduler.Interval < MinTickInterval || c.Scheduler.Interval > MaxTickInterval {
		errs = append(errs, fmt.Sprintf("scheduler.interval %v must be between %v and %v", c.Scheduler.Interval, MinTickInterval, MaxTickInterval))
	}
	if c.Viewport.CenterLat < -90 || c.Viewport.CenterLat > 90 {
		errs = append(errs, "viewport.center_lat must be within [-90, 90]")
	}
	if c.Viewport.CenterLon < -180 || c.Viewport.CenterLon > 180 {
		errs = append(errs, "viewport.center_lon must be within [-180, 180]")
	}
	if c.Viewport.RadiusKm < 0 {
		errs = append(errs, "viewport.radius_km must be >= 0")
	}
	if c.State.StaleAfter < 0 {
		errs = append(errs, "state.stale_after must be >= 0")
	}
	if c.Roads.MaxSegments < 0 {
		errs = append(errs, "roads.max_segments must be >= 0")
	}
	switch c.Roads.Source {
	case "http":
	case "geojson":
		if c.Roads.GeoJSONPath == "" {
			errs = append(errs, "roads.geojson_path is required when roads.source is geojson")
		}
	default:
		errs = append(errs, fmt.Sprintf("roads.source %q must be http or geojson", c.Roads.Source))
	}
	if c.Reconnect.InitialDelay < 0 || c.Reconnect.MaxDelay < 0 {
		errs = append(errs, "reconnect delays must be >= 0")
	}
	if c.Log.Level != "debug" && c.Log.Level != "info" {
		errs = append(errs, fmt.Sprintf("log.level %q must be debug or info", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// ValidateRelay checks the relay section: exactly one feed URL, a known
// frame shape and encoding.
func (c *Config) ValidateRelay() error {
	var errs []string
	feeds := 0
	for _, u := range []string{c.Relay.GtfsRtURL, c.Relay.SiriXMLURL, c.Relay.SiriJSONURL} {
		if u != "" {
			feeds++
		}
	}
	if feeds != 1 {
		errs = append(errs, "provide exactly one of relay.gtfsrt_url, relay.siri_xml_url, relay.siri_json_url")
	}
	switch c.Relay.FrameShape {
	case "array", "wrapped", "single":
	default:
		errs = append(errs, fmt.Sprintf("relay.frame_shape %q must be array, wrapped or single", c.Relay.FrameShape))
	}
	switch c.Relay.FrameEncoding {
	case "json", "gtfs-rt":
	default:
		errs = append(errs, fmt.Sprintf("relay.frame_encoding %q must be json or gtfs-rt", c.Relay.FrameEncoding))
	}
	if c.Relay.Refresh <= 0 {
		errs = append(errs, "relay.refresh must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// MapURL is the absolute URL of the road geometry endpoint.
func (c *Config) MapURL() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + c.Server.MapPath
}

// StreamURL is the websocket URL of the telemetry stream, without
// subscription parameters.
func (c *Config) StreamURL() string {
	base := strings.TrimRight(c.Server.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.Server.StreamPath
}

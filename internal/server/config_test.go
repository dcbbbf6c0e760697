package server

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/fleet-dash/internal/animate"
	"github.com/shaunagostinho/fleet-dash/internal/fleet"
)

func init() {
	log.SetOutput(io.Discard)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 20, cfg.Server.RenderHz)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "demo", cfg.Feeds[0].Type)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.Delay)
	assert.Equal(t, 25.621209, cfg.Display.Map.CenterLat)
	assert.Equal(t, 15, cfg.Display.Map.Zoom)

	fc := cfg.Store.Fleet()
	assert.Equal(t, fleet.DefaultConfig().PathCap, fc.PathCap)
	assert.Equal(t, 100, fc.PathCap)
	assert.Equal(t, time.Second, fc.MinDuration)
	assert.Equal(t, 2*time.Second, fc.DefaultDuration)
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
server:
  listen_addr: ":9090"
feeds:
  - type: nats
    name: bus
    url: nats://nats:4222
    subject: fleet.gps
    reconnect_wait: 2s
  - type: nmea
    port_path: /dev/ttyGPS
    imei: "862095000000001"
retry:
  max_attempts: 10
  delay: 500ms
animation:
  heading: shortest
  restart: rendered
display:
  map:
    zoom: 12
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 20, cfg.Server.RenderHz, "untouched fields keep defaults")
	require.Len(t, cfg.Feeds, 2)
	assert.Equal(t, "bus", cfg.Feeds[0].SourceName())
	assert.Equal(t, 2*time.Second, cfg.Feeds[0].ReconnectWait)
	assert.Equal(t, "nmea", cfg.Feeds[1].SourceName())
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Delay)
	assert.Equal(t, 12, cfg.Display.Map.Zoom)
	assert.Equal(t, 85.170179, cfg.Display.Map.CenterLng)

	ac, err := cfg.Animation.Animator()
	require.NoError(t, err)
	assert.Equal(t, animate.HeadingShortestArc, ac.Heading)
	assert.Equal(t, animate.RestartFromRendered, ac.Restart)
}

func TestLoadConfigBadYAMLUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "server: [not, a, map")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown feed type", "feeds:\n  - type: pigeon\n"},
		{"websocket without url", "feeds:\n  - type: websocket\n"},
		{"nmea without imei", "feeds:\n  - type: nmea\n    port_path: /dev/ttyGPS\n"},
		{"render rate", "server:\n  render_hz: 0\n"},
		{"easing", "animation:\n  easing: bounce\n"},
		{"log level", "logging:\n  level: loud\n"},
		{"cache without addr", "geocode:\n  cache:\n    enabled: true\n    addr: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.yaml)
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":7000")
	t.Setenv("FEED_TYPE", "redis")
	t.Setenv("FEED_URL", "redis:6379")
	t.Setenv("FEED_SUBJECT", "gps")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("GEOCODE_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("ANIMATION_RESTART", "rendered")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "redis", cfg.Feeds[0].Type)
	assert.Equal(t, "redis:6379", cfg.Feeds[0].URL)
	assert.Equal(t, "gps", cfg.Feeds[0].Subject)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Geocode.Enabled)
	assert.True(t, cfg.Geocode.Cache.Enabled)
	assert.Equal(t, "cache:6379", cfg.Geocode.Cache.Addr)
	assert.Equal(t, "rendered", cfg.Animation.Restart)
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".env"), "# comment\nSPEED_UNIT=\"mph\"\nRENDER_HZ=30\nbogus line\n")
	t.Setenv("SPEED_UNIT", "")
	t.Setenv("RENDER_HZ", "")

	cfg, err := LoadConfig(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "mph", cfg.Display.Units.Speed)
	assert.Equal(t, 30, cfg.Server.RenderHz)
}

func TestUpdateDisplayFromJSON(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.UpdateDisplayFromJSON([]byte(`{"map":{"zoom":11},"trail":{"color":"blue"}}`)))
	d := cfg.DisplaySnapshot()
	assert.Equal(t, 11, d.Map.Zoom)
	assert.Equal(t, 25.621209, d.Map.CenterLat, "siblings survive a partial update")
	assert.Equal(t, "blue", d.Trail.Color)
	assert.Equal(t, 4, d.Trail.Weight)

	require.NoError(t, cfg.UpdateDisplayFromJSON([]byte(`{"display":{"units":{"speed":"mph"}}}`)))
	assert.Equal(t, "mph", cfg.DisplaySnapshot().Units.Speed)

	assert.Error(t, cfg.UpdateDisplayFromJSON([]byte(`{"map":`)))
	assert.Error(t, cfg.UpdateDisplayFromJSON([]byte(`{"map":{"zoom":"close"}}`)))
	assert.Equal(t, 11, cfg.DisplaySnapshot().Map.Zoom, "failed updates leave config untouched")
}

func TestConfigSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.UpdateDisplayFromJSON([]byte(`{"follow":false}`)))
	require.NoError(t, cfg.Save())

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, again.Display.Follow)
	assert.Equal(t, cfg.Retry, again.Retry)
	assert.Equal(t, cfg.Geocode.Workers.Every, again.Geocode.Workers.Every)
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 2.0},
		"b": "keep",
	}
	deepMerge(dst, map[string]interface{}{
		"a": map[string]interface{}{"y": 3.0},
		"c": true,
	})
	assert.Equal(t, map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0, "y": 3.0},
		"b": "keep",
		"c": true,
	}, dst)
}

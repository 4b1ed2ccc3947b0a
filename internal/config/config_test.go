package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "canvas.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, config.Canvas.Width)
	assert.Equal(t, 100, config.Canvas.Height)
	assert.Equal(t, 32, config.Canvas.TileSize)
	assert.Equal(t, 100, config.Snapshots.MaxSnapshots)
	assert.Equal(t, 3*time.Second, config.Fanout.RestartBackoff)
	assert.Equal(t, 30*time.Second, config.Fanout.HeartbeatInterval)
	assert.True(t, config.UsesRedis())
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
canvas:
  width: 250
  height: 120
  backend: memory
snapshots:
  store: sqlite
  sqlite_path: /var/lib/canvas/snapshots.db
  max_snapshots: 0
  interval: 5m
fanout:
  heartbeat_interval: 15s
logging:
  format: text
`)

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250, config.Canvas.Width)
	assert.Equal(t, 120, config.Canvas.Height)
	assert.Equal(t, BackendMemory, config.Canvas.Backend)
	assert.Equal(t, BackendSQLite, config.Snapshots.Store)
	assert.Equal(t, 0, config.Snapshots.MaxSnapshots)
	assert.Equal(t, 5*time.Minute, config.Snapshots.Interval)
	assert.Equal(t, 15*time.Second, config.Fanout.HeartbeatInterval)
	assert.Equal(t, 3*time.Second, config.Fanout.RestartBackoff, "unset keys keep defaults")
	assert.False(t, config.UsesRedis())
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
canvas:
  width: 250
`)
	t.Setenv("CANVAS_WIDTH", "64")
	t.Setenv("CANVAS_MAX_SNAPSHOTS", "7")
	t.Setenv("REDIS_URL", "redis://cache:6380/2")
	t.Setenv("SYSTEM_KEY", "k")
	t.Setenv("CANVAS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, config.Canvas.Width)
	assert.Equal(t, 7, config.Snapshots.MaxSnapshots)
	assert.Equal(t, "redis://cache:6380/2", config.Redis.URL)
	assert.Equal(t, "k", config.Auth.SystemKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, config.Server.AllowedOrigins)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/canvas.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `version: "1.0"
canvas:
  - this is invalid
    yaml syntax
`)

	config, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_InvalidEnvironment(t *testing.T) {
	t.Setenv("CANVAS_WIDTH", "wide")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse environment")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"version", func(c *Config) { c.Version = "2.0" }, "unsupported version"},
		{"zero width", func(c *Config) { c.Canvas.Width = 0 }, "canvas dimensions must be positive"},
		{"negative height", func(c *Config) { c.Canvas.Height = -1 }, "canvas dimensions must be positive"},
		{"tile size", func(c *Config) { c.Canvas.TileSize = 0 }, "canvas.tile_size"},
		{"batch size", func(c *Config) { c.Canvas.MaxBatchSize = 0 }, "canvas.max_batch_size"},
		{"concurrency", func(c *Config) { c.Canvas.Concurrency = 0 }, "canvas.concurrency"},
		{"backend", func(c *Config) { c.Canvas.Backend = "postgres" }, "canvas.backend 'postgres' is invalid"},
		{"redis url scheme", func(c *Config) { c.Redis.URL = "http://localhost" }, "redis.url"},
		{"redis instance", func(c *Config) { c.Redis.Instance = "" }, "redis.instance is required"},
		{"redis snapshots need redis canvas", func(c *Config) { c.Canvas.Backend = BackendMemory }, "requires canvas.backend 'redis'"},
		{"sqlite path", func(c *Config) {
			c.Snapshots.Store = BackendSQLite
			c.Snapshots.SQLitePath = ""
		}, "snapshots.sqlite_path"},
		{"snapshot store", func(c *Config) { c.Snapshots.Store = "s3" }, "snapshots.store 's3' is invalid"},
		{"blob dir", func(c *Config) { c.Snapshots.BlobDir = "" }, "snapshots.blob_dir"},
		{"interval", func(c *Config) { c.Snapshots.Interval = -time.Second }, "snapshots.interval"},
		{"burst without rate", func(c *Config) { c.Server.PlaceBurst = 0 }, "server.place_burst"},
		{"rate limiting off", func(c *Config) {
			c.Server.PlaceRate = 0
			c.Server.PlaceBurst = 0
		}, ""},
		{"heartbeat", func(c *Config) { c.Fanout.HeartbeatInterval = 0 }, "fanout intervals"},
		{"send concurrency", func(c *Config) { c.Fanout.SendConcurrency = 0 }, "fanout.send_concurrency must be > 0"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"memory only skips redis checks", func(c *Config) {
			c.Canvas.Backend = BackendMemory
			c.Snapshots.Store = BackendSQLite
			c.Redis.URL = ""
		}, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

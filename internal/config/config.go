package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by canvas.backend and snapshots.store
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the top-level canvas.yml configuration.
// Every field can be overridden by the environment variable named in its env tag.
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Canvas    CanvasConfig    `yaml:"canvas"`
	Redis     RedisConfig     `yaml:"redis"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"CANVAS_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"CANVAS_SHUTDOWN_TIMEOUT"`
	// Pixel placements allowed per identity per second, with a burst allowance (0 = unlimited)
	PlaceRate  float64 `yaml:"place_rate" env:"CANVAS_PLACE_RATE"`
	PlaceBurst int     `yaml:"place_burst" env:"CANVAS_PLACE_BURST"`
	// Upper bound on an uploaded overwrite image
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"CANVAS_MAX_UPLOAD_BYTES"`
	// Upper bound on a JSON request body
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"CANVAS_MAX_BODY_BYTES"`
	// Origins allowed to open the live stream; empty allows any
	AllowedOrigins []string `yaml:"allowed_origins" env:"CANVAS_ALLOWED_ORIGINS"`
}

// CanvasConfig sets the grid and the tile store
type CanvasConfig struct {
	Width        int    `yaml:"width" env:"CANVAS_WIDTH"`
	Height       int    `yaml:"height" env:"CANVAS_HEIGHT"`
	TileSize     int    `yaml:"tile_size" env:"CANVAS_TILE_SIZE"`
	MaxBatchSize int    `yaml:"max_batch_size" env:"CANVAS_MAX_BATCH_SIZE"`
	Concurrency  int    `yaml:"concurrency" env:"CANVAS_CONCURRENCY"`
	Backend      string `yaml:"backend" env:"CANVAS_BACKEND"` // "redis" or "memory"
}

// RedisConfig locates the shared Redis
type RedisConfig struct {
	URL      string `yaml:"url" env:"REDIS_URL"`
	Instance string `yaml:"instance" env:"CANVAS_INSTANCE"`
}

// SnapshotsConfig controls snapshot storage and retention
type SnapshotsConfig struct {
	MaxSnapshots  int    `yaml:"max_snapshots" env:"CANVAS_MAX_SNAPSHOTS"` // 0 disables retention
	Store         string `yaml:"store" env:"CANVAS_SNAPSHOT_STORE"`        // "redis" or "sqlite"
	SQLitePath    string `yaml:"sqlite_path" env:"CANVAS_SNAPSHOT_DB"`
	BlobDir       string `yaml:"blob_dir" env:"CANVAS_BLOB_DIR"`
	PublicURL     string `yaml:"public_url" env:"CANVAS_BLOB_PUBLIC_URL"`
	ThumbnailSize int    `yaml:"thumbnail_size" env:"CANVAS_THUMBNAIL_SIZE"`
	// In-process schedule; 0 leaves scheduling to an external trigger
	Interval time.Duration `yaml:"interval" env:"CANVAS_SNAPSHOT_INTERVAL"`
}

// FanoutConfig tunes live event delivery
type FanoutConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"CANVAS_HEARTBEAT_INTERVAL"`
	RestartBackoff    time.Duration `yaml:"restart_backoff" env:"CANVAS_RESTART_BACKOFF"`
	SendTimeout       time.Duration `yaml:"send_timeout" env:"CANVAS_SEND_TIMEOUT"`
	SendConcurrency   int           `yaml:"send_concurrency" env:"CANVAS_SEND_CONCURRENCY"`
	PublishQueue      int           `yaml:"publish_queue" env:"CANVAS_PUBLISH_QUEUE"`
}

// AuthConfig holds credentials for request authentication
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"CANVAS_JWT_SECRET"`
	SystemKey string `yaml:"system_key" env:"SYSTEM_KEY"`
}

// LoggingConfig selects log level and encoding
type LoggingConfig struct {
	Level  string `yaml:"level" env:"CANVAS_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"CANVAS_LOG_FORMAT"` // json or text
}

// Default returns the configuration used when no file or variable says otherwise.
func Default() *Config {
	return &Config{
		Version: "1.0",
		Server: ServerConfig{
			Addr:            ":8000",
			ShutdownTimeout: 10 * time.Second,
			PlaceRate:       5,
			PlaceBurst:      10,
			MaxUploadBytes:  10 << 20,
			MaxBodyBytes:    4 << 20,
		},
		Canvas: CanvasConfig{
			Width:        100,
			Height:       100,
			TileSize:     32,
			MaxBatchSize: 100,
			Concurrency:  10,
			Backend:      BackendRedis,
		},
		Redis: RedisConfig{
			URL:      "redis://localhost:6379",
			Instance: "main",
		},
		Snapshots: SnapshotsConfig{
			MaxSnapshots:  100,
			Store:         BackendRedis,
			SQLitePath:    "data/snapshots.db",
			BlobDir:       "data/blobs",
			PublicURL:     "/blobs",
			ThumbnailSize: 200,
		},
		Fanout: FanoutConfig{
			HeartbeatInterval: 30 * time.Second,
			RestartBackoff:    3 * time.Second,
			SendTimeout:       10 * time.Second,
			SendConcurrency:   32,
			PublishQueue:      1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.PlaceRate < 0 || c.Server.PlaceBurst < 0 {
		return errors.New("server.place_rate and server.place_burst must be >= 0")
	}
	if c.Server.PlaceRate > 0 && c.Server.PlaceBurst == 0 {
		return errors.New("server.place_burst must be > 0 when place_rate is set")
	}

	if c.Canvas.Width <= 0 || c.Canvas.Height <= 0 {
		return fmt.Errorf("canvas dimensions must be positive, got %dx%d", c.Canvas.Width, c.Canvas.Height)
	}
	if c.Canvas.TileSize <= 0 {
		return fmt.Errorf("canvas.tile_size must be > 0, got %d", c.Canvas.TileSize)
	}
	if c.Canvas.MaxBatchSize <= 0 {
		return fmt.Errorf("canvas.max_batch_size must be > 0, got %d", c.Canvas.MaxBatchSize)
	}
	if c.Canvas.Concurrency <= 0 {
		return fmt.Errorf("canvas.concurrency must be > 0, got %d", c.Canvas.Concurrency)
	}
	switch c.Canvas.Backend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("canvas.backend '%s' is invalid (valid: 'redis' or 'memory')", c.Canvas.Backend)
	}

	if c.UsesRedis() {
		if c.Redis.Instance == "" {
			return errors.New("redis.instance is required")
		}
		u, err := url.Parse(c.Redis.URL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return fmt.Errorf("redis.url '%s' must be a redis:// or rediss:// URL", c.Redis.URL)
		}
	}

	switch c.Snapshots.Store {
	case BackendRedis:
		if c.Canvas.Backend == BackendMemory {
			return errors.New("snapshots.store 'redis' requires canvas.backend 'redis'")
		}
	case BackendSQLite:
		if c.Snapshots.SQLitePath == "" {
			return errors.New("snapshots.sqlite_path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("snapshots.store '%s' is invalid (valid: 'redis' or 'sqlite')", c.Snapshots.Store)
	}
	if c.Snapshots.BlobDir == "" {
		return errors.New("snapshots.blob_dir is required")
	}
	if c.Snapshots.Interval < 0 {
		return errors.New("snapshots.interval must be >= 0")
	}

	if c.Fanout.HeartbeatInterval <= 0 || c.Fanout.RestartBackoff <= 0 || c.Fanout.SendTimeout <= 0 {
		return errors.New("fanout intervals must be > 0")
	}
	if c.Fanout.SendConcurrency <= 0 {
		return fmt.Errorf("fanout.send_concurrency must be > 0, got %d", c.Fanout.SendConcurrency)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format '%s' is invalid (valid: 'json' or 'text')", c.Logging.Format)
	}

	return nil
}

// UsesRedis reports whether any component needs the Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Canvas.Backend == BackendRedis || c.Snapshots.Store == BackendRedis
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/pixelcanvas/internal/auth"
	"github.com/dyluth/pixelcanvas/internal/blob"
	"github.com/dyluth/pixelcanvas/internal/bus"
	canvassvc "github.com/dyluth/pixelcanvas/internal/canvas"
	"github.com/dyluth/pixelcanvas/internal/config"
	"github.com/dyluth/pixelcanvas/internal/fanout"
	"github.com/dyluth/pixelcanvas/internal/httpapi"
	"github.com/dyluth/pixelcanvas/internal/logging"
	"github.com/dyluth/pixelcanvas/internal/metrics"
	"github.com/dyluth/pixelcanvas/internal/printer"
	"github.com/dyluth/pixelcanvas/internal/snapshot"
	"github.com/dyluth/pixelcanvas/internal/tilestore"
	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the canvas server",
	Long: `Run the canvas HTTP server: the canvas API, snapshot administration,
the live websocket stream at /api/ws, /healthz and /metrics.

Configuration comes from the optional YAML file given with --config, then
from environment variables (CANVAS_*, REDIS_URL, SYSTEM_KEY).

Examples:
  # Defaults plus environment
  canvas serve

  # Single process without Redis
  CANVAS_BACKEND=memory CANVAS_SNAPSHOT_STORE=sqlite canvas serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to canvas.yml")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return printer.Error("invalid configuration", err.Error(),
			"Check the file passed with --config",
			"Check CANVAS_* and REDIS_URL environment variables")
	}

	logger, err := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return printer.Error("invalid logging configuration", err.Error())
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return printer.Error("failed to start canvas server", err.Error(),
			fmt.Sprintf("Check that Redis is reachable at %s", cfg.Redis.URL))
	}
	return a.run(ctx)
}

// app is one fully wired server process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	redis      *canvas.Client
	sqlite     *snapshot.SQLiteRepository
	dispatcher *bus.Dispatcher
	fanout     *fanout.Manager
	snapshots  *snapshot.Manager
	handler    http.Handler
}

// newApp builds every component from cfg. Nothing is listening yet, but the
// fanout manager has started.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			_ = a.close(context.Background())
		}
	}()

	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	if cfg.UsesRedis() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client, err := canvas.NewClient(opts, cfg.Redis.Instance)
		if err != nil {
			return nil, err
		}
		a.redis = client
		if err := a.redis.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis not accessible: %w", err)
		}
	}

	var (
		backend tilestore.Backend
		b       bus.Bus
	)
	if cfg.Canvas.Backend == config.BackendRedis {
		backend = a.redis
		b = bus.NewRedisBus(a.redis, false, logger)
	} else {
		backend = tilestore.NewMemoryBackend()
		b = bus.NewMemoryBus()
	}

	store := tilestore.New(backend, tilestore.Config{
		TileSize:     cfg.Canvas.TileSize,
		MaxBatchSize: cfg.Canvas.MaxBatchSize,
		Concurrency:  cfg.Canvas.Concurrency,
	}, logger)
	a.dispatcher = bus.NewDispatcher(b, canvas.UpdatesTopic, cfg.Fanout.PublishQueue, logger, m)
	service := canvassvc.NewService(store, a.dispatcher, cfg.Canvas.Width, cfg.Canvas.Height, logger, m)

	var repo snapshot.Repository
	if cfg.Snapshots.Store == config.BackendSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Snapshots.SQLitePath), 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot db dir: %w", err)
		}
		sqlite, err := snapshot.OpenSQLite(cfg.Snapshots.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.sqlite = sqlite
		repo = sqlite
	} else {
		repo = a.redis
	}

	blobs, err := blob.NewLocalStore(cfg.Snapshots.BlobDir, cfg.Snapshots.PublicURL)
	if err != nil {
		return nil, err
	}

	a.snapshots = snapshot.NewManager(snapshot.Config{
		MaxSnapshots:  cfg.Snapshots.MaxSnapshots,
		Width:         cfg.Canvas.Width,
		Height:        cfg.Canvas.Height,
		TileSize:      cfg.Canvas.TileSize,
		ThumbnailSize: cfg.Snapshots.ThumbnailSize,
	}, repo, blobs, store, service, logger, m)

	a.fanout = fanout.NewManager(b, fanout.Config{
		Topic:             canvas.UpdatesTopic,
		HeartbeatInterval: cfg.Fanout.HeartbeatInterval,
		RestartBackoff:    cfg.Fanout.RestartBackoff,
		SendTimeout:       cfg.Fanout.SendTimeout,
		SendConcurrency:   cfg.Fanout.SendConcurrency,
	}, logger, m)
	if err := a.fanout.Start(ctx); err != nil {
		return nil, err
	}

	opts := httpapi.Options{
		Canvas:         service,
		Snapshots:      a.snapshots,
		Hub:            a.fanout,
		Auth:           auth.New(cfg.Auth.JWTSecret, cfg.Auth.SystemKey),
		Gatherer:       registry,
		PlaceRate:      cfg.Server.PlaceRate,
		PlaceBurst:     cfg.Server.PlaceBurst,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		BlobDir:        blobs.Dir(),
		Logger:         logger,
	}
	if a.redis != nil {
		opts.Health = a.redis
	}
	a.handler = httpapi.New(opts).Handler()
	built = true
	return a, nil
}

// run serves until ctx is cancelled, then shuts down gracefully.
func (a *app) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		_ = a.close(context.Background())
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr, err)
	}
	return a.serve(ctx, ln)
}

func (a *app) serve(ctx context.Context, ln net.Listener) error {
	// Request contexts derive from connCtx. Shutdown does not wait for
	// hijacked websocket connections, so cancelling connCtx ends them.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("canvas server listening",
			"addr", ln.Addr().String(),
			"canvas_width", a.cfg.Canvas.Width,
			"canvas_height", a.cfg.Canvas.Height,
			"backend", a.cfg.Canvas.Backend,
			"snapshot_store", a.cfg.Snapshots.Store)
		errCh <- srv.Serve(ln)
	}()

	if a.cfg.Snapshots.Interval > 0 {
		go a.scheduleSnapshots(connCtx, a.cfg.Snapshots.Interval)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", "error", err)
	}
	cancelConns()
	return errors.Join(serveErr, a.close(shutdownCtx))
}

// scheduleSnapshots takes a snapshot every interval until ctx ends.
func (a *app) scheduleSnapshots(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.snapshots.Create(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("scheduled snapshot failed", "error", err)
			}
		}
	}
}

// close releases components in dependency order: pending events are
// published before the bus closes, and the bus closes before Redis.
// Safe on a partially built app.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.dispatcher != nil {
		errs = append(errs, a.dispatcher.Close(ctx))
	}
	if a.fanout != nil {
		errs = append(errs, a.fanout.Shutdown(ctx))
	}
	if a.sqlite != nil {
		errs = append(errs, a.sqlite.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}

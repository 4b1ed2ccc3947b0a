package commands

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/pixelcanvas/internal/config"
	"github.com/dyluth/pixelcanvas/internal/snapshot"
	"github.com/dyluth/pixelcanvas/internal/watch"
	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

const testSystemKey = "test-system-key"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Canvas.Width = 16
	cfg.Canvas.Height = 16
	cfg.Canvas.TileSize = 8
	cfg.Canvas.Backend = config.BackendMemory
	cfg.Snapshots.Store = config.BackendSQLite
	cfg.Snapshots.SQLitePath = filepath.Join(dir, "db", "snapshots.db")
	cfg.Snapshots.BlobDir = filepath.Join(dir, "blobs")
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Auth.SystemKey = testSystemKey
	require.NoError(t, cfg.Validate())
	return cfg
}

// startApp serves cfg on a random local port and returns its base URL and a
// stop function that waits for a clean shutdown.
func startApp(t *testing.T, cfg *config.Config) (string, func()) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, logger, prometheus.NewRegistry())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not shut down")
		}
	}
	t.Cleanup(stop)
	return "http://" + ln.Addr().String(), stop
}

func placePixel(base string, body string) int {
	req, err := http.NewRequest(http.MethodPost, base+"/api/canvas", strings.NewReader(body))
	if err != nil {
		return 0
	}
	req.Header.Set("Authorization", "Bearer "+testSystemKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0
	}
	resp.Body.Close()
	return resp.StatusCode
}

func exerciseServer(t *testing.T, base string) {
	t.Helper()
	ctx := context.Background()

	// A viewer connected before the write sees it live.
	stream, err := watch.Dial(ctx, base, nil)
	require.NoError(t, err)
	defer stream.Close()

	received := make(chan canvas.Event, 1)
	go func() {
		for {
			ev, err := stream.Next()
			if err != nil {
				return
			}
			if ev.Intent == canvas.IntentPixel {
				received <- ev
				return
			}
		}
	}()

	// The subscription may lag the websocket registration; retry until seen.
	require.Eventually(t, func() bool {
		if placePixel(base, `{"x":5,"y":6,"color":"#0000ff"}`) != http.StatusOK {
			return false
		}
		select {
		case ev := <-received:
			return ev.Pixel != nil && ev.Pixel.Key() == "5_6"
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	client := newAPIClient(base, testSystemKey)
	var info snapshot.Info
	require.NoError(t, client.do(ctx, http.MethodPost, "/api/canvas/snapshot", &info))
	require.NotEmpty(t, info.ID)

	var snap snapshot.Snapshot
	require.NoError(t, client.do(ctx, http.MethodGet, "/api/canvas/snapshots/"+info.ID, &snap))
	assert.Equal(t, "#0000ff", snap.Pixels["5_6"].Color)

	// Rendered images are served from the blob directory.
	resp, err := http.Get(base + info.ImageURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	var apiErr *apiError
	err = client.do(ctx, http.MethodGet, "/api/canvas/snapshots/nope", nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Detail, "snapshot not found")
}

func TestServe_MemoryAndSQLite(t *testing.T) {
	base, stop := startApp(t, testConfig(t))
	exerciseServer(t, base)

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stop()
	_, err = http.Get(base + "/healthz")
	assert.Error(t, err, "listener is closed after shutdown")
}

func TestServe_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Canvas.Backend = config.BackendRedis
	cfg.Snapshots.Store = config.BackendRedis
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Redis.Instance = "test"
	require.NoError(t, cfg.Validate())

	base, _ := startApp(t, cfg)
	exerciseServer(t, base)

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body.String(), `"redis":"connected"`)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body.Reset()
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	assert.Contains(t, body.String(), "canvas_snapshot_taken_total 1")
	assert.Contains(t, body.String(), "go_goroutines")
}

func TestNewApp_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Canvas.Backend = config.BackendRedis
	cfg.Redis.URL = "redis://127.0.0.1:1"

	_, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), prometheus.NewRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis not accessible")
}

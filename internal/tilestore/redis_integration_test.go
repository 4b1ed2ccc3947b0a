//go:build integration

package tilestore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

// setupRedis starts a real Redis container so the Lua update script runs on a real server.
func setupRedis(t *testing.T) *canvas.Client {
	ctx := context.Background()

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	opts, err := redis.ParseURL(fmt.Sprintf("redis://%s:%s", host, port.Port()))
	if err != nil {
		t.Fatalf("Failed to parse Redis URL: %v", err)
	}
	client, err := canvas.NewClient(opts, "integration")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStore_ConcurrentWritersAndBulk(t *testing.T) {
	client := setupRedis(t)
	s := New(client, Config{TileSize: 32, MaxBatchSize: 50, Concurrency: 8}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.UpdatePixel(ctx, canvas.Pixel{X: i % 32, Y: i / 32, Color: "#ff00ff"}); err != nil {
				t.Errorf("UpdatePixel(%d) failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var bulk []canvas.Pixel
	for x := 100; x < 200; x++ {
		for y := 0; y < 10; y++ {
			bulk = append(bulk, canvas.Pixel{X: x, Y: y, Color: "#00ffff"})
		}
	}
	count, err := s.BulkUpdateCanvas(ctx, bulk)
	if err != nil {
		t.Fatalf("BulkUpdateCanvas failed: %v", err)
	}
	if count != len(bulk) {
		t.Fatalf("expected %d pixels updated, got %d", len(bulk), count)
	}

	state, err := s.GetCanvasState(ctx)
	if err != nil {
		t.Fatalf("GetCanvasState failed: %v", err)
	}
	if len(state) != 64+len(bulk) {
		t.Fatalf("expected %d pixels, got %d", 64+len(bulk), len(state))
	}

	if err := s.BulkOverwriteCanvas(ctx, nil); err != nil {
		t.Fatalf("BulkOverwriteCanvas failed: %v", err)
	}
	state, err = s.GetCanvasState(ctx)
	if err != nil {
		t.Fatalf("GetCanvasState failed: %v", err)
	}
	if len(state) != 0 {
		t.Fatalf("expected empty canvas after overwrite, got %d pixels", len(state))
	}
}

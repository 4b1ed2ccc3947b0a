package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/pixelcanvas/internal/metrics"
	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

func setupRedisBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := canvas.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)

	b := NewRedisBus(client, true, nil)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

// subscribeAsync runs Subscribe in the background and returns its received events and result.
func subscribeAsync(ctx context.Context, b Bus, topic string) (<-chan canvas.Event, <-chan error) {
	events := make(chan canvas.Event, 16)
	result := make(chan error, 1)
	go func() {
		result <- b.Subscribe(ctx, topic, func(ev canvas.Event) { events <- ev })
	}()
	return events, result
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	b, mr := setupRedisBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	events, result := subscribeAsync(ctx, b, canvas.UpdatesTopic)
	channel := canvas.TopicChannel("test-instance", canvas.UpdatesTopic)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == 1
	}, time.Second, 10*time.Millisecond)

	t.Run("delivers events", func(t *testing.T) {
		px := canvas.Pixel{X: 4, Y: 2, Color: "#0a0b0c", AuthorID: "u"}
		require.NoError(t, b.Publish(ctx, canvas.UpdatesTopic, canvas.PixelPlaced(px)))

		select {
		case ev := <-events:
			require.NotNil(t, ev.Pixel)
			assert.Equal(t, px, *ev.Pixel)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	})

	t.Run("malformed messages are skipped", func(t *testing.T) {
		mr.Publish(channel, "{broken")
		require.NoError(t, b.Publish(ctx, canvas.UpdatesTopic, canvas.Heartbeat(7)))

		select {
		case ev := <-events:
			assert.True(t, ev.IsHeartbeat())
			assert.Equal(t, int64(7), ev.SentAt)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for heartbeat")
		}
	})

	t.Run("cancellation ends subscribe cleanly", func(t *testing.T) {
		cancel()
		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("subscribe did not return after cancel")
		}
	})
}

func TestRedisBus_SubscribeFailsWhenRedisDown(t *testing.T) {
	b, mr := setupRedisBus(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := b.Subscribe(ctx, canvas.UpdatesTopic, func(canvas.Event) {})
	assert.Error(t, err)
}

func TestRedisBus_Closed(t *testing.T) {
	b, _ := setupRedisBus(t)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), canvas.UpdatesTopic, canvas.Heartbeat(1)), ErrClosed)
	assert.ErrorIs(t, b.Subscribe(context.Background(), canvas.UpdatesTopic, func(canvas.Event) {}), ErrClosed)
}

func TestMemoryBus(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	events, result := subscribeAsync(ctx, b, canvas.UpdatesTopic)
	require.Eventually(t, func() bool { return b.Subscribers(canvas.UpdatesTopic) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Publish(ctx, "other-topic", canvas.Heartbeat(1)))
	require.NoError(t, b.Publish(ctx, canvas.UpdatesTopic, canvas.BulkOverwritten(nil)))

	select {
	case ev := <-events:
		assert.Equal(t, canvas.IntentBulkOverwrite, ev.Intent)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	require.NoError(t, b.Close())
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("subscribe did not end on close")
	}
	assert.Equal(t, 0, b.Subscribers(canvas.UpdatesTopic))
	assert.ErrorIs(t, b.Publish(ctx, canvas.UpdatesTopic, canvas.Heartbeat(2)), ErrClosed)
}

// recordingBus captures published events; it can block or fail publishes.
type recordingBus struct {
	mu        sync.Mutex
	published []canvas.Event
	gate      chan struct{}
	err       error
}

func (r *recordingBus) Publish(ctx context.Context, _ string, ev canvas.Event) error {
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, ev)
	return nil
}

func (r *recordingBus) Subscribe(ctx context.Context, _ string, _ Handler) error {
	<-ctx.Done()
	return nil
}

func (r *recordingBus) Close() error { return nil }

func (r *recordingBus) events() []canvas.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]canvas.Event(nil), r.published...)
}

func TestDispatcher_PreservesOrder(t *testing.T) {
	rec := &recordingBus{}
	d := NewDispatcher(rec, canvas.UpdatesTopic, 0, nil, nil)

	for i := 0; i < 200; i++ {
		d.Dispatch(canvas.Heartbeat(int64(i)))
	}
	require.NoError(t, d.Close(context.Background()))

	got := rec.events()
	require.Len(t, got, 200)
	for i, ev := range got {
		assert.Equal(t, int64(i), ev.SentAt)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	rec := &recordingBus{gate: make(chan struct{})}
	m := metrics.New(prometheus.NewRegistry())
	d := NewDispatcher(rec, canvas.UpdatesTopic, 2, nil, m)

	// One in flight (blocked on the gate), two queued, the rest dropped
	d.Dispatch(canvas.Heartbeat(0))
	require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
	for i := 1; i <= 5; i++ {
		d.Dispatch(canvas.Heartbeat(int64(i)))
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.PublishDropped))

	close(rec.gate)
	require.NoError(t, d.Close(context.Background()))
	assert.Len(t, rec.events(), 3)
}

func TestDispatcher_PublishErrorsAreSwallowed(t *testing.T) {
	rec := &recordingBus{err: errors.New("redis unavailable")}
	m := metrics.New(prometheus.NewRegistry())
	d := NewDispatcher(rec, canvas.UpdatesTopic, 0, nil, m)

	d.Dispatch(canvas.Heartbeat(1))
	d.Dispatch(canvas.Heartbeat(2))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PublishFailures))

	// Dispatch after close is a no-op
	assert.NotPanics(t, func() { d.Dispatch(canvas.Heartbeat(3)) })
	require.NoError(t, d.Close(context.Background()))
}

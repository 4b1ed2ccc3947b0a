package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/pixelcanvas/internal/bus"
	"github.com/dyluth/pixelcanvas/internal/metrics"
	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

type fakeConn struct {
	mu       sync.Mutex
	received [][]byte
	fail     bool
	closed   bool
}

func (c *fakeConn) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("use of closed network connection")
	}
	c.received = append(c.received, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.received...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// intents decodes every message a connection received.
func intents(t *testing.T, c *fakeConn) []canvas.Intent {
	t.Helper()
	var out []canvas.Intent
	for _, raw := range c.messages() {
		var ev canvas.Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev.Intent)
	}
	return out
}

func testConfig() Config {
	return Config{
		RestartBackoff:    10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		SendTimeout:       time.Second,
	}
}

func TestConnectDisconnect(t *testing.T) {
	m := NewManager(bus.NewMemoryBus(), testConfig(), nil, nil)
	a, b := &fakeConn{}, &fakeConn{}

	m.Connect(a)
	m.Connect(b)
	m.Connect(a)
	assert.Equal(t, 2, m.Count())

	m.Disconnect(a)
	m.Disconnect(a)
	m.Disconnect(&fakeConn{})
	assert.Equal(t, 1, m.Count())
}

func TestBroadcast_Isolation(t *testing.T) {
	reg := metrics.New(prometheus.NewRegistry())
	m := NewManager(bus.NewMemoryBus(), testConfig(), nil, reg)

	a := &fakeConn{fail: true}
	b := &fakeConn{}
	m.Connect(a)
	m.Connect(b)

	failed := m.Broadcast([]byte(`{"intent":"heartbeat","payload":{"timestamp":1}}`))

	assert.Equal(t, 1, failed)
	assert.Len(t, b.messages(), 1, "B still receives when A fails")
	assert.Equal(t, 1, m.Count(), "A is removed after the pass")
	assert.True(t, a.isClosed())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.FailedDeliveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.ActiveConnections))

	m.Broadcast([]byte(`{}`))
	assert.Len(t, b.messages(), 2)
	assert.Empty(t, a.messages())
}

// stallConn blocks every send until its context expires.
type stallConn struct {
	closed atomic.Bool
}

func (c *stallConn) Send(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *stallConn) Close() error {
	c.closed.Store(true)
	return nil
}

func TestBroadcast_StalledConnectionDoesNotDelayOthers(t *testing.T) {
	cfg := testConfig()
	cfg.SendTimeout = 2 * time.Second
	m := NewManager(bus.NewMemoryBus(), cfg, nil, nil)

	stalled := []*stallConn{{}, {}, {}}
	for _, c := range stalled {
		m.Connect(c)
	}
	fast := &fakeConn{}
	m.Connect(fast)

	done := make(chan int, 1)
	go func() { done <- m.Broadcast([]byte(`{}`)) }()

	require.Eventually(t, func() bool { return len(fast.messages()) == 1 },
		500*time.Millisecond, 5*time.Millisecond, "fast connection is served while others stall")

	select {
	case failed := <-done:
		assert.Equal(t, 3, failed)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast did not finish")
	}
	assert.Equal(t, 1, m.Count())
	for _, c := range stalled {
		assert.True(t, c.closed.Load())
	}
}

func TestBroadcast_RespectsSendConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.SendConcurrency = 2
	m := NewManager(bus.NewMemoryBus(), cfg, nil, nil)

	var inFlight, peak atomic.Int32
	for i := 0; i < 6; i++ {
		m.Connect(&countingConn{inFlight: &inFlight, peak: &peak})
	}

	assert.Equal(t, 0, m.Broadcast([]byte(`{}`)))
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

type countingConn struct {
	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (c *countingConn) Send(context.Context, []byte) error {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	c.inFlight.Add(-1)
	return nil
}

func (c *countingConn) Close() error { return nil }

func TestStart_FansOutBusEvents(t *testing.T) {
	b := bus.NewMemoryBus()
	m := NewManager(b, testConfig(), nil, nil)
	a, c := &fakeConn{}, &fakeConn{}
	m.Connect(a)
	m.Connect(c)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	assert.Equal(t, StateListening, m.State())

	require.Eventually(t, func() bool { return b.Subscribers(canvas.UpdatesTopic) == 1 }, time.Second, 5*time.Millisecond)

	px := canvas.Pixel{X: 1, Y: 1, Color: "#ffffff", AuthorID: "u"}
	require.NoError(t, b.Publish(context.Background(), canvas.UpdatesTopic, canvas.PixelPlaced(px)))

	require.Eventually(t, func() bool {
		return len(a.messages()) == 1 && len(c.messages()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []canvas.Intent{canvas.IntentPixel}, intents(t, a))
}

func TestStart_HeartbeatsReachConnections(t *testing.T) {
	b := bus.NewMemoryBus()
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m := NewManager(b, cfg, nil, nil)
	conn := &fakeConn{}
	m.Connect(conn)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	require.Eventually(t, func() bool {
		for _, raw := range conn.messages() {
			if strings.Contains(string(raw), `"intent":"heartbeat"`) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

// flakyBus fails the first failures subscriptions, then behaves like the wrapped bus.
type flakyBus struct {
	*bus.MemoryBus
	failures int32
	attempts atomic.Int32
	panicked bool
}

func (f *flakyBus) Subscribe(ctx context.Context, topic string, h bus.Handler) error {
	n := f.attempts.Add(1)
	if n == 1 && f.panicked {
		panic("handler blew up")
	}
	if n <= f.failures {
		return errors.New("connection reset by peer")
	}
	return f.MemoryBus.Subscribe(ctx, topic, h)
}

func TestSubscribeLoop_RestartsAfterFailure(t *testing.T) {
	tests := []struct {
		name string
		bus  *flakyBus
	}{
		{"errors", &flakyBus{MemoryBus: bus.NewMemoryBus(), failures: 3}},
		{"panic", &flakyBus{MemoryBus: bus.NewMemoryBus(), failures: 1, panicked: true}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			reg := metrics.New(prometheus.NewRegistry())
			m := NewManager(tt.bus, testConfig(), nil, reg)
			conn := &fakeConn{}
			m.Connect(conn)

			require.NoError(t, m.Start(context.Background()))
			t.Cleanup(func() { m.Shutdown(context.Background()) })

			require.Eventually(t, func() bool {
				return tt.bus.Subscribers(canvas.UpdatesTopic) == 1
			}, 2*time.Second, 5*time.Millisecond)

			require.NoError(t, tt.bus.Publish(context.Background(), canvas.UpdatesTopic, canvas.BulkOverwritten(nil)))
			require.Eventually(t, func() bool { return len(conn.messages()) == 1 }, time.Second, 5*time.Millisecond)

			assert.Equal(t, float64(tt.bus.failures), testutil.ToFloat64(reg.SubscriptionRestart))
		})
	}
}

func TestShutdown(t *testing.T) {
	t.Run("without start", func(t *testing.T) {
		b := bus.NewMemoryBus()
		m := NewManager(b, testConfig(), nil, nil)

		require.NoError(t, m.Shutdown(context.Background()))
		require.NoError(t, m.Shutdown(context.Background()))
		assert.Equal(t, StateShutDown, m.State())
		assert.ErrorIs(t, b.Publish(context.Background(), canvas.UpdatesTopic, canvas.Heartbeat(1)), bus.ErrClosed)
		assert.ErrorIs(t, m.Start(context.Background()), ErrShutDown)
	})

	t.Run("stops both loops", func(t *testing.T) {
		fb := &flakyBus{MemoryBus: bus.NewMemoryBus(), failures: 1 << 30}
		m := NewManager(fb, testConfig(), nil, nil)

		require.NoError(t, m.Start(context.Background()))
		require.Eventually(t, func() bool { return fb.attempts.Load() >= 2 }, time.Second, 5*time.Millisecond)

		require.NoError(t, m.Shutdown(context.Background()))
		attempts := fb.attempts.Load()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, attempts, fb.attempts.Load(), "no resubscribe after shutdown")
	})

	t.Run("start twice is a no-op", func(t *testing.T) {
		m := NewManager(bus.NewMemoryBus(), testConfig(), nil, nil)
		require.NoError(t, m.Start(context.Background()))
		require.NoError(t, m.Start(context.Background()))
		require.NoError(t, m.Shutdown(context.Background()))
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "shut down", StateShutDown.String())
}

// Package fanout delivers canvas change events to the client connections held
// by this process.
//
// The Manager subscribes to the change bus and re-emits every event it receives,
// heartbeats included, to each local connection. It also publishes the periodic
// heartbeats itself. Connections are never visible to other processes.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dyluth/pixelcanvas/internal/bus"
	"github.com/dyluth/pixelcanvas/internal/metrics"
	"github.com/dyluth/pixelcanvas/pkg/canvas"
)

const (
	// DefaultRestartBackoff is the fixed wait before resubscribing after the loop exits.
	DefaultRestartBackoff = 3 * time.Second

	// DefaultHeartbeatInterval is how often this process publishes a heartbeat.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultSendTimeout bounds one delivery to one connection.
	DefaultSendTimeout = 10 * time.Second

	// DefaultSendConcurrency caps in-flight deliveries for one event.
	DefaultSendConcurrency = 32
)

// State is the lifecycle state of a Manager.
type State int

const (
	StateIdle State = iota
	StateListening
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateShutDown:
		return "shut down"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrShutDown is returned by Start after Shutdown.
var ErrShutDown = errors.New("fanout manager shut down")

// Conn is one live client connection. Implementations must be comparable
// (typically a pointer) and safe for concurrent Send and Close.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Config tunes a Manager. Zero durations use the package defaults.
type Config struct {
	Topic             string
	RestartBackoff    time.Duration
	HeartbeatInterval time.Duration
	SendTimeout       time.Duration
	SendConcurrency   int
}

// Manager owns this process's connection set and its bus subscription.
type Manager struct {
	bus     bus.Bus
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	conns map[Conn]struct{}

	lifecycle sync.Mutex
	state     State
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeErr  error
}

// NewManager creates an idle manager.
func NewManager(b bus.Bus, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.Topic == "" {
		cfg.Topic = canvas.UpdatesTopic
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.SendConcurrency <= 0 {
		cfg.SendConcurrency = DefaultSendConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		bus:     b,
		cfg:     cfg,
		logger:  logger.With("component", "fanout"),
		metrics: m,
		now:     time.Now,
		conns:   make(map[Conn]struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.state
}

// Connect registers a live connection.
func (m *Manager) Connect(conn Conn) {
	m.mu.Lock()
	m.conns[conn] = struct{}{}
	n := len(m.conns)
	m.mu.Unlock()

	m.metrics.SetConnections(n)
	m.logger.Debug("connection registered", "connections", n)
}

// Disconnect removes a connection. Removing an unknown connection is a no-op.
func (m *Manager) Disconnect(conn Conn) {
	m.mu.Lock()
	_, known := m.conns[conn]
	delete(m.conns, conn)
	n := len(m.conns)
	m.mu.Unlock()

	if known {
		m.metrics.SetConnections(n)
		m.logger.Debug("connection removed", "connections", n)
	}
}

// Count returns the number of registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Start launches the subscription loop and the heartbeat loop.
// Both run until Shutdown; ctx only supplies values, cancellation is owned by Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	switch m.state {
	case StateListening:
		return nil
	case StateShutDown:
		return ErrShutDown
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.state = StateListening

	m.wg.Add(2)
	go m.subscribeLoop(loopCtx)
	go m.heartbeatLoop(loopCtx)

	m.logger.Info("fanout started",
		"topic", m.cfg.Topic,
		"heartbeat_interval", m.cfg.HeartbeatInterval.String(),
		"restart_backoff", m.cfg.RestartBackoff.String())
	return nil
}

// Shutdown stops both loops, waits for them to finish and closes the bus.
// It is safe to call without Start and more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifecycle.Lock()
	if m.state == StateShutDown {
		m.lifecycle.Unlock()
		return m.closeErr
	}
	m.state = StateShutDown
	if m.cancel != nil {
		m.cancel()
	}
	m.lifecycle.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("timed out waiting for fanout loops: %w", ctx.Err())
	}

	closeErr := m.bus.Close()

	m.lifecycle.Lock()
	m.closeErr = errors.Join(waitErr, closeErr)
	m.lifecycle.Unlock()

	m.logger.Info("fanout shut down")
	return m.closeErr
}

// subscribeLoop keeps a bus subscription alive until ctx is cancelled,
// resubscribing after a fixed backoff whenever it ends.
func (m *Manager) subscribeLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		err := m.subscribeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("subscription ended")
		}

		m.metrics.SubscriptionRestarted()
		m.logger.Warn("subscription loop exited, restarting",
			"topic", m.cfg.Topic,
			"error", err,
			"backoff", m.cfg.RestartBackoff.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.RestartBackoff):
		}
	}
}

// subscribeOnce runs one subscription, turning a panic into an error so the loop survives it.
func (m *Manager) subscribeOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscription panicked: %v", r)
		}
	}()
	return m.bus.Subscribe(ctx, m.cfg.Topic, m.handle)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.bus.Publish(ctx, m.cfg.Topic, canvas.Heartbeat(m.now().Unix())); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("failed to publish heartbeat", "error", err)
			}
		}
	}
}

// handle serializes ev once and delivers it to every registered connection.
// Connections that fail are removed and closed after the pass.
func (m *Manager) handle(ev canvas.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("failed to marshal event", "intent", ev.Intent, "error", err)
		return
	}
	m.Broadcast(payload)
}

// Broadcast sends payload to every registered connection and returns how
// many deliveries failed. Sends run in parallel up to SendConcurrency, so a
// stalled connection delays no other. Broadcast returns only after every
// send finished, which keeps per-connection event order.
func (m *Manager) Broadcast(payload []byte) int {
	m.mu.RLock()
	targets := make([]Conn, 0, len(m.conns))
	for c := range m.conns {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	var (
		failedMu sync.Mutex
		failed   []Conn
		g        errgroup.Group
	)
	g.SetLimit(m.cfg.SendConcurrency)
	for _, c := range targets {
		c := c
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
			defer cancel()
			if err := c.Send(ctx, payload); err != nil {
				m.logger.Debug("delivery failed", "error", err)
				failedMu.Lock()
				failed = append(failed, c)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range failed {
		m.Disconnect(c)
		m.metrics.DeliveryFailed()
		_ = c.Close()
	}
	if len(failed) > 0 {
		m.logger.Info("dropped dead connections", "count", len(failed), "remaining", m.Count())
	}
	return len(failed)
}

package command

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Logger is the logging interface used by the manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ExpiryFunc reports an expired command. It is called once per command
// removed by the sweep.
type ExpiryFunc func(ctx context.Context, cmd *Command) error

// Options configures the expiration sweep. The sweep only runs when both
// Interval and Expiration are positive.
type Options struct {
	// Interval is the period between sweeps.
	Interval time.Duration

	// Expiration is how long a command may wait before it expires.
	Expiration time.Duration

	// Registerer receives the manager metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// Manager owns the pending-command queue of polling devices.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Start and Stop are idempotent.
type Manager struct {
	store      Store
	interval   time.Duration
	expiration time.Duration
	now        func() time.Time
	metrics    *metrics

	onExpire ExpiryFunc
	logger   Logger
	mu       sync.RWMutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewManager creates a manager over store.
func NewManager(store Store, opts Options) (*Manager, error) {
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:      store,
		interval:   opts.Interval,
		expiration: opts.Expiration,
		now:        time.Now,
		metrics:    m,
		logger:     noopLogger{},
	}, nil
}

// SetLogger sets the logger for sweep diagnostics.
func (m *Manager) SetLogger(logger Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// SetExpiryFunc sets the callback that reports expired commands.
func (m *Manager) SetExpiryFunc(fn ExpiryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Add queues a command for a device. Re-adding an existing command
// replaces its value and type and keeps its creation date.
func (m *Manager) Add(ctx context.Context, service, subservice, deviceID string, cmd Command) (*Command, error) {
	cmd.Service = service
	cmd.Subservice = subservice
	cmd.DeviceID = deviceID
	if cmd.CreationDate.IsZero() {
		cmd.CreationDate = m.now()
	}

	stored, err := m.store.Upsert(ctx, &cmd)
	if err != nil {
		return nil, err
	}
	m.metrics.added()
	m.log().Debug("command queued",
		"device_id", deviceID, "service", service, "subservice", subservice, "command", cmd.Name)
	return stored, nil
}

// List returns the pending commands of a device.
func (m *Manager) List(ctx context.Context, service, subservice, deviceID string) (*ListResult, error) {
	cmds, err := m.store.List(ctx, service, subservice, deviceID)
	if err != nil {
		return nil, err
	}
	if cmds == nil {
		cmds = []*Command{}
	}
	return &ListResult{Count: len(cmds), Commands: cmds}, nil
}

// Remove deletes a pending command. Returns ErrCommandNotFound if absent.
func (m *Manager) Remove(ctx context.Context, service, subservice, deviceID, name string) error {
	if err := m.store.Delete(ctx, service, subservice, deviceID, name); err != nil {
		return err
	}
	m.metrics.removed()
	return nil
}

// RemoveFromDate deletes every command created before cutoff and returns
// the commands that were actually deleted.
func (m *Manager) RemoveFromDate(ctx context.Context, cutoff time.Time) ([]*Command, error) {
	return m.store.DeleteOlderThan(ctx, cutoff)
}

// Start launches the expiration sweep. It does nothing when the sweep is
// not configured or already running.
func (m *Manager) Start(ctx context.Context) {
	if m.interval <= 0 || m.expiration <= 0 {
		return
	}

	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go m.sweepLoop(loopCtx, m.stopped)

	m.log().Info("command expiration sweep started",
		"interval", m.interval.String(), "expiration", m.expiration.String())
}

// Stop halts the sweep and waits for a running pass to finish. Safe to call
// multiple times.
func (m *Manager) Stop() {
	m.runMu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Sweep runs one expiration pass and returns how many commands expired.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.expiration)
	expired, err := m.RemoveFromDate(ctx, cutoff)
	if err != nil {
		m.log().Error("command expiration sweep failed", "error", err)
	}

	m.mu.RLock()
	onExpire := m.onExpire
	m.mu.RUnlock()

	for _, cmd := range expired {
		m.metrics.expired()
		if onExpire == nil {
			continue
		}
		if err := onExpire(ctx, cmd); err != nil {
			m.log().Warn("failed to report expired command",
				"device_id", cmd.DeviceID, "command", cmd.Name, "error", err)
		}
	}
	return len(expired)
}

func (m *Manager) sweepLoop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.log().Info("expired pending commands", "count", n)
			}
		}
	}
}

func (m *Manager) log() Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger
}

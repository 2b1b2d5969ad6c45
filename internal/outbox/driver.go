package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Task is one cycle of periodic work.
type Task func(ctx context.Context) error

// Driver runs a task on a fixed interval until stopped. A failing or
// panicking cycle is logged and the loop carries on.
type Driver struct {
	task     Task
	interval time.Duration
	enabled  bool
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewDriver drives proc.ProcessOnce with cfg's interval and enabled flag.
func NewDriver(proc *Processor, cfg Config, logger *slog.Logger) (*Driver, error) {
	if proc == nil {
		return nil, ErrProcessorRequired
	}
	return NewTaskDriver(func(ctx context.Context) error {
		proc.ProcessOnce(ctx)
		return nil
	}, cfg, logger)
}

// NewTaskDriver drives an arbitrary task, e.g. a purge of expired entries.
func NewTaskDriver(task Task, cfg Config, logger *slog.Logger) (*Driver, error) {
	if task == nil {
		return nil, ErrProcessorRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Normalize()
	return &Driver{
		task:     task,
		interval: cfg.Interval,
		enabled:  cfg.Enabled,
		logger:   logger.With("component", "outbox.driver"),
		stop:     make(chan struct{}),
	}, nil
}

// Run blocks until ctx is done or Stop is called, and returns nil in both
// cases. When the driver is disabled it returns at once without running the
// task.
func (d *Driver) Run(ctx context.Context) error {
	if !d.enabled {
		d.logger.InfoContext(ctx, "outbox driver disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !d.register(cancel) {
		return ErrDriverRunning
	}
	defer d.clear()

	d.logger.InfoContext(ctx, "outbox driver started", "interval", d.interval)
	defer d.logger.Info("outbox driver stopped")

	for {
		select {
		case <-d.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		d.cycle(ctx)

		timer := time.NewTimer(d.interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-d.stop:
			timer.Stop()
			return nil
		}
	}
}

// Stop ends the loop. An in-flight cycle sees its context cancelled; no new
// cycle starts.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		cancel := d.cancel
		d.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		close(d.stop)
	})
}

func (d *Driver) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "outbox cycle panicked", "panic", r)
		}
	}()

	if err := d.task(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.ErrorContext(ctx, "outbox cycle failed", "error", err)
	}
}

func (d *Driver) register(cancel context.CancelFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return false
	}
	d.running = true
	d.cancel = cancel
	return true
}

func (d *Driver) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.cancel = nil
}

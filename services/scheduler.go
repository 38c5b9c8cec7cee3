package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
)

// lastRunTolerance is the share of an interval that must have passed since
// the previous run before a firing is honoured; ticker drift is absorbed by
// the remaining tenth.
const lastRunTolerance = 0.9

// cadence is one independently timed task of a scheduler.
type cadence struct {
	name string
	run  func(ctx context.Context) error

	interval atomic.Int64 // time.Duration; 0 disables the ticker
	inFlight atomic.Bool
	runs     atomic.Int64
	skipped  atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

func newCadence(name string, run func(ctx context.Context) error) *cadence {
	return &cadence{name: name, run: run}
}

// CadenceStatus is one cadence's line in a scheduler status.
type CadenceStatus struct {
	Name      string          `json:"name"`
	Enabled   bool            `json:"enabled"`
	Interval  models.Duration `json:"interval"`
	InFlight  bool            `json:"in_flight"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Runs      int64           `json:"runs"`
	Skipped   int64           `json:"skipped"`
}

func (c *cadence) status() CadenceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	interval := time.Duration(c.interval.Load())
	st := CadenceStatus{
		Name:      c.name,
		Enabled:   interval > 0,
		Interval:  models.Duration(interval),
		InFlight:  c.inFlight.Load(),
		LastError: c.lastErr,
		Runs:      c.runs.Load(),
		Skipped:   c.skipped.Load(),
	}
	if !c.lastRun.IsZero() {
		t := c.lastRun
		st.LastRunAt = &t
	}
	return st
}

// errCadenceBusy is returned when a run of the same cadence is in flight.
var errCadenceBusy = apperrors.ErrConflict.Withf("a run of this cadence is already in progress")

// cadenceLoop owns the tickers of one scheduler. Each cadence gets its own
// goroutine; runs are guarded per cadence against overlap and against
// firing sooner than their interval.
type cadenceLoop struct {
	name   string
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	running   bool
	startedAt *time.Time
	cancel    context.CancelFunc
	tickers   sync.WaitGroup
	inflight  sync.WaitGroup
}

func newCadenceLoop(name string, logger *zap.Logger) *cadenceLoop {
	return &cadenceLoop{
		name:   name,
		logger: logger.With(zap.String("scheduler", name)),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *cadenceLoop) start(cadences ...*cadence) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return apperrors.ErrConflict.Withf("%s scheduler is already running", l.name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running = true
	now := l.now()
	l.startedAt = &now

	for _, c := range cadences {
		interval := time.Duration(c.interval.Load())
		if interval <= 0 {
			continue
		}
		l.tickers.Add(1)
		go l.tick(ctx, c, interval)
	}
	l.logger.Info("scheduler started")
	return nil
}

func (l *cadenceLoop) tick(ctx context.Context, c *cadence, interval time.Duration) {
	defer l.tickers.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.inflight.Add(1)
			go func() {
				defer l.inflight.Done()
				_, _ = l.fire(context.Background(), c, false, nil)
			}()
		}
	}
}

// stop cancels the tickers and waits for in-flight runs to finish.
func (l *cadenceLoop) stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.cancel()
	l.running = false
	l.startedAt = nil
	l.mu.Unlock()

	l.tickers.Wait()
	l.inflight.Wait()
	l.logger.Info("scheduler stopped")
}

func (l *cadenceLoop) isRunning() (bool, *time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running, l.startedAt
}

// fire runs c (or fn in its place) unless a run is in flight or, without
// force, the last run was too recent. It reports whether it ran.
func (l *cadenceLoop) fire(ctx context.Context, c *cadence, force bool, fn func(ctx context.Context) error) (bool, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		c.skipped.Add(1)
		l.logger.Debug("cadence skipped, previous run still in flight", zap.String("cadence", c.name))
		return false, errCadenceBusy
	}
	defer c.inFlight.Store(false)

	now := l.now()
	c.mu.Lock()
	last := c.lastRun
	interval := time.Duration(c.interval.Load())
	if !force && !last.IsZero() && interval > 0 && now.Sub(last) < time.Duration(float64(interval)*lastRunTolerance) {
		c.mu.Unlock()
		c.skipped.Add(1)
		l.logger.Debug("cadence skipped, last run too recent", zap.String("cadence", c.name), zap.Time("last_run", last))
		return false, nil
	}
	c.lastRun = now
	c.mu.Unlock()
	c.runs.Add(1)

	if fn == nil {
		fn = c.run
	}
	err := l.safeRun(ctx, c.name, fn)

	c.mu.Lock()
	c.lastErr = ""
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()

	if err != nil {
		l.logger.Error("cadence run failed", zap.String("cadence", c.name), zap.Error(err))
	}
	return true, err
}

func (l *cadenceLoop) safeRun(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s run panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

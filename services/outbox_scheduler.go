package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
)

// OutboxSchedulerStatus is what the admin and health endpoints show.
type OutboxSchedulerStatus struct {
	Running   bool                         `json:"running"`
	StartedAt *time.Time                   `json:"started_at,omitempty"`
	Config    models.OutboxSchedulerConfig `json:"config"`
	Cadences  []CadenceStatus              `json:"cadences"`
}

// OutboxScheduler drives the dispatcher on three cadences: pending
// delivery, retries and the retention sweep.
type OutboxScheduler struct {
	loop       *cadenceLoop
	dispatcher *Dispatcher
	outbox     OutboxService
	logger     *zap.Logger

	mu      sync.Mutex
	cfg     models.OutboxSchedulerConfig
	pending *cadence
	retry   *cadence
	cleanup *cadence
}

func NewOutboxScheduler(dispatcher *Dispatcher, outbox OutboxService, cfg models.OutboxSchedulerConfig, logger *zap.Logger) *OutboxScheduler {
	s := &OutboxScheduler{
		loop:       newCadenceLoop("outbox", logger),
		dispatcher: dispatcher,
		outbox:     outbox,
		logger:     logger,
		cfg:        cfg,
	}
	s.pending = newCadence("pending", func(ctx context.Context) error {
		_, err := s.dispatcher.ProcessPending(ctx)
		return err
	})
	s.retry = newCadence("retry", func(ctx context.Context) error {
		_, err := s.dispatcher.ProcessRetries(ctx)
		return err
	})
	s.cleanup = newCadence("cleanup", func(ctx context.Context) error {
		_, err := s.outbox.Cleanup(ctx, s.config().RetentionDays)
		return err
	})
	s.apply(cfg)
	return s
}

// Start starts the tickers. A nil cfg keeps the current configuration.
func (s *OutboxScheduler) Start(cfg *models.OutboxSchedulerConfig) error {
	if cfg != nil {
		if err := validateOutboxConfig(*cfg); err != nil {
			return err
		}
		s.apply(*cfg)
	}
	return s.loop.start(s.pending, s.retry, s.cleanup)
}

// Stop stops the tickers and waits for in-flight cycles.
func (s *OutboxScheduler) Stop() {
	s.loop.stop()
}

// UpdateConfig applies cfg, restarting the tickers when running.
func (s *OutboxScheduler) UpdateConfig(cfg models.OutboxSchedulerConfig) error {
	if err := validateOutboxConfig(cfg); err != nil {
		return err
	}
	running, _ := s.loop.isRunning()
	if running {
		s.loop.stop()
	}
	s.apply(cfg)
	s.logger.Info("outbox scheduler config updated",
		zap.Duration("pending_interval", time.Duration(cfg.PendingInterval)),
		zap.Duration("retry_interval", time.Duration(cfg.RetryInterval)),
		zap.Duration("cleanup_interval", time.Duration(cfg.CleanupInterval)),
		zap.Int("batch_size", cfg.BatchSize),
	)
	if running {
		return s.loop.start(s.pending, s.retry, s.cleanup)
	}
	return nil
}

func (s *OutboxScheduler) Status() OutboxSchedulerStatus {
	running, startedAt := s.loop.isRunning()
	return OutboxSchedulerStatus{
		Running:   running,
		StartedAt: startedAt,
		Config:    s.config(),
		Cadences:  []CadenceStatus{s.pending.status(), s.retry.status(), s.cleanup.status()},
	}
}

// ProcessNow runs a pending and a retry cycle immediately, sharing the
// in-flight guards with the tickers.
func (s *OutboxScheduler) ProcessNow(ctx context.Context) (DispatchSummary, error) {
	var sum DispatchSummary
	if _, err := s.loop.fire(ctx, s.pending, true, func(ctx context.Context) error {
		pending, err := s.dispatcher.ProcessPending(ctx)
		sum.add(pending)
		return err
	}); err != nil {
		return sum, err
	}
	if _, err := s.loop.fire(ctx, s.retry, true, func(ctx context.Context) error {
		retries, err := s.dispatcher.ProcessRetries(ctx)
		sum.add(retries)
		return err
	}); err != nil {
		return sum, err
	}
	return sum, nil
}

func (s *OutboxScheduler) config() models.OutboxSchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *OutboxScheduler) apply(cfg models.OutboxSchedulerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.pending.interval.Store(int64(cfg.PendingInterval))
	s.retry.interval.Store(int64(cfg.RetryInterval))
	s.cleanup.interval.Store(int64(cfg.CleanupInterval))
	s.dispatcher.SetBatchSize(cfg.BatchSize)
}

func validateOutboxConfig(cfg models.OutboxSchedulerConfig) error {
	for name, d := range map[string]models.Duration{
		"pending_interval": cfg.PendingInterval,
		"retry_interval":   cfg.RetryInterval,
		"cleanup_interval": cfg.CleanupInterval,
	} {
		if time.Duration(d) < time.Second {
			return apperrors.ErrValidation.Withf("%s must be at least 1s", name)
		}
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > 1000 {
		return apperrors.ErrValidation.Withf("batch_size must be between 1 and 1000")
	}
	if cfg.RetentionDays < 1 {
		return apperrors.ErrValidation.Withf("retention_days must be at least 1")
	}
	return nil
}

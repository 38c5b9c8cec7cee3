package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/repository"
)

// reconciliationLeaseTTL bounds how long a crashed instance can hold a
// cadence. It matches the point where its processing job becomes claimable.
const reconciliationLeaseTTL = repository.ReconciliationProcessingTimeout

// ReconciliationSchedulerStatus is what the admin and health endpoints show.
type ReconciliationSchedulerStatus struct {
	Running   bool                                 `json:"running"`
	StartedAt *time.Time                           `json:"started_at,omitempty"`
	Config    models.ReconciliationSchedulerConfig `json:"config"`
	Cadences  []CadenceStatus                      `json:"cadences"`
}

// ReconciliationScheduler runs daily, weekly and monthly reconciliation for
// every configured scope. Each (period, scope) run takes a store lease so
// only one instance reconciles a window.
type ReconciliationScheduler struct {
	loop   *cadenceLoop
	svc    ReconciliationService
	leases repository.LeaseStore
	owner  string
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	cfg      models.ReconciliationSchedulerConfig
	cadences map[models.PeriodType]*cadence
}

// NewReconciliationScheduler builds the scheduler. owner identifies this
// instance in leases; leases may be nil for single-instance deployments.
func NewReconciliationScheduler(svc ReconciliationService, leases repository.LeaseStore, owner string, cfg models.ReconciliationSchedulerConfig, logger *zap.Logger) *ReconciliationScheduler {
	s := &ReconciliationScheduler{
		loop:     newCadenceLoop("reconciliation", logger),
		svc:      svc,
		leases:   leases,
		owner:    owner,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		cadences: make(map[models.PeriodType]*cadence, 3),
	}
	for _, period := range []models.PeriodType{models.PeriodDaily, models.PeriodWeekly, models.PeriodMonthly} {
		s.cadences[period] = newCadence(string(period), func(ctx context.Context) error {
			_, err := s.runPeriod(ctx, period, s.config().Scopes)
			return err
		})
	}
	s.apply(cfg)
	return s
}

func (s *ReconciliationScheduler) Start(cfg *models.ReconciliationSchedulerConfig) error {
	if cfg != nil {
		if err := validateReconciliationConfig(*cfg); err != nil {
			return err
		}
		s.apply(*cfg)
	}
	return s.loop.start(s.ordered()...)
}

func (s *ReconciliationScheduler) Stop() {
	s.loop.stop()
}

func (s *ReconciliationScheduler) UpdateConfig(cfg models.ReconciliationSchedulerConfig) error {
	if err := validateReconciliationConfig(cfg); err != nil {
		return err
	}
	running, _ := s.loop.isRunning()
	if running {
		s.loop.stop()
	}
	s.apply(cfg)
	s.logger.Info("reconciliation scheduler config updated",
		zap.Bool("daily", cfg.DailyEnabled),
		zap.Bool("weekly", cfg.WeeklyEnabled),
		zap.Bool("monthly", cfg.MonthlyEnabled),
		zap.Strings("scopes", cfg.Scopes),
	)
	if running {
		return s.loop.start(s.ordered()...)
	}
	return nil
}

func (s *ReconciliationScheduler) Status() ReconciliationSchedulerStatus {
	running, startedAt := s.loop.isRunning()
	st := ReconciliationSchedulerStatus{Running: running, StartedAt: startedAt, Config: s.config()}
	for _, c := range s.ordered() {
		st.Cadences = append(st.Cadences, c.status())
	}
	return st
}

// RunNow reconciles the latest window of period for scope ("" means every
// configured scope). It shares the cadence's in-flight guard and counts as
// its last run.
func (s *ReconciliationScheduler) RunNow(ctx context.Context, period models.PeriodType, scope string) ([]*models.ReconciliationJob, error) {
	c, ok := s.cadences[period]
	if !ok {
		return nil, apperrors.ErrValidation.Withf("period must be daily, weekly or monthly")
	}
	scopes := s.config().Scopes
	if scope != "" {
		scopes = []string{scope}
	}

	var jobs []*models.ReconciliationJob
	_, err := s.loop.fire(ctx, c, true, func(ctx context.Context) error {
		var err error
		jobs, err = s.runPeriod(ctx, period, scopes)
		return err
	})
	return jobs, err
}

func (s *ReconciliationScheduler) runPeriod(ctx context.Context, period models.PeriodType, scopes []string) ([]*models.ReconciliationJob, error) {
	start, end, err := windowFor(period, s.now())
	if err != nil {
		return nil, err
	}
	var jobs []*models.ReconciliationJob
	var errs []error
	for _, scope := range scopes {
		job, err := s.runScope(ctx, period, scope, start, end)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", period, scope, err))
			continue
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, errors.Join(errs...)
}

// runScope reconciles one window for one scope unless another instance
// holds the lease or the window already has a settled job.
func (s *ReconciliationScheduler) runScope(ctx context.Context, period models.PeriodType, scope string, start, end time.Time) (*models.ReconciliationJob, error) {
	log := s.logger.With(zap.String("period", string(period)), zap.String("scope", scope), zap.Time("start", start))

	if s.leases != nil {
		name := fmt.Sprintf("reconciliation:%s:%s", period, scope)
		acquired, err := s.leases.Acquire(ctx, name, s.owner, reconciliationLeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire lease: %w", err)
		}
		if !acquired {
			log.Info("reconciliation window held by another instance")
			return nil, nil
		}
		defer func() {
			if err := s.leases.Release(context.Background(), name, s.owner); err != nil {
				log.Warn("failed to release reconciliation lease", zap.Error(err))
			}
		}()
	}

	job, err := s.svc.FindForWindow(ctx, period, start, end, scope)
	if err != nil {
		return nil, err
	}
	if job != nil {
		switch {
		case job.Status == models.JobPending:
			// created but never claimed
		case job.Status == models.JobFailed && job.RetryCount < job.MaxRetries:
			log.Info("retrying failed reconciliation job", zap.String("job_id", job.ID.String()), zap.Int("retry_count", job.RetryCount))
		case job.Status == models.JobProcessing && job.RetryCount < job.MaxRetries && job.StartedAt != nil &&
			job.StartedAt.Before(s.now().Add(-repository.ReconciliationProcessingTimeout)):
			log.Warn("retrying abandoned reconciliation job", zap.String("job_id", job.ID.String()), zap.Timep("started_at", job.StartedAt))
		default:
			log.Debug("reconciliation window already covered", zap.String("job_id", job.ID.String()), zap.String("status", string(job.Status)))
			return job, nil
		}
	} else {
		job, err = s.svc.CreateReconciliation(ctx, period, start, end, scope, "scheduler")
		if err != nil {
			return nil, err
		}
	}
	return s.svc.ProcessReconciliation(ctx, job.ID)
}

// windowFor returns the [start, end) window a scheduled run of period
// covers at now: the previous UTC day, the 7 days before today, or the
// previous calendar month.
func windowFor(period models.PeriodType, now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case models.PeriodDaily:
		return today.AddDate(0, 0, -1), today, nil
	case models.PeriodWeekly:
		return today.AddDate(0, 0, -7), today, nil
	case models.PeriodMonthly:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return first.AddDate(0, -1, 0), first, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("period %q has no scheduled window", period)
}

func (s *ReconciliationScheduler) ordered() []*cadence {
	return []*cadence{
		s.cadences[models.PeriodDaily],
		s.cadences[models.PeriodWeekly],
		s.cadences[models.PeriodMonthly],
	}
}

func (s *ReconciliationScheduler) config() models.ReconciliationSchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *ReconciliationScheduler) apply(cfg models.ReconciliationSchedulerConfig) {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{models.ScopeAll}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	store := func(c *cadence, enabled bool, d models.Duration) {
		if !enabled {
			d = 0
		}
		c.interval.Store(int64(d))
	}
	store(s.cadences[models.PeriodDaily], cfg.DailyEnabled, cfg.DailyInterval)
	store(s.cadences[models.PeriodWeekly], cfg.WeeklyEnabled, cfg.WeeklyInterval)
	store(s.cadences[models.PeriodMonthly], cfg.MonthlyEnabled, cfg.MonthlyInterval)
}

func validateReconciliationConfig(cfg models.ReconciliationSchedulerConfig) error {
	check := func(name string, enabled bool, d models.Duration) error {
		if enabled && time.Duration(d) < time.Minute {
			return apperrors.ErrValidation.Withf("%s must be at least 1m", name)
		}
		return nil
	}
	if err := check("daily_interval", cfg.DailyEnabled, cfg.DailyInterval); err != nil {
		return err
	}
	if err := check("weekly_interval", cfg.WeeklyEnabled, cfg.WeeklyInterval); err != nil {
		return err
	}
	return check("monthly_interval", cfg.MonthlyEnabled, cfg.MonthlyInterval)
}

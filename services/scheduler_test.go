package services

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/processors"
	"github.com/yashrajoria/marketplace-payments/repository"
)

func TestWindowFor(t *testing.T) {
	now := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		period models.PeriodType
		start  time.Time
		end    time.Time
	}{
		{models.PeriodDaily, day(2026, 3, 14), day(2026, 3, 15)},
		{models.PeriodWeekly, day(2026, 3, 8), day(2026, 3, 15)},
		{models.PeriodMonthly, day(2026, 2, 1), day(2026, 3, 1)},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			start, end, err := windowFor(tt.period, now)
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}

	start, end, err := windowFor(models.PeriodMonthly, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, day(2025, 12, 1), start, "january reconciles december")
	assert.Equal(t, day(2026, 1, 1), end)

	_, _, err = windowFor(models.PeriodCustom, now)
	assert.Error(t, err)
}

func TestCadenceLoop_InFlightGuard(t *testing.T) {
	l := newCadenceLoop("test", zap.NewNop())
	c := newCadence("job", func(ctx context.Context) error { return nil })

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = l.fire(context.Background(), c, true, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ran, err := l.fire(context.Background(), c, true, nil)
	assert.False(t, ran)
	assert.Equal(t, http.StatusConflict, apperrors.StatusCode(err))
	assert.True(t, c.status().InFlight)

	close(release)
	wg.Wait()
	assert.False(t, c.status().InFlight)
	assert.Equal(t, int64(1), c.status().Skipped)
}

func TestCadenceLoop_LastRunGuard(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := newCadenceLoop("test", zap.NewNop())
	l.now = func() time.Time { return now }

	calls := 0
	c := newCadence("job", func(ctx context.Context) error { calls++; return nil })
	c.interval.Store(int64(time.Minute))

	ran, err := l.fire(context.Background(), c, false, nil)
	require.NoError(t, err)
	assert.True(t, ran)

	now = now.Add(30 * time.Second)
	ran, err = l.fire(context.Background(), c, false, nil)
	require.NoError(t, err)
	assert.False(t, ran, "half an interval is too soon")

	ran, err = l.fire(context.Background(), c, true, nil)
	require.NoError(t, err)
	assert.True(t, ran, "forced runs ignore the guard")

	now = now.Add(55 * time.Second)
	ran, err = l.fire(context.Background(), c, false, nil)
	require.NoError(t, err)
	assert.True(t, ran, "ticker drift within a tenth of the interval is tolerated")

	st := c.status()
	assert.Equal(t, 3, calls)
	assert.Equal(t, int64(3), st.Runs)
	assert.Equal(t, int64(1), st.Skipped)
	require.NotNil(t, st.LastRunAt)
	assert.Equal(t, now, *st.LastRunAt)
}

func TestCadenceLoop_PanicIsRecorded(t *testing.T) {
	l := newCadenceLoop("test", zap.NewNop())
	c := newCadence("job", func(ctx context.Context) error { panic("nil map") })

	ran, err := l.fire(context.Background(), c, true, nil)
	assert.True(t, ran)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job run panicked: nil map")
	assert.Equal(t, err.Error(), c.status().LastError)
	assert.False(t, c.status().InFlight)

	_, err = l.fire(context.Background(), c, true, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Empty(t, c.status().LastError, "a clean run clears the last error")
}

func testOutboxConfig() models.OutboxSchedulerConfig {
	return models.OutboxSchedulerConfig{
		PendingInterval: models.Duration(time.Hour),
		RetryInterval:   models.Duration(time.Hour),
		CleanupInterval: models.Duration(24 * time.Hour),
		BatchSize:       10,
		RetentionDays:   7,
	}
}

func TestOutboxScheduler_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	dispatcher := NewDispatcher(store, 50, nil, zap.NewNop())
	s := NewOutboxScheduler(dispatcher, NewOutboxService(store, 5, zap.NewNop()), testOutboxConfig(), zap.NewNop())

	bad := testOutboxConfig()
	bad.PendingInterval = models.Duration(500 * time.Millisecond)
	assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(s.Start(&bad)))

	require.NoError(t, s.Start(nil))
	defer s.Stop()
	assert.Equal(t, http.StatusConflict, apperrors.StatusCode(s.Start(nil)))

	st := s.Status()
	assert.True(t, st.Running)
	assert.NotNil(t, st.StartedAt)
	require.Len(t, st.Cadences, 3)
	assert.Equal(t, "pending", st.Cadences[0].Name)
	assert.True(t, st.Cadences[0].Enabled)

	updated := testOutboxConfig()
	updated.BatchSize = 250
	require.NoError(t, s.UpdateConfig(updated))
	assert.True(t, s.Status().Running, "update restarts a running scheduler")
	assert.Equal(t, 250, s.Status().Config.BatchSize)
	assert.Equal(t, 250, dispatcher.limit())

	for _, cfg := range []models.OutboxSchedulerConfig{
		func() models.OutboxSchedulerConfig { c := testOutboxConfig(); c.BatchSize = 0; return c }(),
		func() models.OutboxSchedulerConfig { c := testOutboxConfig(); c.BatchSize = 1001; return c }(),
		func() models.OutboxSchedulerConfig { c := testOutboxConfig(); c.RetentionDays = 0; return c }(),
	} {
		assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(s.UpdateConfig(cfg)))
	}

	s.Stop()
	s.Stop()
	assert.False(t, s.Status().Running)
	assert.Nil(t, s.Status().StartedAt)
}

func TestOutboxScheduler_ProcessNow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dispatcher := NewDispatcher(store, 50, nil, zap.NewNop())
	var delivered []string
	dispatcher.Register(models.MessageWebhookDelivery, DeliveryHandlerFunc(func(ctx context.Context, msg *models.OutboxMessage) DeliveryResult {
		delivered = append(delivered, msg.MessageID)
		return Delivered()
	}))
	s := NewOutboxScheduler(dispatcher, NewOutboxService(store, 5, zap.NewNop()), testOutboxConfig(), zap.NewNop())

	msg := newOutboxMessage(models.MessageWebhookDelivery, 3, time.Now().UTC().Add(-time.Second))
	require.NoError(t, store.Outbox().Create(ctx, msg))

	sum, err := s.ProcessNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Delivered)
	assert.Equal(t, []string{msg.MessageID}, delivered)

	st := s.Status()
	assert.False(t, st.Running, "manual cycles do not start the tickers")
	assert.Equal(t, int64(1), st.Cadences[0].Runs)
	assert.Equal(t, int64(1), st.Cadences[1].Runs)

	sum, err = s.ProcessNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchSummary{}, sum)
}

type fakeLeases struct {
	mu       sync.Mutex
	held     bool
	acquired []string
	released []string
}

func (f *fakeLeases) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return false, nil
	}
	f.acquired = append(f.acquired, name)
	return true, nil
}

func (f *fakeLeases) Release(ctx context.Context, name, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, name)
	return nil
}

func newReconciliationScheduler(t *testing.T, leases repository.LeaseStore) (*ReconciliationScheduler, ReconciliationService) {
	t.Helper()
	store := newTestStore(t)
	registry := processors.NewRegistry(zap.NewNop())
	registry.Register(&stubProcessor{method: models.MethodCard})
	svc := NewReconciliationService(store, registry, nil, ReconciliationOptions{Epsilon: decimal.RequireFromString("0.01")}, nil, zap.NewNop())
	s := NewReconciliationScheduler(svc, leases, "instance-a", models.ReconciliationSchedulerConfig{
		DailyEnabled:  true,
		DailyInterval: models.Duration(24 * time.Hour),
		Scopes:        []string{"card"},
	}, zap.NewNop())
	s.now = func() time.Time { return time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC) }
	return s, svc
}

func TestReconciliationScheduler_RunNowIsIdempotentPerWindow(t *testing.T) {
	ctx := context.Background()
	leases := &fakeLeases{}
	s, svc := newReconciliationScheduler(t, leases)

	jobs, err := s.RunNow(ctx, models.PeriodDaily, "")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	first := jobs[0]
	assert.Equal(t, models.JobCompleted, first.Status)
	assert.Equal(t, "card", first.ProcessorScope)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), first.StartDate.UTC())
	assert.Equal(t, []string{"reconciliation:daily:card"}, leases.acquired)
	assert.Equal(t, leases.acquired, leases.released)

	jobs, err = s.RunNow(ctx, models.PeriodDaily, "card")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.ID, jobs[0].ID)

	stored, err := svc.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount, "a settled window is not reprocessed")

	_, err = s.RunNow(ctx, models.PeriodCustom, "")
	assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(err))
}

func TestReconciliationScheduler_LeaseHeldElsewhere(t *testing.T) {
	leases := &fakeLeases{held: true}
	s, svc := newReconciliationScheduler(t, leases)

	jobs, err := s.RunNow(context.Background(), models.PeriodWeekly, "")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, total, err := svc.ListJobs(context.Background(), models.JobFilter{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestReconciliationScheduler_Config(t *testing.T) {
	s, _ := newReconciliationScheduler(t, nil)

	err := s.UpdateConfig(models.ReconciliationSchedulerConfig{WeeklyEnabled: true, WeeklyInterval: models.Duration(30 * time.Second)})
	assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(err))

	require.NoError(t, s.UpdateConfig(models.ReconciliationSchedulerConfig{MonthlyEnabled: true, MonthlyInterval: models.Duration(time.Hour)}))
	st := s.Status()
	assert.Equal(t, []string{models.ScopeAll}, st.Config.Scopes, "no scopes means every backend")
	require.Len(t, st.Cadences, 3)
	assert.False(t, st.Cadences[0].Enabled)
	assert.True(t, st.Cadences[2].Enabled)
}

func TestReconciliationScheduler_RetriesAbandonedJob(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC)
	store := newTestStore(t)
	registry := processors.NewRegistry(zap.NewNop())
	registry.Register(&stubProcessor{method: models.MethodCard})
	svc := NewReconciliationService(store, registry, nil, ReconciliationOptions{Epsilon: decimal.RequireFromString("0.01")}, nil, zap.NewNop())
	svc.(*reconciliationServiceImpl).now = func() time.Time { return clock }
	s := NewReconciliationScheduler(svc, nil, "instance-a", models.ReconciliationSchedulerConfig{
		DailyEnabled:  true,
		DailyInterval: models.Duration(24 * time.Hour),
		Scopes:        []string{"card"},
	}, zap.NewNop())
	s.now = func() time.Time { return clock }

	start, end, err := windowFor(models.PeriodDaily, clock)
	require.NoError(t, err)
	job, err := svc.CreateReconciliation(ctx, models.PeriodDaily, start, end, "card", "scheduler")
	require.NoError(t, err)
	// an instance claimed the window and died mid-run
	ok, err := store.Reconciliation().Claim(ctx, job, clock.Add(-10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	jobs, err := s.RunNow(ctx, models.PeriodDaily, "card")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobProcessing, jobs[0].Status, "a recent claim still covers the window")
	assert.Equal(t, 1, jobs[0].RetryCount)

	clock = clock.Add(repository.ReconciliationProcessingTimeout)
	jobs, err = s.RunNow(ctx, models.PeriodDaily, "card")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, models.JobCompleted, jobs[0].Status)
	assert.Equal(t, 2, jobs[0].RetryCount)
}

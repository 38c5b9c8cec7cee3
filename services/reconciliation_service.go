package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
	awspkg "github.com/yashrajoria/marketplace-payments/pkg/aws"
	"github.com/yashrajoria/marketplace-payments/processors"
	"github.com/yashrajoria/marketplace-payments/repository"
)

// IndexedDiscrepancy is a discrepancy with its position in the job, which is
// how operators address it for resolution.
type IndexedDiscrepancy struct {
	Index int `json:"index"`
	models.Discrepancy
}

// JobDiscrepancy is an unresolved discrepancy listed across jobs.
type JobDiscrepancy struct {
	JobID      uuid.UUID         `json:"job_id"`
	PeriodType models.PeriodType `json:"period_type"`
	StartDate  time.Time         `json:"start_date"`
	EndDate    time.Time         `json:"end_date"`
	IndexedDiscrepancy
}

// ReconciliationService compares the ledger with processor history.
type ReconciliationService interface {
	CreateReconciliation(ctx context.Context, period models.PeriodType, start, end time.Time, scope, createdBy string) (*models.ReconciliationJob, error)
	ProcessReconciliation(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error)
	ResolveDiscrepancy(ctx context.Context, id uuid.UUID, index int, resolverID, notes string) (*models.ReconciliationJob, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error)
	FindForWindow(ctx context.Context, period models.PeriodType, start, end time.Time, scope string) (*models.ReconciliationJob, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.ReconciliationJob, int64, error)
	Variance(ctx context.Context, id uuid.UUID) (*models.Variance, error)
	ListDiscrepancies(ctx context.Context, id uuid.UUID, resolved *bool) ([]IndexedDiscrepancy, error)
	UnresolvedDiscrepancies(ctx context.Context, limit int) ([]JobDiscrepancy, error)
	Report(ctx context.Context, id uuid.UUID, format string, upload bool) (*Report, error)
	Stats(ctx context.Context) (*models.ReconciliationStats, error)
}

// ReconciliationOptions tunes the engine.
type ReconciliationOptions struct {
	MaxRetries int
	// Epsilon is the largest amount difference still treated as equal.
	Epsilon         decimal.Decimal
	ReportURLExpiry time.Duration
}

type reconciliationServiceImpl struct {
	store    repository.Store
	registry *processors.Registry
	objects  awspkg.ObjectStore
	opts     ReconciliationOptions
	metrics  *awspkg.MetricsClient
	logger   *zap.Logger
	now      func() time.Time
}

// NewReconciliationService builds the engine. objects may be nil, in which
// case reports can be rendered but not uploaded.
func NewReconciliationService(store repository.Store, registry *processors.Registry, objects awspkg.ObjectStore, opts ReconciliationOptions, metrics *awspkg.MetricsClient, logger *zap.Logger) ReconciliationService {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.ReportURLExpiry <= 0 {
		opts.ReportURLExpiry = 15 * time.Minute
	}
	return &reconciliationServiceImpl{
		store:    store,
		registry: registry,
		objects:  objects,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *reconciliationServiceImpl) CreateReconciliation(ctx context.Context, period models.PeriodType, start, end time.Time, scope, createdBy string) (*models.ReconciliationJob, error) {
	if !period.Valid() {
		return nil, apperrors.ErrValidation.Withf("unknown period type %q", period)
	}
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return nil, apperrors.ErrValidation.Withf("end_date must be after start_date")
	}
	if scope == "" {
		scope = models.ScopeAll
	}
	if _, err := s.registry.InScope(scope); err != nil {
		return nil, apperrors.ErrValidation.Withf("%v", err)
	}

	job := &models.ReconciliationJob{
		PeriodType:     period,
		StartDate:      start,
		EndDate:        end,
		ProcessorScope: scope,
		ExpectedAmount: decimal.Zero,
		ActualAmount:   decimal.Zero,
		Status:         models.JobPending,
		Discrepancies:  datatypes.JSONSlice[models.Discrepancy]{},
		MaxRetries:     s.opts.MaxRetries,
		CreatedBy:      createdBy,
	}
	if err := s.store.Reconciliation().Create(ctx, job); err != nil {
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	s.logger.Info("reconciliation job created",
		zap.String("job_id", job.ID.String()),
		zap.String("period", string(period)),
		zap.String("scope", scope),
		zap.Time("start", start),
		zap.Time("end", end),
	)
	return job, nil
}

// ProcessReconciliation claims the job and runs it. A failed run is
// recorded on the job, which is returned with status failed and no error.
func (s *reconciliationServiceImpl) ProcessReconciliation(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("job_id", job.ID.String()), zap.String("scope", job.ProcessorScope))

	claimed, err := s.store.Reconciliation().Claim(ctx, job, s.now())
	if err != nil {
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	if !claimed {
		return nil, apperrors.ErrConflict.Withf("job is %s with %d of %d retries used", job.Status, job.RetryCount, job.MaxRetries)
	}

	if runErr := s.run(ctx, job); runErr != nil {
		job.Status = models.JobFailed
		job.LastError = runErr.Error()
		log.Error("reconciliation run failed", zap.Int("retry_count", job.RetryCount), zap.Error(runErr))
	}
	now := s.now()
	job.CompletedAt = &now
	if err := s.store.Reconciliation().Save(ctx, job); err != nil {
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}

	dims := map[string]string{"Scope": job.ProcessorScope, "Period": string(job.PeriodType), "Status": string(job.Status)}
	recordCount(s.metrics, awspkg.MetricReconciliationRuns, dims)
	if job.Status != models.JobFailed {
		variance := CalculateVariance(job)
		recordValue(s.metrics, awspkg.MetricReconciliationDiscrepancies, float64(len(job.Discrepancies)), dims)
		recordValue(s.metrics, awspkg.MetricReconciliationVariance, variance.Amount.InexactFloat64(), dims)
		log.Info("reconciliation run finished",
			zap.String("status", string(job.Status)),
			zap.String("expected_amount", job.ExpectedAmount.String()),
			zap.String("actual_amount", job.ActualAmount.String()),
			zap.Int("discrepancies", len(job.Discrepancies)),
		)
	}
	return job, nil
}

// run recomputes the job from scratch; nothing from an earlier attempt is
// reused.
func (s *reconciliationServiceImpl) run(ctx context.Context, job *models.ReconciliationJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconciliation panic: %v", r)
		}
	}()

	procs, err := s.registry.InScope(job.ProcessorScope)
	if err != nil {
		return err
	}
	var method models.PaymentMethod
	if job.ProcessorScope != models.ScopeAll {
		method = models.PaymentMethod(job.ProcessorScope)
	}
	ledger, err := s.store.Payments().ListInRange(ctx, method, job.StartDate, job.EndDate)
	if err != nil {
		return fmt.Errorf("load ledger payments: %w", err)
	}

	now := s.now()
	var feed []processorRecord
	var found []models.Discrepancy
	unavailable := map[models.PaymentMethod]bool{}
	for _, p := range procs {
		txs, err := p.ListTransactions(ctx, job.StartDate, job.EndDate)
		if err != nil {
			unavailable[p.Method()] = true
			found = append(found, models.Discrepancy{
				Type:        models.DiscrepancyProcessorError,
				Processor:   p.Method(),
				Severity:    models.SeverityHigh,
				Description: fmt.Sprintf("could not load %s transaction history: %v", p.Name(), err),
				DetectedAt:  now,
			})
			continue
		}
		for _, tx := range txs {
			feed = append(feed, processorRecord{Transaction: tx, method: p.Method()})
		}
	}

	var usable []models.Payment
	for _, p := range ledger {
		if !unavailable[p.Method] {
			usable = append(usable, p)
		}
	}

	res := classify(usable, feed, s.opts.Epsilon, now)
	for _, d := range res.orphans {
		// the ledger row may exist just outside the window
		_, err := s.store.Payments().FindByExternalID(ctx, d.ExternalTransactionID)
		if err == nil {
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("look up processor record %s: %w", d.ExternalTransactionID, err)
		}
		res.discrepancies = append(res.discrepancies, d)
	}
	found = append(found, res.discrepancies...)

	job.ExpectedAmount = res.expectedAmount
	job.ExpectedCount = res.expectedCount
	job.ActualAmount = res.actualAmount
	job.ActualCount = res.actualCount
	job.Discrepancies = datatypes.JSONSlice[models.Discrepancy](found)
	if job.Discrepancies == nil {
		job.Discrepancies = datatypes.JSONSlice[models.Discrepancy]{}
	}
	job.LastError = ""
	if len(found) > 0 {
		job.Status = models.JobDiscrepanciesFound
	} else {
		job.Status = models.JobCompleted
	}
	return nil
}

type processorRecord struct {
	processors.Transaction
	method models.PaymentMethod
}

type classification struct {
	expectedAmount decimal.Decimal
	expectedCount  int
	actualAmount   decimal.Decimal
	actualCount    int
	discrepancies  []models.Discrepancy
	// orphans are settled processor records with no ledger row in the
	// window; they become duplicate_payment unless the row exists elsewhere.
	orphans []models.Discrepancy
}

// classify diffs ledger payments against processor records by external
// transaction id.
func classify(ledger []models.Payment, feed []processorRecord, epsilon decimal.Decimal, now time.Time) classification {
	res := classification{expectedAmount: decimal.Zero, actualAmount: decimal.Zero}

	byID := make(map[string]processorRecord, len(feed))
	var order []string
	for _, rec := range feed {
		id := rec.ExternalTransactionID
		if _, dup := byID[id]; dup {
			amt := rec.Amount
			res.discrepancies = append(res.discrepancies, models.Discrepancy{
				Type:                  models.DiscrepancyDuplicatePayment,
				ExternalTransactionID: id,
				Processor:             rec.method,
				ActualAmount:          &amt,
				ActualStatus:          rec.Status,
				Severity:              models.SeverityCritical,
				Description:           fmt.Sprintf("processor reported transaction %s more than once", id),
				DetectedAt:            now,
			})
			continue
		}
		byID[id] = rec
		order = append(order, id)
		if rec.Settled() {
			res.actualAmount = res.actualAmount.Add(rec.Amount)
			res.actualCount++
		}
	}

	matched := make(map[string]bool, len(ledger))
	for _, p := range ledger {
		if p.Status == models.PaymentPaid {
			res.expectedAmount = res.expectedAmount.Add(p.Amount)
			res.expectedCount++
		}

		ext := p.ExternalID()
		rec, ok := byID[ext]
		if ext == "" || !ok {
			if p.Status == models.PaymentPaid {
				amt := p.Amount
				res.discrepancies = append(res.discrepancies, models.Discrepancy{
					Type:                  models.DiscrepancyMissingPayment,
					PaymentID:             p.ID.String(),
					ExternalTransactionID: ext,
					Processor:             p.Method,
					ExpectedAmount:        &amt,
					ExpectedStatus:        string(p.Status),
					Severity:              models.SeverityHigh,
					Description:           fmt.Sprintf("paid payment %s has no processor record", p.ID),
					DetectedAt:            now,
				})
			}
			continue
		}
		matched[ext] = true

		if p.Amount.Sub(rec.Amount).Abs().GreaterThan(epsilon) {
			expected, actual := p.Amount, rec.Amount
			res.discrepancies = append(res.discrepancies, models.Discrepancy{
				Type:                  models.DiscrepancyAmountMismatch,
				PaymentID:             p.ID.String(),
				ExternalTransactionID: ext,
				Processor:             p.Method,
				ExpectedAmount:        &expected,
				ActualAmount:          &actual,
				Severity:              models.SeverityHigh,
				Description:           fmt.Sprintf("ledger amount %s differs from processor amount %s", expected.StringFixed(2), actual.StringFixed(2)),
				DetectedAt:            now,
			})
		}

		if want, ok := statusMatches(p.Status, rec.Transaction); !ok {
			res.discrepancies = append(res.discrepancies, models.Discrepancy{
				Type:                  models.DiscrepancyStatusMismatch,
				PaymentID:             p.ID.String(),
				ExternalTransactionID: ext,
				Processor:             p.Method,
				ExpectedStatus:        want,
				ActualStatus:          rec.Status,
				Severity:              models.SeverityMedium,
				Description:           fmt.Sprintf("ledger status %s expects processor status %s, got %s", p.Status, want, rec.Status),
				DetectedAt:            now,
			})
		}
	}

	for _, id := range order {
		rec := byID[id]
		if matched[id] || !rec.Settled() {
			continue
		}
		amt := rec.Amount
		res.orphans = append(res.orphans, models.Discrepancy{
			Type:                  models.DiscrepancyDuplicatePayment,
			ExternalTransactionID: id,
			Processor:             rec.method,
			ActualAmount:          &amt,
			ActualStatus:          rec.Status,
			Severity:              models.SeverityCritical,
			Description:           fmt.Sprintf("processor transaction %s has no ledger payment", id),
			DetectedAt:            now,
		})
	}
	return res
}

// statusMatches maps a ledger status onto the processor vocabulary and
// reports the expected value and whether tx agrees.
func statusMatches(status models.PaymentStatus, tx processors.Transaction) (string, bool) {
	switch status {
	case models.PaymentPaid:
		return "succeeded", tx.Settled()
	case models.PaymentRefunded:
		return "refunded", tx.Status == "refunded"
	default:
		return "not settled", !tx.Settled()
	}
}

// CalculateVariance derives the ledger-minus-processor variance of a job.
func CalculateVariance(job *models.ReconciliationJob) models.Variance {
	v := models.Variance{
		Amount:                  job.ExpectedAmount.Sub(job.ActualAmount),
		Count:                   job.ExpectedCount - job.ActualCount,
		Percentage:              decimal.Zero,
		UnresolvedDiscrepancies: job.UnresolvedCount(),
	}
	if !job.ExpectedAmount.IsZero() {
		v.Percentage = v.Amount.Div(job.ExpectedAmount).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return v
}

// ResolveDiscrepancy marks one discrepancy resolved. Resolving again
// overwrites the resolver and notes.
func (s *reconciliationServiceImpl) ResolveDiscrepancy(ctx context.Context, id uuid.UUID, index int, resolverID, notes string) (*models.ReconciliationJob, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, apperrors.ErrValidation.Withf("resolution notes are required")
	}
	now := s.now()
	job, err := s.store.Reconciliation().UpdateDiscrepancy(ctx, id, index, func(d *models.Discrepancy) {
		d.Resolved = true
		d.ResolvedBy = resolverID
		d.ResolutionNotes = notes
		d.ResolvedAt = &now
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, apperrors.ErrNotFound.Withf("reconciliation job %s", id)
	case errors.Is(err, repository.ErrDiscrepancyIndex):
		return nil, apperrors.ErrNotFound.Withf("discrepancy %d", index)
	case err != nil:
		return nil, apperrors.ErrDatabaseTransaction.Wrap(err)
	}
	s.logger.Info("discrepancy resolved",
		zap.String("job_id", id.String()),
		zap.Int("index", index),
		zap.String("resolved_by", resolverID),
	)
	return job, nil
}

func (s *reconciliationServiceImpl) GetJob(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	job, err := s.store.Reconciliation().FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrNotFound.Withf("reconciliation job %s", id)
	}
	if err != nil {
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	return job, nil
}

// FindForWindow returns the job for an exact window and scope, or nil.
func (s *reconciliationServiceImpl) FindForWindow(ctx context.Context, period models.PeriodType, start, end time.Time, scope string) (*models.ReconciliationJob, error) {
	job, err := s.store.Reconciliation().FindByWindow(ctx, period, start.UTC(), end.UTC(), scope)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *reconciliationServiceImpl) ListJobs(ctx context.Context, filter models.JobFilter) ([]models.ReconciliationJob, int64, error) {
	jobs, total, err := s.store.Reconciliation().List(ctx, filter)
	if err != nil {
		return nil, 0, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	return jobs, total, nil
}

func (s *reconciliationServiceImpl) Variance(ctx context.Context, id uuid.UUID) (*models.Variance, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	v := CalculateVariance(job)
	return &v, nil
}

// ListDiscrepancies lists a job's discrepancies, optionally filtered by
// resolution state.
func (s *reconciliationServiceImpl) ListDiscrepancies(ctx context.Context, id uuid.UUID, resolved *bool) ([]IndexedDiscrepancy, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]IndexedDiscrepancy, 0, len(job.Discrepancies))
	for i, d := range job.Discrepancies {
		if resolved != nil && d.Resolved != *resolved {
			continue
		}
		out = append(out, IndexedDiscrepancy{Index: i, Discrepancy: d})
	}
	return out, nil
}

// UnresolvedDiscrepancies lists open discrepancies across the most recent
// jobs that found any.
func (s *reconciliationServiceImpl) UnresolvedDiscrepancies(ctx context.Context, limit int) ([]JobDiscrepancy, error) {
	jobs, err := s.store.Reconciliation().ListWithDiscrepancies(ctx, limit)
	if err != nil {
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	var out []JobDiscrepancy
	for _, job := range jobs {
		for i, d := range job.Discrepancies {
			if d.Resolved {
				continue
			}
			out = append(out, JobDiscrepancy{
				JobID:              job.ID,
				PeriodType:         job.PeriodType,
				StartDate:          job.StartDate,
				EndDate:            job.EndDate,
				IndexedDiscrepancy: IndexedDiscrepancy{Index: i, Discrepancy: d},
			})
		}
	}
	return out, nil
}

func (s *reconciliationServiceImpl) Stats(ctx context.Context) (*models.ReconciliationStats, error) {
	stats, err := s.store.Reconciliation().Stats(ctx)
	if err != nil {
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	return stats, nil
}

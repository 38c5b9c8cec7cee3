package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yashrajoria/marketplace-payments/models"
)

// ReconciliationRepository stores jobs with their embedded discrepancies.
type ReconciliationRepository interface {
	Create(ctx context.Context, job *models.ReconciliationJob) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error)
	FindByWindow(ctx context.Context, period models.PeriodType, start, end time.Time, scope string) (*models.ReconciliationJob, error)
	List(ctx context.Context, filter models.JobFilter) ([]models.ReconciliationJob, int64, error)
	ListWithDiscrepancies(ctx context.Context, limit int) ([]models.ReconciliationJob, error)
	Claim(ctx context.Context, job *models.ReconciliationJob, now time.Time) (bool, error)
	Save(ctx context.Context, job *models.ReconciliationJob) error
	UpdateDiscrepancy(ctx context.Context, id uuid.UUID, index int, fn func(*models.Discrepancy)) (*models.ReconciliationJob, error)
	Stats(ctx context.Context) (*models.ReconciliationStats, error)
}

// ErrDiscrepancyIndex is returned for an index outside the job's list.
var ErrDiscrepancyIndex = errors.New("discrepancy index out of range")

type GormReconciliationRepository struct {
	db *gorm.DB
}

func NewGormReconciliationRepository(db *gorm.DB) *GormReconciliationRepository {
	return &GormReconciliationRepository{db: db}
}

func (r *GormReconciliationRepository) Create(ctx context.Context, job *models.ReconciliationJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *GormReconciliationRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	var job models.ReconciliationJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// FindByWindow finds the job already covering this exact window and scope.
func (r *GormReconciliationRepository) FindByWindow(ctx context.Context, period models.PeriodType, start, end time.Time, scope string) (*models.ReconciliationJob, error) {
	var job models.ReconciliationJob
	if err := r.db.WithContext(ctx).
		Where("period_type = ? AND start_date = ? AND end_date = ? AND processor_scope = ?", period, start, end, scope).
		Order("created_at DESC").
		First(&job).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (r *GormReconciliationRepository) List(ctx context.Context, filter models.JobFilter) ([]models.ReconciliationJob, int64, error) {
	var jobs []models.ReconciliationJob
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ReconciliationJob{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.PeriodType != "" {
		query = query.Where("period_type = ?", filter.PeriodType)
	}
	if filter.Scope != "" {
		query = query.Where("processor_scope = ?", filter.Scope)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	_, limit, offset := paginate(filter.Page, filter.Limit)
	if err := query.
		Order("start_date DESC").
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListWithDiscrepancies returns the most recent jobs that found anything.
func (r *GormReconciliationRepository) ListWithDiscrepancies(ctx context.Context, limit int) ([]models.ReconciliationJob, error) {
	var jobs []models.ReconciliationJob
	_, limit, _ = paginate(1, limit)
	err := r.db.WithContext(ctx).
		Where("status = ?", models.JobDiscrepanciesFound).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ReconciliationProcessingTimeout is how long a run may stay processing
// before the job is considered abandoned and claimable again.
const ReconciliationProcessingTimeout = time.Hour

// Claim moves a pending, failed or abandoned processing job to processing
// while it still has retries left, consuming one. Only one caller can win.
func (r *GormReconciliationRepository) Claim(ctx context.Context, job *models.ReconciliationJob, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ReconciliationJob{}).
		Where("id = ?", job.ID).
		Where("(status IN ? OR (status = ? AND started_at < ?))",
			[]models.JobStatus{models.JobPending, models.JobFailed},
			models.JobProcessing, now.Add(-ReconciliationProcessingTimeout)).
		Where("retry_count < max_retries").
		Updates(map[string]interface{}{
			"status":      models.JobProcessing,
			"retry_count": gorm.Expr("retry_count + 1"),
			"started_at":  now,
			"last_error":  "",
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}

	job.Status = models.JobProcessing
	job.RetryCount++
	job.StartedAt = &now
	job.LastError = ""
	return true, nil
}

// Save writes the outcome of a processing run.
func (r *GormReconciliationRepository) Save(ctx context.Context, job *models.ReconciliationJob) error {
	job.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(job).
		Select("expected_amount", "actual_amount", "expected_count", "actual_count", "status",
			"discrepancies", "last_error", "report_url", "completed_at", "updated_at").
		Updates(job).Error
}

// UpdateDiscrepancy applies fn to one discrepancy under a row lock so
// concurrent resolutions of the same job serialize.
func (r *GormReconciliationRepository) UpdateDiscrepancy(ctx context.Context, id uuid.UUID, index int, fn func(*models.Discrepancy)) (*models.ReconciliationJob, error) {
	var job models.ReconciliationJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&job, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if index < 0 || index >= len(job.Discrepancies) {
			return ErrDiscrepancyIndex
		}

		fn(&job.Discrepancies[index])
		job.UpdatedAt = time.Now().UTC()
		return tx.Model(&job).
			Select("discrepancies", "updated_at").
			Updates(&job).Error
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *GormReconciliationRepository) Stats(ctx context.Context) (*models.ReconciliationStats, error) {
	stats := &models.ReconciliationStats{}
	if err := r.db.WithContext(ctx).Model(&models.ReconciliationJob{}).Count(&stats.TotalJobs).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&models.ReconciliationJob{}).
		Where("status = ?", models.JobFailed).
		Count(&stats.FailedJobs).Error; err != nil {
		return nil, err
	}

	open, err := r.ListWithDiscrepancies(ctx, 200)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].UnresolvedCount() > 0 {
			stats.JobsWithOpenIssues++
		}
	}

	var last models.ReconciliationJob
	err = r.db.WithContext(ctx).
		Where("completed_at IS NOT NULL").
		Order("completed_at DESC").
		First(&last).Error
	switch {
	case err == nil:
		stats.LastCompletedAt = last.CompletedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	return stats, nil
}

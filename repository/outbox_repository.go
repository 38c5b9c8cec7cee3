package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yashrajoria/marketplace-payments/models"
)

// OutboxProcessingTimeout is how long a claimed message may stay processing
// before its attempt is treated as interrupted.
const OutboxProcessingTimeout = 5 * time.Minute

// OutboxRepository stores outbox messages. Only the dispatcher mutates
// delivery state, and only after winning Claim.
type OutboxRepository interface {
	Create(ctx context.Context, msg *models.OutboxMessage) error
	FindByID(ctx context.Context, id string) (*models.OutboxMessage, error)
	FindDuePending(ctx context.Context, now time.Time, limit int) ([]models.OutboxMessage, error)
	FindDueRetries(ctx context.Context, now time.Time, limit int) ([]models.OutboxMessage, error)
	FindStaleProcessing(ctx context.Context, before time.Time, limit int) ([]models.OutboxMessage, error)
	Claim(ctx context.Context, msg *models.OutboxMessage, now time.Time) (bool, error)
	ReclaimStale(ctx context.Context, msg *models.OutboxMessage, before, now time.Time) (bool, error)
	SaveDeliveryState(ctx context.Context, msg *models.OutboxMessage) error
	List(ctx context.Context, filter models.OutboxFilter) ([]models.OutboxMessage, int64, error)
	Stats(ctx context.Context, since time.Time) ([]models.OutboxStat, error)
	ResetForRetry(ctx context.Context, messageIDs []string, now time.Time) (int64, error)
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type GormOutboxRepository struct {
	db *gorm.DB
}

func NewGormOutboxRepository(db *gorm.DB) *GormOutboxRepository {
	return &GormOutboxRepository{db: db}
}

func (r *GormOutboxRepository) Create(ctx context.Context, msg *models.OutboxMessage) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

// FindByID accepts either the row uuid or the public message id.
func (r *GormOutboxRepository) FindByID(ctx context.Context, id string) (*models.OutboxMessage, error) {
	var msg models.OutboxMessage
	q := r.db.WithContext(ctx)
	if uid, err := uuid.Parse(id); err == nil {
		q = q.Where("id = ?", uid)
	} else {
		q = q.Where("message_id = ?", id)
	}
	if err := q.First(&msg).Error; err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

// FindDuePending returns pending messages whose scheduled time has come,
// highest priority first, then oldest scheduled first.
func (r *GormOutboxRepository) FindDuePending(ctx context.Context, now time.Time, limit int) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.MessagePending, now).
		Order("priority DESC").
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// FindDueRetries returns failed messages whose backoff has elapsed, the
// longest-overdue first.
func (r *GormOutboxRepository) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", models.MessageFailed, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// FindStaleProcessing returns messages claimed before the cutoff whose
// outcome was never recorded.
func (r *GormOutboxRepository) FindStaleProcessing(ctx context.Context, before time.Time, limit int) ([]models.OutboxMessage, error) {
	var msgs []models.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_attempt_at < ?", models.MessageProcessing, before).
		Order("last_attempt_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// ReclaimStale takes over a processing message whose claim is older than
// before. The attempt consumed by the lost claim is kept. It reports false
// when the row was saved or reclaimed in the meantime.
func (r *GormOutboxRepository) ReclaimStale(ctx context.Context, msg *models.OutboxMessage, before, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ? AND last_attempt_at < ?", msg.ID, models.MessageProcessing, before).
		Updates(map[string]interface{}{
			"last_attempt_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	msg.Status = models.MessageProcessing
	msg.LastAttemptAt = &now
	return true, nil
}

// Claim atomically moves msg from the status it was read in to processing
// and consumes one attempt. It reports false when another dispatcher got
// there first. On success msg reflects the stored row.
func (r *GormOutboxRepository) Claim(ctx context.Context, msg *models.OutboxMessage, now time.Time) (bool, error) {
	q := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", msg.ID, msg.Status)
	if msg.Status == models.MessageFailed {
		q = q.Where("next_retry_at <= ?", now)
	}

	res := q.Updates(map[string]interface{}{
		"status":           models.MessageProcessing,
		"attempts":         gorm.Expr("attempts + 1"),
		"first_attempt_at": gorm.Expr("COALESCE(first_attempt_at, ?)", now),
		"last_attempt_at":  now,
		"updated_at":       now,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}

	msg.Status = models.MessageProcessing
	msg.Attempts++
	msg.LastAttemptAt = &now
	if msg.FirstAttemptAt == nil {
		msg.FirstAttemptAt = &now
	}
	return true, nil
}

// SaveDeliveryState persists the outcome of a claimed delivery attempt.
func (r *GormOutboxRepository) SaveDeliveryState(ctx context.Context, msg *models.OutboxMessage) error {
	msg.UpdatedAt = time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(msg).
		Where("status = ?", models.MessageProcessing).
		Select("status", "attempts", "next_retry_at", "delivered_at", "last_error",
			"error_history", "dead_letter_reason", "updated_at").
		Updates(msg)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrStaleState
	}
	return nil
}

func (r *GormOutboxRepository) List(ctx context.Context, filter models.OutboxFilter) ([]models.OutboxMessage, int64, error) {
	var msgs []models.OutboxMessage
	var total int64

	query := r.db.WithContext(ctx).Model(&models.OutboxMessage{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.CorrelationID != "" {
		query = query.Where("correlation_id = ?", filter.CorrelationID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	_, limit, offset := paginate(filter.Page, filter.Limit)
	if err := query.
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// Stats counts messages created since the cutoff by type and status.
func (r *GormOutboxRepository) Stats(ctx context.Context, since time.Time) ([]models.OutboxStat, error) {
	var stats []models.OutboxStat
	err := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Select("type, status, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("type, status").
		Order("type, status").
		Scan(&stats).Error
	return stats, err
}

// ResetForRetry gives failed, dead-lettered or stale processing messages a
// fresh attempt budget. Messages in any other state are left alone.
func (r *GormOutboxRepository) ResetForRetry(ctx context.Context, messageIDs []string, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("message_id IN ?", messageIDs).
		Where("(status IN ? OR (status = ? AND last_attempt_at < ?))",
			[]models.MessageStatus{models.MessageDeadLetter, models.MessageFailed},
			models.MessageProcessing, now.Add(-OutboxProcessingTimeout)).
		Updates(map[string]interface{}{
			"status":             models.MessagePending,
			"attempts":           0,
			"error_history":      datatypes.JSONSlice[models.DeliveryError]{},
			"last_error":         "",
			"next_retry_at":      nil,
			"dead_letter_reason": "",
			"scheduled_at":       now,
			"updated_at":         now,
		})
	return res.RowsAffected, res.Error
}

// DeleteDeliveredBefore is the retention sweep; only delivered rows go.
func (r *GormOutboxRepository) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND delivered_at < ?", models.MessageDelivered, cutoff).
		Delete(&models.OutboxMessage{})
	return res.RowsAffected, res.Error
}

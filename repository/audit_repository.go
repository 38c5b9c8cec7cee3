package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yashrajoria/marketplace-payments/models"
)

// AuditRepository is append-only; it has no update or delete.
type AuditRepository interface {
	Create(ctx context.Context, entry *models.AuditEntry) error
	ListByPayment(ctx context.Context, paymentID uuid.UUID, page, limit int) ([]models.AuditEntry, int64, error)
	ListByBooking(ctx context.Context, bookingID string, page, limit int) ([]models.AuditEntry, int64, error)
}

type GormAuditRepository struct {
	db *gorm.DB
}

func NewGormAuditRepository(db *gorm.DB) *GormAuditRepository {
	return &GormAuditRepository{db: db}
}

func (r *GormAuditRepository) Create(ctx context.Context, entry *models.AuditEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *GormAuditRepository) ListByPayment(ctx context.Context, paymentID uuid.UUID, page, limit int) ([]models.AuditEntry, int64, error) {
	return r.list(ctx, "payment_id = ?", paymentID, page, limit)
}

func (r *GormAuditRepository) ListByBooking(ctx context.Context, bookingID string, page, limit int) ([]models.AuditEntry, int64, error) {
	return r.list(ctx, "booking_id = ?", bookingID, page, limit)
}

// list returns entries oldest first; the id order is the audit trail.
func (r *GormAuditRepository) list(ctx context.Context, cond string, arg interface{}, page, limit int) ([]models.AuditEntry, int64, error) {
	var entries []models.AuditEntry
	var total int64

	_, limit, offset := paginate(page, limit)
	query := r.db.WithContext(ctx).Model(&models.AuditEntry{}).Where(cond, arg)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.
		Order("id ASC").
		Offset(offset).Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

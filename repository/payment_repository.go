package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yashrajoria/marketplace-payments/models"
)

// PaymentRepository is the ledger. Payments are never deleted.
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	FindByBookingID(ctx context.Context, bookingID string) (*models.Payment, error)
	FindByExternalID(ctx context.Context, externalID string) (*models.Payment, error)
	UpdateFrom(ctx context.Context, payment *models.Payment, from models.PaymentStatus) error
	ListInRange(ctx context.Context, method models.PaymentMethod, from, to time.Time) ([]models.Payment, error)
}

type GormPaymentRepository struct {
	db *gorm.DB
}

func NewGormPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

func (r *GormPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *GormPaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *GormPaymentRepository) FindByBookingID(ctx context.Context, bookingID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *GormPaymentRepository) FindByExternalID(ctx context.Context, externalID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).
		Where("external_transaction_id = ?", externalID).
		First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// mutableColumns are the only columns a transition may touch; identity,
// amount and parties are fixed at creation.
var mutableColumns = []string{
	"status", "external_transaction_id", "processor_details", "metadata",
	"failure_reason", "refund_status", "refunded_amount",
	"requires_manual_reconciliation", "paid_at", "failed_at", "refunded_at",
	"updated_at",
}

// UpdateFrom writes payment only if the stored status is still from.
func (r *GormPaymentRepository) UpdateFrom(ctx context.Context, payment *models.Payment, from models.PaymentStatus) error {
	payment.UpdatedAt = time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(payment).
		Where("status = ?", from).
		Select(mutableColumns).
		Updates(payment)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrStaleState
	}
	return nil
}

// ListInRange returns payments created in [from, to). An empty method
// matches every method.
func (r *GormPaymentRepository) ListInRange(ctx context.Context, method models.PaymentMethod, from, to time.Time) ([]models.Payment, error) {
	var payments []models.Payment
	q := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from, to)
	if method != "" {
		q = q.Where("method = ?", method)
	}
	if err := q.Order("created_at ASC").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/repository"
)

// AuditService serves the payment history read paths.
type AuditService interface {
	ListByPayment(ctx context.Context, actor models.Actor, paymentID uuid.UUID, page, limit int) ([]models.AuditEntry, int64, error)
	ListByBooking(ctx context.Context, actor models.Actor, bookingID string, page, limit int) ([]models.AuditEntry, int64, error)
}

type auditServiceImpl struct {
	store repository.Store
}

func NewAuditService(store repository.Store) AuditService {
	return &auditServiceImpl{store: store}
}

func (s *auditServiceImpl) ListByPayment(ctx context.Context, actor models.Actor, paymentID uuid.UUID, page, limit int) ([]models.AuditEntry, int64, error) {
	p, err := s.store.Payments().FindByID(ctx, paymentID)
	if err != nil {
		return nil, 0, paymentLookupError(err, paymentID.String())
	}
	if !canView(actor, p) {
		return nil, 0, apperrors.ErrForbidden
	}

	entries, total, err := s.store.Audit().ListByPayment(ctx, paymentID, page, limit)
	if err != nil {
		return nil, 0, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	return entries, total, nil
}

func (s *auditServiceImpl) ListByBooking(ctx context.Context, actor models.Actor, bookingID string, page, limit int) ([]models.AuditEntry, int64, error) {
	p, err := s.store.Payments().FindByBookingID(ctx, bookingID)
	if err != nil {
		return nil, 0, paymentLookupError(err, "for booking "+bookingID)
	}
	if !canView(actor, p) {
		return nil, 0, apperrors.ErrForbidden
	}

	entries, total, err := s.store.Audit().ListByBooking(ctx, bookingID, page, limit)
	if err != nil {
		return nil, 0, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	return entries, total, nil
}

// newAuditEntry snapshots p after a transition from old.
func newAuditEntry(p *models.Payment, actor models.Actor, action models.AuditAction, old models.PaymentStatus, note string) *models.AuditEntry {
	return &models.AuditEntry{
		PaymentID: p.ID,
		BookingID: p.BookingID,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    action,
		OldStatus: old,
		NewStatus: p.Status,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Method:    p.Method,
		Note:      note,
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
	}
}

// canView allows the payment's parties, admins and internal callers.
func canView(actor models.Actor, p *models.Payment) bool {
	switch actor.Role {
	case models.RoleAdmin, models.RoleSystem:
		return true
	case models.RoleClient:
		return actor.ID == p.ClientID
	case models.RoleProvider:
		return actor.ID == p.ProviderID
	}
	return false
}

func paymentLookupError(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.ErrNotFound.Withf("payment %s", what)
	}
	return apperrors.ErrDatabaseQuery.Wrap(err)
}

package controllers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/repository"
	"github.com/yashrajoria/marketplace-payments/services"
)

type MockPaymentService struct{ mock.Mock }

func (m *MockPaymentService) Create(ctx context.Context, actor models.Actor, req models.CreatePaymentRequest) (*models.CreatePaymentResult, error) {
	args := m.Called(ctx, actor, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CreatePaymentResult), args.Error(1)
}

func (m *MockPaymentService) Confirm(ctx context.Context, actor models.Actor, id uuid.UUID, req models.ConfirmPaymentRequest) (*models.Payment, error) {
	args := m.Called(ctx, actor, id, req)
	return paymentOrNil(args)
}

func (m *MockPaymentService) Cancel(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.Payment, error) {
	args := m.Called(ctx, actor, id, reason)
	return paymentOrNil(args)
}

func (m *MockPaymentService) Refund(ctx context.Context, actor models.Actor, id uuid.UUID, req models.RefundRequest) (*models.Payment, error) {
	args := m.Called(ctx, actor, id, req)
	return paymentOrNil(args)
}

func (m *MockPaymentService) UpdateStatus(ctx context.Context, actor models.Actor, id uuid.UUID, req models.UpdateStatusRequest) (*models.Payment, error) {
	args := m.Called(ctx, actor, id, req)
	return paymentOrNil(args)
}

func (m *MockPaymentService) HandleWebhook(ctx context.Context, method models.PaymentMethod, payload []byte, signature string) error {
	args := m.Called(ctx, method, payload, signature)
	return args.Error(0)
}

func (m *MockPaymentService) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Payment, error) {
	args := m.Called(ctx, actor, id)
	return paymentOrNil(args)
}

func (m *MockPaymentService) GetByBooking(ctx context.Context, actor models.Actor, bookingID string) (*models.Payment, error) {
	args := m.Called(ctx, actor, bookingID)
	return paymentOrNil(args)
}

func paymentOrNil(args mock.Arguments) (*models.Payment, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

type MockAuditService struct{ mock.Mock }

func (m *MockAuditService) ListByPayment(ctx context.Context, actor models.Actor, paymentID uuid.UUID, page, limit int) ([]models.AuditEntry, int64, error) {
	args := m.Called(ctx, actor, paymentID, page, limit)
	return args.Get(0).([]models.AuditEntry), args.Get(1).(int64), args.Error(2)
}

func (m *MockAuditService) ListByBooking(ctx context.Context, actor models.Actor, bookingID string, page, limit int) ([]models.AuditEntry, int64, error) {
	args := m.Called(ctx, actor, bookingID, page, limit)
	return args.Get(0).([]models.AuditEntry), args.Get(1).(int64), args.Error(2)
}

type MockOutboxService struct{ mock.Mock }

func (m *MockOutboxService) Enqueue(ctx context.Context, repo repository.OutboxRepository, env services.OutboxEnvelope) (*models.OutboxMessage, error) {
	args := m.Called(ctx, repo, env)
	return messageOrNil(args)
}

func (m *MockOutboxService) Get(ctx context.Context, id string) (*models.OutboxMessage, error) {
	args := m.Called(ctx, id)
	return messageOrNil(args)
}

func (m *MockOutboxService) List(ctx context.Context, filter models.OutboxFilter) ([]models.OutboxMessage, int64, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]models.OutboxMessage), args.Get(1).(int64), args.Error(2)
}

func (m *MockOutboxService) DeadLetters(ctx context.Context, page, limit int) ([]models.OutboxMessage, int64, error) {
	args := m.Called(ctx, page, limit)
	return args.Get(0).([]models.OutboxMessage), args.Get(1).(int64), args.Error(2)
}

func (m *MockOutboxService) Stats(ctx context.Context, days int) ([]models.OutboxStat, error) {
	args := m.Called(ctx, days)
	return args.Get(0).([]models.OutboxStat), args.Error(1)
}

func (m *MockOutboxService) BulkRetry(ctx context.Context, messageIDs []string) (int64, error) {
	args := m.Called(ctx, messageIDs)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockOutboxService) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	args := m.Called(ctx, retentionDays)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockOutboxService) InjectTest(ctx context.Context, req models.TestMessageRequest) (*models.OutboxMessage, error) {
	args := m.Called(ctx, req)
	return messageOrNil(args)
}

func messageOrNil(args mock.Arguments) (*models.OutboxMessage, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.OutboxMessage), args.Error(1)
}

type MockOutboxScheduler struct{ mock.Mock }

func (m *MockOutboxScheduler) Start(cfg *models.OutboxSchedulerConfig) error {
	return m.Called(cfg).Error(0)
}

func (m *MockOutboxScheduler) Stop() { m.Called() }

func (m *MockOutboxScheduler) UpdateConfig(cfg models.OutboxSchedulerConfig) error {
	return m.Called(cfg).Error(0)
}

func (m *MockOutboxScheduler) Status() services.OutboxSchedulerStatus {
	return m.Called().Get(0).(services.OutboxSchedulerStatus)
}

func (m *MockOutboxScheduler) ProcessNow(ctx context.Context) (services.DispatchSummary, error) {
	args := m.Called(ctx)
	return args.Get(0).(services.DispatchSummary), args.Error(1)
}

type MockReconciliationService struct{ mock.Mock }

func (m *MockReconciliationService) CreateReconciliation(ctx context.Context, period models.PeriodType, start, end time.Time, scope, createdBy string) (*models.ReconciliationJob, error) {
	args := m.Called(ctx, period, start, end, scope, createdBy)
	return jobOrNil(args)
}

func (m *MockReconciliationService) ProcessReconciliation(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	args := m.Called(ctx, id)
	return jobOrNil(args)
}

func (m *MockReconciliationService) ResolveDiscrepancy(ctx context.Context, id uuid.UUID, index int, resolverID, notes string) (*models.ReconciliationJob, error) {
	args := m.Called(ctx, id, index, resolverID, notes)
	return jobOrNil(args)
}

func (m *MockReconciliationService) GetJob(ctx context.Context, id uuid.UUID) (*models.ReconciliationJob, error) {
	args := m.Called(ctx, id)
	return jobOrNil(args)
}

func (m *MockReconciliationService) FindForWindow(ctx context.Context, period models.PeriodType, start, end time.Time, scope string) (*models.ReconciliationJob, error) {
	args := m.Called(ctx, period, start, end, scope)
	return jobOrNil(args)
}

func (m *MockReconciliationService) ListJobs(ctx context.Context, filter models.JobFilter) ([]models.ReconciliationJob, int64, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]models.ReconciliationJob), args.Get(1).(int64), args.Error(2)
}

func (m *MockReconciliationService) Variance(ctx context.Context, id uuid.UUID) (*models.Variance, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Variance), args.Error(1)
}

func (m *MockReconciliationService) ListDiscrepancies(ctx context.Context, id uuid.UUID, resolved *bool) ([]services.IndexedDiscrepancy, error) {
	args := m.Called(ctx, id, resolved)
	return args.Get(0).([]services.IndexedDiscrepancy), args.Error(1)
}

func (m *MockReconciliationService) UnresolvedDiscrepancies(ctx context.Context, limit int) ([]services.JobDiscrepancy, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]services.JobDiscrepancy), args.Error(1)
}

func (m *MockReconciliationService) Report(ctx context.Context, id uuid.UUID, format string, upload bool) (*services.Report, error) {
	args := m.Called(ctx, id, format, upload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.Report), args.Error(1)
}

func (m *MockReconciliationService) Stats(ctx context.Context) (*models.ReconciliationStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReconciliationStats), args.Error(1)
}

func jobOrNil(args mock.Arguments) (*models.ReconciliationJob, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReconciliationJob), args.Error(1)
}

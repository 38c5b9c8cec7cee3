package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v80"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yashrajoria/marketplace-payments/database"
	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/processors"
	"github.com/yashrajoria/marketplace-payments/repository"
)

// --- Store ---

func newTestStore(t *testing.T) repository.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return repository.NewStore(db)
}

func newOutboxMessage(typ models.MessageType, maxAttempts int, scheduledAt time.Time) *models.OutboxMessage {
	return &models.OutboxMessage{
		Type:         typ,
		Destination:  "https://hooks.example.com/payments",
		Payload:      datatypes.JSON(`{"payment_id":"p-1"}`),
		Priority:     models.PriorityNormal,
		ScheduledAt:  scheduledAt,
		Status:       models.MessagePending,
		MaxAttempts:  maxAttempts,
		ErrorHistory: datatypes.JSONSlice[models.DeliveryError]{},
	}
}

// --- Mocks for Dependencies ---

type MockBookingRepository struct{ mock.Mock }

func (m *MockBookingRepository) FindByID(ctx context.Context, id string) (*models.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Booking), args.Error(1)
}

func (m *MockBookingRepository) UpdatePaymentStatus(ctx context.Context, update models.BookingPaymentUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}

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
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *MockPaymentService) Cancel(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.Payment, error) {
	args := m.Called(ctx, actor, id, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *MockPaymentService) Refund(ctx context.Context, actor models.Actor, id uuid.UUID, req models.RefundRequest) (*models.Payment, error) {
	args := m.Called(ctx, actor, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *MockPaymentService) UpdateStatus(ctx context.Context, actor models.Actor, id uuid.UUID, req models.UpdateStatusRequest) (*models.Payment, error) {
	args := m.Called(ctx, actor, id, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *MockPaymentService) HandleWebhook(ctx context.Context, method models.PaymentMethod, payload []byte, signature string) error {
	args := m.Called(ctx, method, payload, signature)
	return args.Error(0)
}

func (m *MockPaymentService) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Payment, error) {
	args := m.Called(ctx, actor, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

func (m *MockPaymentService) GetByBooking(ctx context.Context, actor models.Actor, bookingID string) (*models.Payment, error) {
	args := m.Called(ctx, actor, bookingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Payment), args.Error(1)
}

// stubProcessor reports a fixed transaction feed for reconciliation.
type stubProcessor struct {
	method  models.PaymentMethod
	txs     []processors.Transaction
	listErr error
}

func (p *stubProcessor) Name() string                         { return "stub-" + string(p.method) }
func (p *stubProcessor) Method() models.PaymentMethod         { return p.method }
func (p *stubProcessor) Initialize(ctx context.Context) error { return nil }

func (p *stubProcessor) CreatePayment(ctx context.Context, req processors.PaymentRequest) (*processors.PaymentIntent, error) {
	return nil, processors.ErrOperationNotSupported
}

func (p *stubProcessor) ProcessPayment(ctx context.Context, req processors.PaymentRequest) (*processors.PaymentResult, error) {
	return nil, processors.ErrOperationNotSupported
}

func (p *stubProcessor) ConfirmPayment(ctx context.Context, externalID string, data processors.ConfirmationData) (*processors.PaymentResult, error) {
	return nil, processors.ErrOperationNotSupported
}

func (p *stubProcessor) RefundPayment(ctx context.Context, req processors.RefundRequest) (*processors.RefundResult, error) {
	return nil, processors.ErrOperationNotSupported
}

func (p *stubProcessor) GetPaymentStatus(ctx context.Context, externalID string) (*processors.PaymentResult, error) {
	return nil, processors.ErrOperationNotSupported
}

func (p *stubProcessor) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	return false
}

func (p *stubProcessor) ProcessWebhookEvent(ctx context.Context, payload []byte) (*processors.WebhookResult, error) {
	return nil, processors.ErrOperationNotSupported
}

func (p *stubProcessor) ListTransactions(ctx context.Context, from, to time.Time) ([]processors.Transaction, error) {
	return p.txs, p.listErr
}

func (p *stubProcessor) Capabilities() processors.Capabilities {
	return processors.Capabilities{SupportedCurrencies: []string{"USD", "ILS"}}
}

// fakeGateway stands in for the Stripe API.
type fakeGateway struct {
	intent    *stripe.PaymentIntent
	refund    *stripe.Refund
	refundReq *stripe.RefundParams
	err       error
}

func (g *fakeGateway) CreateIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return g.intent, g.err
}

func (g *fakeGateway) ConfirmIntent(ctx context.Context, id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	return g.intent, g.err
}

func (g *fakeGateway) GetIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	return g.intent, g.err
}

func (g *fakeGateway) CreateRefund(ctx context.Context, params *stripe.RefundParams) (*stripe.Refund, error) {
	g.refundReq = params
	return g.refund, g.err
}

func (g *fakeGateway) ListIntents(ctx context.Context, params *stripe.PaymentIntentListParams) ([]*stripe.PaymentIntent, error) {
	return nil, g.err
}

func stripeSignature(secret string, payload []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func seedPayment(t *testing.T, store repository.Store, method models.PaymentMethod, status models.PaymentStatus, amount string, externalID string) *models.Payment {
	t.Helper()
	p := &models.Payment{
		BookingID:      "booking-" + externalID,
		ClientID:       "client-1",
		ProviderID:     "provider-1",
		Amount:         decimal.RequireFromString(amount),
		Currency:       "USD",
		Method:         method,
		Status:         status,
		RefundedAmount: decimal.Zero,
		Metadata:       datatypes.JSONMap{},
	}
	if externalID != "" {
		ext := externalID
		p.ExternalTransactionID = &ext
	}
	require.NoError(t, store.Payments().Create(context.Background(), p))
	return p
}


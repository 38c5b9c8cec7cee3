package processors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yashrajoria/marketplace-payments/models"
)

// CashJournal exposes the cash settlements already recorded in the ledger.
// Cash has no external system of record, so its history is self-reported.
type CashJournal interface {
	FindByExternalID(ctx context.Context, externalID string) (*models.Payment, error)
	ListInRange(ctx context.Context, method models.PaymentMethod, from, to time.Time) ([]models.Payment, error)
}

const cashReferencePrefix = "CASH-"

// CashProcessor settles immediately: the provider collected the money in
// person, so every payment is paid on creation and flagged for manual
// reconciliation.
type CashProcessor struct {
	journal    CashJournal
	currencies []string
	logger     *zap.Logger
	now        func() time.Time
}

func NewCashProcessor(journal CashJournal, currencies []string, logger *zap.Logger) *CashProcessor {
	return &CashProcessor{
		journal:    journal,
		currencies: currencies,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (p *CashProcessor) Name() string                 { return "cash" }
func (p *CashProcessor) Method() models.PaymentMethod { return models.MethodCash }

func (p *CashProcessor) Initialize(ctx context.Context) error {
	if p.journal == nil {
		return fmt.Errorf("cash processor: %w: no journal", ErrNotInitialized)
	}
	return nil
}

func (p *CashProcessor) Capabilities() Capabilities {
	return Capabilities{
		SupportsImmediatePayment: true,
		SupportsRefunds:          true,
		SupportedCurrencies:      p.currencies,
		SupportedMethods:         []models.PaymentMethod{models.MethodCash},
	}
}

func (p *CashProcessor) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error) {
	return nil, ErrOperationNotSupported
}

// ProcessPayment always succeeds with a synthesized reference.
func (p *CashProcessor) ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	ref := cashReferencePrefix + strings.ToUpper(uuid.NewString())
	settledAt := p.now()

	p.logger.Info("cash payment recorded",
		zap.String("payment_id", req.PaymentID),
		zap.String("booking_id", req.BookingID),
		zap.String("reference", ref),
	)

	return &PaymentResult{
		ExternalTransactionID:        ref,
		Status:                       models.PaymentPaid,
		Amount:                       req.Amount,
		Currency:                     NormalizeCurrency(req.Currency),
		RequiresManualReconciliation: true,
		Details: models.ProcessorDetails{
			Kind: models.MethodCash,
			Cash: &models.CashDetails{
				ReceiptNumber: ref,
				CollectedBy:   req.CollectedBy,
				SettledAt:     settledAt,
			},
		},
		Raw: map[string]any{"settled_at": settledAt.Format(time.RFC3339)},
	}, nil
}

func (p *CashProcessor) ConfirmPayment(ctx context.Context, externalID string, data ConfirmationData) (*PaymentResult, error) {
	return nil, ErrOperationNotSupported
}

// RefundPayment never moves money; the provider hands cash back and an
// operator closes the refund.
func (p *CashProcessor) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	return &RefundResult{
		RefundID: cashReferencePrefix + "REFUND-" + strings.ToUpper(uuid.NewString()),
		Status:   models.RefundPendingManual,
		Amount:   req.Amount,
		Raw:      map[string]any{"original_reference": req.ExternalTransactionID, "reason": req.Reason},
	}, nil
}

func (p *CashProcessor) GetPaymentStatus(ctx context.Context, externalID string) (*PaymentResult, error) {
	payment, err := p.journal.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("cash reference %s: %w", externalID, err)
	}
	return &PaymentResult{
		ExternalTransactionID:        externalID,
		Status:                       payment.Status,
		Amount:                       payment.Amount,
		Currency:                     payment.Currency,
		RequiresManualReconciliation: true,
		Details:                      payment.ProcessorDetails.Data(),
	}, nil
}

func (p *CashProcessor) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	return false
}

func (p *CashProcessor) ProcessWebhookEvent(ctx context.Context, payload []byte) (*WebhookResult, error) {
	return nil, ErrOperationNotSupported
}

// ListTransactions reports recorded cash settlements as "completed".
func (p *CashProcessor) ListTransactions(ctx context.Context, from, to time.Time) ([]Transaction, error) {
	payments, err := p.journal.ListInRange(ctx, models.MethodCash, from, to)
	if err != nil {
		return nil, fmt.Errorf("list cash settlements: %w", err)
	}

	txs := make([]Transaction, 0, len(payments))
	for _, pay := range payments {
		ref := pay.ExternalID()
		if !strings.HasPrefix(ref, cashReferencePrefix) {
			continue
		}
		status := "completed"
		if pay.Status == models.PaymentRefunded {
			status = "refunded"
		}
		txs = append(txs, Transaction{
			ExternalTransactionID: ref,
			Amount:                pay.Amount,
			Currency:              pay.Currency,
			Status:                status,
			CreatedAt:             pay.CreatedAt,
		})
	}
	return txs, nil
}

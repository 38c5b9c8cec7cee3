// Package processors defines the payment backend contract and its cash and
// card implementations.
package processors

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yashrajoria/marketplace-payments/models"
)

var (
	// ErrOperationNotSupported is returned by a backend for operations its
	// capabilities do not advertise.
	ErrOperationNotSupported = errors.New("operation not supported by processor")
	// ErrInvalidSignature means a webhook payload failed verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrNotInitialized   = errors.New("processor not initialized")
)

// Capabilities is what a backend can do; callers check it before dispatch.
type Capabilities struct {
	SupportsImmediatePayment bool                   `json:"supports_immediate_payment"`
	SupportsPendingPayment   bool                   `json:"supports_pending_payment"`
	SupportsRefunds          bool                   `json:"supports_refunds"`
	SupportsPartialRefunds   bool                   `json:"supports_partial_refunds"`
	SupportsWebhooks         bool                   `json:"supports_webhooks"`
	SupportedCurrencies      []string               `json:"supported_currencies"`
	SupportedMethods         []models.PaymentMethod `json:"supported_methods"`
}

// SupportsCurrency reports whether currency (any case) is accepted.
func (c Capabilities) SupportsCurrency(currency string) bool {
	cur := NormalizeCurrency(currency)
	for _, s := range c.SupportedCurrencies {
		if NormalizeCurrency(s) == cur {
			return true
		}
	}
	return false
}

// PaymentRequest carries a ledger payment to a backend. Amount is in major
// units; backends convert as needed.
type PaymentRequest struct {
	PaymentID       string
	BookingID       string
	ClientID        string
	ProviderID      string
	Amount          decimal.Decimal
	Currency        string
	PaymentMethodID string
	ReturnURL       string
	CollectedBy     string
	Metadata        map[string]string
}

// PaymentResult is a backend's answer for process/confirm/status calls.
type PaymentResult struct {
	ExternalTransactionID        string
	Status                       models.PaymentStatus
	Amount                       decimal.Decimal
	Currency                     string
	RequiresManualReconciliation bool
	Details                      models.ProcessorDetails
	Raw                          map[string]any
}

// PaymentIntent is the pending result of CreatePayment for async backends.
type PaymentIntent struct {
	ExternalTransactionID string
	ClientSecret          string
	Status                models.PaymentStatus
	NextAction            string
	Details               models.ProcessorDetails
	Raw                   map[string]any
}

// ConfirmationData is what the client supplies to complete a pending payment.
type ConfirmationData struct {
	PaymentMethodID string
	ReturnURL       string
}

type RefundRequest struct {
	ExternalTransactionID string
	Amount                decimal.Decimal
	Currency              string
	Reason                string
	Partial               bool
}

type RefundResult struct {
	RefundID string
	Status   models.RefundStatus
	Amount   decimal.Decimal
	Raw      map[string]any
}

// WebhookResult is a verified webhook normalized to ledger terms. Ignored is
// set for event types that carry no payment state.
type WebhookResult struct {
	EventID               string
	EventType             string
	ExternalTransactionID string
	Status                models.PaymentStatus
	Amount                decimal.Decimal
	FailureReason         string
	Ignored               bool
}

// Transaction is one processor-side record used by reconciliation. Status is
// the processor's own vocabulary (e.g. "succeeded", "completed").
type Transaction struct {
	ExternalTransactionID string
	Amount                decimal.Decimal
	Currency              string
	Status                string
	CreatedAt             time.Time
}

// Settled reports whether the processor counts the transaction as collected.
func (t Transaction) Settled() bool {
	return t.Status == "succeeded" || t.Status == "completed"
}

// Processor is the contract every payment backend implements.
type Processor interface {
	Name() string
	Method() models.PaymentMethod
	Initialize(ctx context.Context) error
	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error)
	ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	ConfirmPayment(ctx context.Context, externalID string, data ConfirmationData) (*PaymentResult, error)
	RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error)
	GetPaymentStatus(ctx context.Context, externalID string) (*PaymentResult, error)
	VerifyWebhookSignature(payload []byte, signature, secret string) bool
	ProcessWebhookEvent(ctx context.Context, payload []byte) (*WebhookResult, error)
	ListTransactions(ctx context.Context, from, to time.Time) ([]Transaction, error)
	Capabilities() Capabilities
}

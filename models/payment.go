package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PaymentMethod string

const (
	MethodCash PaymentMethod = "cash"
	MethodCard PaymentMethod = "card"
)

// Valid reports whether m is a known method (enabled or not).
func (m PaymentMethod) Valid() bool {
	return m == MethodCash || m == MethodCard
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// forwardTransitions lists the only status changes that may happen without
// an admin override.
var forwardTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentPaid, PaymentFailed},
	PaymentPaid:    {PaymentRefunded},
}

// CanTransition reports whether from -> to is a forward (monotonic) move.
func CanTransition(from, to PaymentStatus) bool {
	for _, s := range forwardTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no forward transition leaves s.
func (s PaymentStatus) IsTerminal() bool {
	return len(forwardTransitions[s]) == 0
}

type RefundStatus string

const (
	RefundNone             RefundStatus = ""
	RefundPendingManual    RefundStatus = "pending_manual_refund"
	RefundPendingProcessor RefundStatus = "pending"
	RefundSucceeded        RefundStatus = "succeeded"
	RefundFailed           RefundStatus = "failed"
)

// Payment is the ledger record for one booking's payment.
type Payment struct {
	ID                           uuid.UUID                            `gorm:"type:uuid;primaryKey" json:"id"`
	BookingID                    string                               `gorm:"uniqueIndex;not null" json:"booking_id"`
	ClientID                     string                               `gorm:"index;not null" json:"client_id"`
	ProviderID                   string                               `gorm:"index;not null" json:"provider_id"`
	Amount                       decimal.Decimal                      `gorm:"type:numeric(14,2);not null" json:"amount"`
	Currency                     string                               `gorm:"size:3;not null" json:"currency"`
	Method                       PaymentMethod                        `gorm:"size:16;index;not null" json:"method"`
	Status                       PaymentStatus                        `gorm:"size:16;index;not null" json:"status"`
	ExternalTransactionID        *string                              `gorm:"uniqueIndex" json:"external_transaction_id,omitempty"`
	ProcessorDetails             datatypes.JSONType[ProcessorDetails] `json:"processor_details"`
	Metadata                     datatypes.JSONMap                    `json:"metadata,omitempty"`
	FailureReason                string                               `json:"failure_reason,omitempty"`
	RefundStatus                 RefundStatus                         `gorm:"size:32" json:"refund_status,omitempty"`
	RefundedAmount               decimal.Decimal                      `gorm:"type:numeric(14,2);default:0" json:"refunded_amount"`
	RequiresManualReconciliation bool                                 `json:"requires_manual_reconciliation"`
	PaidAt                       *time.Time                           `json:"paid_at,omitempty"`
	FailedAt                     *time.Time                           `json:"failed_at,omitempty"`
	RefundedAt                   *time.Time                           `json:"refunded_at,omitempty"`
	CreatedAt                    time.Time                            `gorm:"index" json:"created_at"`
	UpdatedAt                    time.Time                            `json:"updated_at"`
}

func (p *Payment) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// ExternalID returns the processor reference or "".
func (p *Payment) ExternalID() string {
	if p.ExternalTransactionID == nil {
		return ""
	}
	return *p.ExternalTransactionID
}

// ProcessorDetails is a tagged union of what each backend reported. Exactly
// one of Cash or Card is set, matching Kind.
type ProcessorDetails struct {
	Kind PaymentMethod `json:"kind,omitempty"`
	Cash *CashDetails  `json:"cash,omitempty"`
	Card *CardDetails  `json:"card,omitempty"`
}

type CashDetails struct {
	ReceiptNumber string    `json:"receipt_number"`
	CollectedBy   string    `json:"collected_by,omitempty"`
	SettledAt     time.Time `json:"settled_at"`
}

type CardDetails struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"-"`
	IntentStatus    string `json:"intent_status"`
	AmountMinor     int64  `json:"amount_minor"`
	LastEventID     string `json:"last_event_id,omitempty"`
	LastEventType   string `json:"last_event_type,omitempty"`
	RefundID        string `json:"refund_id,omitempty"`
}

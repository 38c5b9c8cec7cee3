package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CreatePaymentRequest starts payment for a booking. Amount and parties are
// taken from the booking itself.
type CreatePaymentRequest struct {
	BookingID       string        `json:"booking_id" binding:"required"`
	Method          PaymentMethod `json:"method" binding:"required,payment_method"`
	ReturnURL       string        `json:"return_url,omitempty" binding:"omitempty,url"`
	CollectedBy     string        `json:"collected_by,omitempty"`
	PaymentMethodID string        `json:"payment_method_id,omitempty"`
}

// ConfirmPaymentRequest completes a pending (card) payment.
type ConfirmPaymentRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
	ReturnURL       string `json:"return_url,omitempty" binding:"omitempty,url"`
}

// RefundRequest refunds all of a payment when Amount is nil.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason" binding:"required,max=500"`
}

// UpdateStatusRequest is the audited admin override.
type UpdateStatusRequest struct {
	Status PaymentStatus `json:"status" binding:"required,payment_status"`
	Note   string        `json:"note" binding:"required,max=1000"`
}

type CancelPaymentRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// CreatePaymentResult is returned by create; ClientSecret is only ever
// exposed here, never persisted.
type CreatePaymentResult struct {
	Payment      *Payment `json:"payment"`
	ClientSecret string   `json:"client_secret,omitempty"`
	NextAction   string   `json:"next_action,omitempty"`
}

type CreateJobRequest struct {
	PeriodType PeriodType `json:"period_type" binding:"required,period_type"`
	StartDate  time.Time  `json:"start_date" binding:"required"`
	EndDate    time.Time  `json:"end_date" binding:"required,gtfield=StartDate"`
	Processor  string     `json:"processor,omitempty"`
}

type ResolveDiscrepancyRequest struct {
	Notes string `json:"notes" binding:"required,max=2000"`
}

type RunReconciliationRequest struct {
	Period    PeriodType `json:"period" binding:"required,period_type"`
	Processor string     `json:"processor,omitempty"`
}

type BulkRetryRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required,min=1,max=500,dive,required"`
}

type TestMessageRequest struct {
	Type        MessageType     `json:"type" binding:"required"`
	Destination string          `json:"destination"`
	Priority    string          `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// OutboxSchedulerConfig is the runtime-adjustable outbox cadence config.
type OutboxSchedulerConfig struct {
	PendingInterval Duration `json:"pending_interval"`
	RetryInterval   Duration `json:"retry_interval"`
	CleanupInterval Duration `json:"cleanup_interval"`
	BatchSize       int      `json:"batch_size"`
	RetentionDays   int      `json:"retention_days"`
}

// ReconciliationSchedulerConfig is the runtime-adjustable reconciliation
// cadence config.
type ReconciliationSchedulerConfig struct {
	DailyEnabled    bool     `json:"daily_enabled"`
	WeeklyEnabled   bool     `json:"weekly_enabled"`
	MonthlyEnabled  bool     `json:"monthly_enabled"`
	DailyInterval   Duration `json:"daily_interval"`
	WeeklyInterval  Duration `json:"weekly_interval"`
	MonthlyInterval Duration `json:"monthly_interval"`
	Scopes          []string `json:"scopes"`
}

// Duration renders as a Go duration string ("30s") in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

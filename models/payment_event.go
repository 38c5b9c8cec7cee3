package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatusEvent is the payload of payment_status_change messages and
// what reaches the event bus.
type PaymentStatusEvent struct {
	Type         string          `json:"type"`
	PaymentID    string          `json:"payment_id"`
	BookingID    string          `json:"booking_id"`
	ClientID     string          `json:"client_id"`
	ProviderID   string          `json:"provider_id"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Method       PaymentMethod   `json:"method"`
	OldStatus    PaymentStatus   `json:"old_status"`
	NewStatus    PaymentStatus   `json:"new_status"`
	RefundStatus RefundStatus    `json:"refund_status,omitempty"`
	ActorRole    ActorRole       `json:"actor_role"`
	Timestamp    time.Time       `json:"timestamp"`
}

// PaymentRequest is an inbound queue request from the booking side to start
// payment for a booking.
type PaymentRequest struct {
	BookingID      string        `json:"booking_id"`
	Method         PaymentMethod `json:"method"`
	RequestedBy    string        `json:"requested_by,omitempty"`
	CollectedBy    string        `json:"collected_by,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// NotificationEnvelope is what email and sms messages hand to the
// notification service queue.
type NotificationEnvelope struct {
	Channel       MessageType     `json:"channel"`
	Recipient     string          `json:"recipient"`
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

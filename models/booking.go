package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Booking is the slice of the booking document this service reads. Bookings
// are owned by the CRUD side; only payment fields are ever written back.
type Booking struct {
	ID            string          `bson:"_id" json:"id"`
	ClientID      string          `bson:"client_id" json:"client_id"`
	ProviderID    string          `bson:"provider_id" json:"provider_id"`
	TotalAmount   decimal.Decimal `bson:"-" json:"total_amount"`
	Currency      string          `bson:"currency" json:"currency"`
	Status        string          `bson:"status" json:"status"`
	PaymentStatus string          `bson:"payment_status,omitempty" json:"payment_status,omitempty"`
	PaidAt        *time.Time      `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
}

// BookingPaymentUpdate is the payload of a booking_update outbox message.
type BookingPaymentUpdate struct {
	BookingID     string        `json:"booking_id"`
	PaymentID     string        `json:"payment_id"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
}

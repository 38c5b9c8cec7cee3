package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AuditAction string

const (
	AuditCreated       AuditAction = "created"
	AuditStatusUpdated AuditAction = "status_updated"
	AuditRefunded      AuditAction = "refunded"
	AuditCancelled     AuditAction = "cancelled"
)

// AuditEntry is one immutable record of a payment state transition. The
// auto-increment id gives a total creation order per payment.
type AuditEntry struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID uuid.UUID       `gorm:"type:uuid;index;not null" json:"payment_id"`
	BookingID string          `gorm:"index;not null" json:"booking_id"`
	ActorID   string          `gorm:"not null" json:"actor_id"`
	ActorRole ActorRole       `gorm:"size:16;not null" json:"actor_role"`
	Action    AuditAction     `gorm:"size:32;not null" json:"action"`
	OldStatus PaymentStatus   `gorm:"size:16" json:"old_status,omitempty"`
	NewStatus PaymentStatus   `gorm:"size:16;not null" json:"new_status"`
	Amount    decimal.Decimal `gorm:"type:numeric(14,2)" json:"amount"`
	Currency  string          `gorm:"size:3" json:"currency"`
	Method    PaymentMethod   `gorm:"size:16" json:"method"`
	Note      string          `json:"note,omitempty"`
	IPAddress string          `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent string          `json:"user_agent,omitempty"`
	CreatedAt time.Time       `gorm:"index" json:"created_at"`
}

func (AuditEntry) TableName() string { return "payment_audit_entries" }

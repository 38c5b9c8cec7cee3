package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type MessageType string

const (
	MessageWebhookDelivery     MessageType = "webhook_delivery"
	MessageEmail               MessageType = "email"
	MessageSMS                 MessageType = "sms"
	MessageBookingUpdate       MessageType = "booking_update"
	MessagePaymentStatusChange MessageType = "payment_status_change"
)

type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageDelivered  MessageStatus = "delivered"
	MessageFailed     MessageStatus = "failed"
	MessageDeadLetter MessageStatus = "dead_letter"
)

// Priority orders pending messages; it is stored as its rank so ORDER BY
// priority DESC works, and rendered by name in JSON.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps a name to a Priority; "" is normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	for p, n := range priorityNames {
		if strings.EqualFold(n, s) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DeliveryError is one failed attempt kept in a message's error history.
type DeliveryError struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// OutboxMessage is a durable unit of asynchronous delivery.
type OutboxMessage struct {
	ID               uuid.UUID                          `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID        string                             `gorm:"uniqueIndex;not null" json:"message_id"`
	CorrelationID    string                             `gorm:"index" json:"correlation_id"`
	Type             MessageType                        `gorm:"size:32;index;not null" json:"type"`
	Destination      string                             `json:"destination"`
	Payload          datatypes.JSON                     `json:"payload"`
	Priority         Priority                           `gorm:"not null;default:2" json:"priority"`
	ScheduledAt      time.Time                          `gorm:"index;not null" json:"scheduled_at"`
	Status           MessageStatus                      `gorm:"size:16;index;not null" json:"status"`
	Attempts         int                                `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts      int                                `gorm:"not null" json:"max_attempts"`
	FirstAttemptAt   *time.Time                         `json:"first_attempt_at,omitempty"`
	LastAttemptAt    *time.Time                         `json:"last_attempt_at,omitempty"`
	NextRetryAt      *time.Time                         `gorm:"index" json:"next_retry_at,omitempty"`
	DeliveredAt      *time.Time                         `json:"delivered_at,omitempty"`
	LastError        string                             `json:"last_error,omitempty"`
	ErrorHistory     datatypes.JSONSlice[DeliveryError] `json:"error_history"`
	DeadLetterReason string                             `json:"dead_letter_reason,omitempty"`
	CreatedAt        time.Time                          `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time                          `json:"updated_at"`
}

func (m *OutboxMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.MessageID == "" {
		m.MessageID = "msg_" + uuid.NewString()
	}
	return nil
}

// OutboxStat is one (type, status) bucket of the stats endpoint.
type OutboxStat struct {
	Type   MessageType   `json:"type"`
	Status MessageStatus `json:"status"`
	Count  int64         `json:"count"`
}

// OutboxFilter narrows message listings. Zero fields are ignored.
type OutboxFilter struct {
	Status        MessageStatus
	Type          MessageType
	CorrelationID string
	Page          int
	Limit         int
}

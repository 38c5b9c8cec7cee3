package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PeriodType string

const (
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
	PeriodCustom  PeriodType = "custom"
)

func (p PeriodType) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodCustom:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending            JobStatus = "pending"
	JobProcessing         JobStatus = "processing"
	JobCompleted          JobStatus = "completed"
	JobFailed             JobStatus = "failed"
	JobDiscrepanciesFound JobStatus = "discrepancies_found"
)

type DiscrepancyType string

const (
	DiscrepancyMissingPayment   DiscrepancyType = "missing_payment"
	DiscrepancyDuplicatePayment DiscrepancyType = "duplicate_payment"
	DiscrepancyAmountMismatch   DiscrepancyType = "amount_mismatch"
	DiscrepancyStatusMismatch   DiscrepancyType = "status_mismatch"
	DiscrepancyProcessorError   DiscrepancyType = "processor_error"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ScopeAll reconciles every enabled backend.
const ScopeAll = "all"

// Discrepancy is embedded in its job and never deleted, only resolved.
type Discrepancy struct {
	Type                  DiscrepancyType  `json:"type"`
	PaymentID             string           `json:"payment_id,omitempty"`
	ExternalTransactionID string           `json:"external_transaction_id,omitempty"`
	Processor             PaymentMethod    `json:"processor,omitempty"`
	ExpectedAmount        *decimal.Decimal `json:"expected_amount,omitempty"`
	ActualAmount          *decimal.Decimal `json:"actual_amount,omitempty"`
	ExpectedStatus        string           `json:"expected_status,omitempty"`
	ActualStatus          string           `json:"actual_status,omitempty"`
	Severity              Severity         `json:"severity"`
	Description           string           `json:"description"`
	Resolved              bool             `json:"resolved"`
	ResolvedBy            string           `json:"resolved_by,omitempty"`
	ResolutionNotes       string           `json:"resolution_notes,omitempty"`
	ResolvedAt            *time.Time       `json:"resolved_at,omitempty"`
	DetectedAt            time.Time        `json:"detected_at"`
}

// ReconciliationJob compares the ledger against processor history for one
// window and processor scope.
type ReconciliationJob struct {
	ID             uuid.UUID                        `gorm:"type:uuid;primaryKey" json:"id"`
	PeriodType     PeriodType                       `gorm:"size:16;index;not null" json:"period_type"`
	StartDate      time.Time                        `gorm:"index;not null" json:"start_date"`
	EndDate        time.Time                        `gorm:"not null" json:"end_date"`
	ProcessorScope string                           `gorm:"size:16;not null;default:'all'" json:"processor_scope"`
	ExpectedAmount decimal.Decimal                  `gorm:"type:numeric(14,2);default:0" json:"expected_amount"`
	ActualAmount   decimal.Decimal                  `gorm:"type:numeric(14,2);default:0" json:"actual_amount"`
	ExpectedCount  int                              `json:"expected_count"`
	ActualCount    int                              `json:"actual_count"`
	Status         JobStatus                        `gorm:"size:32;index;not null" json:"status"`
	Discrepancies  datatypes.JSONSlice[Discrepancy] `json:"discrepancies"`
	RetryCount     int                              `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries     int                              `gorm:"not null" json:"max_retries"`
	LastError      string                           `json:"last_error,omitempty"`
	CreatedBy      string                           `json:"created_by"`
	ReportURL      string                           `json:"report_url,omitempty"`
	StartedAt      *time.Time                       `json:"started_at,omitempty"`
	CompletedAt    *time.Time                       `json:"completed_at,omitempty"`
	CreatedAt      time.Time                        `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time                        `json:"updated_at"`
}

func (j *ReconciliationJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// UnresolvedCount counts discrepancies still awaiting an operator.
func (j *ReconciliationJob) UnresolvedCount() int {
	n := 0
	for _, d := range j.Discrepancies {
		if !d.Resolved {
			n++
		}
	}
	return n
}

// Variance is derived from a job on read and never stored.
type Variance struct {
	Amount                  decimal.Decimal `json:"amount"`
	Count                   int             `json:"count"`
	Percentage              decimal.Decimal `json:"percentage"`
	UnresolvedDiscrepancies int             `json:"unresolved_discrepancies"`
}

// JobFilter narrows job listings. Zero fields are ignored.
type JobFilter struct {
	Status     JobStatus
	PeriodType PeriodType
	Scope      string
	Page       int
	Limit      int
}

// ReconciliationStats feeds the health endpoint.
type ReconciliationStats struct {
	TotalJobs          int64      `json:"total_jobs"`
	FailedJobs         int64      `json:"failed_jobs"`
	JobsWithOpenIssues int64      `json:"jobs_with_open_issues"`
	LastCompletedAt    *time.Time `json:"last_completed_at,omitempty"`
}

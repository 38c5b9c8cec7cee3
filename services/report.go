package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
)

const (
	ReportFormatText = "text"
	ReportFormatJSON = "json"
)

// Report is a rendered reconciliation report. Key and URL are set once it
// has been uploaded.
type Report struct {
	JobID       uuid.UUID `json:"job_id"`
	Format      string    `json:"format"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"-"`
	Key         string    `json:"key,omitempty"`
	URL         string    `json:"url,omitempty"`
}

type jsonReport struct {
	Job         *models.ReconciliationJob `json:"job"`
	Variance    models.Variance           `json:"variance"`
	GeneratedAt time.Time                 `json:"generated_at"`
}

func (s *reconciliationServiceImpl) Report(ctx context.Context, id uuid.UUID, format string, upload bool) (*Report, error) {
	if format == "" {
		format = ReportFormatText
	}
	if format != ReportFormatText && format != ReportFormatJSON {
		return nil, apperrors.ErrValidation.Withf("format must be text or json")
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	rep := &Report{JobID: job.ID, Format: format}
	now := s.now()
	if format == ReportFormatJSON {
		rep.ContentType = "application/json"
		rep.Body, err = json.MarshalIndent(jsonReport{Job: job, Variance: CalculateVariance(job), GeneratedAt: now}, "", "  ")
		if err != nil {
			return nil, apperrors.ErrInternalServer.Wrap(err)
		}
	} else {
		rep.ContentType = "text/plain; charset=utf-8"
		rep.Body = RenderTextReport(job, now)
	}

	if !upload {
		return rep, nil
	}
	if s.objects == nil {
		return nil, apperrors.ErrServiceUnavailable.Withf("report storage is not configured")
	}
	if job.Status == models.JobProcessing {
		return nil, apperrors.ErrConflict.Withf("job is still processing")
	}

	ext := "txt"
	if format == ReportFormatJSON {
		ext = "json"
	}
	rep.Key = fmt.Sprintf("reconciliation/%s/%s/%s.%s", job.PeriodType, job.StartDate.Format("2006-01-02"), job.ID, ext)
	if err := s.objects.PutObject(ctx, rep.Key, rep.ContentType, rep.Body); err != nil {
		return nil, apperrors.ErrBadGateway.Wrap(err)
	}
	job.ReportURL = rep.Key
	if err := s.store.Reconciliation().Save(ctx, job); err != nil {
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	rep.URL, err = s.objects.PresignGet(ctx, rep.Key, s.opts.ReportURLExpiry)
	if err != nil {
		return nil, apperrors.ErrBadGateway.Wrap(err)
	}
	s.logger.Info("reconciliation report uploaded", zap.String("job_id", job.ID.String()), zap.String("key", rep.Key))
	return rep, nil
}

// RenderTextReport renders job as a plain-text report for operators.
func RenderTextReport(job *models.ReconciliationJob, generatedAt time.Time) []byte {
	v := CalculateVariance(job)
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "RECONCILIATION REPORT\n")
	fmt.Fprintf(&buf, "=====================\n\n")

	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Job ID:\t%s\n", job.ID)
	fmt.Fprintf(w, "Period:\t%s\n", job.PeriodType)
	fmt.Fprintf(w, "Window:\t%s to %s\n", job.StartDate.Format(time.RFC3339), job.EndDate.Format(time.RFC3339))
	fmt.Fprintf(w, "Processor scope:\t%s\n", job.ProcessorScope)
	fmt.Fprintf(w, "Status:\t%s\n", job.Status)
	fmt.Fprintf(w, "Attempts:\t%d of %d\n", job.RetryCount, job.MaxRetries)
	if job.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", job.LastError)
	}
	fmt.Fprintf(w, "Generated:\t%s\n", generatedAt.Format(time.RFC3339))
	w.Flush()

	fmt.Fprintf(&buf, "\nSUMMARY\n-------\n")
	w = tabwriter.NewWriter(&buf, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(w, "\tAmount\tCount\t\n")
	fmt.Fprintf(w, "Ledger (expected)\t%s\t%d\t\n", job.ExpectedAmount.StringFixed(2), job.ExpectedCount)
	fmt.Fprintf(w, "Processor (actual)\t%s\t%d\t\n", job.ActualAmount.StringFixed(2), job.ActualCount)
	fmt.Fprintf(w, "Variance\t%s\t%d\t\n", v.Amount.StringFixed(2), v.Count)
	w.Flush()
	fmt.Fprintf(&buf, "Variance: %s%%\n", v.Percentage.StringFixed(2))

	fmt.Fprintf(&buf, "\nDISCREPANCIES (%d, %d unresolved)\n", len(job.Discrepancies), v.UnresolvedDiscrepancies)
	fmt.Fprintf(&buf, "-------------\n")
	if len(job.Discrepancies) == 0 {
		fmt.Fprintf(&buf, "none\n")
		return buf.Bytes()
	}

	w = tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "#\tTYPE\tSEVERITY\tPAYMENT\tEXTERNAL ID\tEXPECTED\tACTUAL\tRESOLVED\n")
	for i, d := range job.Discrepancies {
		resolved := "no"
		if d.Resolved {
			resolved = "yes (" + d.ResolvedBy + ")"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i, d.Type, d.Severity, orDash(d.PaymentID), orDash(d.ExternalTransactionID),
			discrepancyValue(d.ExpectedAmount, d.ExpectedStatus),
			discrepancyValue(d.ActualAmount, d.ActualStatus),
			resolved,
		)
	}
	w.Flush()

	fmt.Fprintf(&buf, "\n")
	for i, d := range job.Discrepancies {
		fmt.Fprintf(&buf, "[%d] %s\n", i, d.Description)
		if d.Resolved && d.ResolutionNotes != "" {
			fmt.Fprintf(&buf, "    resolution: %s\n", d.ResolutionNotes)
		}
	}
	return buf.Bytes()
}

func discrepancyValue(amount *decimal.Decimal, status string) string {
	switch {
	case amount != nil:
		return amount.StringFixed(2)
	case status != "":
		return status
	}
	return "-"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

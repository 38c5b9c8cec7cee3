package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/processors"
	"github.com/yashrajoria/marketplace-payments/repository"
)

type memoryObjectStore struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *memoryObjectStore) PutObject(ctx context.Context, key, contentType string, body []byte) error {
	s.objects[key] = body
	s.types[key] = contentType
	return nil
}

func (s *memoryObjectStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://reports.example.com/" + key + "?expires=" + expiry.String(), nil
}

func newReconciliationFixture(t *testing.T, procs ...processors.Processor) (repository.Store, ReconciliationService, *memoryObjectStore) {
	t.Helper()
	store := newTestStore(t)
	registry := processors.NewRegistry(zap.NewNop())
	for _, p := range procs {
		registry.Register(p)
	}
	objects := newMemoryObjectStore()
	svc := NewReconciliationService(store, registry, objects, ReconciliationOptions{
		MaxRetries:      3,
		Epsilon:         decimal.RequireFromString("0.01"),
		ReportURLExpiry: time.Hour,
	}, nil, zap.NewNop())
	return store, svc, objects
}

func settled(id, amount string) processors.Transaction {
	return processors.Transaction{ExternalTransactionID: id, Amount: decimal.RequireFromString(amount), Currency: "USD", Status: "succeeded"}
}

func window() (time.Time, time.Time) {
	now := time.Now().UTC()
	return now.Add(-time.Hour), now.Add(time.Hour)
}

func TestClassify(t *testing.T) {
	now := time.Now().UTC()
	eps := decimal.RequireFromString("0.01")
	pay := func(ext string, status models.PaymentStatus, amount string) models.Payment {
		e := ext
		return models.Payment{ID: uuid.New(), Method: models.MethodCard, Status: status, Amount: decimal.RequireFromString(amount), ExternalTransactionID: &e}
	}
	rec := func(tx processors.Transaction) processorRecord {
		return processorRecord{Transaction: tx, method: models.MethodCard}
	}

	t.Run("Amount mismatch beyond epsilon", func(t *testing.T) {
		res := classify(
			[]models.Payment{pay("pi_1", models.PaymentPaid, "100")},
			[]processorRecord{rec(settled("pi_1", "100.02"))},
			eps, now,
		)
		require.Len(t, res.discrepancies, 1)
		d := res.discrepancies[0]
		assert.Equal(t, models.DiscrepancyAmountMismatch, d.Type)
		assert.Equal(t, models.SeverityHigh, d.Severity)
		assert.True(t, d.ExpectedAmount.Equal(decimal.NewFromInt(100)))
		assert.True(t, d.ActualAmount.Equal(decimal.RequireFromString("100.02")))
	})

	t.Run("Difference within epsilon matches", func(t *testing.T) {
		res := classify(
			[]models.Payment{pay("pi_1", models.PaymentPaid, "100")},
			[]processorRecord{rec(settled("pi_1", "100.01"))},
			eps, now,
		)
		assert.Empty(t, res.discrepancies)
		assert.Equal(t, 1, res.expectedCount)
		assert.Equal(t, 1, res.actualCount)
	})

	t.Run("Status mismatch", func(t *testing.T) {
		res := classify(
			[]models.Payment{pay("pi_1", models.PaymentPending, "100")},
			[]processorRecord{rec(settled("pi_1", "100"))},
			eps, now,
		)
		require.Len(t, res.discrepancies, 1)
		d := res.discrepancies[0]
		assert.Equal(t, models.DiscrepancyStatusMismatch, d.Type)
		assert.Equal(t, models.SeverityMedium, d.Severity)
		assert.Equal(t, "not settled", d.ExpectedStatus)
		assert.Equal(t, "succeeded", d.ActualStatus)
	})

	t.Run("Refund agrees with refunded record", func(t *testing.T) {
		refunded := settled("pi_1", "100")
		refunded.Status = "refunded"
		res := classify(
			[]models.Payment{pay("pi_1", models.PaymentRefunded, "100")},
			[]processorRecord{rec(refunded)},
			eps, now,
		)
		assert.Empty(t, res.discrepancies)
		assert.Equal(t, 0, res.expectedCount)
		assert.Equal(t, 0, res.actualCount)
	})

	t.Run("Duplicate within the feed", func(t *testing.T) {
		res := classify(
			[]models.Payment{pay("pi_1", models.PaymentPaid, "100")},
			[]processorRecord{rec(settled("pi_1", "100")), rec(settled("pi_1", "100"))},
			eps, now,
		)
		require.Len(t, res.discrepancies, 1)
		assert.Equal(t, models.DiscrepancyDuplicatePayment, res.discrepancies[0].Type)
		assert.Equal(t, models.SeverityCritical, res.discrepancies[0].Severity)
		assert.True(t, res.actualAmount.Equal(decimal.NewFromInt(100)), "a repeated record counts once")
	})

	t.Run("Unsettled orphans are ignored", func(t *testing.T) {
		pending := settled("pi_7", "10")
		pending.Status = "requires_payment_method"
		res := classify(nil, []processorRecord{rec(pending), rec(settled("pi_8", "20"))}, eps, now)
		assert.Empty(t, res.discrepancies)
		require.Len(t, res.orphans, 1)
		assert.Equal(t, "pi_8", res.orphans[0].ExternalTransactionID)
	})
}

func TestCalculateVariance(t *testing.T) {
	job := &models.ReconciliationJob{
		ExpectedAmount: decimal.NewFromInt(300),
		ActualAmount:   decimal.NewFromInt(200),
		ExpectedCount:  3,
		ActualCount:    2,
		Discrepancies:  datatypes.JSONSlice[models.Discrepancy]{{Resolved: true}, {}},
	}
	v := CalculateVariance(job)
	assert.True(t, v.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, v.Count)
	assert.Equal(t, "33.33", v.Percentage.StringFixed(2))
	assert.Equal(t, 1, v.UnresolvedDiscrepancies)

	empty := CalculateVariance(&models.ReconciliationJob{ExpectedAmount: decimal.Zero, ActualAmount: decimal.NewFromInt(5)})
	assert.True(t, empty.Percentage.IsZero())
	assert.True(t, empty.Amount.Equal(decimal.NewFromInt(-5)))
}

func TestReconciliation_MissingPayment(t *testing.T) {
	ctx := context.Background()
	card := &stubProcessor{method: models.MethodCard, txs: []processors.Transaction{settled("pi_1", "100"), settled("pi_2", "100")}}
	store, svc, objects := newReconciliationFixture(t, card)

	seedPayment(t, store, models.MethodCard, models.PaymentPaid, "100", "pi_1")
	seedPayment(t, store, models.MethodCard, models.PaymentPaid, "100", "pi_2")
	missing := seedPayment(t, store, models.MethodCard, models.PaymentPaid, "100", "pi_3")

	start, end := window()
	job, err := svc.CreateReconciliation(ctx, models.PeriodCustom, start, end, "card", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)

	job, err = svc.ProcessReconciliation(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDiscrepanciesFound, job.Status)
	assert.True(t, job.ExpectedAmount.Equal(decimal.NewFromInt(300)))
	assert.True(t, job.ActualAmount.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, 1, job.RetryCount)
	assert.NotNil(t, job.CompletedAt)
	require.Len(t, job.Discrepancies, 1)
	d := job.Discrepancies[0]
	assert.Equal(t, models.DiscrepancyMissingPayment, d.Type)
	assert.Equal(t, missing.ID.String(), d.PaymentID)
	assert.Equal(t, models.SeverityHigh, d.Severity)

	v, err := svc.Variance(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, v.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, v.Count)

	t.Run("Settled job cannot be reprocessed", func(t *testing.T) {
		_, err := svc.ProcessReconciliation(ctx, job.ID)
		assert.Equal(t, http.StatusConflict, apperrors.StatusCode(err))
	})

	t.Run("Unresolved listing", func(t *testing.T) {
		open, err := svc.UnresolvedDiscrepancies(ctx, 10)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, job.ID, open[0].JobID)
		assert.Equal(t, 0, open[0].Index)
	})

	t.Run("Resolve", func(t *testing.T) {
		_, err := svc.ResolveDiscrepancy(ctx, job.ID, 0, "admin-1", "  ")
		assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(err))

		_, err = svc.ResolveDiscrepancy(ctx, job.ID, 4, "admin-1", "note")
		assert.Equal(t, http.StatusNotFound, apperrors.StatusCode(err))

		_, err = svc.ResolveDiscrepancy(ctx, uuid.New(), 0, "admin-1", "note")
		assert.Equal(t, http.StatusNotFound, apperrors.StatusCode(err))

		resolved, err := svc.ResolveDiscrepancy(ctx, job.ID, 0, "admin-1", "cash handed over offline")
		require.NoError(t, err)
		assert.True(t, resolved.Discrepancies[0].Resolved)

		again, err := svc.ResolveDiscrepancy(ctx, job.ID, 0, "admin-2", "confirmed with provider")
		require.NoError(t, err)
		assert.Equal(t, "admin-2", again.Discrepancies[0].ResolvedBy)
		assert.Equal(t, "confirmed with provider", again.Discrepancies[0].ResolutionNotes)

		unresolved := false
		open, err := svc.ListDiscrepancies(ctx, job.ID, &unresolved)
		require.NoError(t, err)
		assert.Empty(t, open)

		v, err := svc.Variance(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, v.UnresolvedDiscrepancies)
		assert.True(t, v.Amount.Equal(decimal.NewFromInt(100)), "resolving does not change the amounts")
	})

	t.Run("Text report", func(t *testing.T) {
		rep, err := svc.Report(ctx, job.ID, "", false)
		require.NoError(t, err)
		body := string(rep.Body)
		assert.Equal(t, ReportFormatText, rep.Format)
		assert.Contains(t, body, "RECONCILIATION REPORT")
		assert.Contains(t, body, "missing_payment")
		assert.Contains(t, body, "300.00")
		assert.Contains(t, body, "confirmed with provider")
		assert.Empty(t, rep.URL)
	})

	t.Run("JSON report upload", func(t *testing.T) {
		rep, err := svc.Report(ctx, job.ID, ReportFormatJSON, true)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(rep.Key, "reconciliation/custom/"))
		assert.True(t, strings.HasSuffix(rep.Key, job.ID.String()+".json"))
		assert.Contains(t, rep.URL, rep.Key)
		assert.Equal(t, "application/json", objects.types[rep.Key])

		var decoded map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(objects.objects[rep.Key], &decoded))
		assert.Contains(t, decoded, "variance")

		stored, err := svc.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, rep.Key, stored.ReportURL)
	})

	t.Run("Unknown report format", func(t *testing.T) {
		_, err := svc.Report(ctx, job.ID, "pdf", false)
		assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(err))
	})
}

func TestReconciliation_CleanWindowCompletes(t *testing.T) {
	ctx := context.Background()
	card := &stubProcessor{method: models.MethodCard, txs: []processors.Transaction{settled("pi_1", "40.50")}}
	store, svc, _ := newReconciliationFixture(t, card)
	seedPayment(t, store, models.MethodCard, models.PaymentPaid, "40.50", "pi_1")

	start, end := window()
	job, err := svc.CreateReconciliation(ctx, models.PeriodCustom, start, end, "", "admin-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScopeAll, job.ProcessorScope)

	job, err = svc.ProcessReconciliation(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Empty(t, job.Discrepancies)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalJobs)
	assert.NotNil(t, stats.LastCompletedAt)
}

func TestReconciliation_OrphanChecksWholeLedger(t *testing.T) {
	ctx := context.Background()
	card := &stubProcessor{method: models.MethodCard, txs: []processors.Transaction{settled("pi_old", "25"), settled("pi_ghost", "30")}}
	store, svc, _ := newReconciliationFixture(t, card)

	// settled yesterday, so outside the window
	ext := "pi_old"
	old := &models.Payment{
		BookingID:             "booking-old",
		ClientID:              "client-1",
		ProviderID:            "provider-1",
		Amount:                decimal.NewFromInt(25),
		Currency:              "USD",
		Method:                models.MethodCard,
		Status:                models.PaymentPaid,
		ExternalTransactionID: &ext,
		RefundedAmount:        decimal.Zero,
		CreatedAt:             time.Now().UTC().Add(-24 * time.Hour),
	}
	require.NoError(t, store.Payments().Create(ctx, old))

	start, end := window()
	job, err := svc.CreateReconciliation(ctx, models.PeriodCustom, start, end, "card", "admin-1")
	require.NoError(t, err)
	job, err = svc.ProcessReconciliation(ctx, job.ID)
	require.NoError(t, err)

	require.Len(t, job.Discrepancies, 1)
	assert.Equal(t, models.DiscrepancyDuplicatePayment, job.Discrepancies[0].Type)
	assert.Equal(t, "pi_ghost", job.Discrepancies[0].ExternalTransactionID)
}

func TestReconciliation_ProcessorErrorIsADiscrepancy(t *testing.T) {
	ctx := context.Background()
	card := &stubProcessor{method: models.MethodCard, listErr: errors.New("rate limited")}
	store, svc, _ := newReconciliationFixture(t, card)
	seedPayment(t, store, models.MethodCard, models.PaymentPaid, "100", "pi_1")

	start, end := window()
	job, err := svc.CreateReconciliation(ctx, models.PeriodCustom, start, end, "card", "admin-1")
	require.NoError(t, err)
	job, err = svc.ProcessReconciliation(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, models.JobDiscrepanciesFound, job.Status)
	require.Len(t, job.Discrepancies, 1, "ledger rows of an unreachable processor are not reported missing")
	assert.Equal(t, models.DiscrepancyProcessorError, job.Discrepancies[0].Type)
	assert.Contains(t, job.Discrepancies[0].Description, "rate limited")
}

func TestReconciliation_CreateValidation(t *testing.T) {
	ctx := context.Background()
	_, svc, _ := newReconciliationFixture(t, &stubProcessor{method: models.MethodCard})
	start, end := window()

	_, err := svc.CreateReconciliation(ctx, "hourly", start, end, "card", "admin-1")
	assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(err))

	_, err = svc.CreateReconciliation(ctx, models.PeriodCustom, end, start, "card", "admin-1")
	assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(err))

	_, err = svc.CreateReconciliation(ctx, models.PeriodCustom, start, end, "cash", "admin-1")
	assert.Equal(t, http.StatusBadRequest, apperrors.StatusCode(err), "cash is not enabled here")

	_, err = svc.GetJob(ctx, uuid.New())
	assert.Equal(t, http.StatusNotFound, apperrors.StatusCode(err))
}

func TestRenderTextReport_NoDiscrepancies(t *testing.T) {
	job := &models.ReconciliationJob{
		ID:             uuid.New(),
		PeriodType:     models.PeriodDaily,
		ProcessorScope: models.ScopeAll,
		Status:         models.JobCompleted,
		ExpectedAmount: decimal.NewFromInt(10),
		ActualAmount:   decimal.NewFromInt(10),
	}
	body := string(RenderTextReport(job, time.Now()))
	assert.Contains(t, body, "DISCREPANCIES (0, 0 unresolved)")
	assert.Contains(t, body, "none")
	assert.Contains(t, body, "Variance: 0.00%")
}

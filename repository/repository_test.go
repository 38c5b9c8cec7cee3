package repository_test

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yashrajoria/marketplace-payments/database"
	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/repository"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return gormDB, mock
}

func setupSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func newMessage(priority models.Priority, scheduledAt time.Time) *models.OutboxMessage {
	return &models.OutboxMessage{
		Type:         models.MessagePaymentStatusChange,
		Destination:  "payments.status",
		Payload:      datatypes.JSON(`{"ok":true}`),
		Priority:     priority,
		ScheduledAt:  scheduledAt,
		Status:       models.MessagePending,
		MaxAttempts:  5,
		ErrorHistory: datatypes.JSONSlice[models.DeliveryError]{},
	}
}

// ---- payments (sqlmock) ----

func TestPaymentFindByBookingID_NotFound(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormPaymentRepository(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "payments" WHERE booking_id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{}))

	p, err := repo.FindByBookingID(context.Background(), "booking-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentUpdateFrom_StaleState(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormPaymentRepository(gormDB)

	payment := &models.Payment{ID: uuid.New(), Status: models.PaymentPaid}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "payments" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.UpdateFrom(context.Background(), payment, models.PaymentPending)
	assert.ErrorIs(t, err, repository.ErrStaleState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentUpdateFrom_Success(t *testing.T) {
	db := setupSQLite(t)
	repo := repository.NewGormPaymentRepository(db)
	ctx := context.Background()

	payment := &models.Payment{
		BookingID: "b-1", ClientID: "c-1", ProviderID: "p-1",
		Amount: decimal.NewFromInt(100), Currency: "ILS",
		Method: models.MethodCard, Status: models.PaymentPending,
	}
	require.NoError(t, repo.Create(ctx, payment))

	ref := "pi_1"
	now := time.Now().UTC()
	payment.Status = models.PaymentPaid
	payment.ExternalTransactionID = &ref
	payment.PaidAt = &now
	require.NoError(t, repo.UpdateFrom(ctx, payment, models.PaymentPending))

	// a second writer that read "pending" loses
	payment.Status = models.PaymentFailed
	assert.ErrorIs(t, repo.UpdateFrom(ctx, payment, models.PaymentPending), repository.ErrStaleState)

	stored, err := repo.FindByExternalID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, stored.Status)
	assert.True(t, stored.Amount.Equal(decimal.NewFromInt(100)))
}

func TestPaymentListInRange_FiltersMethod(t *testing.T) {
	db := setupSQLite(t)
	repo := repository.NewGormPaymentRepository(db)
	ctx := context.Background()

	for i, m := range []models.PaymentMethod{models.MethodCash, models.MethodCard, models.MethodCash} {
		require.NoError(t, repo.Create(ctx, &models.Payment{
			BookingID: fmt.Sprintf("b-%d", i), ClientID: "c", ProviderID: "p",
			Amount: decimal.NewFromInt(10), Currency: "ILS", Method: m, Status: models.PaymentPaid,
		}))
	}

	from, to := time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(time.Hour)
	all, err := repo.ListInRange(ctx, "", from, to)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	cash, err := repo.ListInRange(ctx, models.MethodCash, from, to)
	require.NoError(t, err)
	assert.Len(t, cash, 2)

	none, err := repo.ListInRange(ctx, "", to, to.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

// ---- audit ----

func TestAuditListByPayment_CreationOrder(t *testing.T) {
	db := setupSQLite(t)
	repo := repository.NewGormAuditRepository(db)
	ctx := context.Background()
	paymentID := uuid.New()

	statuses := []models.PaymentStatus{models.PaymentPending, models.PaymentPaid, models.PaymentRefunded}
	for i, s := range statuses {
		old := models.PaymentPending
		if i > 0 {
			old = statuses[i-1]
		}
		require.NoError(t, repo.Create(ctx, &models.AuditEntry{
			PaymentID: paymentID, BookingID: "b-1", ActorID: "u", ActorRole: models.RoleSystem,
			Action: models.AuditStatusUpdated, OldStatus: old, NewStatus: s,
		}))
	}

	entries, total, err := repo.ListByPayment(ctx, paymentID, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, statuses[i], e.NewStatus)
	}

	page2, _, err := repo.ListByBooking(ctx, "b-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, models.PaymentRefunded, page2[0].NewStatus)
}

// ---- outbox ----

func TestOutboxClaim_SQLMock(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormOutboxRepository(gormDB)

	msg := &models.OutboxMessage{ID: uuid.New(), Status: models.MessagePending, Attempts: 0}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "outbox_messages" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.Claim(context.Background(), msg, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.MessageProcessing, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	assert.NotNil(t, msg.FirstAttemptAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxClaim_ExactlyOneConcurrentWinner(t *testing.T) {
	db := setupSQLite(t)
	repo := repository.NewGormOutboxRepository(db)
	ctx := context.Background()

	msg := newMessage(models.PriorityNormal, time.Now().UTC().Add(-time.Second))
	require.NoError(t, repo.Create(ctx, msg))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			copyOf := *msg
			ok, err := repo.Claim(ctx, &copyOf, time.Now().UTC())
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
	stored, err := repo.FindByID(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageProcessing, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestOutboxFindDue_Ordering(t *testing.T) {
	db := setupSQLite(t)
	repo := repository.NewGormOutboxRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	low := newMessage(models.PriorityLow, now.Add(-3*time.Minute))
	highLate := newMessage(models.PriorityHigh, now.Add(-1*time.Minute))
	highEarly := newMessage(models.PriorityHigh, now.Add(-2*time.Minute))
	future := newMessage(models.PriorityCritical, now.Add(time.Hour))
	for _, m := range []*models.OutboxMessage{low, highLate, highEarly, future} {
		require.NoError(t, repo.Create(ctx, m))
	}

	due, err := repo.FindDuePending(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, highEarly.ID, due[0].ID)
	assert.Equal(t, highLate.ID, due[1].ID)
	assert.Equal(t, low.ID, due[2].ID)
}

func TestOutboxRetryLifecycle(t *testing.T) {
	db := setupSQLite(t)
	repo := repository.NewGormOutboxRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	msg := newMessage(models.PriorityNormal, now.Add(-time.Minute))
	require.NoError(t, repo.Create(ctx, msg))

	ok, err := repo.Claim(ctx, msg, now)
	require.NoError(t, err)
	require.True(t, ok)

	retryAt := now.Add(2 * time.Second)
	msg.Status = models.MessageFailed
	msg.NextRetryAt = &retryAt
	msg.LastError = "connection refused"
	msg.ErrorHistory = append(msg.ErrorHistory, models.DeliveryError{Attempt: 1, Error: "connection refused", At: now})
	require.NoError(t, repo.SaveDeliveryState(ctx, msg))

	// not due yet
	due, err := repo.FindDueRetries(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	stale := *msg
	ok, err = repo.Claim(ctx, &stale, now)
	require.NoError(t, err)
	assert.False(t, ok)

	due, err = repo.FindDueRetries(ctx, retryAt.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	ok, err = repo.Claim(ctx, &due[0], retryAt.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, due[0].Attempts)

	// saving again from a non-processing snapshot is rejected
	due[0].Status = models.MessageDeadLetter
	due[0].DeadLetterReason = "max attempts reached"
	require.NoError(t, repo.SaveDeliveryState(ctx, &due[0]))
	assert.ErrorIs(t, repo.SaveDeliveryState(ctx, &due[0]), repository.ErrStaleState)

	n, err := repo.ResetForRetry(ctx, []string{msg.MessageID}, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stored, err := repo.FindByID(ctx, msg.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.MessagePending, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
	assert.Empty(t, stored.ErrorHistory)
	assert.Empty(t, stored.DeadLetterReason)
	assert.Nil(t, stored.NextRetryAt)
}

func TestOutboxStaleProcessingIsRecoverable(t *testing.T) {
	db := setupSQLite(t)
	repo := repository.NewGormOutboxRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	msg := newMessage(models.PriorityNormal, now.Add(-time.Minute))
	require.NoError(t, repo.Create(ctx, msg))
	ok, err := repo.Claim(ctx, msg, now)
	require.NoError(t, err)
	require.True(t, ok)

	// the claimer never records an outcome
	stale, err := repo.FindStaleProcessing(ctx, now.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, stale, "a fresh claim is not stale")
	n, err := repo.ResetForRetry(ctx, []string{msg.MessageID}, now)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "a fresh claim cannot be reset")

	later := now.Add(24 * time.Hour)
	before := later.Add(-repository.OutboxProcessingTimeout)
	stale, err = repo.FindStaleProcessing(ctx, before, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, 1, stale[0].Attempts)

	ok, err = repo.ReclaimStale(ctx, &stale[0], before, later)
	require.NoError(t, err)
	require.True(t, ok)
	other := stale[0]
	ok, err = repo.ReclaimStale(ctx, &other, before, later)
	require.NoError(t, err)
	assert.False(t, ok, "a reclaimed row is no longer stale")

	retryAt := later.Add(2 * time.Second)
	stale[0].Status = models.MessageFailed
	stale[0].NextRetryAt = &retryAt
	stale[0].LastError = "interrupted"
	require.NoError(t, repo.SaveDeliveryState(ctx, &stale[0]))

	due, err := repo.FindDueRetries(ctx, retryAt, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, msg.ID, due[0].ID)

	// an operator can also reset a stuck claim
	stuck := newMessage(models.PriorityNormal, now.Add(-time.Minute))
	require.NoError(t, repo.Create(ctx, stuck))
	ok, err = repo.Claim(ctx, stuck, now)
	require.NoError(t, err)
	require.True(t, ok)
	n, err = repo.ResetForRetry(ctx, []string{stuck.MessageID}, later)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stored, err := repo.FindByID(ctx, stuck.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.MessagePending, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
}

func TestOutboxStatsAndCleanup(t *testing.T) {
	db := setupSQLite(t)
	repo := repository.NewGormOutboxRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.AddDate(0, 0, -40)
	delivered := newMessage(models.PriorityNormal, old)
	delivered.Status = models.MessageDelivered
	delivered.DeliveredAt = &old
	recent := newMessage(models.PriorityNormal, now)
	recent.Status = models.MessageDelivered
	recent.DeliveredAt = &now
	pending := newMessage(models.PriorityNormal, now)
	for _, m := range []*models.OutboxMessage{delivered, recent, pending} {
		require.NoError(t, repo.Create(ctx, m))
	}

	stats, err := repo.Stats(ctx, now.AddDate(0, 0, -7))
	require.NoError(t, err)
	counts := map[models.MessageStatus]int64{}
	for _, s := range stats {
		counts[s.Status] += s.Count
	}
	assert.EqualValues(t, 2, counts[models.MessageDelivered])
	assert.EqualValues(t, 1, counts[models.MessagePending])

	n, err := repo.DeleteDeliveredBefore(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, total, err := repo.List(ctx, models.OutboxFilter{Type: models.MessagePaymentStatusChange})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

// ---- reconciliation ----

func newJob(maxRetries int) *models.ReconciliationJob {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &models.ReconciliationJob{
		PeriodType:     models.PeriodDaily,
		StartDate:      start,
		EndDate:        start.AddDate(0, 0, 1),
		ProcessorScope: models.ScopeAll,
		Status:         models.JobPending,
		MaxRetries:     maxRetries,
		CreatedBy:      "test",
		Discrepancies:  datatypes.JSONSlice[models.Discrepancy]{},
	}
}

func TestReconciliationClaim_BoundedRetries(t *testing.T) {
	db := setupSQLite(t)
	repo := repository.NewGormReconciliationRepository(db)
	ctx := context.Background()

	job := newJob(2)
	require.NoError(t, repo.Create(ctx, job))

	for attempt := 1; attempt <= 2; attempt++ {
		ok, err := repo.Claim(ctx, job, time.Now().UTC())
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", attempt)
		assert.Equal(t, attempt, job.RetryCount)

		// processing jobs cannot be claimed twice
		again := *job
		again.Status = models.JobPending
		ok, err = repo.Claim(ctx, &again, time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok)

		job.Status = models.JobFailed
		job.LastError = "processor timeout"
		require.NoError(t, repo.Save(ctx, job))
	}

	ok, err := repo.Claim(ctx, job, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok, "retries exhausted")

	found, err := repo.FindByWindow(ctx, job.PeriodType, job.StartDate, job.EndDate, models.ScopeAll)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)
	_, err = repo.FindByWindow(ctx, job.PeriodType, job.StartDate, job.EndDate, "card")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReconciliationClaim_AbandonedProcessing(t *testing.T) {
	db := setupSQLite(t)
	repo := repository.NewGormReconciliationRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	job := newJob(2)
	require.NoError(t, repo.Create(ctx, job))
	ok, err := repo.Claim(ctx, job, now)
	require.NoError(t, err)
	require.True(t, ok)

	// the run never saves its outcome
	again := *job
	ok, err = repo.Claim(ctx, &again, now.Add(repository.ReconciliationProcessingTimeout-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a live run keeps its claim")

	later := now.Add(repository.ReconciliationProcessingTimeout + time.Minute)
	ok, err = repo.Claim(ctx, &again, later)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, again.RetryCount)

	stored, err := repo.FindByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, stored.Status)
	require.NotNil(t, stored.StartedAt)
	assert.WithinDuration(t, later, *stored.StartedAt, time.Second)

	ok, err = repo.Claim(ctx, &again, later.Add(2*repository.ReconciliationProcessingTimeout))
	require.NoError(t, err)
	assert.False(t, ok, "retries exhausted")
}

func TestReconciliationUpdateDiscrepancy_LastWriteWins(t *testing.T) {
	db := setupSQLite(t)
	repo := repository.NewGormReconciliationRepository(db)
	ctx := context.Background()

	job := newJob(3)
	job.Status = models.JobDiscrepanciesFound
	job.Discrepancies = datatypes.JSONSlice[models.Discrepancy]{
		{Type: models.DiscrepancyMissingPayment, Severity: models.SeverityHigh, Description: "missing"},
	}
	require.NoError(t, repo.Create(ctx, job))

	resolve := func(by, notes string) func(*models.Discrepancy) {
		return func(d *models.Discrepancy) {
			now := time.Now().UTC()
			d.Resolved = true
			d.ResolvedBy = by
			d.ResolutionNotes = notes
			d.ResolvedAt = &now
		}
	}

	_, err := repo.UpdateDiscrepancy(ctx, job.ID, 0, resolve("admin-1", "refunded offline"))
	require.NoError(t, err)
	updated, err := repo.UpdateDiscrepancy(ctx, job.ID, 0, resolve("admin-2", "confirmed with bank"))
	require.NoError(t, err)

	require.Len(t, updated.Discrepancies, 1)
	assert.True(t, updated.Discrepancies[0].Resolved)
	assert.Equal(t, "admin-2", updated.Discrepancies[0].ResolvedBy)
	assert.Equal(t, "confirmed with bank", updated.Discrepancies[0].ResolutionNotes)

	_, err = repo.UpdateDiscrepancy(ctx, job.ID, 5, resolve("x", "y"))
	assert.ErrorIs(t, err, repository.ErrDiscrepancyIndex)
	_, err = repo.UpdateDiscrepancy(ctx, uuid.New(), 0, resolve("x", "y"))
	assert.ErrorIs(t, err, repository.ErrNotFound)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalJobs)
	assert.EqualValues(t, 0, stats.JobsWithOpenIssues)
}

// ---- leases ----

func TestGormLeaseStore(t *testing.T) {
	db := setupSQLite(t)
	store := repository.NewGormLeaseStore(db)
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "reconciliation:daily", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, "reconciliation:daily", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Acquire(ctx, "reconciliation:daily", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner may extend")

	require.NoError(t, store.Release(ctx, "reconciliation:daily", "node-a"))
	ok, err = store.Acquire(ctx, "reconciliation:daily", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// an expired lease can be taken over
	ok, err = store.Acquire(ctx, "reconciliation:weekly", "node-a", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Acquire(ctx, "reconciliation:weekly", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

type fakeDynamo struct {
	put    *dynamodb.PutItemInput
	putErr error
	del    *dynamodb.DeleteItemInput
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.put = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.del = in
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoLeaseStore(t *testing.T) {
	client := &fakeDynamo{}
	store := repository.NewDynamoLeaseStore(client, "leases")
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "outbox:pending", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, client.put.ConditionExpression)
	assert.Contains(t, *client.put.ConditionExpression, "attribute_not_exists(lease_name)")
	assert.Equal(t, &types.AttributeValueMemberS{Value: "node-a"}, client.put.Item["owner"])

	client.putErr = &types.ConditionalCheckFailedException{}
	ok, err = store.Acquire(ctx, "outbox:pending", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Release(ctx, "outbox:pending", "node-a"))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "outbox:pending"}, client.del.Key["lease_name"])
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/common/logger"
	"github.com/yashrajoria/marketplace-payments/models"
	awspkg "github.com/yashrajoria/marketplace-payments/pkg/aws"
	"github.com/yashrajoria/marketplace-payments/processors"
	"github.com/yashrajoria/marketplace-payments/repository"
)

// PaymentService drives every payment state change through one sequence:
// ledger update, audit entry and outbox enqueue in a single transaction.
type PaymentService interface {
	Create(ctx context.Context, actor models.Actor, req models.CreatePaymentRequest) (*models.CreatePaymentResult, error)
	Confirm(ctx context.Context, actor models.Actor, id uuid.UUID, req models.ConfirmPaymentRequest) (*models.Payment, error)
	Cancel(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.Payment, error)
	Refund(ctx context.Context, actor models.Actor, id uuid.UUID, req models.RefundRequest) (*models.Payment, error)
	UpdateStatus(ctx context.Context, actor models.Actor, id uuid.UUID, req models.UpdateStatusRequest) (*models.Payment, error)
	HandleWebhook(ctx context.Context, method models.PaymentMethod, payload []byte, signature string) error
	Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Payment, error)
	GetByBooking(ctx context.Context, actor models.Actor, bookingID string) (*models.Payment, error)
}

// PaymentDeps wires a PaymentService.
type PaymentDeps struct {
	Store    repository.Store
	Bookings repository.BookingRepository
	Registry *processors.Registry
	Outbox   OutboxService
	// Deduper drops replayed webhook events; nil disables dedupe.
	Deduper repository.WebhookDeduper
	Metrics *awspkg.MetricsClient
	Logger  *zap.Logger

	// WebhookSecrets are the inbound endpoint secrets per method. A missing
	// entry lets the backend use its own configured secret.
	WebhookSecrets map[models.PaymentMethod]string
	// StatusDestination is recorded on payment_status_change messages
	// (the topic they fan out to).
	StatusDestination string
}

type paymentServiceImpl struct {
	store             repository.Store
	bookings          repository.BookingRepository
	registry          *processors.Registry
	outbox            OutboxService
	deduper           repository.WebhookDeduper
	metrics           *awspkg.MetricsClient
	logger            *zap.Logger
	webhookSecrets    map[models.PaymentMethod]string
	statusDestination string
	now               func() time.Time
}

func NewPaymentService(deps PaymentDeps) PaymentService {
	return &paymentServiceImpl{
		store:             deps.Store,
		bookings:          deps.Bookings,
		registry:          deps.Registry,
		outbox:            deps.Outbox,
		deduper:           deps.Deduper,
		metrics:           deps.Metrics,
		logger:            deps.Logger,
		webhookSecrets:    deps.WebhookSecrets,
		statusDestination: deps.StatusDestination,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (s *paymentServiceImpl) Create(ctx context.Context, actor models.Actor, req models.CreatePaymentRequest) (*models.CreatePaymentResult, error) {
	log := logger.For(ctx, s.logger).With(zap.String("booking_id", req.BookingID), zap.String("method", string(req.Method)))

	if !req.Method.Valid() {
		return nil, apperrors.ErrValidation.Withf("unsupported payment method %q", req.Method)
	}
	proc, ok := s.registry.Get(req.Method)
	if !ok {
		return nil, apperrors.ErrUnprocessable.Withf("payment method %q is not enabled", req.Method)
	}

	booking, err := s.bookings.FindByID(ctx, req.BookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrNotFound.Withf("booking %s", req.BookingID)
	}
	if err != nil {
		return nil, apperrors.ErrInternalServer.Wrap(fmt.Errorf("load booking: %w", err))
	}
	if !canPay(actor, booking) {
		return nil, apperrors.ErrForbidden
	}
	if !booking.TotalAmount.IsPositive() {
		return nil, apperrors.ErrUnprocessable.Withf("booking amount must be positive")
	}

	caps := proc.Capabilities()
	if !caps.SupportsCurrency(booking.Currency) {
		return nil, apperrors.ErrUnprocessable.Withf("%s does not accept %s", proc.Name(), booking.Currency)
	}
	if !caps.SupportsImmediatePayment && !caps.SupportsPendingPayment {
		return nil, apperrors.ErrUnprocessable.Withf("%s cannot take payments", proc.Name())
	}

	existing, err := s.store.Payments().FindByBookingID(ctx, booking.ID)
	switch {
	case err == nil:
		return s.existingPayment(ctx, proc, existing, req.Method)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}

	payment := &models.Payment{
		BookingID:      booking.ID,
		ClientID:       booking.ClientID,
		ProviderID:     booking.ProviderID,
		Amount:         booking.TotalAmount,
		Currency:       processors.NormalizeCurrency(booking.Currency),
		Method:         req.Method,
		Status:         models.PaymentPending,
		RefundedAmount: decimal.Zero,
		Metadata:       datatypes.JSONMap{},
	}
	if err := s.store.Payments().Create(ctx, payment); err != nil {
		if _, findErr := s.store.Payments().FindByBookingID(ctx, booking.ID); findErr == nil {
			return nil, apperrors.ErrConflict.Withf("booking %s already has a payment", booking.ID)
		}
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	log = log.With(zap.String("payment_id", payment.ID.String()))

	collectedBy := req.CollectedBy
	if collectedBy == "" && req.Method == models.MethodCash {
		collectedBy = booking.ProviderID
	}
	procReq := processors.PaymentRequest{
		PaymentID:       payment.ID.String(),
		BookingID:       payment.BookingID,
		ClientID:        payment.ClientID,
		ProviderID:      payment.ProviderID,
		Amount:          payment.Amount,
		Currency:        payment.Currency,
		PaymentMethodID: req.PaymentMethodID,
		ReturnURL:       req.ReturnURL,
		CollectedBy:     collectedBy,
	}

	result := &models.CreatePaymentResult{Payment: payment}
	// processor calls stay outside any transaction
	if caps.SupportsImmediatePayment {
		res, err := proc.ProcessPayment(ctx, procReq)
		if err != nil {
			return nil, s.failCreation(ctx, log, actor, payment, err)
		}
		applyProcessorResult(payment, res, s.now())
	} else {
		intent, err := proc.CreatePayment(ctx, procReq)
		if err != nil {
			return nil, s.failCreation(ctx, log, actor, payment, err)
		}
		applyIntent(payment, intent, s.now())
		result.ClientSecret = intent.ClientSecret
		result.NextAction = intent.NextAction
	}

	if err := s.applyTransition(ctx, payment, models.PaymentPending, actor, models.AuditCreated, "", true); err != nil {
		log.Error("failed to record payment creation", zap.Error(err))
		return nil, err
	}

	recordCount(s.metrics, awspkg.MetricPaymentCreated, map[string]string{"Method": string(payment.Method)})
	if payment.Status == models.PaymentPaid {
		recordCount(s.metrics, awspkg.MetricPaymentSucceeded, map[string]string{"Method": string(payment.Method)})
	}
	log.Info("payment created", zap.String("status", string(payment.Status)), zap.String("external_id", payment.ExternalID()))
	return result, nil
}

// existingPayment makes create idempotent for a still-pending payment with
// the same method.
func (s *paymentServiceImpl) existingPayment(ctx context.Context, proc processors.Processor, p *models.Payment, method models.PaymentMethod) (*models.CreatePaymentResult, error) {
	if p.Status != models.PaymentPending || p.Method != method {
		return nil, apperrors.ErrConflict.Withf("booking %s already has a %s %s payment", p.BookingID, p.Status, p.Method)
	}
	result := &models.CreatePaymentResult{Payment: p}
	if p.ExternalID() == "" || !proc.Capabilities().SupportsPendingPayment {
		return result, nil
	}
	status, err := proc.GetPaymentStatus(ctx, p.ExternalID())
	if err != nil {
		return nil, apperrors.ErrBadGateway.Wrap(err)
	}
	if status.Details.Card != nil {
		result.ClientSecret = status.Details.Card.ClientSecret
	}
	return result, nil
}

// failCreation records a processor rejection. Nothing external knows about
// the payment, so no outbox message is written.
func (s *paymentServiceImpl) failCreation(ctx context.Context, log *zap.Logger, actor models.Actor, p *models.Payment, cause error) error {
	now := s.now()
	p.Status = models.PaymentFailed
	p.FailedAt = &now
	p.FailureReason = cause.Error()
	p.Metadata = withMetadata(p.Metadata, "processor_error", cause.Error())

	if err := s.applyTransition(ctx, p, models.PaymentPending, actor, models.AuditCreated, "processor error", false); err != nil {
		log.Error("failed to record processor failure", zap.Error(err), zap.NamedError("processor_error", cause))
	}
	recordCount(s.metrics, awspkg.MetricPaymentFailed, map[string]string{"Method": string(p.Method)})
	log.Warn("processor rejected payment", zap.Error(cause))
	return apperrors.ErrBadGateway.Wrap(cause)
}

func (s *paymentServiceImpl) Confirm(ctx context.Context, actor models.Actor, id uuid.UUID, req models.ConfirmPaymentRequest) (*models.Payment, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canManage(actor, p) {
		return nil, apperrors.ErrForbidden
	}
	if p.Status != models.PaymentPending {
		return nil, apperrors.ErrConflict.Withf("payment is %s", p.Status)
	}
	proc, err := s.processorFor(p.Method)
	if err != nil {
		return nil, err
	}
	if !proc.Capabilities().SupportsPendingPayment {
		return nil, apperrors.ErrUnprocessable.Withf("%s payments need no confirmation", p.Method)
	}

	res, err := proc.ConfirmPayment(ctx, p.ExternalID(), processors.ConfirmationData{
		PaymentMethodID: req.PaymentMethodID,
		ReturnURL:       req.ReturnURL,
	})
	if err != nil {
		now := s.now()
		p.Status = models.PaymentFailed
		p.FailedAt = &now
		p.FailureReason = err.Error()
		p.Metadata = withMetadata(p.Metadata, "processor_error", err.Error())
		if txErr := s.applyTransition(ctx, p, models.PaymentPending, actor, models.AuditStatusUpdated, "confirmation failed", true); txErr != nil {
			s.logger.Error("failed to record confirmation failure", zap.String("payment_id", p.ID.String()), zap.Error(txErr))
		}
		recordCount(s.metrics, awspkg.MetricPaymentFailed, map[string]string{"Method": string(p.Method)})
		return nil, apperrors.ErrBadGateway.Wrap(err)
	}

	applyProcessorResult(p, res, s.now())
	if p.Status == models.PaymentPending {
		// still waiting on the customer or a webhook
		if err := s.store.Payments().UpdateFrom(ctx, p, models.PaymentPending); err != nil {
			return nil, transitionError(err)
		}
		return p, nil
	}

	if err := s.applyTransition(ctx, p, models.PaymentPending, actor, models.AuditStatusUpdated, "confirmed", true); err != nil {
		return nil, err
	}
	if p.Status == models.PaymentPaid {
		recordCount(s.metrics, awspkg.MetricPaymentSucceeded, map[string]string{"Method": string(p.Method)})
	}
	return p, nil
}

// Cancel abandons a pending payment.
func (s *paymentServiceImpl) Cancel(ctx context.Context, actor models.Actor, id uuid.UUID, reason string) (*models.Payment, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canManage(actor, p) {
		return nil, apperrors.ErrForbidden
	}
	if p.Status != models.PaymentPending {
		return nil, apperrors.ErrConflict.Withf("only pending payments can be cancelled, payment is %s", p.Status)
	}

	now := s.now()
	p.Status = models.PaymentFailed
	p.FailedAt = &now
	p.FailureReason = "cancelled"
	if reason != "" {
		p.FailureReason = "cancelled: " + reason
	}
	if err := s.applyTransition(ctx, p, models.PaymentPending, actor, models.AuditCancelled, reason, true); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *paymentServiceImpl) Refund(ctx context.Context, actor models.Actor, id uuid.UUID, req models.RefundRequest) (*models.Payment, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.ErrForbidden
	}
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentPaid {
		return nil, apperrors.ErrConflict.Withf("only paid payments can be refunded, payment is %s", p.Status)
	}
	if p.RefundStatus == models.RefundPendingManual || p.RefundStatus == models.RefundPendingProcessor {
		return nil, apperrors.ErrConflict.Withf("a refund is already in progress")
	}
	proc, err := s.processorFor(p.Method)
	if err != nil {
		return nil, err
	}
	caps := proc.Capabilities()
	if !caps.SupportsRefunds {
		return nil, apperrors.ErrUnprocessable.Withf("%s does not support refunds", proc.Name())
	}

	remaining := p.Amount.Sub(p.RefundedAmount)
	amount := remaining
	if req.Amount != nil {
		amount = *req.Amount
	}
	if !amount.IsPositive() || amount.GreaterThan(remaining) {
		return nil, apperrors.ErrValidation.Withf("refund amount must be between 0 and %s", remaining.StringFixed(2))
	}
	partial := amount.LessThan(remaining)
	if partial && !caps.SupportsPartialRefunds {
		return nil, apperrors.ErrUnprocessable.Withf("%s does not support partial refunds", proc.Name())
	}

	log := logger.For(ctx, s.logger).With(zap.String("payment_id", p.ID.String()), zap.String("amount", amount.String()))

	res, err := proc.RefundPayment(ctx, processors.RefundRequest{
		ExternalTransactionID: p.ExternalID(),
		Amount:                amount,
		Currency:              p.Currency,
		Reason:                req.Reason,
		Partial:               partial,
	})
	if err == nil && res.Status == models.RefundFailed {
		err = errors.New("processor reported the refund as failed")
	}
	if err != nil {
		p.RefundStatus = models.RefundFailed
		p.Metadata = withMetadata(p.Metadata, "refund_error", err.Error())
		if saveErr := s.store.Payments().UpdateFrom(ctx, p, models.PaymentPaid); saveErr != nil {
			log.Error("failed to record refund failure", zap.Error(saveErr))
		}
		log.Warn("refund failed", zap.Error(err))
		return nil, apperrors.ErrBadGateway.Wrap(err)
	}

	if res.RefundID != "" {
		p.Metadata = withMetadata(p.Metadata, "refund_id", res.RefundID)
		if details := p.ProcessorDetails.Data(); details.Card != nil {
			details.Card.RefundID = res.RefundID
			p.ProcessorDetails = datatypes.NewJSONType(details)
		}
	}
	p.RefundStatus = res.Status
	if res.Status == models.RefundSucceeded {
		p.RefundedAmount = p.RefundedAmount.Add(amount)
		if !p.RefundedAmount.LessThan(p.Amount) {
			now := s.now()
			p.Status = models.PaymentRefunded
			p.RefundedAt = &now
		}
	}

	if err := s.applyTransition(ctx, p, models.PaymentPaid, actor, models.AuditRefunded, req.Reason, true); err != nil {
		return nil, err
	}
	recordCount(s.metrics, awspkg.MetricPaymentRefunded, map[string]string{"Method": string(p.Method), "RefundStatus": string(p.RefundStatus)})
	log.Info("refund recorded", zap.String("refund_status", string(p.RefundStatus)), zap.String("status", string(p.Status)))
	return p, nil
}

// UpdateStatus is the audited admin override; it may move a payment in any
// direction but always needs a note.
func (s *paymentServiceImpl) UpdateStatus(ctx context.Context, actor models.Actor, id uuid.UUID, req models.UpdateStatusRequest) (*models.Payment, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.ErrForbidden
	}
	if !req.Status.Valid() {
		return nil, apperrors.ErrValidation.Withf("unknown status %q", req.Status)
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		return nil, apperrors.ErrValidation.Withf("a note is required for status overrides")
	}

	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == req.Status {
		return nil, apperrors.ErrConflict.Withf("payment is already %s", p.Status)
	}

	old := p.Status
	now := s.now()
	p.Status = req.Status
	switch req.Status {
	case models.PaymentPaid:
		if p.PaidAt == nil {
			p.PaidAt = &now
		}
	case models.PaymentFailed:
		p.FailedAt = &now
		if p.FailureReason == "" {
			p.FailureReason = note
		}
	case models.PaymentRefunded:
		p.RefundedAt = &now
		p.RefundedAmount = p.Amount
		p.RefundStatus = models.RefundSucceeded
	}

	if err := s.applyTransition(ctx, p, old, actor, models.AuditStatusUpdated, note, true); err != nil {
		return nil, err
	}
	logger.For(ctx, s.logger).Info("payment status overridden",
		zap.String("payment_id", p.ID.String()),
		zap.String("actor_id", actor.ID),
		zap.String("old_status", string(old)),
		zap.String("new_status", string(p.Status)),
	)
	return p, nil
}

// HandleWebhook verifies and applies a processor webhook. Once the
// signature verifies it returns nil, whatever happens downstream, so the
// processor stops redelivering; failures are logged instead.
func (s *paymentServiceImpl) HandleWebhook(ctx context.Context, method models.PaymentMethod, payload []byte, signature string) error {
	proc, ok := s.registry.Get(method)
	if !ok {
		return apperrors.ErrNotFound.Withf("no processor for %q", method)
	}
	if !proc.Capabilities().SupportsWebhooks {
		return apperrors.ErrBadRequest.Withf("%s does not accept webhooks", proc.Name())
	}

	dims := map[string]string{"Method": string(method)}
	log := logger.For(ctx, s.logger).With(zap.String("method", string(method)))

	if !proc.VerifyWebhookSignature(payload, signature, s.webhookSecrets[method]) {
		recordCount(s.metrics, awspkg.MetricWebhookRejected, dims)
		log.Warn("webhook signature rejected")
		return apperrors.ErrBadRequest.Wrap(processors.ErrInvalidSignature)
	}
	recordCount(s.metrics, awspkg.MetricWebhookReceived, dims)

	res, err := proc.ProcessWebhookEvent(ctx, payload)
	if err != nil {
		log.Error("failed to process webhook event", zap.Error(err))
		return nil
	}
	log = log.With(zap.String("event_id", res.EventID), zap.String("event_type", res.EventType))
	if res.Ignored {
		log.Debug("webhook event ignored")
		return nil
	}

	dedupeKey := string(method) + ":" + res.EventID
	if s.deduper != nil && res.EventID != "" {
		fresh, err := s.deduper.MarkNew(ctx, dedupeKey)
		if err != nil {
			log.Warn("webhook dedupe unavailable, processing anyway", zap.Error(err))
		} else if !fresh {
			log.Info("duplicate webhook event skipped")
			return nil
		}
	}

	if err := s.applyWebhook(ctx, log, method, res); err != nil {
		log.Error("failed to apply webhook event", zap.Error(err))
		if s.deduper != nil && res.EventID != "" {
			if fErr := s.deduper.Forget(ctx, dedupeKey); fErr != nil {
				log.Warn("failed to clear webhook dedupe key", zap.Error(fErr))
			}
		}
	}
	return nil
}

func (s *paymentServiceImpl) applyWebhook(ctx context.Context, log *zap.Logger, method models.PaymentMethod, res *processors.WebhookResult) error {
	p, err := s.store.Payments().FindByExternalID(ctx, res.ExternalTransactionID)
	if errors.Is(err, repository.ErrNotFound) {
		// the creating transaction may not have stored the reference yet;
		// failing here lets a redelivery of the event be applied
		return fmt.Errorf("webhook for unknown payment %q: %w", res.ExternalTransactionID, err)
	}
	if err != nil {
		return err
	}
	log = log.With(zap.String("payment_id", p.ID.String()))

	if p.Status == res.Status {
		return nil
	}
	if !models.CanTransition(p.Status, res.Status) {
		log.Warn("webhook transition not allowed",
			zap.String("current_status", string(p.Status)),
			zap.String("event_status", string(res.Status)),
		)
		return nil
	}

	old := p.Status
	now := s.now()
	p.Status = res.Status
	switch res.Status {
	case models.PaymentPaid:
		p.PaidAt = &now
	case models.PaymentFailed:
		p.FailedAt = &now
		p.FailureReason = res.FailureReason
	case models.PaymentRefunded:
		p.RefundedAt = &now
		p.RefundedAmount = p.Amount
		p.RefundStatus = models.RefundSucceeded
	}
	if details := p.ProcessorDetails.Data(); details.Card != nil {
		details.Card.LastEventID = res.EventID
		details.Card.LastEventType = res.EventType
		p.ProcessorDetails = datatypes.NewJSONType(details)
	}

	actor := models.SystemActor("webhook:" + string(method))
	if err := s.applyTransition(ctx, p, old, actor, models.AuditStatusUpdated, "webhook "+res.EventType, true); err != nil {
		return err
	}

	switch p.Status {
	case models.PaymentPaid:
		recordCount(s.metrics, awspkg.MetricPaymentSucceeded, map[string]string{"Method": string(p.Method)})
	case models.PaymentFailed:
		recordCount(s.metrics, awspkg.MetricPaymentFailed, map[string]string{"Method": string(p.Method)})
	}
	log.Info("webhook applied", zap.String("old_status", string(old)), zap.String("new_status", string(p.Status)))
	return nil
}

func (s *paymentServiceImpl) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Payment, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(actor, p) {
		return nil, apperrors.ErrForbidden
	}
	return p, nil
}

func (s *paymentServiceImpl) GetByBooking(ctx context.Context, actor models.Actor, bookingID string) (*models.Payment, error) {
	p, err := s.store.Payments().FindByBookingID(ctx, bookingID)
	if err != nil {
		return nil, paymentLookupError(err, "for booking "+bookingID)
	}
	if !canView(actor, p) {
		return nil, apperrors.ErrForbidden
	}
	return p, nil
}

// applyTransition persists p (read in status from) together with its audit
// entry and, when notify is set, its outbox messages. Either all of it is
// written or none.
func (s *paymentServiceImpl) applyTransition(ctx context.Context, p *models.Payment, from models.PaymentStatus, actor models.Actor, action models.AuditAction, note string, notify bool) error {
	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		if err := tx.Payments().UpdateFrom(ctx, p, from); err != nil {
			return err
		}
		if err := tx.Audit().Create(ctx, newAuditEntry(p, actor, action, from, note)); err != nil {
			return fmt.Errorf("write audit entry: %w", err)
		}
		if !notify {
			return nil
		}
		return s.enqueueStatusMessages(ctx, tx.Outbox(), p, from, actor, action)
	})
	if err != nil {
		return transitionError(err)
	}
	return nil
}

// statusEventType names the fan-out event. A refund that leaves the status
// unchanged (manual refunds) is reported as a refund update.
func statusEventType(status, old models.PaymentStatus, action models.AuditAction) string {
	if action == models.AuditRefunded && old == status {
		return "payment.refund_updated"
	}
	return "payment." + string(status)
}

// enqueueStatusMessages writes the status fan-out and, when the payment
// settled or was refunded, the booking mirror update.
func (s *paymentServiceImpl) enqueueStatusMessages(ctx context.Context, repo repository.OutboxRepository, p *models.Payment, old models.PaymentStatus, actor models.Actor, action models.AuditAction) error {
	eventType := statusEventType(p.Status, old, action)
	priority := models.PriorityNormal
	if p.Status == models.PaymentPaid && old != models.PaymentPaid {
		priority = models.PriorityHigh
	}

	event := models.PaymentStatusEvent{
		Type:         eventType,
		PaymentID:    p.ID.String(),
		BookingID:    p.BookingID,
		ClientID:     p.ClientID,
		ProviderID:   p.ProviderID,
		Amount:       p.Amount,
		Currency:     p.Currency,
		Method:       p.Method,
		OldStatus:    old,
		NewStatus:    p.Status,
		RefundStatus: p.RefundStatus,
		ActorRole:    actor.Role,
		Timestamp:    s.now(),
	}
	if _, err := s.outbox.Enqueue(ctx, repo, OutboxEnvelope{
		Type:          models.MessagePaymentStatusChange,
		Destination:   s.statusDestination,
		CorrelationID: p.ID.String(),
		Priority:      priority,
		Payload:       event,
	}); err != nil {
		return err
	}

	if old == p.Status || (p.Status != models.PaymentPaid && p.Status != models.PaymentRefunded) {
		return nil
	}
	_, err := s.outbox.Enqueue(ctx, repo, OutboxEnvelope{
		Type:          models.MessageBookingUpdate,
		Destination:   "bookings",
		CorrelationID: p.ID.String(),
		Priority:      models.PriorityNormal,
		Payload: models.BookingPaymentUpdate{
			BookingID:     p.BookingID,
			PaymentID:     p.ID.String(),
			PaymentStatus: p.Status,
			PaidAt:        p.PaidAt,
		},
	})
	return err
}

func (s *paymentServiceImpl) load(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := s.store.Payments().FindByID(ctx, id)
	if err != nil {
		return nil, paymentLookupError(err, id.String())
	}
	return p, nil
}

func (s *paymentServiceImpl) processorFor(method models.PaymentMethod) (processors.Processor, error) {
	proc, ok := s.registry.Get(method)
	if !ok {
		return nil, apperrors.ErrUnprocessable.Withf("payment method %q is not enabled", method)
	}
	return proc, nil
}

func applyProcessorResult(p *models.Payment, res *processors.PaymentResult, now time.Time) {
	if res.ExternalTransactionID != "" {
		ext := res.ExternalTransactionID
		p.ExternalTransactionID = &ext
	}
	if res.Status != "" {
		p.Status = res.Status
	}
	p.RequiresManualReconciliation = p.RequiresManualReconciliation || res.RequiresManualReconciliation
	if res.Details.Kind != "" {
		p.ProcessorDetails = datatypes.NewJSONType(res.Details)
	}
	for k, v := range res.Raw {
		p.Metadata = withMetadata(p.Metadata, k, v)
	}
	switch p.Status {
	case models.PaymentPaid:
		if p.PaidAt == nil {
			p.PaidAt = &now
		}
	case models.PaymentFailed:
		p.FailedAt = &now
	}
}

func applyIntent(p *models.Payment, intent *processors.PaymentIntent, now time.Time) {
	applyProcessorResult(p, &processors.PaymentResult{
		ExternalTransactionID: intent.ExternalTransactionID,
		Status:                intent.Status,
		Details:               intent.Details,
		Raw:                   intent.Raw,
	}, now)
}

func withMetadata(m datatypes.JSONMap, key string, value any) datatypes.JSONMap {
	if m == nil {
		m = datatypes.JSONMap{}
	}
	m[key] = value
	return m
}

// canPay allows the booking's client and internal callers to start payment.
func canPay(actor models.Actor, b *models.Booking) bool {
	switch actor.Role {
	case models.RoleAdmin, models.RoleSystem:
		return true
	case models.RoleClient:
		return actor.ID == b.ClientID
	}
	return false
}

// canManage allows the paying client and admins to act on a payment.
func canManage(actor models.Actor, p *models.Payment) bool {
	switch actor.Role {
	case models.RoleAdmin, models.RoleSystem:
		return true
	case models.RoleClient:
		return actor.ID == p.ClientID
	}
	return false
}

func transitionError(err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, repository.ErrStaleState) {
		return apperrors.ErrConflict.Withf("payment changed concurrently, retry")
	}
	return apperrors.ErrDatabaseTransaction.Wrap(err)
}

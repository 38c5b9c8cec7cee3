package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/repository"
)

// OutboxEnvelope describes a side effect to enqueue.
type OutboxEnvelope struct {
	Type          models.MessageType
	Destination   string
	CorrelationID string
	Priority      models.Priority
	Payload       any
	ScheduledAt   time.Time
}

// OutboxService is the admin and producer surface of the outbox.
type OutboxService interface {
	Enqueue(ctx context.Context, repo repository.OutboxRepository, env OutboxEnvelope) (*models.OutboxMessage, error)
	Get(ctx context.Context, id string) (*models.OutboxMessage, error)
	List(ctx context.Context, filter models.OutboxFilter) ([]models.OutboxMessage, int64, error)
	DeadLetters(ctx context.Context, page, limit int) ([]models.OutboxMessage, int64, error)
	Stats(ctx context.Context, days int) ([]models.OutboxStat, error)
	BulkRetry(ctx context.Context, messageIDs []string) (int64, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
	InjectTest(ctx context.Context, req models.TestMessageRequest) (*models.OutboxMessage, error)
}

type outboxServiceImpl struct {
	store       repository.Store
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

func NewOutboxService(store repository.Store, maxAttempts int, logger *zap.Logger) OutboxService {
	return &outboxServiceImpl{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue writes a pending message through repo, which is normally the
// transaction of the state change that caused it.
func (s *outboxServiceImpl) Enqueue(ctx context.Context, repo repository.OutboxRepository, env OutboxEnvelope) (*models.OutboxMessage, error) {
	payload, ok := env.Payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
		}
		payload = b
	}
	if env.Priority == 0 {
		env.Priority = models.PriorityNormal
	}
	if env.ScheduledAt.IsZero() {
		env.ScheduledAt = s.now()
	}

	msg := &models.OutboxMessage{
		CorrelationID: env.CorrelationID,
		Type:          env.Type,
		Destination:   env.Destination,
		Payload:       datatypes.JSON(payload),
		Priority:      env.Priority,
		ScheduledAt:   env.ScheduledAt,
		Status:        models.MessagePending,
		MaxAttempts:   s.maxAttempts,
		ErrorHistory:  datatypes.JSONSlice[models.DeliveryError]{},
	}
	if err := repo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", env.Type, err)
	}
	return msg, nil
}

func (s *outboxServiceImpl) Get(ctx context.Context, id string) (*models.OutboxMessage, error) {
	msg, err := s.store.Outbox().FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrNotFound.Withf("outbox message %s", id)
	}
	if err != nil {
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	return msg, nil
}

func (s *outboxServiceImpl) List(ctx context.Context, filter models.OutboxFilter) ([]models.OutboxMessage, int64, error) {
	msgs, total, err := s.store.Outbox().List(ctx, filter)
	if err != nil {
		return nil, 0, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	return msgs, total, nil
}

func (s *outboxServiceImpl) DeadLetters(ctx context.Context, page, limit int) ([]models.OutboxMessage, int64, error) {
	return s.List(ctx, models.OutboxFilter{Status: models.MessageDeadLetter, Page: page, Limit: limit})
}

// Stats buckets messages created in the last days by type and status.
func (s *outboxServiceImpl) Stats(ctx context.Context, days int) ([]models.OutboxStat, error) {
	if days < 1 {
		days = 7
	}
	stats, err := s.store.Outbox().Stats(ctx, s.now().AddDate(0, 0, -days))
	if err != nil {
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	return stats, nil
}

// BulkRetry resets failed and dead-lettered messages to pending with a
// fresh attempt budget.
func (s *outboxServiceImpl) BulkRetry(ctx context.Context, messageIDs []string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, apperrors.ErrValidation.Withf("message_ids is empty")
	}
	n, err := s.store.Outbox().ResetForRetry(ctx, messageIDs, s.now())
	if err != nil {
		return 0, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	s.logger.Info("outbox messages reset for retry", zap.Int("requested", len(messageIDs)), zap.Int64("reset", n))
	return n, nil
}

// Cleanup deletes delivered messages older than the retention window.
func (s *outboxServiceImpl) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		return 0, apperrors.ErrValidation.Withf("retention must be at least one day")
	}
	n, err := s.store.Outbox().DeleteDeliveredBefore(ctx, s.now().AddDate(0, 0, -retentionDays))
	if err != nil {
		return 0, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	if n > 0 {
		s.logger.Info("outbox retention sweep", zap.Int64("deleted", n), zap.Int("retention_days", retentionDays))
	}
	return n, nil
}

// InjectTest enqueues a synthetic message so operators can exercise a
// delivery path end to end.
func (s *outboxServiceImpl) InjectTest(ctx context.Context, req models.TestMessageRequest) (*models.OutboxMessage, error) {
	if !knownMessageType(req.Type) {
		return nil, apperrors.ErrValidation.Withf("unknown message type %q", req.Type)
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		return nil, apperrors.ErrValidation.Withf("%v", err)
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(fmt.Sprintf(`{"test":true,"injected_at":%q}`, s.now().Format(time.RFC3339)))
	}
	msg, err := s.Enqueue(ctx, s.store.Outbox(), OutboxEnvelope{
		Type:          req.Type,
		Destination:   req.Destination,
		CorrelationID: "test",
		Priority:      priority,
		Payload:       payload,
	})
	if err != nil {
		return nil, apperrors.ErrDatabaseQuery.Wrap(err)
	}
	return msg, nil
}

func knownMessageType(t models.MessageType) bool {
	switch t {
	case models.MessageWebhookDelivery, models.MessageEmail, models.MessageSMS,
		models.MessageBookingUpdate, models.MessagePaymentStatusChange:
		return true
	}
	return false
}

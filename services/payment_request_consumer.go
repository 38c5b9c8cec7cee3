package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
	awspkg "github.com/yashrajoria/marketplace-payments/pkg/aws"
)

// QueuePoller is the SQS polling surface the consumer needs.
type QueuePoller interface {
	StartPolling(ctx context.Context, handler awspkg.MessageHandler) error
}

// PaymentRequestConsumer starts payments requested by the booking side over
// SQS, through the same create flow as the HTTP API.
type PaymentRequestConsumer struct {
	poller   QueuePoller
	payments PaymentService
	metrics  *awspkg.MetricsClient
	logger   *zap.Logger
}

func NewPaymentRequestConsumer(poller QueuePoller, payments PaymentService, metrics *awspkg.MetricsClient, logger *zap.Logger) *PaymentRequestConsumer {
	return &PaymentRequestConsumer{
		poller:   poller,
		payments: payments,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start blocks polling the queue until ctx is cancelled.
func (c *PaymentRequestConsumer) Start(ctx context.Context) {
	c.logger.Info("starting payment request consumer (SQS)")

	err := c.poller.StartPolling(ctx, c.HandleMessage)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("payment request polling stopped", zap.Error(err))
	}
}

// HandleMessage processes one request. Requests that can never succeed are
// logged and acknowledged; server-side failures are returned so SQS
// redelivers the message.
func (c *PaymentRequestConsumer) HandleMessage(ctx context.Context, body string) error {
	// unwrap SNS fan-out envelopes
	var envelope struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Message != "" {
		body = envelope.Message
	}

	var req models.PaymentRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		c.logger.Warn("invalid payment request JSON", zap.Error(err))
		return nil
	}
	if req.BookingID == "" || req.Method == "" {
		c.logger.Warn("payment request missing fields", zap.String("booking_id", req.BookingID), zap.String("method", string(req.Method)))
		return nil
	}

	source := "sqs"
	if req.RequestedBy != "" {
		source = "sqs:" + req.RequestedBy
	}
	log := c.logger.With(zap.String("booking_id", req.BookingID), zap.String("method", string(req.Method)))

	result, err := c.payments.Create(ctx, models.SystemActor(source), models.CreatePaymentRequest{
		BookingID:   req.BookingID,
		Method:      req.Method,
		CollectedBy: req.CollectedBy,
	})
	recordCount(c.metrics, awspkg.MetricSQSMessages, map[string]string{"Queue": "payment-requests"})
	if err != nil {
		if apperrors.StatusCode(err) < http.StatusInternalServerError {
			log.Warn("payment request rejected", zap.Error(err))
			return nil
		}
		log.Error("payment request failed, leaving for redelivery", zap.Error(err))
		return err
	}

	log.Info("payment request processed",
		zap.String("payment_id", result.Payment.ID.String()),
		zap.String("status", string(result.Payment.Status)),
	)
	return nil
}

package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/yashrajoria/marketplace-payments/models"
	awspkg "github.com/yashrajoria/marketplace-payments/pkg/aws"
	"github.com/yashrajoria/marketplace-payments/repository"
)

const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookMessageID = "X-Webhook-Message-Id"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
)

// SignPayload returns the signature header value for body:
// "sha256=" followed by the hex HMAC-SHA256 under secret.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WebhookDeliveryHandler POSTs webhook_delivery payloads to their
// destination URL.
type WebhookDeliveryHandler struct {
	client        *http.Client
	defaultSecret string
	secrets       map[string]string
	now           func() time.Time
}

// NewWebhookDeliveryHandler signs with the secret configured for the
// destination host, falling back to defaultSecret.
func NewWebhookDeliveryHandler(timeout time.Duration, defaultSecret string, secrets map[string]string) *WebhookDeliveryHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDeliveryHandler{
		client:        &http.Client{Timeout: timeout},
		defaultSecret: defaultSecret,
		secrets:       secrets,
		now:           time.Now,
	}
}

func (h *WebhookDeliveryHandler) secretFor(dest *url.URL) string {
	if s, ok := h.secrets[dest.Host]; ok {
		return s
	}
	if s, ok := h.secrets[dest.Hostname()]; ok {
		return s
	}
	return h.defaultSecret
}

func (h *WebhookDeliveryHandler) Deliver(ctx context.Context, msg *models.OutboxMessage) DeliveryResult {
	dest, err := url.Parse(msg.Destination)
	if err != nil || dest.Host == "" || (dest.Scheme != "http" && dest.Scheme != "https") {
		return Terminal(fmt.Errorf("invalid webhook destination %q", msg.Destination))
	}

	body := []byte(msg.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.String(), bytes.NewReader(body))
	if err != nil {
		return Terminal(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWebhookSignature, SignPayload(h.secretFor(dest), body))
	req.Header.Set(HeaderWebhookMessageID, msg.MessageID)
	req.Header.Set(HeaderWebhookTimestamp, strconv.FormatInt(h.now().Unix(), 10))

	resp, err := h.client.Do(req)
	if err != nil {
		return Retryable(fmt.Errorf("webhook request failed: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Delivered()
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return Terminal(fmt.Errorf("webhook endpoint rejected delivery with status %d", resp.StatusCode))
	default:
		return Retryable(fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode))
	}
}

// QueueSender is the SQS send surface used for notifications.
type QueueSender interface {
	SendMessage(ctx context.Context, body string, messageID string) error
}

// NotificationDeliveryHandler hands email and sms messages to the
// notification service queue; rendering happens there.
type NotificationDeliveryHandler struct {
	sender QueueSender
}

func NewNotificationDeliveryHandler(sender QueueSender) *NotificationDeliveryHandler {
	return &NotificationDeliveryHandler{sender: sender}
}

func (h *NotificationDeliveryHandler) Deliver(ctx context.Context, msg *models.OutboxMessage) DeliveryResult {
	if h.sender == nil {
		return Retryable(errors.New("notification queue is not configured"))
	}
	if msg.Destination == "" {
		return Terminal(fmt.Errorf("%s message has no recipient", msg.Type))
	}

	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	body, err := json.Marshal(models.NotificationEnvelope{
		Channel:       msg.Type,
		Recipient:     msg.Destination,
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		Payload:       payload,
	})
	if err != nil {
		return Terminal(fmt.Errorf("encode notification: %w", err))
	}

	if err := h.sender.SendMessage(ctx, string(body), msg.MessageID); err != nil {
		return Retryable(err)
	}
	return Delivered()
}

// EventPublisher fans a keyed event out to the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload []byte, attributes map[string]string) error
}

// SNSEventPublisher publishes status events to one SNS topic.
type SNSEventPublisher struct {
	client   awspkg.SNSPublisher
	topicARN string
}

func NewSNSEventPublisher(client awspkg.SNSPublisher, topicARN string) *SNSEventPublisher {
	return &SNSEventPublisher{client: client, topicARN: topicARN}
}

func (p *SNSEventPublisher) Publish(ctx context.Context, key string, payload []byte, attributes map[string]string) error {
	attrs := make(map[string]string, len(attributes)+1)
	for k, v := range attributes {
		attrs[k] = v
	}
	attrs["event_key"] = key
	return p.client.Publish(ctx, p.topicARN, payload, attrs)
}

// StatusEventHandler publishes payment_status_change messages.
type StatusEventHandler struct {
	publisher EventPublisher
}

func NewStatusEventHandler(publisher EventPublisher) *StatusEventHandler {
	return &StatusEventHandler{publisher: publisher}
}

func (h *StatusEventHandler) Deliver(ctx context.Context, msg *models.OutboxMessage) DeliveryResult {
	if h.publisher == nil {
		return Retryable(errors.New("event publisher is not configured"))
	}
	var event models.PaymentStatusEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return Terminal(fmt.Errorf("decode status event: %w", err))
	}
	if event.PaymentID == "" {
		return Terminal(errors.New("status event has no payment_id"))
	}

	attrs := map[string]string{
		"event_type": event.Type,
		"message_id": msg.MessageID,
		"method":     string(event.Method),
	}
	if err := h.publisher.Publish(ctx, event.PaymentID, msg.Payload, attrs); err != nil {
		return Retryable(err)
	}
	return Delivered()
}

// BookingUpdateHandler mirrors settled payment state onto the booking.
type BookingUpdateHandler struct {
	bookings repository.BookingRepository
}

func NewBookingUpdateHandler(bookings repository.BookingRepository) *BookingUpdateHandler {
	return &BookingUpdateHandler{bookings: bookings}
}

func (h *BookingUpdateHandler) Deliver(ctx context.Context, msg *models.OutboxMessage) DeliveryResult {
	var update models.BookingPaymentUpdate
	if err := json.Unmarshal(msg.Payload, &update); err != nil {
		return Terminal(fmt.Errorf("decode booking update: %w", err))
	}
	if update.BookingID == "" {
		return Terminal(errors.New("booking update has no booking_id"))
	}

	err := h.bookings.UpdatePaymentStatus(ctx, update)
	if errors.Is(err, repository.ErrNotFound) {
		return Terminal(fmt.Errorf("booking %s not found", update.BookingID))
	}
	if err != nil {
		return Retryable(err)
	}
	return Delivered()
}

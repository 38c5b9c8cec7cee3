package processors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"

	"github.com/yashrajoria/marketplace-payments/models"
)

// StripeGateway is the slice of the Stripe API the card backend calls.
type StripeGateway interface {
	CreateIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	ConfirmIntent(ctx context.Context, id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	GetIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	CreateRefund(ctx context.Context, params *stripe.RefundParams) (*stripe.Refund, error)
	ListIntents(ctx context.Context, params *stripe.PaymentIntentListParams) ([]*stripe.PaymentIntent, error)
}

type apiGateway struct {
	api *client.API
}

// NewStripeGateway returns a gateway backed by the Stripe HTTP API.
func NewStripeGateway(secretKey string) StripeGateway {
	return &apiGateway{api: client.New(secretKey, nil)}
}

func (g *apiGateway) CreateIntent(ctx context.Context, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	params.Context = ctx
	return g.api.PaymentIntents.New(params)
}

func (g *apiGateway) ConfirmIntent(ctx context.Context, id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	params.Context = ctx
	return g.api.PaymentIntents.Confirm(id, params)
}

func (g *apiGateway) GetIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	return g.api.PaymentIntents.Get(id, params)
}

func (g *apiGateway) CreateRefund(ctx context.Context, params *stripe.RefundParams) (*stripe.Refund, error) {
	params.Context = ctx
	return g.api.Refunds.New(params)
}

func (g *apiGateway) ListIntents(ctx context.Context, params *stripe.PaymentIntentListParams) ([]*stripe.PaymentIntent, error) {
	params.Context = ctx
	var out []*stripe.PaymentIntent
	iter := g.api.PaymentIntents.List(params)
	for iter.Next() {
		out = append(out, iter.PaymentIntent())
	}
	return out, iter.Err()
}

// StripeProcessor is the asynchronous card backend. Webhooks are the
// authoritative source of final status.
type StripeProcessor struct {
	gateway       StripeGateway
	webhookSecret string
	currencies    []string
	logger        *zap.Logger
}

func NewStripeProcessor(gateway StripeGateway, webhookSecret string, currencies []string, logger *zap.Logger) *StripeProcessor {
	return &StripeProcessor{
		gateway:       gateway,
		webhookSecret: webhookSecret,
		currencies:    currencies,
		logger:        logger,
	}
}

func (p *StripeProcessor) Name() string                 { return "stripe" }
func (p *StripeProcessor) Method() models.PaymentMethod { return models.MethodCard }

func (p *StripeProcessor) Initialize(ctx context.Context) error {
	if p.gateway == nil {
		return fmt.Errorf("stripe processor: %w: no gateway", ErrNotInitialized)
	}
	if p.webhookSecret == "" {
		return fmt.Errorf("stripe processor: %w: webhook secret missing", ErrNotInitialized)
	}
	return nil
}

func (p *StripeProcessor) Capabilities() Capabilities {
	return Capabilities{
		SupportsPendingPayment: true,
		SupportsRefunds:        true,
		SupportsPartialRefunds: true,
		SupportsWebhooks:       true,
		SupportedCurrencies:    p.currencies,
		SupportedMethods:       []models.PaymentMethod{models.MethodCard},
	}
}

// CreatePayment creates a PaymentIntent; the ledger stays pending until a
// webhook or confirmation settles it.
func (p *StripeProcessor) CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error) {
	currency := NormalizeCurrency(req.Currency)
	minor := ToMinorUnits(req.Amount, currency)

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(toStripeCurrency(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.AddMetadata("payment_id", req.PaymentID)
	params.AddMetadata("booking_id", req.BookingID)
	params.AddMetadata("client_id", req.ClientID)
	params.AddMetadata("provider_id", req.ProviderID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey("payment-" + req.PaymentID)

	pi, err := p.gateway.CreateIntent(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("stripe create payment intent: %w", err)
	}

	p.logger.Info("stripe payment intent created",
		zap.String("payment_id", req.PaymentID),
		zap.String("payment_intent_id", pi.ID),
		zap.String("intent_status", string(pi.Status)),
	)

	intent := &PaymentIntent{
		ExternalTransactionID: pi.ID,
		ClientSecret:          pi.ClientSecret,
		Status:                mapIntentStatus(pi.Status),
		Details:               cardDetails(pi),
		Raw:                   map[string]any{"intent_status": string(pi.Status)},
	}
	if pi.NextAction != nil {
		intent.NextAction = string(pi.NextAction.Type)
	}
	return intent, nil
}

func (p *StripeProcessor) ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	return nil, ErrOperationNotSupported
}

func (p *StripeProcessor) ConfirmPayment(ctx context.Context, externalID string, data ConfirmationData) (*PaymentResult, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	if data.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(data.PaymentMethodID)
	}
	if data.ReturnURL != "" {
		params.ReturnURL = stripe.String(data.ReturnURL)
	}

	pi, err := p.gateway.ConfirmIntent(ctx, externalID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe confirm payment intent %s: %w", externalID, err)
	}
	return intentResult(pi), nil
}

func (p *StripeProcessor) RefundPayment(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ExternalTransactionID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.Partial {
		params.Amount = stripe.Int64(ToMinorUnits(req.Amount, req.Currency))
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	refund, err := p.gateway.CreateRefund(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("stripe refund %s: %w", req.ExternalTransactionID, err)
	}

	status := models.RefundPendingProcessor
	switch refund.Status {
	case stripe.RefundStatusSucceeded:
		status = models.RefundSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		status = models.RefundFailed
	}

	return &RefundResult{
		RefundID: refund.ID,
		Status:   status,
		Amount:   FromMinorUnits(refund.Amount, req.Currency),
		Raw:      map[string]any{"refund_status": string(refund.Status)},
	}, nil
}

func (p *StripeProcessor) GetPaymentStatus(ctx context.Context, externalID string) (*PaymentResult, error) {
	pi, err := p.gateway.GetIntent(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("stripe get payment intent %s: %w", externalID, err)
	}
	return intentResult(pi), nil
}

// VerifyWebhookSignature checks a Stripe-Signature header. An empty secret
// falls back to the configured endpoint secret.
func (p *StripeProcessor) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		secret = p.webhookSecret
	}
	if secret == "" || signature == "" {
		return false
	}
	return webhook.ValidatePayload(payload, signature, secret) == nil
}

// ProcessWebhookEvent normalizes an already verified event.
func (p *StripeProcessor) ProcessWebhookEvent(ctx context.Context, payload []byte) (*WebhookResult, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}
	if event.Data == nil {
		return nil, errors.New("stripe event has no data")
	}

	result := &WebhookResult{EventID: event.ID, EventType: string(event.Type)}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		result.ExternalTransactionID = pi.ID
		result.Amount = FromMinorUnits(pi.Amount, string(pi.Currency))
		if event.Type == "payment_intent.succeeded" {
			result.Status = models.PaymentPaid
		} else {
			result.Status = models.PaymentFailed
			if pi.LastPaymentError != nil {
				result.FailureReason = pi.LastPaymentError.Msg
			}
			if result.FailureReason == "" {
				result.FailureReason = string(event.Type)
			}
		}

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent == nil || !ch.Refunded {
			// partial refunds keep the payment paid
			result.Ignored = true
			return result, nil
		}
		result.ExternalTransactionID = ch.PaymentIntent.ID
		result.Amount = FromMinorUnits(ch.AmountRefunded, string(ch.Currency))
		result.Status = models.PaymentRefunded

	default:
		p.logger.Info("unhandled stripe event type", zap.String("event_type", string(event.Type)), zap.String("event_id", event.ID))
		result.Ignored = true
	}

	return result, nil
}

// ListTransactions pages PaymentIntents created inside [from, to].
func (p *StripeProcessor) ListTransactions(ctx context.Context, from, to time.Time) ([]Transaction, error) {
	params := &stripe.PaymentIntentListParams{
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: from.Unix(),
			LesserThan:         to.Unix(),
		},
	}
	params.Limit = stripe.Int64(100)
	params.AddExpand("data.latest_charge")

	intents, err := p.gateway.ListIntents(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("stripe list payment intents: %w", err)
	}

	txs := make([]Transaction, 0, len(intents))
	for _, pi := range intents {
		status := string(pi.Status)
		if pi.LatestCharge != nil && pi.LatestCharge.Refunded {
			status = "refunded"
		}
		currency := NormalizeCurrency(string(pi.Currency))
		txs = append(txs, Transaction{
			ExternalTransactionID: pi.ID,
			Amount:                FromMinorUnits(pi.Amount, currency),
			Currency:              currency,
			Status:                status,
			CreatedAt:             time.Unix(pi.Created, 0).UTC(),
		})
	}
	return txs, nil
}

func intentResult(pi *stripe.PaymentIntent) *PaymentResult {
	currency := NormalizeCurrency(string(pi.Currency))
	return &PaymentResult{
		ExternalTransactionID: pi.ID,
		Status:                mapIntentStatus(pi.Status),
		Amount:                FromMinorUnits(pi.Amount, currency),
		Currency:              currency,
		Details:               cardDetails(pi),
		Raw:                   map[string]any{"intent_status": string(pi.Status)},
	}
}

func cardDetails(pi *stripe.PaymentIntent) models.ProcessorDetails {
	return models.ProcessorDetails{
		Kind: models.MethodCard,
		Card: &models.CardDetails{
			PaymentIntentID: pi.ID,
			ClientSecret:    pi.ClientSecret,
			IntentStatus:    string(pi.Status),
			AmountMinor:     pi.Amount,
		},
	}
}

func mapIntentStatus(s stripe.PaymentIntentStatus) models.PaymentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return models.PaymentPaid
	case stripe.PaymentIntentStatusCanceled:
		return models.PaymentFailed
	default:
		return models.PaymentPending
	}
}

func toStripeCurrency(c string) string {
	return strings.ToLower(c)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yashrajoria/marketplace-payments/models"
	awspkg "github.com/yashrajoria/marketplace-payments/pkg/aws"
	"github.com/yashrajoria/marketplace-payments/repository"
)

// DeliveryOutcome classifies one delivery attempt.
type DeliveryOutcome int

const (
	OutcomeDelivered DeliveryOutcome = iota
	// OutcomeRetryable failures are retried with backoff until the attempt
	// budget runs out.
	OutcomeRetryable
	// OutcomeTerminal failures can never succeed (bad payload, gone
	// endpoint) and go straight to the dead-letter queue.
	OutcomeTerminal
)

func (o DeliveryOutcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// DeliveryResult is what a handler reports for one attempt.
type DeliveryResult struct {
	Outcome DeliveryOutcome
	Err     error
}

func Delivered() DeliveryResult { return DeliveryResult{Outcome: OutcomeDelivered} }

func Retryable(err error) DeliveryResult {
	return DeliveryResult{Outcome: OutcomeRetryable, Err: err}
}

func Terminal(err error) DeliveryResult {
	return DeliveryResult{Outcome: OutcomeTerminal, Err: err}
}

// DeliveryHandler delivers one claimed message to its destination.
type DeliveryHandler interface {
	Deliver(ctx context.Context, msg *models.OutboxMessage) DeliveryResult
}

// DeliveryHandlerFunc adapts a function to DeliveryHandler.
type DeliveryHandlerFunc func(ctx context.Context, msg *models.OutboxMessage) DeliveryResult

func (f DeliveryHandlerFunc) Deliver(ctx context.Context, msg *models.OutboxMessage) DeliveryResult {
	return f(ctx, msg)
}

// maxBackoffShift keeps 2^attempts seconds inside time.Duration.
const maxBackoffShift = 33

// backoff is the delay before the next attempt after attempts failures.
func backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffShift {
		attempts = maxBackoffShift
	}
	return time.Duration(1<<uint(attempts)) * time.Second
}

// nextDeliveryState applies res to a claimed message. Attempts were already
// consumed by the claim; only a terminal failure raises them, to the budget.
func nextDeliveryState(msg *models.OutboxMessage, res DeliveryResult, now time.Time) {
	if res.Outcome == OutcomeDelivered {
		msg.Status = models.MessageDelivered
		msg.DeliveredAt = &now
		msg.NextRetryAt = nil
		msg.LastError = ""
		return
	}

	errText := "delivery failed"
	if res.Err != nil {
		errText = res.Err.Error()
	}
	msg.LastError = errText
	msg.ErrorHistory = append(msg.ErrorHistory, models.DeliveryError{
		Attempt: msg.Attempts,
		Error:   errText,
		At:      now,
	})

	if res.Outcome == OutcomeTerminal && msg.Attempts < msg.MaxAttempts {
		msg.Attempts = msg.MaxAttempts
	}

	if msg.Attempts >= msg.MaxAttempts {
		msg.Status = models.MessageDeadLetter
		msg.NextRetryAt = nil
		if res.Outcome == OutcomeTerminal {
			msg.DeadLetterReason = "terminal failure: " + errText
		} else {
			msg.DeadLetterReason = fmt.Sprintf("exhausted %d attempts: %s", msg.MaxAttempts, errText)
		}
		return
	}

	next := now.Add(backoff(msg.Attempts))
	msg.Status = models.MessageFailed
	msg.NextRetryAt = &next
}

// DispatchSummary counts what one dispatch cycle did.
type DispatchSummary struct {
	Selected     int `json:"selected"`
	Claimed      int `json:"claimed"`
	Delivered    int `json:"delivered"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Skipped      int `json:"skipped"`
	Recovered    int `json:"recovered"`
}

func (s *DispatchSummary) add(o DispatchSummary) {
	s.Selected += o.Selected
	s.Claimed += o.Claimed
	s.Delivered += o.Delivered
	s.Failed += o.Failed
	s.DeadLettered += o.DeadLettered
	s.Skipped += o.Skipped
	s.Recovered += o.Recovered
}

// Dispatcher pulls due outbox messages, claims them and runs the handler
// registered for their type.
type Dispatcher struct {
	store     repository.Store
	batchSize int
	metrics   *awspkg.MetricsClient
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[models.MessageType]DeliveryHandler
}

func NewDispatcher(store repository.Store, batchSize int, metrics *awspkg.MetricsClient, logger *zap.Logger) *Dispatcher {
	if batchSize < 1 {
		batchSize = 50
	}
	return &Dispatcher{
		store:     store,
		batchSize: batchSize,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		handlers:  make(map[models.MessageType]DeliveryHandler),
	}
}

// Register sets the handler for a message type.
func (d *Dispatcher) Register(t models.MessageType, h DeliveryHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// SetBatchSize changes how many messages one cycle selects.
func (d *Dispatcher) SetBatchSize(n int) {
	if n < 1 {
		return
	}
	d.mu.Lock()
	d.batchSize = n
	d.mu.Unlock()
}

func (d *Dispatcher) handler(t models.MessageType) (DeliveryHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[t]
	return h, ok
}

func (d *Dispatcher) limit() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.batchSize
}

// ProcessPending delivers due pending messages, highest priority first.
func (d *Dispatcher) ProcessPending(ctx context.Context) (DispatchSummary, error) {
	msgs, err := d.store.Outbox().FindDuePending(ctx, d.now(), d.limit())
	if err != nil {
		return DispatchSummary{}, fmt.Errorf("select pending messages: %w", err)
	}
	return d.dispatchBatch(ctx, msgs), nil
}

// ProcessRetries recovers interrupted deliveries, then re-attempts failed
// messages whose backoff has elapsed.
func (d *Dispatcher) ProcessRetries(ctx context.Context) (DispatchSummary, error) {
	sum, err := d.RecoverStale(ctx)
	if err != nil {
		return sum, err
	}
	msgs, err := d.store.Outbox().FindDueRetries(ctx, d.now(), d.limit())
	if err != nil {
		return sum, fmt.Errorf("select retry messages: %w", err)
	}
	sum.add(d.dispatchBatch(ctx, msgs))
	return sum, nil
}

var errDeliveryInterrupted = errors.New("delivery interrupted before its outcome was recorded")

// RecoverStale records a failed attempt for messages left processing past
// the processing timeout, so they back off or dead-letter like any other
// failure.
func (d *Dispatcher) RecoverStale(ctx context.Context) (DispatchSummary, error) {
	now := d.now()
	before := now.Add(-repository.OutboxProcessingTimeout)
	msgs, err := d.store.Outbox().FindStaleProcessing(ctx, before, d.limit())
	if err != nil {
		return DispatchSummary{}, fmt.Errorf("select stale messages: %w", err)
	}

	var sum DispatchSummary
	for i := range msgs {
		msg := &msgs[i]
		ok, err := d.store.Outbox().ReclaimStale(ctx, msg, before, now)
		if err != nil {
			d.logger.Error("failed to reclaim stale outbox message", zap.String("message_id", msg.MessageID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		nextDeliveryState(msg, Retryable(errDeliveryInterrupted), now)
		if err := d.store.Outbox().SaveDeliveryState(ctx, msg); err != nil {
			d.logger.Error("failed to record interrupted delivery", zap.String("message_id", msg.MessageID), zap.Error(err))
			continue
		}
		sum.Recovered++
		dims := map[string]string{"Type": string(msg.Type)}
		if msg.Status == models.MessageDeadLetter {
			sum.DeadLettered++
			recordCount(d.metrics, awspkg.MetricOutboxDeadLettered, dims)
		} else {
			sum.Failed++
			recordCount(d.metrics, awspkg.MetricOutboxFailed, dims)
		}
		d.logger.Warn("recovered interrupted outbox delivery",
			zap.String("message_id", msg.MessageID),
			zap.Int("attempts", msg.Attempts),
			zap.String("status", string(msg.Status)),
		)
	}
	return sum, nil
}

// RunOnce runs a pending cycle followed by a retry cycle.
func (d *Dispatcher) RunOnce(ctx context.Context) (DispatchSummary, error) {
	sum, err := d.ProcessPending(ctx)
	if err != nil {
		return sum, err
	}
	retries, err := d.ProcessRetries(ctx)
	sum.add(retries)
	return sum, err
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, msgs []models.OutboxMessage) DispatchSummary {
	sum := DispatchSummary{Selected: len(msgs)}
	for i := range msgs {
		d.dispatch(ctx, &msgs[i], &sum)
	}
	if sum.Claimed > 0 {
		d.logger.Info("outbox dispatch cycle",
			zap.Int("selected", sum.Selected),
			zap.Int("delivered", sum.Delivered),
			zap.Int("failed", sum.Failed),
			zap.Int("dead_lettered", sum.DeadLettered),
			zap.Int("skipped", sum.Skipped),
		)
	}
	return sum
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *models.OutboxMessage, sum *DispatchSummary) {
	log := d.logger.With(
		zap.String("message_id", msg.MessageID),
		zap.String("type", string(msg.Type)),
		zap.String("correlation_id", msg.CorrelationID),
	)

	claimed, err := d.store.Outbox().Claim(ctx, msg, d.now())
	if err != nil {
		log.Error("failed to claim outbox message", zap.Error(err))
		sum.Skipped++
		return
	}
	if !claimed {
		sum.Skipped++
		return
	}
	sum.Claimed++

	start := time.Now()
	res := d.deliver(ctx, msg)
	dims := map[string]string{"Type": string(msg.Type)}
	recordLatency(d.metrics, awspkg.MetricOutboxDeliveryLatency, time.Since(start), dims)

	nextDeliveryState(msg, res, d.now())
	if err := d.store.Outbox().SaveDeliveryState(ctx, msg); err != nil {
		// the row stays processing with the attempt consumed
		log.Error("failed to record delivery outcome", zap.String("outcome", res.Outcome.String()), zap.Error(err))
		return
	}

	switch msg.Status {
	case models.MessageDelivered:
		sum.Delivered++
		recordCount(d.metrics, awspkg.MetricOutboxDelivered, dims)
	case models.MessageDeadLetter:
		sum.DeadLettered++
		recordCount(d.metrics, awspkg.MetricOutboxDeadLettered, dims)
		log.Warn("outbox message dead-lettered",
			zap.Int("attempts", msg.Attempts),
			zap.String("reason", msg.DeadLetterReason),
		)
	default:
		sum.Failed++
		recordCount(d.metrics, awspkg.MetricOutboxFailed, dims)
		log.Warn("outbox delivery failed",
			zap.Int("attempts", msg.Attempts),
			zap.Timep("next_retry_at", msg.NextRetryAt),
			zap.String("error", msg.LastError),
		)
	}
}

// deliver runs the handler, converting a missing handler or a panic into a
// retryable failure.
func (d *Dispatcher) deliver(ctx context.Context, msg *models.OutboxMessage) (res DeliveryResult) {
	h, ok := d.handler(msg.Type)
	if !ok {
		return Retryable(fmt.Errorf("no delivery handler for message type %q", msg.Type))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("delivery handler panicked", zap.String("message_id", msg.MessageID), zap.Any("panic", r))
			res = Retryable(fmt.Errorf("handler panic: %v", r))
		}
	}()

	res = h.Deliver(ctx, msg)
	if res.Outcome != OutcomeDelivered && res.Err == nil {
		res.Err = errors.New("handler reported failure without an error")
	}
	return res
}

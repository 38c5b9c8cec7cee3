package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
)

func TestPaymentRequestConsumer_HandleMessage(t *testing.T) {
	ctx := context.Background()
	request := `{"booking_id":"booking-1","method":"cash","requested_by":"booking-service","collected_by":"provider-1"}`
	want := models.CreatePaymentRequest{BookingID: "booking-1", Method: models.MethodCash, CollectedBy: "provider-1"}
	actor := models.SystemActor("sqs:booking-service")
	created := &models.CreatePaymentResult{Payment: &models.Payment{ID: uuid.New(), Status: models.PaymentPaid}}

	t.Run("Creates the payment", func(t *testing.T) {
		payments := new(MockPaymentService)
		payments.On("Create", mock.Anything, actor, want).Return(created, nil).Once()

		c := NewPaymentRequestConsumer(nil, payments, nil, zap.NewNop())
		assert.NoError(t, c.HandleMessage(ctx, request))
		payments.AssertExpectations(t)
	})

	t.Run("Unwraps SNS envelopes", func(t *testing.T) {
		envelope, err := json.Marshal(map[string]string{"Type": "Notification", "Message": request})
		assert.NoError(t, err)

		payments := new(MockPaymentService)
		payments.On("Create", mock.Anything, actor, want).Return(created, nil).Once()

		c := NewPaymentRequestConsumer(nil, payments, nil, zap.NewNop())
		assert.NoError(t, c.HandleMessage(ctx, string(envelope)))
		payments.AssertExpectations(t)
	})

	t.Run("Unusable messages are acknowledged", func(t *testing.T) {
		payments := new(MockPaymentService)
		c := NewPaymentRequestConsumer(nil, payments, nil, zap.NewNop())

		assert.NoError(t, c.HandleMessage(ctx, "not json"))
		assert.NoError(t, c.HandleMessage(ctx, `{"booking_id":"booking-1"}`))
		assert.NoError(t, c.HandleMessage(ctx, `{"method":"cash"}`))
		payments.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Client errors are acknowledged", func(t *testing.T) {
		payments := new(MockPaymentService)
		payments.On("Create", mock.Anything, actor, want).Return(nil, apperrors.ErrConflict.Withf("payment exists")).Once()

		c := NewPaymentRequestConsumer(nil, payments, nil, zap.NewNop())
		assert.NoError(t, c.HandleMessage(ctx, request))
	})

	t.Run("Server errors are redelivered", func(t *testing.T) {
		payments := new(MockPaymentService)
		payments.On("Create", mock.Anything, actor, want).Return(nil, apperrors.ErrDatabaseQuery.Wrap(errors.New("conn reset"))).Once()

		c := NewPaymentRequestConsumer(nil, payments, nil, zap.NewNop())
		assert.Error(t, c.HandleMessage(ctx, request))
	})

	t.Run("Anonymous requester", func(t *testing.T) {
		payments := new(MockPaymentService)
		payments.On("Create", mock.Anything, models.SystemActor("sqs"), mock.Anything).Return(created, nil).Once()

		c := NewPaymentRequestConsumer(nil, payments, nil, zap.NewNop())
		assert.NoError(t, c.HandleMessage(ctx, `{"booking_id":"booking-2","method":"card"}`))
		payments.AssertExpectations(t)
	})
}

package controllers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/services"
)

// maxWebhookBody matches the payload ceiling Stripe documents.
const maxWebhookBody = 65536

// signatureHeaders names the header each backend signs its webhooks in.
var signatureHeaders = map[models.PaymentMethod]string{
	models.MethodCard: "Stripe-Signature",
}

const defaultSignatureHeader = "X-Webhook-Signature"

type WebhookController struct {
	payments services.PaymentService
	logger   *zap.Logger
}

func NewWebhookController(payments services.PaymentService, logger *zap.Logger) *WebhookController {
	return &WebhookController{payments: payments, logger: logger}
}

// HandleWebhook verifies and applies a processor webhook. Replays are
// acknowledged without effect.
func (wc *WebhookController) HandleWebhook(c *gin.Context) {
	method := models.PaymentMethod(c.Param("method"))
	if !method.Valid() {
		respondError(c, wc.logger, apperrors.ErrNotFound.Withf("no webhooks for %q", method))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		respondError(c, wc.logger, apperrors.ErrBadRequest.Withf("read body: %v", err))
		return
	}
	if len(payload) > maxWebhookBody {
		respondError(c, wc.logger, apperrors.ErrBadRequest.Withf("webhook body exceeds %d bytes", maxWebhookBody))
		return
	}

	header, ok := signatureHeaders[method]
	if !ok {
		header = defaultSignatureHeader
	}
	if err := wc.payments.HandleWebhook(c.Request.Context(), method, payload, c.GetHeader(header)); err != nil {
		respondError(c, wc.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

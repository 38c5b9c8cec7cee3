package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/services"
)

type PaymentController struct {
	payments services.PaymentService
	audit    services.AuditService
	logger   *zap.Logger
}

func NewPaymentController(payments services.PaymentService, audit services.AuditService, logger *zap.Logger) *PaymentController {
	return &PaymentController{payments: payments, audit: audit, logger: logger}
}

// CreatePayment starts payment for a booking. Card payments come back
// pending with a client secret; cash settles immediately.
func (pc *PaymentController) CreatePayment(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req models.CreatePaymentRequest
	if !bindJSON(c, pc.logger, &req) {
		return
	}

	result, err := pc.payments.Create(c.Request.Context(), actor, req)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (pc *PaymentController) GetPayment(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, pc.logger, "id")
	if !ok {
		return
	}
	p, err := pc.payments.Get(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (pc *PaymentController) GetPaymentByBooking(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	p, err := pc.payments.GetByBooking(c.Request.Context(), actor, c.Param("bookingId"))
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (pc *PaymentController) ConfirmPayment(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, pc.logger, "id")
	if !ok {
		return
	}
	var req models.ConfirmPaymentRequest
	if !bindJSON(c, pc.logger, &req) {
		return
	}
	p, err := pc.payments.Confirm(c.Request.Context(), actor, id, req)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (pc *PaymentController) CancelPayment(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, pc.logger, "id")
	if !ok {
		return
	}
	var req models.CancelPaymentRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, pc.logger, &req) {
		return
	}
	p, err := pc.payments.Cancel(c.Request.Context(), actor, id, req.Reason)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// RefundPayment refunds all of a payment, or part of it when amount is set
// and the backend supports partial refunds.
func (pc *PaymentController) RefundPayment(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, pc.logger, "id")
	if !ok {
		return
	}
	var req models.RefundRequest
	if !bindJSON(c, pc.logger, &req) {
		return
	}
	p, err := pc.payments.Refund(c.Request.Context(), actor, id, req)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (pc *PaymentController) UpdateStatus(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, pc.logger, "id")
	if !ok {
		return
	}
	var req models.UpdateStatusRequest
	if !bindJSON(c, pc.logger, &req) {
		return
	}
	p, err := pc.payments.UpdateStatus(c.Request.Context(), actor, id, req)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (pc *PaymentController) PaymentAudit(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, pc.logger, "id")
	if !ok {
		return
	}
	page, limit := pagination(c)
	entries, total, err := pc.audit.ListByPayment(c.Request.Context(), actor, id, page, limit)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	respondList(c, entries, page, limit, total)
}

func (pc *PaymentController) BookingAudit(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	page, limit := pagination(c)
	entries, total, err := pc.audit.ListByBooking(c.Request.Context(), actor, c.Param("bookingId"), page, limit)
	if err != nil {
		respondError(c, pc.logger, err)
		return
	}
	respondList(c, entries, page, limit, total)
}

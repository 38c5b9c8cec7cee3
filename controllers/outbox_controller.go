package controllers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/services"
)

// OutboxScheduler is the scheduler surface exposed to operators.
type OutboxScheduler interface {
	Start(cfg *models.OutboxSchedulerConfig) error
	Stop()
	UpdateConfig(cfg models.OutboxSchedulerConfig) error
	Status() services.OutboxSchedulerStatus
	ProcessNow(ctx context.Context) (services.DispatchSummary, error)
}

type OutboxController struct {
	outbox    services.OutboxService
	scheduler OutboxScheduler
	logger    *zap.Logger
}

func NewOutboxController(outbox services.OutboxService, scheduler OutboxScheduler, logger *zap.Logger) *OutboxController {
	return &OutboxController{outbox: outbox, scheduler: scheduler, logger: logger}
}

func (oc *OutboxController) Stats(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil {
		days = 7
	}
	stats, err := oc.outbox.Stats(c.Request.Context(), days)
	if err != nil {
		respondError(c, oc.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "stats": stats})
}

func (oc *OutboxController) ListMessages(c *gin.Context) {
	page, limit := pagination(c)
	filter := models.OutboxFilter{
		Status:        models.MessageStatus(c.Query("status")),
		Type:          models.MessageType(c.Query("type")),
		CorrelationID: c.Query("correlation_id"),
		Page:          page,
		Limit:         limit,
	}
	msgs, total, err := oc.outbox.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, oc.logger, err)
		return
	}
	respondList(c, msgs, page, limit, total)
}

func (oc *OutboxController) GetMessage(c *gin.Context) {
	msg, err := oc.outbox.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, oc.logger, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (oc *OutboxController) DeadLetters(c *gin.Context) {
	page, limit := pagination(c)
	msgs, total, err := oc.outbox.DeadLetters(c.Request.Context(), page, limit)
	if err != nil {
		respondError(c, oc.logger, err)
		return
	}
	respondList(c, msgs, page, limit, total)
}

// Retry revives failed and dead-lettered messages with a fresh attempt
// budget.
func (oc *OutboxController) Retry(c *gin.Context) {
	var req models.BulkRetryRequest
	if !bindJSON(c, oc.logger, &req) {
		return
	}
	n, err := oc.outbox.BulkRetry(c.Request.Context(), req.MessageIDs)
	if err != nil {
		respondError(c, oc.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requested": len(req.MessageIDs), "retried": n})
}

// Process runs one pending and one retry cycle now.
func (oc *OutboxController) Process(c *gin.Context) {
	sum, err := oc.scheduler.ProcessNow(c.Request.Context())
	if err != nil {
		respondError(c, oc.logger, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (oc *OutboxController) InjectTestMessage(c *gin.Context) {
	var req models.TestMessageRequest
	if !bindJSON(c, oc.logger, &req) {
		return
	}
	msg, err := oc.outbox.InjectTest(c.Request.Context(), req)
	if err != nil {
		respondError(c, oc.logger, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (oc *OutboxController) SchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, oc.scheduler.Status())
}

// StartScheduler starts the tickers, optionally with a new config in the
// body.
func (oc *OutboxController) StartScheduler(c *gin.Context) {
	var cfg *models.OutboxSchedulerConfig
	if c.Request.ContentLength > 0 {
		cfg = &models.OutboxSchedulerConfig{}
		if !bindJSON(c, oc.logger, cfg) {
			return
		}
	}
	if err := oc.scheduler.Start(cfg); err != nil {
		respondError(c, oc.logger, err)
		return
	}
	c.JSON(http.StatusOK, oc.scheduler.Status())
}

func (oc *OutboxController) StopScheduler(c *gin.Context) {
	oc.scheduler.Stop()
	c.JSON(http.StatusOK, oc.scheduler.Status())
}

func (oc *OutboxController) UpdateSchedulerConfig(c *gin.Context) {
	var cfg models.OutboxSchedulerConfig
	if !bindJSON(c, oc.logger, &cfg) {
		return
	}
	if err := oc.scheduler.UpdateConfig(cfg); err != nil {
		respondError(c, oc.logger, err)
		return
	}
	c.JSON(http.StatusOK, oc.scheduler.Status())
}

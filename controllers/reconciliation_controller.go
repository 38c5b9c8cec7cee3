package controllers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/models"
	"github.com/yashrajoria/marketplace-payments/services"
)

// ReconciliationScheduler is the scheduler surface exposed to operators.
type ReconciliationScheduler interface {
	Start(cfg *models.ReconciliationSchedulerConfig) error
	Stop()
	UpdateConfig(cfg models.ReconciliationSchedulerConfig) error
	Status() services.ReconciliationSchedulerStatus
	RunNow(ctx context.Context, period models.PeriodType, scope string) ([]*models.ReconciliationJob, error)
}

type ReconciliationController struct {
	svc       services.ReconciliationService
	scheduler ReconciliationScheduler
	logger    *zap.Logger
}

func NewReconciliationController(svc services.ReconciliationService, scheduler ReconciliationScheduler, logger *zap.Logger) *ReconciliationController {
	return &ReconciliationController{svc: svc, scheduler: scheduler, logger: logger}
}

func (rc *ReconciliationController) ListJobs(c *gin.Context) {
	page, limit := pagination(c)
	jobs, total, err := rc.svc.ListJobs(c.Request.Context(), models.JobFilter{
		Status:     models.JobStatus(c.Query("status")),
		PeriodType: models.PeriodType(c.Query("period_type")),
		Scope:      c.Query("processor"),
		Page:       page,
		Limit:      limit,
	})
	if err != nil {
		respondError(c, rc.logger, err)
		return
	}
	respondList(c, jobs, page, limit, total)
}

// CreateJob records a pending job; it runs on POST /jobs/:id/process or on
// the next scheduled pass over its window.
func (rc *ReconciliationController) CreateJob(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req models.CreateJobRequest
	if !bindJSON(c, rc.logger, &req) {
		return
	}
	job, err := rc.svc.CreateReconciliation(c.Request.Context(), req.PeriodType, req.StartDate, req.EndDate, req.Processor, actor.ID)
	if err != nil {
		respondError(c, rc.logger, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (rc *ReconciliationController) GetJob(c *gin.Context) {
	id, ok := uuidParam(c, rc.logger, "id")
	if !ok {
		return
	}
	job, err := rc.svc.GetJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, rc.logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (rc *ReconciliationController) ProcessJob(c *gin.Context) {
	id, ok := uuidParam(c, rc.logger, "id")
	if !ok {
		return
	}
	job, err := rc.svc.ProcessReconciliation(c.Request.Context(), id)
	if err != nil {
		respondError(c, rc.logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (rc *ReconciliationController) Variance(c *gin.Context) {
	id, ok := uuidParam(c, rc.logger, "id")
	if !ok {
		return
	}
	v, err := rc.svc.Variance(c.Request.Context(), id)
	if err != nil {
		respondError(c, rc.logger, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (rc *ReconciliationController) ListDiscrepancies(c *gin.Context) {
	id, ok := uuidParam(c, rc.logger, "id")
	if !ok {
		return
	}
	resolved, ok := optionalBool(c, rc.logger, "resolved")
	if !ok {
		return
	}
	out, err := rc.svc.ListDiscrepancies(c.Request.Context(), id, resolved)
	if err != nil {
		respondError(c, rc.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"discrepancies": out})
}

func (rc *ReconciliationController) ResolveDiscrepancy(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	id, ok := uuidParam(c, rc.logger, "id")
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, rc.logger, apperrors.ErrInvalidInput.Withf("index must be an integer"))
		return
	}
	var req models.ResolveDiscrepancyRequest
	if !bindJSON(c, rc.logger, &req) {
		return
	}
	job, err := rc.svc.ResolveDiscrepancy(c.Request.Context(), id, index, actor.ID, req.Notes)
	if err != nil {
		respondError(c, rc.logger, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Report renders the job report inline, or uploads it and returns a
// presigned link when upload=true.
func (rc *ReconciliationController) Report(c *gin.Context) {
	id, ok := uuidParam(c, rc.logger, "id")
	if !ok {
		return
	}
	upload := c.Query("upload") == "true"
	rep, err := rc.svc.Report(c.Request.Context(), id, c.Query("format"), upload)
	if err != nil {
		respondError(c, rc.logger, err)
		return
	}
	if upload {
		c.JSON(http.StatusOK, rep)
		return
	}
	c.Data(http.StatusOK, rep.ContentType, rep.Body)
}

// UnresolvedDiscrepancies lists open discrepancies across recent jobs.
func (rc *ReconciliationController) UnresolvedDiscrepancies(c *gin.Context) {
	if c.DefaultQuery("resolved", "false") != "false" {
		respondError(c, rc.logger, apperrors.ErrInvalidInput.Withf("only resolved=false is supported across jobs"))
		return
	}
	_, limit := pagination(c)
	out, err := rc.svc.UnresolvedDiscrepancies(c.Request.Context(), limit)
	if err != nil {
		respondError(c, rc.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"discrepancies": out, "count": len(out)})
}

func (rc *ReconciliationController) SchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, rc.scheduler.Status())
}

func (rc *ReconciliationController) StartScheduler(c *gin.Context) {
	var cfg *models.ReconciliationSchedulerConfig
	if c.Request.ContentLength > 0 {
		cfg = &models.ReconciliationSchedulerConfig{}
		if !bindJSON(c, rc.logger, cfg) {
			return
		}
	}
	if err := rc.scheduler.Start(cfg); err != nil {
		respondError(c, rc.logger, err)
		return
	}
	c.JSON(http.StatusOK, rc.scheduler.Status())
}

func (rc *ReconciliationController) StopScheduler(c *gin.Context) {
	rc.scheduler.Stop()
	c.JSON(http.StatusOK, rc.scheduler.Status())
}

func (rc *ReconciliationController) UpdateSchedulerConfig(c *gin.Context) {
	var cfg models.ReconciliationSchedulerConfig
	if !bindJSON(c, rc.logger, &cfg) {
		return
	}
	if err := rc.scheduler.UpdateConfig(cfg); err != nil {
		respondError(c, rc.logger, err)
		return
	}
	c.JSON(http.StatusOK, rc.scheduler.Status())
}

// Run reconciles the latest window of a period immediately.
func (rc *ReconciliationController) Run(c *gin.Context) {
	var req models.RunReconciliationRequest
	if !bindJSON(c, rc.logger, &req) {
		return
	}
	jobs, err := rc.scheduler.RunNow(c.Request.Context(), req.Period, req.Processor)
	if err != nil {
		respondError(c, rc.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func optionalBool(c *gin.Context, log *zap.Logger, name string) (*bool, bool) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return nil, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		respondError(c, log, apperrors.ErrInvalidInput.Withf("%s must be true or false", name))
		return nil, false
	}
	return &v, true
}

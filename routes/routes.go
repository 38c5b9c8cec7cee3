package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/yashrajoria/marketplace-payments/controllers"
	"github.com/yashrajoria/marketplace-payments/middleware"
	"github.com/yashrajoria/marketplace-payments/models"
)

// Controllers groups every HTTP handler set the service exposes.
type Controllers struct {
	Payments       *controllers.PaymentController
	Webhooks       *controllers.WebhookController
	Outbox         *controllers.OutboxController
	Reconciliation *controllers.ReconciliationController
	Health         *controllers.HealthController
}

// RegisterRoutes mounts the API. authn resolves the actor; webhooks and
// health stay unauthenticated.
func RegisterRoutes(r *gin.Engine, authn gin.HandlerFunc, h Controllers) {
	r.GET("/health", h.Health.Health)

	// verified by processor signature instead of actor auth
	r.POST("/webhooks/:method", h.Webhooks.HandleWebhook)

	admin := middleware.RequireRole(models.RoleAdmin)

	payments := r.Group("/payments", authn)
	{
		payments.POST("", h.Payments.CreatePayment)
		payments.GET("/:id", h.Payments.GetPayment)
		payments.GET("/booking/:bookingId", h.Payments.GetPaymentByBooking)
		payments.POST("/:id/confirm", h.Payments.ConfirmPayment)
		payments.POST("/:id/cancel", h.Payments.CancelPayment)
		payments.POST("/:id/refund", admin, h.Payments.RefundPayment)
		payments.PUT("/:id/status", admin, h.Payments.UpdateStatus)
		payments.GET("/:id/audit", h.Payments.PaymentAudit)
	}
	r.GET("/bookings/:bookingId/audit", authn, h.Payments.BookingAudit)

	outbox := r.Group("/admin/outbox", authn, admin)
	{
		outbox.GET("/stats", h.Outbox.Stats)
		outbox.GET("/messages", h.Outbox.ListMessages)
		outbox.GET("/messages/:id", h.Outbox.GetMessage)
		outbox.GET("/dead-letters", h.Outbox.DeadLetters)
		outbox.POST("/retry", h.Outbox.Retry)
		outbox.POST("/process", h.Outbox.Process)
		outbox.POST("/test-message", h.Outbox.InjectTestMessage)
		outbox.GET("/scheduler", h.Outbox.SchedulerStatus)
		outbox.POST("/scheduler/start", h.Outbox.StartScheduler)
		outbox.POST("/scheduler/stop", h.Outbox.StopScheduler)
		outbox.PUT("/scheduler/config", h.Outbox.UpdateSchedulerConfig)
	}

	recon := r.Group("/admin/reconciliation", authn, admin)
	{
		recon.GET("/jobs", h.Reconciliation.ListJobs)
		recon.POST("/jobs", h.Reconciliation.CreateJob)
		recon.GET("/jobs/:id", h.Reconciliation.GetJob)
		recon.POST("/jobs/:id/process", h.Reconciliation.ProcessJob)
		recon.GET("/jobs/:id/variance", h.Reconciliation.Variance)
		recon.GET("/jobs/:id/discrepancies", h.Reconciliation.ListDiscrepancies)
		recon.POST("/jobs/:id/discrepancies/:index/resolve", h.Reconciliation.ResolveDiscrepancy)
		recon.GET("/jobs/:id/report", h.Reconciliation.Report)
		recon.GET("/discrepancies", h.Reconciliation.UnresolvedDiscrepancies)
		recon.GET("/scheduler", h.Reconciliation.SchedulerStatus)
		recon.POST("/scheduler/start", h.Reconciliation.StartScheduler)
		recon.POST("/scheduler/stop", h.Reconciliation.StopScheduler)
		recon.PUT("/scheduler/config", h.Reconciliation.UpdateSchedulerConfig)
		recon.POST("/run", h.Reconciliation.Run)
	}
}

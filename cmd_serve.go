package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yashrajoria/marketplace-payments/common/auth"
	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	commonmw "github.com/yashrajoria/marketplace-payments/common/middleware"
	"github.com/yashrajoria/marketplace-payments/controllers"
	"github.com/yashrajoria/marketplace-payments/database"
	"github.com/yashrajoria/marketplace-payments/kafka"
	"github.com/yashrajoria/marketplace-payments/middleware"
	"github.com/yashrajoria/marketplace-payments/models"
	awspkg "github.com/yashrajoria/marketplace-payments/pkg/aws"
	"github.com/yashrajoria/marketplace-payments/repository"
	"github.com/yashrajoria/marketplace-payments/routes"
	"github.com/yashrajoria/marketplace-payments/services"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, outbox dispatcher, reconciliation scheduler and SQS consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "auto-migrate the ledger tables on startup")
	return cmd
}

func runServe(parent context.Context, migrate bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, log := a.cfg, a.logger

	if migrate {
		if err := database.Migrate(a.db); err != nil {
			return err
		}
	}

	if cfg.MongoURI == "" {
		return fmt.Errorf("MONGO_URI is required to serve")
	}
	mongoClient, mongoDB, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.DisconnectMongo(mongoClient); err != nil {
			log.Warn("failed to disconnect mongo", zap.Error(err))
		}
	}()
	bookings := repository.NewMongoBookingRepository(mongoDB, cfg.BookingsColl)

	checks := map[string]services.HealthCheck{
		"mongo": func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) },
	}

	var redisClient *redis.Client
	var deduper repository.WebhookDeduper
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		deduper = repository.NewRedisWebhookDeduper(redisClient, cfg.WebhookDedupTTL)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		log.Warn("REDIS_URL not set; webhook replays are only caught by the ledger")
	}

	publisher, statusDestination, closePublisher := eventPublisher(a)
	defer closePublisher()

	payments := services.NewPaymentService(services.PaymentDeps{
		Store:             a.store,
		Bookings:          bookings,
		Registry:          a.registry,
		Outbox:            a.outbox,
		Deduper:           deduper,
		Metrics:           a.metrics,
		Logger:            log,
		StatusDestination: statusDestination,
	})

	dispatcher := services.NewDispatcher(a.store, cfg.Outbox.BatchSize, a.metrics, log)
	dispatcher.Register(models.MessageWebhookDelivery, services.NewWebhookDeliveryHandler(cfg.WebhookTimeout, cfg.WebhookSigningSecret, cfg.WebhookSecrets))
	dispatcher.Register(models.MessageBookingUpdate, services.NewBookingUpdateHandler(bookings))
	if publisher != nil {
		dispatcher.Register(models.MessagePaymentStatusChange, services.NewStatusEventHandler(publisher))
	}
	if cfg.NotificationQueueURL != "" && a.awsReady {
		notifications := services.NewNotificationDeliveryHandler(awspkg.NewSQSClient(a.awsCfg, cfg.NotificationQueueURL, log))
		dispatcher.Register(models.MessageEmail, notifications)
		dispatcher.Register(models.MessageSMS, notifications)
	}

	outboxScheduler := services.NewOutboxScheduler(dispatcher, a.outbox, a.outboxSchedulerConfig(), log)
	if cfg.Outbox.SchedulerEnabled {
		if err := outboxScheduler.Start(nil); err != nil {
			return err
		}
	}
	defer outboxScheduler.Stop()

	reconScheduler, err := a.reconciliationScheduler()
	if err != nil {
		return err
	}
	if cfg.Reconciliation.SchedulerEnabled {
		if err := reconScheduler.Start(nil); err != nil {
			return err
		}
	}
	defer reconScheduler.Stop()

	// runs before the deferred teardown above
	workers := &background{stop: stop}
	defer workers.Shutdown()

	if cfg.PaymentRequestQueue != "" && a.awsReady {
		consumer := services.NewPaymentRequestConsumer(awspkg.NewSQSClient(a.awsCfg, cfg.PaymentRequestQueue, log), payments, a.metrics, log)
		workers.Go(func() { consumer.Start(ctx) })
	}

	health := services.NewHealthService(services.HealthDeps{
		ServiceName:             cfg.ServiceName,
		Store:                   a.store,
		Registry:                a.registry,
		Outbox:                  a.outbox,
		Reconciliation:          a.recon,
		OutboxScheduler:         outboxScheduler,
		ReconciliationScheduler: reconScheduler,
		OutboxEnabled:           cfg.Outbox.SchedulerEnabled,
		ReconciliationEnabled:   cfg.Reconciliation.SchedulerEnabled,
		Features: map[string]bool{
			"cash":           cfg.CashEnabled,
			"card":           cfg.CardEnabled,
			"webhook_dedupe": deduper != nil,
			"report_upload":  cfg.ReportBucket != "" && a.awsReady,
			"sqs_requests":   cfg.PaymentRequestQueue != "" && a.awsReady,
		},
		Checks: checks,
	})

	if err := middleware.RegisterValidators(); err != nil {
		return err
	}
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	limiter := commonmw.NewRateLimiter(ctx, commonmw.PerMinute(cfg.RateLimitPerMinute), cfg.RateLimitPerMinute, 10*time.Minute)
	r := gin.New()
	r.Use(
		gin.Recovery(),
		commonmw.RequestID(),
		commonmw.RequestLogger(log),
		commonmw.SecurityHeaders(),
		commonmw.CORS(cfg.AllowedOrigins),
		commonmw.RateLimitMiddleware(limiter),
		commonmw.MetricsMiddleware(a.metrics, cfg.ServiceName),
		commonmw.Timeout(cfg.RequestTimeout),
		apperrors.ErrorMiddleware(),
	)

	authn := middleware.NewAuthenticator(auth.NewTokenParser(cfg.JWTSecret), cfg.TrustGatewayHeaders)
	routes.RegisterRoutes(r, authn.Middleware(), routes.Controllers{
		Payments:       controllers.NewPaymentController(payments, services.NewAuditService(a.store), log),
		Webhooks:       controllers.NewWebhookController(payments, log),
		Outbox:         controllers.NewOutboxController(a.outbox, outboxScheduler, log),
		Reconciliation: controllers.NewReconciliationController(a.recon, reconScheduler, log),
		Health:         controllers.NewHealthController(health),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Payments service is running", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("Server shutdown complete")
	return nil
}

// background tracks goroutines that share the serve context and use
// resources closed on return.
type background struct {
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func (b *background) Go(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Shutdown cancels the serve context and waits for every goroutine.
func (b *background) Shutdown() {
	b.stop()
	b.wg.Wait()
}

// eventPublisher picks the status event bus. It returns nil when the chosen
// bus is not configured, leaving status change messages undelivered until it
// is.
func eventPublisher(a *app) (services.EventPublisher, string, func()) {
	cfg := a.cfg
	if cfg.EventBus == "kafka" {
		producer := kafka.NewEventProducer(cfg.KafkaBrokers, cfg.KafkaTopic, a.logger)
		return producer, cfg.KafkaTopic, func() {
			if err := producer.Close(); err != nil {
				a.logger.Warn("failed to close kafka producer", zap.Error(err))
			}
		}
	}
	if cfg.PaymentEventsTopicARN == "" || !a.awsReady {
		a.logger.Warn("payment status events disabled; set PAYMENT_SNS_TOPIC_ARN")
		return nil, "", func() {}
	}
	return services.NewSNSEventPublisher(awspkg.NewSNSClient(a.awsCfg), cfg.PaymentEventsTopicARN), cfg.PaymentEventsTopicARN, func() {}
}

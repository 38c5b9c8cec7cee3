package main

import (
	"context"
	"fmt"
	"os"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yashrajoria/marketplace-payments/common/logger"
	"github.com/yashrajoria/marketplace-payments/config"
	"github.com/yashrajoria/marketplace-payments/database"
	"github.com/yashrajoria/marketplace-payments/models"
	awspkg "github.com/yashrajoria/marketplace-payments/pkg/aws"
	"github.com/yashrajoria/marketplace-payments/processors"
	"github.com/yashrajoria/marketplace-payments/repository"
	"github.com/yashrajoria/marketplace-payments/services"
)

// app holds what every command needs: config, logger, the ledger and the
// processor backends.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *gorm.DB
	store    repository.Store
	awsCfg   sdkaws.Config
	awsReady bool
	metrics  *awspkg.MetricsClient
	registry *processors.Registry
	outbox   services.OutboxService
	recon    services.ReconciliationService
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg}
	awsCfg, awsErr := awspkg.LoadAWSConfig(ctx)
	if awsErr == nil {
		a.awsCfg = awsCfg
		a.awsReady = true
	}

	var sinkErr error
	var cwSink *awspkg.CloudWatchLogsClient
	if cfg.CloudWatchEnabled && a.awsReady {
		cwSink, sinkErr = awspkg.NewCloudWatchLogsClient(ctx, awsCfg, cfg.CloudWatchLogGroup, cfg.ServiceName)
	}
	if cwSink != nil {
		a.logger, err = logger.New(cfg.Env, cwSink)
	} else {
		a.logger, err = logger.New(cfg.Env, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if awsErr != nil {
		a.logger.Warn("AWS config unavailable; AWS integrations disabled", zap.Error(awsErr))
	}
	if sinkErr != nil {
		a.logger.Warn("CloudWatch Logs sink unavailable", zap.Error(sinkErr))
	}

	a.db, err = database.ConnectPostgres(cfg.PostgresDSN(), a.logger)
	if err != nil {
		return nil, err
	}
	a.store = repository.NewStore(a.db)
	a.metrics = awspkg.NewMetricsClient(awsCfg, cfg.CloudWatchNamespace, cfg.CloudWatchEnabled && a.awsReady)

	a.registry = processors.NewRegistry(a.logger)
	if cfg.CashEnabled {
		a.registry.Register(processors.NewCashProcessor(a.store.Payments(), cfg.CashCurrencies, a.logger))
	}
	if cfg.CardEnabled {
		gateway := processors.NewStripeGateway(cfg.StripeSecretKey)
		a.registry.Register(processors.NewStripeProcessor(gateway, cfg.StripeWebhookSecret, cfg.CardCurrencies, a.logger))
	}
	a.registry.Initialize(ctx)

	a.outbox = services.NewOutboxService(a.store, cfg.Outbox.MaxAttempts, a.logger)

	var objects awspkg.ObjectStore
	if cfg.ReportBucket != "" && a.awsReady {
		objects = awspkg.NewS3Store(awsCfg, cfg.ReportBucket)
	}
	a.recon = services.NewReconciliationService(a.store, a.registry, objects, services.ReconciliationOptions{
		MaxRetries:      cfg.Reconciliation.MaxRetries,
		Epsilon:         cfg.Reconciliation.AmountEpsilon,
		ReportURLExpiry: cfg.ReportURLExpiry,
	}, a.metrics, a.logger)

	return a, nil
}

func (a *app) leaseStore() (repository.LeaseStore, error) {
	if a.cfg.LeaseStore != "dynamodb" {
		return repository.NewGormLeaseStore(a.db), nil
	}
	if !a.awsReady {
		return nil, fmt.Errorf("LEASE_STORE=dynamodb requires AWS configuration")
	}
	return repository.NewDynamoLeaseStore(awspkg.NewDynamoDBClient(a.awsCfg), a.cfg.LeaseTable), nil
}

func (a *app) reconciliationScheduler() (*services.ReconciliationScheduler, error) {
	leases, err := a.leaseStore()
	if err != nil {
		return nil, err
	}
	rc := a.cfg.Reconciliation
	return services.NewReconciliationScheduler(a.recon, leases, instanceID(), models.ReconciliationSchedulerConfig{
		DailyEnabled:    rc.DailyEnabled,
		WeeklyEnabled:   rc.WeeklyEnabled,
		MonthlyEnabled:  rc.MonthlyEnabled,
		DailyInterval:   models.Duration(rc.DailyInterval),
		WeeklyInterval:  models.Duration(rc.WeeklyInterval),
		MonthlyInterval: models.Duration(rc.MonthlyInterval),
		Scopes:          rc.Scopes,
	}, a.logger), nil
}

func (a *app) outboxSchedulerConfig() models.OutboxSchedulerConfig {
	oc := a.cfg.Outbox
	return models.OutboxSchedulerConfig{
		PendingInterval: models.Duration(oc.PendingInterval),
		RetryInterval:   models.Duration(oc.RetryInterval),
		CleanupInterval: models.Duration(oc.CleanupInterval),
		BatchSize:       oc.BatchSize,
		RetentionDays:   oc.RetentionDays,
	}
}

func (a *app) close() {
	if err := database.ClosePostgres(a.db); err != nil {
		a.logger.Warn("failed to close postgres", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// instanceID names this process as a lease owner.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

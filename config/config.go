package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	awspkg "github.com/yashrajoria/marketplace-payments/pkg/aws"
)

// Config holds all configuration for the payments service.
type Config struct {
	Env         string
	ServiceName string
	Port        string

	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     string
	PostgresSSLMode  string
	PostgresTimeZone string

	MongoURI        string
	MongoDatabase   string
	BookingsColl    string
	RedisURL        string
	WebhookDedupTTL time.Duration

	JWTSecret           string
	TrustGatewayHeaders bool
	AllowedOrigins      string
	RateLimitPerMinute  int
	RequestTimeout      time.Duration

	CashEnabled           bool
	CashCurrencies        []string
	CardEnabled           bool
	CardCurrencies        []string
	StripeSecretKey       string
	StripeWebhookSecret   string
	WebhookSigningSecret  string
	WebhookSecrets        map[string]string
	WebhookTimeout        time.Duration
	PaymentRequestQueue   string
	NotificationQueueURL  string
	EventBus              string // sns | kafka
	PaymentEventsTopicARN string
	KafkaBrokers          []string
	KafkaTopic            string

	Outbox         OutboxConfig
	Reconciliation ReconciliationConfig

	LeaseStore      string // postgres | dynamodb
	LeaseTable      string
	ReportBucket    string
	ReportURLExpiry time.Duration

	CloudWatchEnabled   bool
	CloudWatchNamespace string
	CloudWatchLogGroup  string
}

// OutboxConfig controls the outbox scheduler cadences.
type OutboxConfig struct {
	SchedulerEnabled bool
	PendingInterval  time.Duration
	RetryInterval    time.Duration
	CleanupInterval  time.Duration
	BatchSize        int
	MaxAttempts      int
	RetentionDays    int
}

// ReconciliationConfig controls the reconciliation engine and its scheduler.
type ReconciliationConfig struct {
	SchedulerEnabled bool
	DailyEnabled     bool
	WeeklyEnabled    bool
	MonthlyEnabled   bool
	DailyInterval    time.Duration
	WeeklyInterval   time.Duration
	MonthlyInterval  time.Duration
	Scopes           []string
	AmountEpsilon    decimal.Decimal
	MaxRetries       int
}

// LoadConfig reads configuration from .env (when present), the environment
// and, with AWS_USE_SECRETS=true, Secrets Manager.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	epsilon, err := decimal.NewFromString(getEnv("RECONCILIATION_AMOUNT_EPSILON", "0.01"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECONCILIATION_AMOUNT_EPSILON: %w", err)
	}

	cfg := &Config{
		Env:         getEnv("APP_ENV", "development"),
		ServiceName: getEnv("SERVICE_NAME", "payments-service"),
		Port:        getEnv("PORT", "8087"),

		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresTimeZone: getEnv("POSTGRES_TIMEZONE", "UTC"),

		MongoURI:        os.Getenv("MONGO_URI"),
		MongoDatabase:   getEnv("MONGO_DATABASE", "marketplace"),
		BookingsColl:    getEnv("MONGO_BOOKINGS_COLLECTION", "bookings"),
		RedisURL:        os.Getenv("REDIS_URL"),
		WebhookDedupTTL: getDuration("WEBHOOK_DEDUP_TTL", 72*time.Hour),

		JWTSecret:           os.Getenv("JWT_SECRET"),
		TrustGatewayHeaders: getBool("TRUST_GATEWAY_HEADERS", false),
		AllowedOrigins:      getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),
		RateLimitPerMinute:  getInt("RATE_LIMIT_PER_MINUTE", 300),
		RequestTimeout:      getDuration("REQUEST_TIMEOUT", 30*time.Second),

		CashEnabled:           getBool("CASH_PAYMENTS_ENABLED", true),
		CashCurrencies:        getList("CASH_CURRENCIES", "ILS,USD,EUR"),
		CardEnabled:           getBool("CARD_PAYMENTS_ENABLED", false),
		CardCurrencies:        getList("CARD_CURRENCIES", "ILS,USD,EUR,GBP"),
		StripeSecretKey:       os.Getenv("STRIPE_API_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookSigningSecret:  os.Getenv("OUTBOX_WEBHOOK_SECRET"),
		WebhookSecrets:        getMap("OUTBOX_WEBHOOK_SECRETS"),
		WebhookTimeout:        getDuration("OUTBOX_WEBHOOK_TIMEOUT", 10*time.Second),
		PaymentRequestQueue:   os.Getenv("PAYMENT_REQUEST_QUEUE_URL"),
		NotificationQueueURL:  os.Getenv("NOTIFICATION_QUEUE_URL"),
		EventBus:              strings.ToLower(getEnv("EVENT_BUS", "sns")),
		PaymentEventsTopicARN: os.Getenv("PAYMENT_SNS_TOPIC_ARN"),
		KafkaBrokers:          getList("KAFKA_BROKERS", ""),
		KafkaTopic:            getEnv("KAFKA_PAYMENT_TOPIC", "payment-events"),

		Outbox: OutboxConfig{
			SchedulerEnabled: getBool("OUTBOX_SCHEDULER_ENABLED", true),
			PendingInterval:  getDuration("OUTBOX_PENDING_INTERVAL", 5*time.Second),
			RetryInterval:    getDuration("OUTBOX_RETRY_INTERVAL", 30*time.Second),
			CleanupInterval:  getDuration("OUTBOX_CLEANUP_INTERVAL", 24*time.Hour),
			BatchSize:        getInt("OUTBOX_BATCH_SIZE", 50),
			MaxAttempts:      getInt("OUTBOX_MAX_ATTEMPTS", 5),
			RetentionDays:    getInt("OUTBOX_RETENTION_DAYS", 30),
		},
		Reconciliation: ReconciliationConfig{
			SchedulerEnabled: getBool("RECONCILIATION_SCHEDULER_ENABLED", true),
			DailyEnabled:     getBool("RECONCILIATION_DAILY_ENABLED", true),
			WeeklyEnabled:    getBool("RECONCILIATION_WEEKLY_ENABLED", true),
			MonthlyEnabled:   getBool("RECONCILIATION_MONTHLY_ENABLED", true),
			DailyInterval:    getDuration("RECONCILIATION_DAILY_INTERVAL", 24*time.Hour),
			WeeklyInterval:   getDuration("RECONCILIATION_WEEKLY_INTERVAL", 7*24*time.Hour),
			MonthlyInterval:  getDuration("RECONCILIATION_MONTHLY_INTERVAL", 30*24*time.Hour),
			Scopes:           getList("RECONCILIATION_SCOPES", "all"),
			AmountEpsilon:    epsilon,
			MaxRetries:       getInt("RECONCILIATION_MAX_RETRIES", 3),
		},

		LeaseStore:      strings.ToLower(getEnv("LEASE_STORE", "postgres")),
		LeaseTable:      getEnv("LEASE_DYNAMODB_TABLE", "payments-scheduler-leases"),
		ReportBucket:    os.Getenv("RECONCILIATION_REPORT_BUCKET"),
		ReportURLExpiry: getDuration("RECONCILIATION_REPORT_URL_EXPIRY", 15*time.Minute),

		CloudWatchEnabled:   getBool("CLOUDWATCH_ENABLED", false),
		CloudWatchNamespace: getEnv("CLOUDWATCH_NAMESPACE", "Marketplace/Payments"),
		CloudWatchLogGroup:  getEnv("CLOUDWATCH_LOG_GROUP", "/marketplace/payments"),
	}

	if getBool("AWS_USE_SECRETS", false) {
		cfg.applySecrets(context.Background())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applySecrets overrides DB credentials and processor keys from Secrets
// Manager. Missing secrets leave the environment values in place.
func (c *Config) applySecrets(ctx context.Context) {
	awsCfg, err := awspkg.LoadAWSConfig(ctx)
	if err != nil {
		return
	}
	sm := awspkg.NewSecretsClient(awsCfg)

	if m, err := sm.GetSecretMap(ctx, "payments/DB_CREDENTIALS"); err == nil {
		override(&c.PostgresUser, m["POSTGRES_USER"])
		override(&c.PostgresPassword, m["POSTGRES_PASSWORD"])
		override(&c.PostgresDB, m["POSTGRES_DB"])
		override(&c.PostgresHost, m["POSTGRES_HOST"])
		override(&c.PostgresPort, m["POSTGRES_PORT"])
	}
	if m, err := sm.GetSecretMap(ctx, "payments/STRIPE"); err == nil {
		override(&c.StripeSecretKey, m["STRIPE_API_KEY"])
		override(&c.StripeWebhookSecret, m["STRIPE_WEBHOOK_SECRET"])
	}
	if v, err := sm.GetSecret(ctx, "payments/OUTBOX_WEBHOOK_SECRET"); err == nil {
		override(&c.WebhookSigningSecret, v)
	}
	if v, err := sm.GetSecret(ctx, "payments/JWT_SECRET"); err == nil {
		override(&c.JWTSecret, v)
	}
}

// Validate checks required settings and cross-field constraints.
func (c *Config) Validate() error {
	var missing []string
	if c.PostgresUser == "" || c.PostgresPassword == "" || c.PostgresDB == "" || c.PostgresHost == "" {
		missing = append(missing, "POSTGRES_*")
	}
	if c.CardEnabled && (c.StripeSecretKey == "" || c.StripeWebhookSecret == "") {
		missing = append(missing, "STRIPE_API_KEY/STRIPE_WEBHOOK_SECRET")
	}
	if c.EventBus == "kafka" && len(c.KafkaBrokers) == 0 {
		missing = append(missing, "KAFKA_BROKERS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1")
	}
	if c.Reconciliation.AmountEpsilon.IsNegative() {
		return fmt.Errorf("RECONCILIATION_AMOUNT_EPSILON must not be negative")
	}
	if c.EventBus != "sns" && c.EventBus != "kafka" {
		return fmt.Errorf("EVENT_BUS must be sns or kafka, got %q", c.EventBus)
	}
	if c.LeaseStore != "postgres" && c.LeaseStore != "dynamodb" {
		return fmt.Errorf("LEASE_STORE must be postgres or dynamodb, got %q", c.LeaseStore)
	}
	return nil
}

// PostgresDSN builds the gorm/pgx connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB,
		c.PostgresPort, c.PostgresSSLMode, c.PostgresTimeZone)
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getMap parses "k1=v1,k2=v2".
func getMap(key string) map[string]string {
	out := map[string]string{}
	for _, pair := range getList(key, "") {
		k, v, ok := strings.Cut(pair, "=")
		if ok && k != "" {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}

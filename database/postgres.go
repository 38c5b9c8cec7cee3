package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yashrajoria/marketplace-payments/models"
)

const connectAttempts = 10

// Models lists every table the service owns, in migration order.
func Models() []interface{} {
	return []interface{}{
		&models.Payment{},
		&models.AuditEntry{},
		&models.OutboxMessage{},
		&models.ReconciliationJob{},
		&models.SchedulerLease{},
	}
}

// ConnectPostgres opens the ledger database, retrying while it comes up.
func ConnectPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	for i := 0; i < connectAttempts; i++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			sqlDB, poolErr := db.DB()
			if poolErr == nil {
				sqlDB.SetMaxOpenConns(25)
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetConnMaxLifetime(5 * time.Minute)
				err = sqlDB.Ping()
			}
			if err == nil {
				logger.Info("Connected to PostgreSQL")
				return db, nil
			}
		}

		logger.Warn("PostgreSQL connection failed, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
		time.Sleep(time.Duration(i+1) * 2 * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to PostgreSQL after %d attempts: %w", connectAttempts, err)
}

// Migrate creates or updates the service tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// ClosePostgres releases the pool.
func ClosePostgres(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}

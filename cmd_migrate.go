package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yashrajoria/marketplace-payments/common/logger"
	"github.com/yashrajoria/marketplace-payments/config"
	"github.com/yashrajoria/marketplace-payments/database"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger, outbox, reconciliation and lease tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log, err := logger.New(cfg.Env, nil)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			db, err := database.ConnectPostgres(cfg.PostgresDSN(), log)
			if err != nil {
				return err
			}
			defer database.ClosePostgres(db)

			if err := database.Migrate(db); err != nil {
				return err
			}
			log.Info("Migration complete", zap.Int("tables", len(database.Models())))
			return nil
		},
	}
}

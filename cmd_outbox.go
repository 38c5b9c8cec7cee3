package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Outbox maintenance",
	}
	cmd.AddCommand(outboxRetryDeadCmd())
	cmd.AddCommand(outboxCleanupCmd())
	return cmd
}

func outboxRetryDeadCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "retry-dead",
		Short: "Return dead-lettered messages to pending with a fresh attempt budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			msgs, _, err := a.outbox.DeadLetters(cmd.Context(), 1, limit)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(msgs))
			for _, m := range msgs {
				ids = append(ids, m.MessageID)
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no dead-lettered messages")
				return nil
			}
			n, err := a.outbox.BulkRetry(cmd.Context(), ids)
			if err != nil {
				return err
			}
			a.logger.Info("Dead letters requeued", zap.Int("selected", len(ids)), zap.Int64("retried", n))
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d of %d dead-lettered messages\n", n, len(ids))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum messages to requeue (at most 200 per run)")
	return cmd
}

func outboxCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete delivered messages older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if days <= 0 {
				days = a.cfg.Outbox.RetentionDays
			}
			n, err := a.outbox.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			a.logger.Info("Outbox cleanup complete", zap.Int("retention_days", days), zap.Int64("deleted", n))
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d delivered messages\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days; 0 uses OUTBOX_RETENTION_DAYS")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yashrajoria/marketplace-payments/models"
)

func reconcileCmd() *cobra.Command {
	var period, processor string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the latest completed window of a period",
		Long: `Reconcile the latest completed window now, under the same lease the
scheduler takes, so a run already made for the window is reused.

Examples:
  payments reconcile --period daily
  payments reconcile --period monthly --processor card`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := models.PeriodType(period)
			if !p.Valid() || p == models.PeriodCustom {
				return fmt.Errorf("--period must be daily, weekly or monthly")
			}

			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			sched, err := a.reconciliationScheduler()
			if err != nil {
				return err
			}
			jobs, err := sched.RunNow(cmd.Context(), p, processor)
			if err != nil {
				return err
			}
			for _, job := range jobs {
				a.logger.Info("Reconciliation job",
					zap.String("job_id", job.ID.String()),
					zap.String("scope", job.ProcessorScope),
					zap.String("status", string(job.Status)),
					zap.Int("discrepancies", len(job.Discrepancies)),
				)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", job.ID, job.ProcessorScope, job.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&period, "period", "daily", "period to reconcile (daily, weekly, monthly)")
	cmd.Flags().StringVar(&processor, "processor", "", "processor scope; empty uses the configured scopes")
	return cmd
}

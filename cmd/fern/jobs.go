package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func buildJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel scheduled jobs",
	}
	cmd.AddCommand(buildJobsListCmd(), buildJobsCancelCmd())
	return cmd
}

func buildJobsListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, _, err := openMaintenanceStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.ListJobs(ctx, status, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "no jobs")
				return nil
			}
			for _, j := range jobs {
				line := fmt.Sprintf("%s  %-9s  %-9s", j.ID, j.Status, j.Type)
				if j.CronExpr != "" {
					line += "  cron " + j.CronExpr
				}
				if !j.ScheduledAt.IsZero() {
					line += "  next " + j.ScheduledAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%s  %s\n", line, firstLine(j.Prompt))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries")
	return cmd
}

func buildJobsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a job",
		Long: `Cancel a pending job, or stop future runs of a recurring one. A job
already running finishes its current execution.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, store, _, err := openMaintenanceStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			ok, err := store.CancelJob(ctx, args[0], time.Now())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("job %s is not cancellable", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		},
	}
}

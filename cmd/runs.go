package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/monitoring"
	"github.com/sells-group/account-intel/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run-record audit trail",
	Long:  "Commands for listing and summarizing extraction, classification, and briefing run records.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent run records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initStoreOnly(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		org, _ := cmd.Flags().GetString("org")
		stage, _ := cmd.Flags().GetString("stage")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := env.Store.ListRunRecords(ctx, store.RunFilter{
			OrganizationID: org,
			Stage:          model.Stage(stage),
			Status:         model.RunStatus(status),
			Limit:          limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent run outcomes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initStoreOnly(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		hours, _ := cmd.Flags().GetInt("lookback-hours")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackHours
		}
		snap, err := env.Collector.Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		formatRunStats(os.Stdout, snap)

		if alert, _ := cmd.Flags().GetBool("alert"); alert {
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			alerts := alerter.Evaluate(snap)
			for _, a := range alerts {
				fmt.Fprintf(os.Stderr, "ALERT [%s] %s\n", a.Severity, a.Message)
			}
			sent := alerter.SendAlerts(ctx, alerts)
			if len(alerts) > 0 && cfg.Monitoring.WebhookURL != "" && sent < len(alerts) {
				return eris.Errorf("runs stats: sent %d of %d alerts", sent, len(alerts))
			}
		}
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("org", "", "filter by organization ID")
	runsListCmd.Flags().String("stage", "", "filter by stage (extraction, classification, briefing)")
	runsListCmd.Flags().String("status", "", "filter by status (success, no_recent_activity, error)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Int("lookback-hours", 0, "time window in hours (default from monitoring.lookback_hours)")
	runsStatsCmd.Flags().Bool("alert", false, "evaluate alert thresholds and post breaches to the webhook")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of run records to out.
func formatRunsList(out io.Writer, runs []model.RunRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTAGE\tORGANIZATION\tSTATUS\tCODE\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t------------\t------\t----\t-------")

	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Stage,
			truncateID(r.OrganizationID),
			r.Status,
			r.ErrorCode,
			r.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatRunStats writes a snapshot summary to out.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%dh\n", s.LookbackHours)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Success:\t%d\n", s.Success)
	_, _ = fmt.Fprintf(w, "No recent activity:\t%d\n", s.NoRecentActivity)
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", s.Errors)
	_, _ = fmt.Fprintf(w, "Error rate:\t%.1f%%\n", s.ErrorRate*100)

	stages := make([]model.Stage, 0, len(s.ByStage))
	for stage := range s.ByStage {
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
	for _, stage := range stages {
		st := s.ByStage[stage]
		_, _ = fmt.Fprintf(w, "  %s:\t%d runs, %d errors (%.1f%%)\n", stage, st.Total, st.Errors, st.ErrorRate*100)
	}

	if len(s.TopErrorCodes) > 0 {
		_, _ = fmt.Fprintln(w, "Top error codes:")
		for _, c := range s.TopErrorCodes {
			_, _ = fmt.Fprintf(w, "  %s\t%d\n", c.Code, c.Count)
		}
	}
	if s.Truncated {
		_, _ = fmt.Fprintln(w, "(summary truncated to the most recent runs)")
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

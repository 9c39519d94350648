package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract entities and signals from unprocessed documents",
	Long:  "Processes one batch of unprocessed documents for --org, or for every organization with pending work when --org is omitted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, "inference")
		if err != nil {
			return err
		}
		defer env.Close()

		org, _ := cmd.Flags().GetString("org")
		res, err := env.Orchestrator.RunExtraction(ctx, org)
		if err != nil {
			return eris.Wrap(err, "extract")
		}
		return writeResult(os.Stdout, res)
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Link unclassified news articles to organizations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initPipeline(ctx, "inference")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.RunClassification(ctx)
		if err != nil {
			return eris.Wrap(err, "classify")
		}
		return writeResult(os.Stdout, res)
	},
}

var briefingsCmd = &cobra.Command{
	Use:   "briefings",
	Short: "Synthesize account briefings",
	Long:  "Synthesizes a briefing for each --org, or for every organization when none is given. A single --org prints the briefing outcome.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		orgs, _ := cmd.Flags().GetStringSlice("org")
		date, _ := cmd.Flags().GetString("date")
		ref, err := parseDate(date)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "inference")
		if err != nil {
			return err
		}
		defer env.Close()

		if len(orgs) == 1 {
			out, err := env.Orchestrator.SynthesizeOne(ctx, orgs[0], ref)
			if out != nil {
				if werr := writeResult(os.Stdout, out); werr != nil {
					zap.L().Warn("write outcome", zap.Error(werr))
				}
			}
			if err != nil {
				return eris.Wrap(err, "briefing")
			}
			return nil
		}

		agg, err := env.Orchestrator.RunBriefings(ctx, orgs, ref)
		if err != nil {
			return eris.Wrap(err, "briefings")
		}
		return writeResult(os.Stdout, agg)
	},
}

// parseDate reads a YYYY-MM-DD reference date. Empty means now.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "invalid --date %q (want YYYY-MM-DD)", s)
	}
	return t, nil
}

func writeResult(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	extractCmd.Flags().String("org", "", "organization ID (default: all organizations with unprocessed documents)")
	briefingsCmd.Flags().StringSlice("org", nil, "organization IDs (default: all organizations)")
	briefingsCmd.Flags().String("date", "", "reference date YYYY-MM-DD; the window ends at its midnight UTC (default: now)")

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(briefingsCmd)
}

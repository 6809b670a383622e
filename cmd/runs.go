package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the sync run log",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		job, _ := cmd.Flags().GetString("job")
		if job == "" {
			job = cfg.Sync.Job
		}
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		runs, err := st.ListRuns(ctx, job, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tOK\tFETCHED\tUPSERTED\tFAILED\tSTARTED\tDURATION")
		for _, run := range runs {
			duration := "-"
			if run.EndedAt != nil {
				duration = run.EndedAt.Sub(run.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%d\t%d\t%s\t%s\n",
				run.ID, run.Status, run.OK,
				run.ItemsFetched, run.ItemsUpserted, run.ItemsFailed,
				run.StartedAt.Format(time.RFC3339), duration)
		}
		return tw.Flush()
	},
}

var runsLastCmd = &cobra.Command{
	Use:   "last",
	Short: "Show the resume point: the last successful run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		job, _ := cmd.Flags().GetString("job")
		if job == "" {
			job = cfg.Sync.Job
		}

		run, err := st.LastFinishedOK(ctx, job)
		if err != nil {
			return eris.Wrap(err, "runs last")
		}
		if run == nil {
			fmt.Fprintln(os.Stderr, "No successful runs yet; the next run starts from the beginning.")
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	runsListCmd.Flags().String("job", "", "job name (default from config)")
	runsListCmd.Flags().Int("limit", 20, "max runs to list")
	runsListCmd.Flags().Bool("json", false, "output JSON")
	runsLastCmd.Flags().String("job", "", "job name (default from config)")
	runsCmd.AddCommand(runsListCmd, runsLastCmd)
	rootCmd.AddCommand(runsCmd)
}

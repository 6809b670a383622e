package main

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	syncer "github.com/slabdeck/cardsync/internal/sync"
)

var (
	syncJob  string
	syncSets int
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one incremental sync slice",
	Long: `Run one incremental sync slice of the named job.

Resumes from the cursor of the last successful run, processes the next
K sets across every enabled vendor, and finalizes the run log. When the
previous successful run covered the whole catalog today, the invocation
is skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "sync"))

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		sources, err := buildSources()
		if err != nil {
			return err
		}

		syncCfg := cfg.Sync
		if syncSets > 0 {
			syncCfg.SetsPerRun = syncSets
		}
		engine, err := buildEngine(st, sources, syncCfg)
		if err != nil {
			return err
		}

		job := syncJob
		if job == "" {
			job = cfg.Sync.Job
		}
		log.Info("starting sync", zap.String("job", job), zap.Int("sets", syncCfg.SetsPerRun))

		res, err := engine.Run(ctx, job, "cli")
		if errors.Is(err, syncer.ErrSkipped) {
			fmt.Println("Skipped: full pass already completed today")
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "sync %s", job)
		}

		fmt.Printf("Run finished ok=%v fetched=%d upserted=%d failed=%d next=%s\n",
			res.OK, res.ItemsFetched, res.ItemsUpserted, res.ItemsFailed,
			res.Cursor.NextPosition)
		if !res.OK {
			return eris.Errorf("sync %s: %s", job, res.FirstError)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncJob, "job", "", "job name (default from config)")
	syncCmd.Flags().IntVar(&syncSets, "sets", 0, "sets per run (default from config)")
	rootCmd.AddCommand(syncCmd)
}

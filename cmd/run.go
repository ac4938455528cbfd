package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/model"
)

var (
	runMode     string
	runFrom     string
	runTo       string
	runMaxItems int
	runKeywords []string
	runNAICS    []string
	runBudget   time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one discovery run and wait for it to finish",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runCfg := model.RunConfig{
			Mode:       model.RunMode(runMode),
			Keywords:   runKeywords,
			NAICSCodes: runNAICS,
			MaxItems:   runMaxItems,
			TimeBudget: runBudget,
		}
		if runFrom != "" {
			runCfg.PostedFrom, err = time.Parse("2006-01-02", runFrom)
			if err != nil {
				return eris.Wrapf(err, "parse --from %q", runFrom)
			}
		}
		if runTo != "" {
			runCfg.PostedTo, err = time.Parse("2006-01-02", runTo)
			if err != nil {
				return eris.Wrapf(err, "parse --to %q", runTo)
			}
		}

		run, err := env.Orch.RunOnce(ctx, runCfg)
		if err != nil {
			return err
		}

		snap := run.Counters.Snapshot()
		fmt.Printf("run %s: %s\n", run.ID, run.Status)
		fmt.Printf("  found %d, processed %d\n", snap.Found, snap.Processed)
		fmt.Printf("  qualified %d, maybe %d, rejected %d, errors %d\n",
			snap.Qualified, snap.Maybe, snap.Rejected, snap.Errors)
		if run.Error != "" {
			fmt.Printf("  error: %s\n", run.Error)
		}

		if run.Status != model.RunStatusCompleted {
			return eris.Errorf("run finished %s", run.Status)
		}
		zap.L().Info("run complete", zap.String("run_id", run.ID))
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "", "run mode: test, normal, or overkill (default from config)")
	runCmd.Flags().StringVar(&runFrom, "from", "", "posted-date window start, YYYY-MM-DD (default 7 days back)")
	runCmd.Flags().StringVar(&runTo, "to", "", "posted-date window end, YYYY-MM-DD (default today)")
	runCmd.Flags().IntVar(&runMaxItems, "max-items", 0, "admission cap per run (default from config)")
	runCmd.Flags().StringSliceVar(&runKeywords, "keyword", nil, "search keyword (repeatable, default from company config)")
	runCmd.Flags().StringSliceVar(&runNAICS, "naics", nil, "NAICS code filter (repeatable, default from company config)")
	runCmd.Flags().DurationVar(&runBudget, "time-budget", 0, "soft wall-clock budget, e.g. 90m (default from config)")
	rootCmd.AddCommand(runCmd)
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/orchestrator"
	"github.com/sells-group/rfp-pipeline/internal/store"
)

var (
	scheduleName string
	scheduleCron string
	scheduleMode string
)

// openStore opens and migrates the store for schedule commands, which
// do not need the full pipeline.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage recurring run schedules",
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		schedules, err := st.ListSchedules(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range schedules {
			state := "disabled"
			if s.Enabled {
				state = "enabled"
			}
			next := "-"
			if s.NextRun != nil {
				next = s.NextRun.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-24s %-20s %s  next %s\n", s.ID, s.Name, s.CronExpr, state, next)
		}
		return nil
	},
}

var schedulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		now := time.Now().UTC()
		next, err := orchestrator.ParseCron(scheduleCron, now)
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		sched := &model.Schedule{
			ID:        uuid.NewString(),
			Name:      scheduleName,
			CronExpr:  scheduleCron,
			Enabled:   true,
			Config:    model.RunConfig{Mode: model.RunMode(scheduleMode)},
			NextRun:   &next,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateSchedule(cmd.Context(), sched); err != nil {
			return err
		}
		fmt.Printf("created %s, first run %s\n", sched.ID, next.Format(time.RFC3339))
		return nil
	},
}

var schedulesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()
		return st.DeleteSchedule(cmd.Context(), args[0])
	},
}

func init() {
	schedulesAddCmd.Flags().StringVar(&scheduleName, "name", "", "schedule name")
	schedulesAddCmd.Flags().StringVar(&scheduleCron, "cron", "0 17 * * TUE-SAT", "cron expression")
	schedulesAddCmd.Flags().StringVar(&scheduleMode, "mode", "", "run mode for triggered runs (default from config)")
	_ = schedulesAddCmd.MarkFlagRequired("name")

	schedulesCmd.AddCommand(schedulesListCmd, schedulesAddCmd, schedulesRemoveCmd)
	rootCmd.AddCommand(schedulesCmd)
}

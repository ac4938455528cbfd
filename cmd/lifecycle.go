package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "Run one lifecycle sweep over tracked opportunities",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Lifecycle.Sweep(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("scanned %d tracked opportunities\n", result.Scanned)
		fmt.Printf("  expired %d, completed %d, expiring soon %d, errors %d\n",
			result.Expired, result.Completed, result.Expiring, result.Errors)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lifecycleCmd)
}

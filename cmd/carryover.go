package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/rfp-pipeline/internal/carryover"
)

var carryoverLimit int

var carryoverCmd = &cobra.Command{
	Use:   "carryover",
	Short: "Inspect the deferred-opportunity queue",
}

var carryoverStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth and age range",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := carryover.Open(cfg.Carryover.Path)
		if err != nil {
			return err
		}
		stats := queue.Stats()
		fmt.Printf("depth: %d\n", stats.Depth)
		if stats.Depth > 0 {
			fmt.Printf("oldest posted: %s\n", stats.Oldest.Format("2006-01-02"))
			fmt.Printf("newest posted: %s\n", stats.Newest.Format("2006-01-02"))
		}
		return nil
	},
}

var carryoverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deferred opportunities in drain order",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := carryover.Open(cfg.Carryover.Path)
		if err != nil {
			return err
		}
		for _, entry := range queue.Drain(carryoverLimit) {
			fmt.Printf("%s  posted %s  %s\n",
				entry.Opportunity.NoticeID,
				entry.Opportunity.PostedAt.Format("2006-01-02"),
				entry.Opportunity.Title)
		}
		return nil
	},
}

func init() {
	carryoverListCmd.Flags().IntVar(&carryoverLimit, "limit", 50, "max entries to list (0 for all)")
	carryoverCmd.AddCommand(carryoverStatsCmd, carryoverListCmd)
	rootCmd.AddCommand(carryoverCmd)
}

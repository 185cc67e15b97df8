package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glockpete/Forecastin-sub000/internal/viewstore"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [view]",
	Short: "Recompute the precomputed views (all of them, or one by name)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()
		ctx := cmd.Context()

		start := time.Now()
		if len(args) == 1 {
			if err := c.scheduler.Refresh(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Refreshed %s in %v.\n", args[0], time.Since(start))
			return nil
		}
		if err := c.scheduler.RefreshAll(ctx); err != nil {
			return err
		}
		fmt.Printf("Refreshed %v in %v.\n", viewstore.ViewNames(), time.Since(start))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

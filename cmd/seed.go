package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/glockpete/Forecastin-sub000/internal/store"
)

// seedEntity is the on-disk seed format: one node per element, paths
// materialized by the producer.
type seedEntity struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Path     string         `json:"path"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// sampleTree is the built-in demo hierarchy.
var sampleTree = []seedEntity{
	{ID: "world", Label: "world", Path: "world"},
	{ID: "asia", Label: "asia", Path: "world.asia"},
	{ID: "japan", Label: "japan", Path: "world.asia.japan"},
	{ID: "tokyo", Label: "tokyo", Path: "world.asia.japan.tokyo"},
	{ID: "europe", Label: "europe", Path: "world.europe"},
	{ID: "france", Label: "france", Path: "world.europe.france"},
	{ID: "paris", Label: "paris", Path: "world.europe.france.paris"},
}

var seedCmd = &cobra.Command{
	Use:   "seed [entities.json]",
	Short: "Load entities into the backing store and rebuild the views",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entities := sampleTree
		if len(args) == 1 {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			entities = nil
			if err := oj.Unmarshal(raw, &entities); err != nil {
				return fmt.Errorf("parse seed file: %w", err)
			}
		}

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()
		ctx := cmd.Context()

		start := time.Now()
		for _, e := range entities {
			err := c.store.UpsertEntity(ctx, store.Entity{
				ID:       e.ID,
				Label:    e.Label,
				Path:     e.Path,
				Metadata: e.Metadata,
			})
			if err != nil {
				return fmt.Errorf("upsert %s: %w", e.ID, err)
			}
		}
		if err := c.scheduler.RefreshAll(ctx); err != nil {
			return fmt.Errorf("rebuild views: %w", err)
		}
		fmt.Printf("Seeded %d entities and rebuilt views in %v.\n", len(entities), time.Since(start))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

package cmd

import (
	"fmt"

	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/glockpete/Forecastin-sub000/api"
)

var (
	pageOffset int
	pageLimit  int
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [ancestors|descendants|depth|count] [entity-id]",
	Short: "Run one hierarchy query through the cache pipeline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, entityID := args[0], args[1]

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()
		ctx := cmd.Context()

		var result any
		switch op {
		case "ancestors":
			result, err = c.resolver.GetAncestors(ctx, entityID)
		case "descendants":
			result, err = c.resolver.GetDescendants(ctx, entityID, api.Page{Offset: pageOffset, Limit: pageLimit})
		case "depth":
			result, err = c.resolver.GetDepth(ctx, entityID)
		case "count":
			result, err = c.resolver.GetDescendantCount(ctx, entityID)
		default:
			return fmt.Errorf("unknown operation %q", op)
		}
		if err != nil {
			return err
		}
		fmt.Println(oj.JSON(result, 2))
		return nil
	},
}

func init() {
	resolveCmd.Flags().IntVar(&pageOffset, "offset", 0, "Descendant page offset")
	resolveCmd.Flags().IntVar(&pageLimit, "limit", 100, "Descendant page size")
	rootCmd.AddCommand(resolveCmd)
}

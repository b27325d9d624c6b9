package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ppiankov/evidentia/internal/engine"
)

// seedCmd represents the seed command
var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Write the initial knowledge model from a YAML seed file",
	Long: `Seed creates the units, grids, overrides, cells and relationships of a
YAML seed file in one atomic write. Grids that depend on a grid which is
not yet healthy need an entry under overrides.

Example:
  evidentia seed westphalia.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, err := engine.LoadSeedFile(args[0])
		if err != nil {
			return err
		}
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			sum, err := e.Seed(ctx, seed, actor())
			if err != nil {
				return err
			}
			fmt.Printf("✓ Seeded %d units, %d grids, %d overrides, %d cells, %d relationships\n",
				sum.Units, sum.Grids, sum.Overrides, sum.Cells, sum.Relationships)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/evidentia/internal/engine"
	"github.com/ppiankov/evidentia/internal/model"
)

var (
	recomputeHealth bool
	blockingGrid    string
	overrideReason  string
)

var gridsCmd = &cobra.Command{
	Use:     "grids",
	Aliases: []string{"grid"},
	Short:   "Inspect grids",
}

var gridsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List grids by phase",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			grids := e.Grids()
			if jsonOutput {
				return printJSON(grids)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPHASE\tSTATUS\tHEALTH\tDEPENDS ON")
			for _, g := range grids {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%.2f\t%v\n", g.ID, g.Name, g.Phase, g.Status, g.LastHealth, g.Dependencies)
			}
			return tw.Flush()
		})
	},
}

var gridsShowCmd = &cobra.Command{
	Use:   "show <grid>",
	Short: "Print a snapshot of a grid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			snap, err := e.Snapshot(args[0])
			if err != nil {
				return err
			}
			return printJSON(snap)
		})
	},
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health <grid>",
	Short: "Show the health breakdown of a grid",
	Long: `Health prints every component of the grid health score with the
signals that explain it.

Example:
  evidentia health context
  evidentia health analysis --recompute`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			get := e.GetGridHealth
			if recomputeHealth {
				get = func(id string) (model.HealthBreakdown, error) { return e.RecomputeHealth(ctx, id) }
			}
			hb, err := get(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(hb)
			}
			banner("Grid " + hb.GridID)
			fmt.Printf("  Health:       %.2f (%s)\n", hb.Score, hb.Status)
			fmt.Printf("  Saturation:   %.2f\n", hb.Saturation)
			fmt.Printf("  Confidence:   %.2f\n", hb.Confidence)
			fmt.Printf("  Coherence:    %.2f\n", hb.Coherence)
			fmt.Printf("  Coverage:     %.2f\n", hb.Coverage)
			fmt.Printf("  Predicament:  %.2f\n", hb.Predicament)
			fmt.Printf("  Cells:        %d (%d stale)\n", hb.CellsConsidered, hb.CellsStale)
			if len(hb.BlockedBy) > 0 {
				fmt.Printf("  Blocked by:   %v\n", hb.BlockedBy)
			}
			fmt.Println()
			for _, s := range hb.Signals {
				fmt.Printf("  [%s] %s: %s\n", s.Severity, s.Type, s.Description)
			}
			return nil
		})
	},
}

// overrideCmd represents the override command
var overrideCmd = &cobra.Command{
	Use:   "override <grid>",
	Short: "Allow writes to a grid whose dependency is not yet healthy",
	Long: `Override records an explicit, attributed acknowledgment that a grid is
being worked on before one of its dependencies reached the healthy
threshold. A reason is required.

Example:
  evidentia override analysis --blocking context --reason "deadline for the draft"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			o, err := e.OverrideGate(ctx, args[0], blockingGrid, actor(), overrideReason)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(o)
			}
			fmt.Printf("✓ Override %s: %s may proceed despite %s (%s)\n", o.ID, o.GridID, o.BlockingGridID, o.Reason)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(gridsCmd, healthCmd, overrideCmd)
	gridsCmd.AddCommand(gridsListCmd, gridsShowCmd)
	gridsCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")

	healthCmd.Flags().BoolVar(&recomputeHealth, "recompute", false, "recompute and record health now")
	healthCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")

	overrideCmd.Flags().StringVar(&blockingGrid, "blocking", "", "dependency grid to override (required)")
	overrideCmd.Flags().StringVar(&overrideReason, "reason", "", "why the grid proceeds early (required)")
	overrideCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	_ = overrideCmd.MarkFlagRequired("blocking")
	_ = overrideCmd.MarkFlagRequired("reason")
}

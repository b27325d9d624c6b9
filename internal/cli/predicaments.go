package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/evidentia/internal/engine"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/tension"
)

var (
	predicamentFilter  model.PredicamentFilter
	predicamentState   string
	predicamentType    string
	transitionNote     string
	createAnalysisGrid bool
)

var predicamentsCmd = &cobra.Command{
	Use:     "predicaments",
	Aliases: []string{"predicament", "tensions"},
	Short:   "Work through contradictions, gaps and other predicaments",
}

var predicamentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List predicaments",
	Long: `List predicaments, most severe first.

Example:
  evidentia predicaments list --open
  evidentia predicaments list --type contradiction --grid context`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		predicamentFilter.State = model.PredicamentState(strings.ToUpper(predicamentState))
		predicamentFilter.Type = model.PredicamentType(predicamentType)
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			ps := e.ListPredicaments(predicamentFilter)
			if jsonOutput {
				return printJSON(ps)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSEVERITY\tSTATE\tGRIDS\tDESCRIPTION")
			for _, p := range ps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\t%s\n", p.ID, p.Type, p.Severity, p.State, p.GridIDs, p.Description)
			}
			return tw.Flush()
		})
	},
}

var predicamentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a predicament and its history",
	Long: `Show prints a predicament. Reading a DETECTED predicament acknowledges
it when auto-acknowledge is configured.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			p, err := e.GetPredicament(ctx, args[0], actor())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			printPredicament(p)
			return nil
		})
	},
}

var predicamentsTransitionCmd = &cobra.Command{
	Use:   "transition <id> <state>",
	Short: "Move a predicament along its lifecycle",
	Long: `Transition moves a predicament to ACKNOWLEDGED, UNDER_ANALYSIS,
RESOLVED or DEFERRED. Resolving or deferring requires a note.

Example:
  evidentia predicaments transition p-1a2b under_analysis --analysis-grid
  evidentia predicaments transition p-1a2b resolved --note "later source settles the date"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		to := model.PredicamentState(strings.ToUpper(args[1]))
		opts := tension.TransitionOptions{CreateAnalysisGrid: createAnalysisGrid}
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			p, err := e.TransitionPredicament(ctx, args[0], to, transitionNote, actor(), opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			printPredicament(p)
			return nil
		})
	},
}

var predicamentsSuppressCmd = &cobra.Command{
	Use:   "suppress <id>",
	Short: "Hide a predicament from listings and health",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			p, err := e.SuppressPredicament(ctx, args[0], actor())
			if err != nil {
				return err
			}
			fmt.Printf("✓ Suppressed %s\n", p.ID)
			return nil
		})
	},
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan [grid]",
	Short: "Run tension detection now",
	Long: `Scan looks for contradictions, gaps, ambiguities and limitations in one
grid or in every grid, and records what it finds as predicaments.

Example:
  evidentia scan
  evidentia scan analysis`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gridID := ""
		if len(args) == 1 {
			gridID = args[0]
		}
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			res, err := e.Scan(ctx, gridID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("Scanned %d grids: %d findings, %d new, %d updated, %d resurfaced, %d stale cells cleared\n",
				len(res.Grids), len(res.Findings), res.Detected, res.Updated, res.Resurfaced, res.Revalidated)
			for _, f := range res.Findings {
				fmt.Printf("  [%s] %s: %s\n", f.Severity, f.Type, f.Description)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(predicamentsCmd, scanCmd)
	predicamentsCmd.AddCommand(predicamentsListCmd, predicamentsShowCmd, predicamentsTransitionCmd, predicamentsSuppressCmd)
	predicamentsCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")

	predicamentsListCmd.Flags().StringVar(&predicamentState, "state", "", "state filter")
	predicamentsListCmd.Flags().StringVar(&predicamentType, "type", "", "type filter (contradiction, gap, ambiguity, limitation)")
	predicamentsListCmd.Flags().StringVar(&predicamentFilter.GridID, "grid", "", "grid filter")
	predicamentsListCmd.Flags().BoolVar(&predicamentFilter.OpenOnly, "open", false, "only predicaments that are not resolved")
	predicamentsListCmd.Flags().BoolVar(&predicamentFilter.WithSuppressed, "all", false, "include suppressed predicaments")

	predicamentsTransitionCmd.Flags().StringVar(&transitionNote, "note", "", "resolution or deferral note")
	predicamentsTransitionCmd.Flags().BoolVar(&createAnalysisGrid, "analysis-grid", false, "create an analysis grid when entering UNDER_ANALYSIS")

	scanCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
}

func printPredicament(p *model.Predicament) {
	fmt.Printf("Predicament %s  [%s, %s, %s]\n", p.ID, p.Type, p.Severity, p.State)
	fmt.Printf("  %s\n", p.Description)
	for _, s := range p.Subjects {
		fmt.Printf("  subject  %s\n", s.Key())
	}
	if p.AnalysisGridID != "" {
		fmt.Printf("  analysis grid  %s\n", p.AnalysisGridID)
	}
	if p.Resolution != "" {
		fmt.Printf("  resolution  %s\n", p.Resolution)
	}
	if p.DeferReason != "" {
		fmt.Printf("  deferred  %s\n", p.DeferReason)
	}
	for _, h := range p.History {
		fmt.Printf("  %s -> %s by %s %s\n", h.From, h.To, h.Actor, h.Note)
	}
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/evidentia/internal/engine"
	"github.com/ppiankov/evidentia/internal/model"
)

var (
	auditScope   model.AuditScope
	auditSave    bool
	auditLimit   int
	auditTimeout time.Duration
)

// auditCmd represents the audit command
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report gaps in the knowledge model",
	Long: `Audit classifies every grid and unit category as well populated,
partially filled, empty or needing user input, and suggests actions.
With --research the research collaborator is asked about each gap.

Example:
  evidentia audit
  evidentia audit --grid context --grid analysis --research --save
  evidentia audit history`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		defer cancel()
		return withEngine(ctx, func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			report, err := e.RunAudit(ctx, auditScope, auditSave)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}
			printReport(report)
			if auditSave {
				fmt.Printf("\nSaved as %s\n", report.ID)
			}
			return nil
		})
	},
}

var auditHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived audits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			entries, err := e.AuditHistory(ctx, auditLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tGENERATED\tCATEGORIES\tSUMMARY")
			for _, en := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%v\n", en.ID, en.GeneratedAt.Format(time.RFC3339), en.Categories, en.Summary)
			}
			return tw.Flush()
		})
	},
}

var auditShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print an archived audit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			report, err := e.GetAudit(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}
			printReport(report)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditHistoryCmd, auditShowCmd)
	auditCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")

	auditCmd.Flags().StringSliceVar(&auditScope.GridIDs, "grid", nil, "grids to audit (default: all)")
	auditCmd.Flags().StringSliceVar(&auditScope.UnitTypes, "unit-type", nil, "unit types to audit (default: all)")
	auditCmd.Flags().BoolVar(&auditScope.Research, "research", false, "ask the research collaborator about each gap")
	auditCmd.Flags().BoolVar(&auditSave, "save", false, "archive the report")
	auditCmd.Flags().DurationVar(&auditTimeout, "timeout", 10*time.Minute, "overall timeout")

	auditHistoryCmd.Flags().IntVar(&auditLimit, "limit", 20, "number of audits to list")
}

func printReport(r *model.GapReport) {
	banner("Gap Report " + r.GeneratedAt.Format(time.RFC3339))
	for _, c := range r.Categories {
		fmt.Printf("%-28s %-18s fill %.0f%%\n", c.Category, c.Class, c.FillRate*100)
		if c.Error != "" {
			fmt.Printf("    error: %s\n", c.Error)
		}
		for _, slot := range c.MissingUserInput {
			fmt.Printf("    needs user input: %s\n", slot)
		}
		for _, a := range c.Actions {
			fmt.Printf("    → %s\n", a)
		}
		if c.Research != nil {
			fmt.Printf("    research (%.2f): %s\n", c.Research.Confidence, c.Research.Findings)
			for _, q := range c.Research.OpenQuestions {
				fmt.Printf("      ? %s\n", q)
			}
		}
	}
	fmt.Println()
	for class, n := range r.Summary {
		fmt.Printf("  %-18s %d\n", class, n)
	}
}

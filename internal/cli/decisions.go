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
	decisionFilter   model.DecisionFilter
	decisionStatus   string
	decisionPriority string
	interpretationID string
	skipDecision     bool
)

var decisionsCmd = &cobra.Command{
	Use:     "decisions",
	Aliases: []string{"decision"},
	Short:   "Review pending decisions",
}

var decisionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List decisions",
	Long: `List decisions, newest first within each priority.

Example:
  evidentia decisions list
  evidentia decisions list --priority high --grid analysis`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		decisionFilter.Status = model.DecisionStatus(decisionStatus)
		decisionFilter.Priority = model.DecisionPriority(decisionPriority)
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			decisions := e.ListPendingDecisions(decisionFilter)
			if jsonOutput {
				return printJSON(decisions)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tFRAGMENTS\tTARGETS\tREVIEW")
			for _, d := range decisions {
				review := ""
				if d.NeedsReview {
					review = d.ReviewReason
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%v\t%s\n", d.ID, d.Status, d.Priority, len(d.FragmentIDs), d.TargetKeys, review)
			}
			return tw.Flush()
		})
	},
}

var decisionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a decision with its interpretations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			d, err := e.GetDecision(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(d)
			}
			printDecision(d)
			return nil
		})
	},
}

var decisionsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a decision by choosing an interpretation or skipping it",
	Long: `Resolve applies the chosen interpretation. Repeating the same choice
is a no-op that returns the recorded outcome.

Example:
  evidentia decisions resolve d-1a2b --interpretation i-3c4d
  evidentia decisions resolve d-1a2b --skip`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (interpretationID == "") == !skipDecision {
			return fmt.Errorf("exactly one of --interpretation or --skip is required")
		}
		choice := model.Choice{InterpretationID: interpretationID, Skip: skipDecision, Actor: actor()}
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			out, err := e.ResolveDecision(ctx, args[0], choice)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out)
			}
			if out.Replayed {
				fmt.Printf("Decision %s was already resolved this way\n", out.Decision.ID)
			}
			printDecision(&out.Decision)
			return nil
		})
	},
}

var decisionsReevaluateCmd = &cobra.Command{
	Use:   "reevaluate <id>",
	Short: "Regenerate the interpretations of an open decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(context.Background(), func(ctx context.Context, e *engine.Engine, _ *slog.Logger) error {
			d, err := e.ReevaluateDecision(ctx, args[0], actor())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(d)
			}
			printDecision(d)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(decisionsCmd)
	decisionsCmd.AddCommand(decisionsListCmd, decisionsShowCmd, decisionsResolveCmd, decisionsReevaluateCmd)
	decisionsCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")

	decisionsListCmd.Flags().StringVar(&decisionStatus, "status", string(model.DecisionOpen), "status filter (empty for all)")
	decisionsListCmd.Flags().StringVar(&decisionPriority, "priority", "", "priority filter")
	decisionsListCmd.Flags().StringVar(&decisionFilter.GridID, "grid", "", "grid filter")

	decisionsResolveCmd.Flags().StringVar(&interpretationID, "interpretation", "", "interpretation to apply")
	decisionsResolveCmd.Flags().BoolVar(&skipDecision, "skip", false, "close the decision without changes")
}

func printDecision(d *model.PendingDecision) {
	fmt.Printf("Decision %s  [%s, %s priority]\n", d.ID, d.Status, d.Priority)
	fmt.Printf("  Created:    %s\n", d.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  Fragments:  %v\n", d.FragmentIDs)
	fmt.Printf("  Targets:    %v\n", d.TargetKeys)
	if d.NeedsReview {
		fmt.Printf("  Review:     %s\n", d.ReviewReason)
	}
	fmt.Println()
	for _, in := range d.Interpretations {
		mark := " "
		if in.Recommended {
			mark = "*"
		}
		fmt.Printf(" %s %s  %s %s (confidence %.2f, plausibility %.2f)\n",
			mark, in.ID, in.Action, in.Target.Key(), in.Confidence, in.Plausibility)
		if in.Commitment != "" {
			fmt.Printf("      commits to: %s\n", in.Commitment)
		}
		for _, f := range in.Forecloses {
			fmt.Printf("      forecloses %s: %s\n", f.InterpretationID, f.Statement)
		}
	}
	if r := d.Resolution; r != nil {
		fmt.Println()
		if r.Skipped {
			fmt.Printf("Skipped by %s at %s\n", r.Actor, r.ResolvedAt.Format(time.RFC3339))
		} else {
			fmt.Printf("Resolved with %s by %s at %s\n", r.InterpretationID, r.Actor, r.ResolvedAt.Format(time.RFC3339))
		}
		if len(r.ChangedTargets) > 0 {
			fmt.Printf("  Changed:  %v\n", r.ChangedTargets)
		}
		if len(r.FlaggedSiblings) > 0 {
			fmt.Printf("  Flagged:  %v\n", r.FlaggedSiblings)
		}
	}
}

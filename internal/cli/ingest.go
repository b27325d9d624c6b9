package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/evidentia/internal/engine"
	"github.com/ppiankov/evidentia/internal/model"
)

var (
	ingestTimeout time.Duration
	retryPending  bool
	jsonOutput    bool
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest <fragments.json|->",
	Short: "Route evidence fragments into the knowledge model",
	Long: `Ingest reads a JSON array of evidence fragments (or a single fragment)
and routes each one: confident fragments with a single target are
integrated, the rest become pending decisions or are rejected.

Example:
  evidentia ingest fragments.json
  cat fragment.json | evidentia ingest -
  evidentia ingest --retry-pending`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract <file|url>",
	Short: "Extract fragments from a document and route them",
	Long: `Extract loads a local file or fetches a URL, asks the extraction
collaborator for evidence fragments and routes every fragment.

Example:
  evidentia extract notes/treaty.md
  evidentia extract https://en.wikipedia.org/wiki/Peace_of_Westphalia`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(extractCmd)

	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 5*time.Minute, "overall timeout")
	ingestCmd.Flags().BoolVar(&retryPending, "retry-pending", false, "route every pending fragment again")
	ingestCmd.Flags().BoolVar(&jsonOutput, "json", false, "print outcomes as JSON")

	extractCmd.Flags().DurationVar(&ingestTimeout, "timeout", 5*time.Minute, "overall timeout")
	extractCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the outcome as JSON")
}

// readFragments accepts either a JSON array or a single JSON object
func readFragments(r io.Reader) ([]model.EvidenceFragment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var many []model.EvidenceFragment
	if err := json.Unmarshal(data, &many); err == nil {
		return many, nil
	}
	var one model.EvidenceFragment
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("parse fragments: %w", err)
	}
	return []model.EvidenceFragment{one}, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !retryPending {
		return fmt.Errorf("a fragments file (or -) is required unless --retry-pending is set")
	}

	var fragments []model.EvidenceFragment
	if len(args) == 1 {
		in := os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			in = f
		}
		var err error
		if fragments, err = readFragments(in); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	return withEngine(ctx, func(ctx context.Context, e *engine.Engine, logger *slog.Logger) error {
		var outcomes []model.IngestOutcome
		if retryPending {
			retried, err := e.RetryPending(ctx, actor())
			if err != nil {
				return err
			}
			outcomes = append(outcomes, retried...)
		}
		for _, f := range fragments {
			out, err := e.IngestFragment(ctx, f, actor())
			if err != nil {
				logger.Warn("fragment not ingested", "excerpt", f.Excerpt, "error", err)
				continue
			}
			outcomes = append(outcomes, *out)
		}
		if jsonOutput {
			return printJSON(outcomes)
		}
		printOutcomes(outcomes)
		return nil
	})
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	return withEngine(ctx, func(ctx context.Context, e *engine.Engine, logger *slog.Logger) error {
		out, err := e.IngestDocument(ctx, args[0], actor())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(out)
		}
		banner("Document " + out.DocumentID)
		printOutcomes(out.Fragments)
		return nil
	})
}

func printOutcomes(outcomes []model.IngestOutcome) {
	counts := make(map[model.FragmentStatus]int)
	for _, o := range outcomes {
		counts[o.Status]++
		switch o.Status {
		case model.FragmentAutoIntegrated:
			fmt.Printf("✓ %s integrated into %v\n", o.FragmentID, o.Changed)
		case model.FragmentNeedsDecision:
			fmt.Printf("? %s needs decision %s\n", o.FragmentID, o.DecisionID)
		case model.FragmentRejected:
			fmt.Printf("✗ %s rejected: %s\n", o.FragmentID, o.Reason)
		default:
			fmt.Printf("… %s %s %v\n", o.FragmentID, o.Status, o.Reasons)
		}
	}
	fmt.Printf("\n%d fragments: %d integrated, %d awaiting decision, %d rejected, %d pending\n",
		len(outcomes),
		counts[model.FragmentAutoIntegrated],
		counts[model.FragmentNeedsDecision],
		counts[model.FragmentRejected],
		counts[model.FragmentPending])
}

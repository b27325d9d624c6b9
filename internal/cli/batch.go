package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/evidentia/internal/engine"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/worker"
)

var (
	concurrency  int
	batchTimeout time.Duration
)

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Extract and route many documents in parallel",
	Long: `Batch reads document sources (file paths or URLs, one per line) and
ingests them concurrently. Every document goes through extraction and
routing exactly as with the extract command.

Example:
  evidentia batch sources.txt
  evidentia batch sources.txt --concurrency 8 --timeout 30m`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().IntVar(&concurrency, "concurrency", runtime.NumCPU(), "number of concurrent documents")
	batchCmd.Flags().DurationVar(&batchTimeout, "timeout", 30*time.Minute, "total timeout for the batch")
}

func runBatch(cmd *cobra.Command, args []string) error {
	file := args[0]
	ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
	defer cancel()

	banner("Evidentia Batch Ingestion")
	fmt.Fprintf(os.Stderr, "  Input file:   %s\n", file)
	fmt.Fprintf(os.Stderr, "  Workers:      %d\n", concurrency)
	fmt.Fprintf(os.Stderr, "  Timeout:      %v\n\n", batchTimeout)

	return withEngine(ctx, func(ctx context.Context, e *engine.Engine, logger *slog.Logger) error {
		processor := worker.NewBatchProcessor(e, concurrency)
		results, err := processor.ProcessFile(ctx, file)
		if err != nil {
			return fmt.Errorf("process file: %w", err)
		}

		var failures int
		totals := make(map[model.FragmentStatus]int)
		for _, result := range results {
			if result.Error != nil {
				failures++
				fmt.Fprintf(os.Stderr, "✗ %s: %v\n", result.Source, result.Error)
				continue
			}
			counts := result.Outcome.Counts()
			for status, n := range counts {
				totals[status] += n
			}
			fmt.Fprintf(os.Stderr, "✓ %s (%d fragments, %d integrated, %d awaiting decision)\n",
				result.Source, len(result.Outcome.Fragments),
				counts[model.FragmentAutoIntegrated], counts[model.FragmentNeedsDecision])
		}

		banner("Batch Complete")
		fmt.Fprintf(os.Stderr, "  Documents:        %d\n", len(results))
		fmt.Fprintf(os.Stderr, "  Failures:         %d\n", failures)
		fmt.Fprintf(os.Stderr, "  Integrated:       %d\n", totals[model.FragmentAutoIntegrated])
		fmt.Fprintf(os.Stderr, "  Awaiting review:  %d\n", totals[model.FragmentNeedsDecision])
		fmt.Fprintf(os.Stderr, "  Rejected:         %d\n\n", totals[model.FragmentRejected])
		return nil
	})
}

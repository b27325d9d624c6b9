package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/evidentia/internal/model"
)

// Ingester turns one document source (a file path or URL) into fragments
type Ingester interface {
	IngestSource(ctx context.Context, source string) (*model.DocumentOutcome, error)
}

// DocumentJob represents one document ingestion
type DocumentJob struct {
	Source   string
	Ingester Ingester
}

// Execute executes the ingestion job
func (j *DocumentJob) Execute(ctx context.Context) Result {
	outcome, err := j.Ingester.IngestSource(ctx, j.Source)
	return &DocumentResult{
		Source:  j.Source,
		Outcome: outcome,
		Error:   err,
	}
}

// DocumentResult represents the result of an ingestion job
type DocumentResult struct {
	Source  string
	Outcome *model.DocumentOutcome
	Error   error
}

// GetError returns the error from the ingestion result
func (r *DocumentResult) GetError() error {
	return r.Error
}

// BatchProcessor ingests multiple documents concurrently
type BatchProcessor struct {
	ingester    Ingester
	concurrency int
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(ingester Ingester, concurrency int) *BatchProcessor {
	return &BatchProcessor{
		ingester:    ingester,
		concurrency: concurrency,
	}
}

// ProcessSources ingests multiple sources concurrently. Results come back in
// source order. Cancelling ctx stops running ingestions.
func (b *BatchProcessor) ProcessSources(ctx context.Context, sources []string) []*DocumentResult {
	if len(sources) == 0 {
		return []*DocumentResult{}
	}

	pool := NewPoolWithOptions(Options{Workers: b.concurrency})
	pool.Start()
	defer func() {
		if ctx.Err() != nil {
			pool.Shutdown()
			return
		}
		pool.Close()
	}()

	out := make([]*DocumentResult, len(sources))
	tasks := make([]*Task, len(sources))
	for i, source := range sources {
		task, err := pool.Enqueue(ctx, &DocumentJob{Source: source, Ingester: b.ingester})
		if err != nil {
			out[i] = &DocumentResult{Source: source, Error: err}
			continue
		}
		tasks[i] = task
	}

	for i, task := range tasks {
		if task == nil {
			continue
		}
		res, err := task.Wait(ctx)
		if err != nil {
			out[i] = &DocumentResult{Source: sources[i], Error: err}
			continue
		}
		if r, ok := res.(*DocumentResult); ok {
			out[i] = r
			continue
		}
		out[i] = &DocumentResult{Source: sources[i], Error: res.GetError()}
	}
	return out
}

// ProcessFile reads sources from a file and ingests them concurrently
func (b *BatchProcessor) ProcessFile(ctx context.Context, filePath string) ([]*DocumentResult, error) {
	sources, err := ReadLines(filePath)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}

	return b.ProcessSources(ctx, sources), nil
}

// ReadLines reads non-empty, non-comment lines from a file, de-duplicated
func ReadLines(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var lines []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !seen[line] {
			seen[line] = true
			lines = append(lines, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	return lines, nil
}

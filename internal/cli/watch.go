package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ppiankov/evidentia/internal/engine"
	"github.com/ppiankov/evidentia/internal/model"
)

var (
	watchDebounce   time.Duration
	watchExtensions []string
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Ingest documents as they appear in a directory",
	Long: `Watch ingests every document written to a directory. Changes are
debounced and unchanged content is skipped. The background loop runs
while watching so grid health and predicaments stay current.

Example:
  evidentia watch ./inbox
  evidentia watch ./inbox --ext .md,.txt,.html --debounce 2s`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "quiet period before a changed file is ingested")
	watchCmd.Flags().StringSliceVar(&watchExtensions, "ext", []string{".md", ".txt", ".html", ".htm"}, "file extensions to ingest")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withEngine(ctx, func(ctx context.Context, e *engine.Engine, logger *slog.Logger) error {
		e.Start(ctx)
		w, err := newDocWatcher(args[0], watchExtensions, watchDebounce, logger)
		if err != nil {
			return err
		}
		return w.Run(ctx, func(ctx context.Context, path string) error {
			out, err := e.IngestDocument(ctx, path, actor())
			if err != nil {
				return err
			}
			counts := out.Counts()
			fmt.Printf("✓ %s: %d fragments (%d integrated, %d awaiting decision)\n",
				path, len(out.Fragments), counts[model.FragmentAutoIntegrated], counts[model.FragmentNeedsDecision])
			return nil
		})
	})
}

// docWatcher reports settled document changes in one directory
type docWatcher struct {
	dir        string
	extensions map[string]bool
	debounce   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	hashes  map[string]string
	pending chan string
}

func newDocWatcher(dir string, extensions []string, debounce time.Duration, logger *slog.Logger) (*docWatcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	exts := make(map[string]bool)
	for _, ext := range extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[strings.ToLower(ext)] = true
	}
	return &docWatcher{
		dir:        dir,
		extensions: exts,
		debounce:   debounce,
		logger:     logger,
		timers:     make(map[string]*time.Timer),
		hashes:     make(map[string]string),
		pending:    make(chan string, 64),
	}, nil
}

// Run watches until ctx is done, calling ingest once per settled change
func (w *docWatcher) Run(ctx context.Context, ingest func(ctx context.Context, path string) error) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching for documents", "dir", w.dir, "debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !w.wanted(ev.Name) {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case path := <-w.pending:
			changed, err := w.changed(path)
			if err != nil {
				w.logger.Warn("read document", "path", path, "error", err)
				continue
			}
			if !changed {
				continue
			}
			if err := ingest(ctx, path); err != nil {
				w.logger.Warn("document not ingested", "path", path, "error", err)
			}
		}
	}
}

func (w *docWatcher) wanted(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	return w.extensions[strings.ToLower(filepath.Ext(path))]
}

// schedule restarts the quiet period of path
func (w *docWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.pending <- path
	})
}

func (w *docWatcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// changed reports whether the content of path differs from the last ingested version
func (w *docWatcher) changed(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hashes[path] == hash {
		return false, nil
	}
	w.hashes[path] = hash
	return true, nil
}

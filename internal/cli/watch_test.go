package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/evidentia/internal/model"
)

func TestDocWatcher_IngestsSettledChanges(t *testing.T) {
	dir := t.TempDir()
	w, err := newDocWatcher(dir, []string{"md", ".TXT"}, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("newDocWatcher: %v", err)
	}

	var mu sync.Mutex
	var got []string
	ingested := make(chan struct{}, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(ctx context.Context, path string) error {
			mu.Lock()
			got = append(got, filepath.Base(path))
			mu.Unlock()
			ingested <- struct{}{}
			return nil
		})
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run returned %v", err)
		}
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)

	notes := filepath.Join(dir, "notes.md")
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(notes, []byte("The treaty was signed in 1648."), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89}, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ingested:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected notes.md to be ingested")
	}

	// rewriting identical content is skipped
	if err := os.WriteFile(notes, []byte("The treaty was signed in 1648."), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ingested:
		t.Error("Expected unchanged content to be skipped")
	case <-time.After(300 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "notes.md" {
		t.Errorf("Expected exactly notes.md once, got %v", got)
	}
}

func TestNewDocWatcher_RequiresDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := newDocWatcher(file, nil, time.Millisecond, nil); err == nil {
		t.Error("Expected an error for a file")
	}
	if _, err := newDocWatcher(filepath.Join(t.TempDir(), "missing"), nil, time.Millisecond, nil); err == nil {
		t.Error("Expected an error for a missing directory")
	}
}

func TestReadFragments(t *testing.T) {
	many, err := readFragments(strings.NewReader(`[{"excerpt":"a","confidence":0.5},{"excerpt":"b","confidence":0.9}]`))
	if err != nil {
		t.Fatalf("readFragments array: %v", err)
	}
	if len(many) != 2 || many[1].Excerpt != "b" {
		t.Errorf("Unexpected fragments %+v", many)
	}

	one, err := readFragments(strings.NewReader(`{"excerpt":"solo","confidence":0.7}`))
	if err != nil {
		t.Fatalf("readFragments object: %v", err)
	}
	if len(one) != 1 || one[0].Excerpt != "solo" {
		t.Errorf("Unexpected fragments %+v", one)
	}

	if _, err := readFragments(strings.NewReader(`not json`)); err == nil {
		t.Error("Expected a parse error")
	}
}

func TestNewLogger_Levels(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	var buf bytes.Buffer
	logger := newLogger(model.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Expected info to be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("Expected JSON warn record, got %q", out)
	}
}

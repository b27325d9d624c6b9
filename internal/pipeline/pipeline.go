// Package pipeline turns evidence sources (URLs and local files) into plain
// text documents ready for the extraction collaborator.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/util"
	"github.com/ppiankov/evidentia/internal/worker"
)

// Document is the visible text of one evidence source
type Document struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Loader loads evidence documents from URLs or files
type Loader struct {
	fetcher  *Fetcher
	maxBytes int64
	markers  []string
}

// NewLoader creates a loader from configuration
func NewLoader(cfg *model.Config) *Loader {
	h := cfg.HTTP
	fetcher := NewFetcher(h.Timeout, h.UserAgent, h.MaxBodyBytes, h.InsecureTLS, h.HTTPProxy, h.HTTPSProxy, h.NoProxy).
		WithAttempts(h.Retries + 1).
		WithLimiter(worker.NewLimiter(cfg.RateLimiting.RequestsPerSecond, cfg.RateLimiting.BurstSize))
	if h.RespectRobot {
		fetcher.WithRobots(util.NewRobotsChecker(h.UserAgent, h.Timeout))
	}
	return NewLoaderWithFetcher(fetcher, h.MaxBodyBytes)
}

// NewLoaderWithFetcher creates a loader using an existing fetcher
func NewLoaderWithFetcher(f *Fetcher, maxBytes int64) *Loader {
	return &Loader{fetcher: f, maxBytes: maxBytes, markers: DefaultMarkers}
}

// IsURL reports whether source is an http(s) URL
func IsURL(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Load reads source and returns its visible text
func (l *Loader) Load(ctx context.Context, source string) (*Document, error) {
	if IsURL(source) {
		return l.loadURL(ctx, source)
	}
	return l.loadFile(source)
}

func (l *Loader) loadURL(ctx context.Context, rawURL string) (*Document, error) {
	res, err := l.fetcher.FetchWithRetry(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	text := res.Body
	if res.IsHTML() {
		if text, err = VisibleText(res.Body); err != nil {
			return nil, fmt.Errorf("parse %s: %w", rawURL, err)
		}
	}
	return &Document{
		ID:        res.FinalURL,
		Source:    rawURL,
		Text:      text,
		FetchedAt: res.FetchedAt,
	}, nil
}

func (l *Loader) loadFile(path string) (*Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	limit := l.maxBytes
	if limit <= 0 {
		limit = 5 << 20
	}
	body, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	text := string(body)
	switch strings.ToLower(filepath.Ext(abs)) {
	case ".html", ".htm", ".xhtml":
		if text, err = VisibleText(text); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return &Document{
		ID:        "file://" + filepath.ToSlash(abs),
		Source:    path,
		Text:      strings.TrimSpace(text),
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Request builds the extraction collaborator input for doc
func (l *Loader) Request(doc *Document, context []model.ContextItem) model.ExtractionRequest {
	return model.ExtractionRequest{
		DocumentID: doc.ID,
		Text:       doc.Text,
		Context:    context,
		Markers:    l.markers,
	}
}

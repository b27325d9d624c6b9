// Package collab calls the external extraction and research collaborators.
//
// Collaborator calls are slow and may fail. Client adds what the engine needs
// around them: a response cache so retries of the same input are idempotent,
// coalescing of identical in-flight calls, per-provider rate limiting, a
// per-attempt timeout and retry with exponential backoff. A call that still
// fails surfaces as a model.ExtractionFailureError.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/ppiankov/evidentia/internal/cache"
	"github.com/ppiankov/evidentia/internal/metrics"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/worker"
)

var tracer = otel.Tracer("github.com/ppiankov/evidentia/internal/collab")

// Collaborator names used in errors and metrics
const (
	KindExtraction = "extraction"
	KindResearch   = "research"
)

// ErrUnavailable is returned when no collaborator of the requested kind is configured
var ErrUnavailable = errors.New("collaborator not configured")

// Extractor turns document text into scored claim records
type Extractor interface {
	Extract(ctx context.Context, req model.ExtractionRequest) ([]model.ExtractedRecord, error)
}

// Researcher answers plain-language gap queries
type Researcher interface {
	Research(ctx context.Context, query string) (*model.ResearchResult, error)
}

// Options configures a Client
type Options struct {
	Name        string        // provider name, used as rate limiter key
	Timeout     time.Duration // per attempt
	Retries     int           // additional attempts after the first
	Backoff     time.Duration // base delay, doubled on every retry
	CacheTTL    time.Duration
	IsRetryable func(error) bool // nil retries everything
}

// OptionsFromConfig derives client options from configuration
func OptionsFromConfig(cfg *model.Config) Options {
	return Options{
		Name:     cfg.LLM.Provider,
		Timeout:  cfg.Collaborator.Timeout,
		Retries:  cfg.Collaborator.Retries,
		Backoff:  cfg.Collaborator.Backoff,
		CacheTTL: cfg.Cache.TTL,
	}
}

// Client wraps the collaborators with caching, coalescing, rate limiting and retries
type Client struct {
	extractor  Extractor
	researcher Researcher
	cache      cache.Cache
	limiter    *worker.Limiter
	opts       Options
	logger     *slog.Logger
	inflight   singleflight.Group
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a client. extractor and researcher may be nil; calls to a
// missing collaborator fail with ErrUnavailable. c and limiter may be nil.
func New(extractor Extractor, researcher Researcher, c cache.Cache, limiter *worker.Limiter, opts Options, logger *slog.Logger) *Client {
	if c == nil {
		c = cache.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Client{
		extractor:  extractor,
		researcher: researcher,
		cache:      c,
		limiter:    limiter,
		opts:       opts,
		logger:     logger,
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CanExtract reports whether an extraction collaborator is configured
func (c *Client) CanExtract() bool { return c.extractor != nil }

// CanResearch reports whether a research collaborator is configured
func (c *Client) CanResearch() bool { return c.researcher != nil }

// Extract runs the extraction collaborator for req. Identical requests are
// answered from the cache or share one in-flight call.
func (c *Client) Extract(ctx context.Context, req model.ExtractionRequest) ([]model.ExtractedRecord, error) {
	if c.extractor == nil {
		return nil, ErrUnavailable
	}
	key := extractionKey(req)

	var records []model.ExtractedRecord
	err := c.do(ctx, KindExtraction, key, &records, func(ctx context.Context) (interface{}, error) {
		return c.extractor.Extract(ctx, req)
	}, attribute.String("document_id", req.DocumentID), attribute.Int("text_len", len(req.Text)))
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Research runs the research collaborator for query
func (c *Client) Research(ctx context.Context, query string) (*model.ResearchResult, error) {
	if c.researcher == nil {
		return nil, ErrUnavailable
	}
	key := cache.Key(KindResearch, strings.TrimSpace(query))

	var result model.ResearchResult
	err := c.do(ctx, KindResearch, key, &result, func(ctx context.Context) (interface{}, error) {
		return c.researcher.Research(ctx, query)
	}, attribute.Int("query_len", len(query)))
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// do answers from the cache, or runs call through singleflight and retries,
// then decodes the JSON form of the answer into out.
func (c *Client) do(ctx context.Context, kind, key string, out interface{}, call func(context.Context) (interface{}, error), attrs ...attribute.KeyValue) error {
	ctx, span := tracer.Start(ctx, "collab."+kind)
	defer span.End()
	span.SetAttributes(attrs...)

	start := time.Now()
	if data, ok := c.cache.Get(key); ok {
		if err := json.Unmarshal(data, out); err == nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			metrics.RecordCollaboratorCall(kind, "cache_hit", time.Since(start).Seconds())
			return nil
		}
		_ = c.cache.Delete(key)
	}

	// the shared call outlives any single waiter
	flight := c.inflight.DoChan(key, func() (interface{}, error) {
		fctx, cancel := c.flightContext(ctx)
		defer cancel()
		data, err := c.withRetry(fctx, kind, call)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(key, data, c.opts.CacheTTL); err != nil {
			c.logger.Warn("collaborator cache write failed", "kind", kind, "error", err)
		}
		return data, nil
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		res = singleflight.Result{Err: ctx.Err()}
	}
	v, err := res.Val, res.Err
	span.SetAttributes(attribute.Bool("shared", res.Shared))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordCollaboratorCall(kind, "error", time.Since(start).Seconds())
		return err
	}

	metrics.RecordCollaboratorCall(kind, "success", time.Since(start).Seconds())
	if err := json.Unmarshal(v.([]byte), out); err != nil {
		return fmt.Errorf("decode %s response: %w", kind, err)
	}
	return nil
}

// flightContext detaches a shared call from the caller that started it,
// keeping its values. With a per-attempt timeout the call is bounded by the
// time every attempt and backoff could take, plus one attempt of slack.
func (c *Client) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if c.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	budget := c.opts.Timeout * time.Duration(c.opts.Retries+2)
	budget += c.opts.Backoff * time.Duration(1<<c.opts.Retries-1)
	return context.WithTimeout(ctx, budget)
}

// withRetry runs call until it succeeds, fails with a non-retryable error or
// attempts run out. Cancellation of ctx is returned as is and never cached.
func (c *Client) withRetry(ctx context.Context, kind string, call func(context.Context) (interface{}, error)) ([]byte, error) {
	maxAttempts := c.opts.Retries + 1
	var lastErr error
	attempt := 0

	for attempt < maxAttempts {
		attempt++
		if attempt > 1 {
			metrics.RecordCollaboratorRetry(kind)
			backoff := c.opts.Backoff * time.Duration(1<<(attempt-2))
			c.logger.Debug("retrying collaborator call", "kind", kind, "attempt", attempt, "backoff", backoff, "error", lastErr)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, c.opts.Name); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("rate limit: %w", err)
			}
		}

		v, err := c.attempt(ctx, call)
		if err == nil {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s response: %w", kind, err)
			}
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if c.opts.IsRetryable != nil && !c.opts.IsRetryable(err) {
			break
		}
	}

	c.logger.Warn("collaborator call failed", "kind", kind, "attempts", attempt, "error", lastErr)
	return nil, &model.ExtractionFailureError{Collaborator: kind, Attempts: attempt, Cause: lastErr}
}

func (c *Client) attempt(ctx context.Context, call func(context.Context) (interface{}, error)) (interface{}, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	return call(ctx)
}

// extractionKey identifies an extraction request by everything the
// collaborator sees
func extractionKey(req model.ExtractionRequest) string {
	ctxJSON, _ := json.Marshal(req.Context)
	return cache.Key(KindExtraction, req.DocumentID, req.Text, string(ctxJSON), strings.Join(req.Markers, "\x1f"))
}

package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/evidentia/internal/cache"
	"github.com/ppiankov/evidentia/internal/model"
)

type fakeExtractor struct {
	calls   atomic.Int32
	fail    int // number of leading calls that fail
	err     error
	delay   time.Duration
	records []model.ExtractedRecord
}

func (f *fakeExtractor) Extract(ctx context.Context, req model.ExtractionRequest) ([]model.ExtractedRecord, error) {
	n := int(f.calls.Add(1))
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= f.fail {
		return nil, f.err
	}
	return f.records, nil
}

type fakeResearcher struct {
	calls atomic.Int32
}

func (f *fakeResearcher) Research(ctx context.Context, query string) (*model.ResearchResult, error) {
	f.calls.Add(1)
	return &model.ResearchResult{Findings: "found: " + query, Confidence: 0.6}, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestClient(ext Extractor, res Researcher, opts Options) *Client {
	c := New(ext, res, cache.NewMemoryCache(time.Hour, time.Hour), nil, opts, nil)
	c.sleep = noSleep
	return c
}

func request() model.ExtractionRequest {
	return model.ExtractionRequest{DocumentID: "doc-1", Text: "The bridge opened in 1901."}
}

func TestExtract_CachesResponses(t *testing.T) {
	ext := &fakeExtractor{records: []model.ExtractedRecord{{Excerpt: "opened in 1901", Confidence: 0.9}}}
	c := newTestClient(ext, nil, Options{Retries: 2})

	first, err := c.Extract(context.Background(), request())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := c.Extract(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), ext.calls.Load(), "second call should be served from cache")

	other := request()
	other.Markers = []string{"opened"}
	_, err = c.Extract(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, int32(2), ext.calls.Load(), "different markers are a different request")
}

func TestExtract_RetriesThenSucceeds(t *testing.T) {
	ext := &fakeExtractor{fail: 2, err: errors.New("503"), records: []model.ExtractedRecord{{Excerpt: "x"}}}
	c := newTestClient(ext, nil, Options{Retries: 3, Backoff: time.Second})

	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	records, err := c.Extract(context.Background(), request())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(3), ext.calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestExtract_ExhaustedRetries(t *testing.T) {
	ext := &fakeExtractor{fail: 100, err: errors.New("malformed output")}
	c := newTestClient(ext, nil, Options{Retries: 2})

	_, err := c.Extract(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrExtractionFailure)

	var failure *model.ExtractionFailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 3, failure.Attempts)
	assert.Equal(t, KindExtraction, failure.Collaborator)
	assert.Equal(t, model.CodeExtractionFailure, model.CodeOf(err))

	// failures are not cached
	ext.fail = 0
	_, err = c.Extract(context.Background(), request())
	assert.NoError(t, err)
}

func TestExtract_NonRetryable(t *testing.T) {
	permanent := errors.New("disabled")
	ext := &fakeExtractor{fail: 100, err: permanent}
	c := newTestClient(ext, nil, Options{
		Retries:     5,
		IsRetryable: func(err error) bool { return !errors.Is(err, permanent) },
	})

	_, err := c.Extract(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), ext.calls.Load())
}

func TestExtract_AttemptTimeout(t *testing.T) {
	ext := &fakeExtractor{delay: time.Second}
	c := newTestClient(ext, nil, Options{Timeout: 20 * time.Millisecond, Retries: 1})

	_, err := c.Extract(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(2), ext.calls.Load())
}

func TestExtract_CancelledIsNotFailure(t *testing.T) {
	ext := &fakeExtractor{delay: time.Second}
	c := newTestClient(ext, nil, Options{Retries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Extract(ctx, request())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, model.ErrExtractionFailure)
	assert.Equal(t, int32(1), ext.calls.Load())
}

func TestExtract_CoalescesConcurrentCalls(t *testing.T) {
	ext := &fakeExtractor{delay: 50 * time.Millisecond, records: []model.ExtractedRecord{{Excerpt: "x"}}}
	c := New(ext, nil, nil, nil, Options{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := c.Extract(context.Background(), request())
			assert.NoError(t, err)
			assert.Len(t, records, 1)
		}()
	}
	wg.Wait()
	assert.Less(t, ext.calls.Load(), int32(5))
}

// blockingExtractor signals when a call starts and answers once released
type blockingExtractor struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (b *blockingExtractor) Extract(ctx context.Context, req model.ExtractionRequest) ([]model.ExtractedRecord, error) {
	if b.calls.Add(1) == 1 {
		close(b.started)
	}
	select {
	case <-b.release:
		return []model.ExtractedRecord{{Excerpt: "The bridge opened in 1901."}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestExtract_SharedCallSurvivesFirstCallerCancel(t *testing.T) {
	ext := &blockingExtractor{started: make(chan struct{}), release: make(chan struct{})}
	c := newTestClient(ext, nil, Options{Timeout: 5 * time.Second})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Extract(firstCtx, request())
		firstErr <- err
	}()
	<-ext.started

	type answer struct {
		records []model.ExtractedRecord
		err     error
	}
	second := make(chan answer, 1)
	go func() {
		records, err := c.Extract(context.Background(), request())
		second <- answer{records, err}
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(ext.release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Len(t, got.records, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never answered")
	}
	assert.Equal(t, int32(1), ext.calls.Load())
}

func TestResearch(t *testing.T) {
	res := &fakeResearcher{}
	c := newTestClient(nil, res, Options{})

	got, err := c.Research(context.Background(), "what is missing in grid g1?")
	require.NoError(t, err)
	assert.Equal(t, "found: what is missing in grid g1?", got.Findings)

	_, err = c.Research(context.Background(), "  what is missing in grid g1?  ")
	require.NoError(t, err)
	assert.Equal(t, int32(1), res.calls.Load())
}

func TestUnavailable(t *testing.T) {
	c := New(nil, nil, nil, nil, Options{}, nil)
	assert.False(t, c.CanExtract())
	assert.False(t, c.CanResearch())

	_, err := c.Extract(context.Background(), request())
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = c.Research(context.Background(), "q")
	assert.ErrorIs(t, err, ErrUnavailable)
}

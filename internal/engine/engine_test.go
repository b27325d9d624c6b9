package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/evidentia/internal/archive"
	"github.com/ppiankov/evidentia/internal/collab"
	"github.com/ppiankov/evidentia/internal/eventlog"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
)

// scriptedExtractor answers every call with the current records or error
type scriptedExtractor struct {
	mu      sync.Mutex
	calls   int
	err     error
	records []model.ExtractedRecord
}

func (s *scriptedExtractor) Extract(ctx context.Context, req model.ExtractionRequest) ([]model.ExtractedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.records, nil
}

func (s *scriptedExtractor) set(records []model.ExtractedRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records, s.err = records, err
}

func newTestEngine(t *testing.T, deps Deps) *Engine {
	t.Helper()
	if deps.Store == nil {
		deps.Store = store.New(eventlog.New())
	}
	e, err := New(model.DefaultConfig(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func withExtractor(ext collab.Extractor) Deps {
	return Deps{Collab: collab.New(ext, nil, nil, nil, collab.Options{Retries: 0}, nil)}
}

func createGrid(t *testing.T, e *Engine, in store.GridInput) {
	t.Helper()
	_, err := e.CreateGrid(context.Background(), in, "tester")
	require.NoError(t, err)
}

func cellTarget(grid, cell string) model.Target {
	return model.Target{Kind: model.TargetCell, GridID: grid, CellID: cell}
}

func fragment(excerpt string, conf float64, targets ...model.Target) model.EvidenceFragment {
	return model.EvidenceFragment{
		Excerpt:    excerpt,
		Confidence: conf,
		Candidates: targets,
		Source:     model.Source{DocumentID: "doc-1", Length: len(excerpt)},
	}
}

func TestIngestFragment_AutoIntegrates(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "g"})

	out, err := e.IngestFragment(context.Background(), fragment("The bridge opened in 1901", 0.92, cellTarget("g", "c1")), "tester")
	require.NoError(t, err)
	assert.Equal(t, model.FragmentAutoIntegrated, out.Status)
	assert.Equal(t, []string{"cell:g/c1"}, out.Changed)
	assert.False(t, out.Duplicate)

	c, ok := e.Store().Cell("g", "c1")
	require.True(t, ok)
	assert.Equal(t, "The bridge opened in 1901", c.Content)
	assert.InDelta(t, 0.92, c.Confidence, 1e-9)
	assert.Equal(t, []string{out.FragmentID}, c.FragmentIDs())
}

func TestIngestFragment_DuplicateIsNoop(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "g"})
	ctx := context.Background()
	f := fragment("The bridge opened in 1901", 0.92, cellTarget("g", "c1"))

	first, err := e.IngestFragment(ctx, f, "tester")
	require.NoError(t, err)
	seq := e.Store().Log().LastSeq()

	again, err := e.IngestFragment(ctx, f, "tester")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.FragmentID, again.FragmentID)
	assert.Equal(t, model.FragmentAutoIntegrated, again.Status)
	assert.Equal(t, seq, e.Store().Log().LastSeq(), "re-ingesting must not write")

	c, _ := e.Store().Cell("g", "c1")
	assert.Len(t, c.Contributions, 1)
}

func TestIngestFragment_LowConfidenceNeedsDecision(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "g"})

	out, err := e.IngestFragment(context.Background(), fragment("Possibly a smuggler", 0.4, cellTarget("g", "c1")), "tester")
	require.NoError(t, err)
	assert.Equal(t, model.FragmentNeedsDecision, out.Status)
	require.NotEmpty(t, out.DecisionID)

	d, err := e.GetDecision(out.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, model.PriorityLow, d.Priority)
	assert.GreaterOrEqual(t, len(d.Interpretations), 2)

	_, ok := e.Store().Cell("g", "c1")
	assert.False(t, ok, "nothing is written before the decision is resolved")
}

func TestIngestFragment_ConflictWithConfidentCell(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "g"})
	ctx := context.Background()

	_, err := e.IngestFragment(ctx, fragment("The treaty was signed in 1648", 0.92, cellTarget("g", "c1")), "tester")
	require.NoError(t, err)

	out, err := e.IngestFragment(ctx, fragment("The treaty was signed in 1650", 0.95, cellTarget("g", "c1")), "tester")
	require.NoError(t, err)
	assert.Equal(t, model.FragmentNeedsDecision, out.Status, "a confident contradiction is never integrated silently")

	c, _ := e.Store().Cell("g", "c1")
	assert.Equal(t, "The treaty was signed in 1648", c.Content)
}

func TestIngestFragment_TrendCluster(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "g"})
	ctx := context.Background()

	a, err := e.IngestFragment(ctx, fragment("The treaty was signed in 1648", 0.70, cellTarget("g", "c1")), "tester")
	require.NoError(t, err)
	b, err := e.IngestFragment(ctx, fragment("The treaty was not signed in 1648", 0.68, cellTarget("g", "c1")), "tester")
	require.NoError(t, err)

	assert.Equal(t, a.DecisionID, b.DecisionID)
	open := e.ListPendingDecisions(model.DecisionFilter{Status: model.DecisionOpen})
	require.Len(t, open, 1)
	assert.ElementsMatch(t, []string{a.FragmentID, b.FragmentID}, open[0].FragmentIDs)
}

func TestIngestFragment_NoCandidatesWithoutCollaborator(t *testing.T) {
	e := newTestEngine(t, Deps{})

	out, err := e.IngestFragment(context.Background(), fragment("Somewhere, something happened", 0.9), "tester")
	require.NoError(t, err)
	assert.Equal(t, model.FragmentRejected, out.Status)
	assert.Equal(t, model.ReasonNoCandidateTarget, out.Reason)
}

func TestIngestFragment_InvalidInput(t *testing.T) {
	e := newTestEngine(t, Deps{})
	_, err := e.IngestFragment(context.Background(), fragment("", 0.9, cellTarget("g", "c1")), "tester")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = e.IngestFragment(context.Background(), fragment("too sure", 1.5, cellTarget("g", "c1")), "tester")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestIngestFragment_ResolvesTargets(t *testing.T) {
	ext := &scriptedExtractor{records: []model.ExtractedRecord{{
		Excerpt:          "The bridge opened in 1901",
		Confidence:       0.9,
		CandidateTargets: []model.Target{cellTarget("g", "opening"), {Kind: model.TargetCell, GridID: "g", CellID: "bad/id"}},
	}}}
	e := newTestEngine(t, withExtractor(ext))
	createGrid(t, e, store.GridInput{ID: "g"})

	out, err := e.IngestFragment(context.Background(), fragment("The bridge opened in 1901", 0.9), "tester")
	require.NoError(t, err)
	assert.Equal(t, model.FragmentAutoIntegrated, out.Status, "the malformed target is dropped, leaving one")

	f, err := e.Fragment(out.FragmentID)
	require.NoError(t, err)
	assert.Equal(t, []model.Target{cellTarget("g", "opening")}, f.Candidates)
	assert.Equal(t, 1, f.Attempts)
	assert.Empty(t, f.FailureNote)
}

func TestIngestFragment_ExtractionFailureLeavesPending(t *testing.T) {
	ext := &scriptedExtractor{err: errors.New("upstream timeout")}
	e := newTestEngine(t, withExtractor(ext))
	createGrid(t, e, store.GridInput{ID: "g"})
	ctx := context.Background()

	out, err := e.IngestFragment(ctx, fragment("The bridge opened in 1901", 0.9), "tester")
	require.NoError(t, err)
	assert.Equal(t, model.FragmentPending, out.Status)
	assert.Equal(t, ReasonExtractionFailed, out.Reason)

	f, err := e.Fragment(out.FragmentID)
	require.NoError(t, err)
	assert.Equal(t, model.FragmentPending, f.Status)
	assert.Equal(t, 1, f.Attempts)
	assert.Contains(t, f.FailureNote, "upstream timeout")

	ext.set([]model.ExtractedRecord{{Excerpt: "The bridge opened in 1901", Confidence: 0.9, CandidateTargets: []model.Target{cellTarget("g", "c1")}}}, nil)
	retried, err := e.RetryPending(ctx, "tester")
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, model.FragmentAutoIntegrated, retried[0].Status)

	f, _ = e.Fragment(out.FragmentID)
	assert.Equal(t, 2, f.Attempts)
}

func TestIngestFragment_LockedGridThenOverride(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "A", Phase: 0})
	createGrid(t, e, store.GridInput{ID: "B", Phase: 1, Dependencies: []string{"A"}})
	ctx := context.Background()

	f := fragment("Downstream finding", 0.95, cellTarget("B", "b1"))
	_, err := e.IngestFragment(ctx, f, "tester")
	require.Error(t, err)
	var locked *model.GridLockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, "A", locked.BlockingGridID)
	assert.Equal(t, model.CodeGridLocked, model.CodeOf(err))

	stored, err := e.Fragment(f.EnsureID())
	require.NoError(t, err)
	assert.Equal(t, model.FragmentPending, stored.Status, "a locked write leaves the fragment pending")

	_, err = e.OverrideGate(ctx, "B", "A", "alice", "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = e.OverrideGate(ctx, "B", "A", "alice", "deadline")
	require.NoError(t, err)

	retried, err := e.RetryPending(ctx, "tester")
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, model.FragmentAutoIntegrated, retried[0].Status)
}

func TestRejectFragment_RollsBackAndRecomputes(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "g"})
	ctx := context.Background()

	out, err := e.IngestFragment(ctx, fragment("The bridge opened in 1901", 0.92, cellTarget("g", "c1")), "tester")
	require.NoError(t, err)

	f, err := e.RejectFragment(ctx, out.FragmentID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.FragmentRejected, f.Status)
	assert.Equal(t, model.ReasonUserRejected, f.StatusReason)

	c, _ := e.Store().Cell("g", "c1")
	assert.False(t, c.Filled())
	assert.Empty(t, c.FragmentIDs())

	h, err := e.GetGridHealth("g")
	require.NoError(t, err)
	g, _ := e.Store().Grid("g")
	assert.InDelta(t, h.Score, g.LastHealth, 1e-9, "health is recorded right after the rejection")

	again, err := e.RejectFragment(ctx, out.FragmentID, "alice")
	require.NoError(t, err)
	assert.Equal(t, f.Version, again.Version, "rejecting twice changes nothing")

	_, err = e.RejectFragment(ctx, "frag-missing", "alice")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRejectFragment_RefusesFragmentAwaitingDecision(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "g"})
	ctx := context.Background()

	out, err := e.IngestFragment(ctx, fragment("Possibly a smuggler", 0.5, cellTarget("g", "c1")), "tester")
	require.NoError(t, err)
	require.Equal(t, model.FragmentNeedsDecision, out.Status)

	_, err = e.RejectFragment(ctx, out.FragmentID, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrAwaitingDecision)
	assert.Equal(t, model.CodeAwaitingDecision, model.CodeOf(err))
	assert.Contains(t, err.Error(), out.DecisionID)

	f, err := e.Fragment(out.FragmentID)
	require.NoError(t, err)
	assert.Equal(t, model.FragmentNeedsDecision, f.Status)
	d, err := e.GetDecision(out.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionOpen, d.Status)
}

func TestRejectFragment_PropagatesToDependents(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "a", Phase: 0})
	createGrid(t, e, store.GridInput{ID: "b", Phase: 1, Dependencies: []string{"a"}})
	ctx := context.Background()

	_, err := e.UpsertCell(ctx, store.CellWrite{GridID: "a", CellID: "a1", Content: "The harbour froze in 1709", Confidence: 0.9}, 0, "tester")
	require.NoError(t, err)
	out, err := e.IngestFragment(ctx, fragment("The harbour reopened in 1710", 0.92, cellTarget("a", "a2")), "tester")
	require.NoError(t, err)
	require.Equal(t, model.FragmentAutoIntegrated, out.Status)
	_, err = e.RecomputeHealth(ctx, "a")
	require.NoError(t, err)

	_, err = e.UpsertCell(ctx, store.CellWrite{
		GridID: "b", CellID: "b1", Content: "Trade resumed after the thaw", Confidence: 0.8,
		References: []model.Ref{model.CellRef("a", "a2")},
	}, 0, "tester")
	require.NoError(t, err)
	_, err = e.UpsertCell(ctx, store.CellWrite{
		GridID: "b", CellID: "b2", Content: "Winters were harsh", Confidence: 0.8,
		References: []model.Ref{model.CellRef("a", "a1")},
	}, 0, "tester")
	require.NoError(t, err)

	_, err = e.RejectFragment(ctx, out.FragmentID, "alice")
	require.NoError(t, err)

	b1, _ := e.Store().Cell("b", "b1")
	assert.True(t, b1.Stale, "a cell built on the rejected content is stale")
	assert.Contains(t, b1.StaleReason, "upstream grid a")
	b2, _ := e.Store().Cell("b", "b2")
	assert.False(t, b2.Stale, "cells referencing untouched content stay fresh")

	g, _ := e.Store().Grid("a")
	require.NotNil(t, g.PropagatedHealth)
	assert.InDelta(t, g.LastHealth, *g.PropagatedHealth, 1e-9)
}

func TestRejectFragment_RestoresUnitContent(t *testing.T) {
	e := newTestEngine(t, Deps{})
	ctx := context.Background()
	_, err := e.CreateUnit(ctx, store.UnitInput{ID: "u1", Type: "actor"}, "tester")
	require.NoError(t, err)

	target := model.Target{Kind: model.TargetUnit, UnitID: "u1"}
	out, err := e.IngestFragment(ctx, fragment("A merchant from Lübeck", 0.95, target), "tester")
	require.NoError(t, err)
	require.Equal(t, model.FragmentAutoIntegrated, out.Status)
	u, _ := e.Store().Unit("u1")
	require.Equal(t, "A merchant from Lübeck", u.Content)

	_, err = e.RejectFragment(ctx, out.FragmentID, "alice")
	require.NoError(t, err)

	u, _ = e.Store().Unit("u1")
	assert.Empty(t, u.Content)
	assert.Equal(t, model.UnitActive, u.Status)
	require.NotEmpty(t, u.History)
	assert.True(t, u.History[len(u.History)-1].Rejected)
}

func TestContextItemsKeepMultibyteContentValid(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "g"})
	ctx := context.Background()

	long := "Ä" + strings.Repeat("ü", 300)
	_, err := e.UpsertCell(ctx, store.CellWrite{GridID: "g", CellID: "c1", Content: long, Confidence: 0.9}, 0, "tester")
	require.NoError(t, err)
	_, err = e.CreateUnit(ctx, store.UnitInput{ID: "u1", Type: "actor", Content: strings.Repeat("日本", 150)}, "tester")
	require.NoError(t, err)

	items := e.contextItems()
	require.Len(t, items, 2)
	for _, it := range items {
		assert.True(t, utf8.ValidString(it.Content), it.Label)
		assert.Equal(t, 203, utf8.RuneCountInString(it.Content), it.Label)
	}
}

func TestResolveDecision_Replay(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "g"})
	ctx := context.Background()

	out, err := e.IngestFragment(ctx, fragment("The treaty was signed in 1648", 0.7, cellTarget("g", "c1")), "tester")
	require.NoError(t, err)
	d, err := e.GetDecision(out.DecisionID)
	require.NoError(t, err)

	var place string
	for _, in := range d.Interpretations {
		if in.Action == model.ActionPlace {
			place = in.ID
			break
		}
	}
	require.NotEmpty(t, place)

	choice := model.Choice{InterpretationID: place, Actor: "alice"}
	first, err := e.ResolveDecision(ctx, d.ID, choice)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, model.DecisionResolved, first.Decision.Status)

	c, ok := e.Store().Cell("g", "c1")
	require.True(t, ok)
	assert.Equal(t, "The treaty was signed in 1648", c.Content)

	second, err := e.ResolveDecision(ctx, d.ID, choice)
	require.NoError(t, err)
	assert.True(t, second.Replayed)

	_, err = e.ResolveDecision(ctx, d.ID, model.Choice{Skip: true, Actor: "bob"})
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
}

func TestSubmit(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "g"})
	ctx := context.Background()

	task, err := e.Submit(ctx, fragment("The bridge opened in 1901", 0.92, cellTarget("g", "c1")), "tester")
	require.NoError(t, err)
	res, err := task.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, res.GetError())

	ir, ok := res.(*IngestResult)
	require.True(t, ok)
	assert.Equal(t, model.FragmentAutoIntegrated, ir.Outcome.Status)
}

func TestIngestDocument(t *testing.T) {
	ext := &scriptedExtractor{records: []model.ExtractedRecord{
		{Excerpt: "The bridge opened in 1901", Confidence: 0.93, CandidateTargets: []model.Target{cellTarget("g", "opening")}, Offset: 0, Length: 25},
		{Excerpt: "It may have been designed by Eiffel", Confidence: 0.5, CandidateTargets: []model.Target{cellTarget("g", "designer")}, Offset: 26, Length: 35},
		{Excerpt: "Weather was fine", Confidence: 0.9, Offset: 62, Length: 16},
	}}
	e := newTestEngine(t, withExtractor(ext))
	createGrid(t, e, store.GridInput{ID: "g"})

	path := filepath.Join(t.TempDir(), "bridge.txt")
	require.NoError(t, os.WriteFile(path, []byte("The bridge opened in 1901. It may have been designed by Eiffel. Weather was fine."), 0o644))

	out, err := e.IngestDocument(context.Background(), path, "tester")
	require.NoError(t, err)
	require.Len(t, out.Fragments, 3)

	counts := out.Counts()
	assert.Equal(t, 1, counts[model.FragmentAutoIntegrated])
	assert.Equal(t, 1, counts[model.FragmentNeedsDecision])
	assert.Equal(t, 1, counts[model.FragmentRejected])
	assert.Equal(t, 1, ext.calls, "records without targets are not resolved again")
}

func TestIngestDocument_ExtractionFailure(t *testing.T) {
	e := newTestEngine(t, withExtractor(&scriptedExtractor{err: errors.New("model overloaded")}))

	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("Some text."), 0o644))

	_, err := e.IngestDocument(context.Background(), path, "tester")
	require.Error(t, err)
	assert.Equal(t, model.CodeExtractionFailure, model.CodeOf(err))
}

func TestRunAudit_Archive(t *testing.T) {
	a, err := archive.Open(":memory:", nil)
	require.NoError(t, err)
	e := newTestEngine(t, Deps{Archive: a})
	e.closers = append(e.closers, a.Close)
	createGrid(t, e, store.GridInput{ID: "g"})
	ctx := context.Background()

	report, err := e.RunAudit(ctx, model.AuditScope{}, true)
	require.NoError(t, err)
	require.NotEmpty(t, report.ID)

	history, err := e.AuditHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, report.ID, history[0].ID)

	got, err := e.GetAudit(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, len(report.Categories), len(got.Categories))
}

func TestRunAudit_NoArchive(t *testing.T) {
	e := newTestEngine(t, Deps{})
	ctx := context.Background()

	report, err := e.RunAudit(ctx, model.AuditScope{}, true)
	assert.ErrorIs(t, err, ErrArchiveDisabled)
	assert.NotNil(t, report, "the report is still returned")

	_, err = e.AuditHistory(ctx, 0)
	assert.ErrorIs(t, err, ErrArchiveDisabled)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(model.DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	e, err := New(nil, Deps{Store: store.New(eventlog.New())})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Start(ctx)
	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close())
}

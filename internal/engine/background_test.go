package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
	"github.com/ppiankov/evidentia/internal/tension"
)

func settle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Settle(ctx))
}

var conclusionVocabulary = model.Vocabulary{
	CellTypes: []model.CellTypeSpec{
		{Name: "claim"},
		{Name: "finding", Conclusion: true},
	},
	RelationshipTypes: []string{"supports"},
}

func TestBackground_RecomputesHealthAndScans(t *testing.T) {
	e := newTestEngine(t, Deps{})
	e.Start(context.Background())
	createGrid(t, e, store.GridInput{ID: "g", Vocabulary: conclusionVocabulary})
	ctx := context.Background()

	_, err := e.UpsertCell(ctx, store.CellWrite{GridID: "g", CellID: "f1", Type: "finding", Content: "The bridge was a success", Confidence: 0.8}, 0, "tester")
	require.NoError(t, err)
	settle(t, e)

	h, err := e.GetGridHealth("g")
	require.NoError(t, err)
	g, ok := e.Store().Grid("g")
	require.True(t, ok)
	assert.InDelta(t, h.Score, g.LastHealth, 1e-9, "the loop records health after every content change")

	gaps := e.ListPredicaments(model.PredicamentFilter{GridID: "g", Type: model.PredicamentGap})
	require.Len(t, gaps, 1, "an unsupported conclusion is detected without an explicit scan")
	assert.Equal(t, model.StateDetected, gaps[0].State)
}

func TestBackground_SupportThenResolve(t *testing.T) {
	e := newTestEngine(t, Deps{})
	e.Start(context.Background())
	createGrid(t, e, store.GridInput{ID: "g", Vocabulary: conclusionVocabulary})
	ctx := context.Background()

	_, err := e.UpsertCell(ctx, store.CellWrite{GridID: "g", CellID: "f1", Type: "finding", Content: "The bridge was a success", Confidence: 0.8}, 0, "tester")
	require.NoError(t, err)
	_, err = e.UpsertCell(ctx, store.CellWrite{GridID: "g", CellID: "c1", Type: "claim", Content: "Traffic doubled in a year", Confidence: 0.9}, 0, "tester")
	require.NoError(t, err)
	settle(t, e)

	gaps := e.ListPredicaments(model.PredicamentFilter{GridID: "g", Type: model.PredicamentGap, OpenOnly: true})
	require.Len(t, gaps, 1)
	before, err := e.GetGridHealth("g")
	require.NoError(t, err)
	assert.Equal(t, 0.0, before.Coherence)

	_, err = e.LinkRelationship(ctx, store.RelationshipInput{
		Type: model.RelSupports, From: model.CellRef("g", "c1"), To: model.CellRef("g", "f1"), Confidence: 1,
	}, "tester")
	require.NoError(t, err)
	settle(t, e)

	after, err := e.GetGridHealth("g")
	require.NoError(t, err)
	assert.Equal(t, 1.0, after.Coherence)
	assert.Len(t, e.ListPredicaments(model.PredicamentFilter{GridID: "g", Type: model.PredicamentGap}), 1,
		"the rescan does not duplicate the gap")

	// the gap stays open until the user walks it through its lifecycle
	id := gaps[0].ID
	for _, to := range []model.PredicamentState{model.StateAcknowledged, model.StateUnderAnalysis, model.StateResolved} {
		_, err := e.TransitionPredicament(ctx, id, to, "supported by c1", "alice", tension.TransitionOptions{})
		require.NoError(t, err, "transition to %s", to)
	}
	settle(t, e)
	assert.Empty(t, e.ListPredicaments(model.PredicamentFilter{GridID: "g", OpenOnly: true}))

	_, err = e.TransitionPredicament(ctx, id, model.StateDetected, "", "alice", tension.TransitionOptions{})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestBackground_DependentUnlocks(t *testing.T) {
	e := newTestEngine(t, Deps{})
	e.Start(context.Background())
	createGrid(t, e, store.GridInput{ID: "A", Phase: 0})
	createGrid(t, e, store.GridInput{ID: "B", Phase: 1, Dependencies: []string{"A"}})
	ctx := context.Background()
	settle(t, e)

	b, _ := e.Store().Grid("B")
	assert.Equal(t, model.GridLocked, b.Status)

	for _, id := range []string{"a1", "a2"} {
		_, err := e.UpsertCell(ctx, store.CellWrite{GridID: "A", CellID: id, Content: "solid " + id, Confidence: 0.95}, 0, "tester")
		require.NoError(t, err)
	}
	settle(t, e)

	a, _ := e.Store().Grid("A")
	assert.GreaterOrEqual(t, a.LastHealth, 0.70)
	b, _ = e.Store().Grid("B")
	assert.NotEqual(t, model.GridLocked, b.Status, "a healthy dependency unlocks its dependents")

	_, err := e.UpsertCell(ctx, store.CellWrite{GridID: "B", CellID: "b1", Content: "downstream", Confidence: 0.8}, 0, "tester")
	assert.NoError(t, err)
}

func TestSettle_RespectsContext(t *testing.T) {
	e := newTestEngine(t, Deps{})
	createGrid(t, e, store.GridInput{ID: "g"})

	// the loop is not running, so the published events are never handled
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Settle(ctx), context.DeadlineExceeded)
}

package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/evidentia/internal/eventlog"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
)

var userProv = model.Provenance{SourceType: model.SourceUser, SourceRef: "test", Actor: "tester"}

type fakeResearcher struct {
	calls atomic.Int32
	err   error
}

func (f *fakeResearcher) Research(_ context.Context, query string) (*model.ResearchResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &model.ResearchResult{
		Findings:      "found something about: " + query,
		Confidence:    0.6,
		OpenQuestions: []string{"who signed first?"},
	}, nil
}

// seed builds a well-populated grid, a partial grid, an empty grid and a
// grid waiting on user input, plus two unit types
func seed(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(eventlog.New())
	require.NoError(t, s.Apply(context.Background(), func(tx *store.Tx) error {
		for _, u := range []store.UnitInput{
			{ID: "a1", Type: "actor", Content: "Sweden", Attributes: map[string]string{"role": "signatory"}},
			{ID: "a2", Type: "actor", Content: "France"},
			{ID: "e1", Type: "event"},
		} {
			if _, err := tx.CreateUnit(u, userProv); err != nil {
				return err
			}
		}

		grids := []store.GridInput{
			{ID: "full", Name: "Full"},
			{ID: "half", Name: "Half"},
			{ID: "bare", Name: "Bare"},
			{ID: "user", Name: "User", Vocabulary: model.Vocabulary{CellTypes: []model.CellTypeSpec{
				{Name: "fact"},
				{Name: "verdict", Required: true, UserOnly: true},
			}}},
		}
		for _, g := range grids {
			if _, err := tx.CreateGrid(g, userProv); err != nil {
				return err
			}
		}

		cells := []store.CellWrite{
			{GridID: "full", CellID: "c1", Content: "one", Confidence: 0.9, UnitID: "a2"},
			{GridID: "full", CellID: "c2", Content: "two", Confidence: 0.9},
			{GridID: "half", CellID: "c1", Content: "one", Confidence: 0.9},
			{GridID: "half", CellID: "c2"},
			{GridID: "half", CellID: "c3", Content: "three", Confidence: 0.9},
			{GridID: "half", CellID: "c4"},
			{GridID: "bare", CellID: "c1"},
			{GridID: "user", CellID: "f1", Type: "fact", Content: "known", Confidence: 0.9},
		}
		for _, c := range cells {
			if _, err := tx.UpsertCell(c, 0, userProv); err != nil {
				return err
			}
		}
		return tx.MarkStale("half", "c3", "upstream moved", userProv)
	}))
	return s
}

func category(t *testing.T, r *model.GapReport, name string) model.CategoryReport {
	t.Helper()
	for _, c := range r.Categories {
		if c.Category == name {
			return c
		}
	}
	t.Fatalf("category %s missing from report", name)
	return model.CategoryReport{}
}

func TestRunClassifiesCategories(t *testing.T) {
	s := seed(t)
	report, err := New(s, nil, 2, nil).Run(context.Background(), model.AuditScope{})
	require.NoError(t, err)
	require.Len(t, report.Categories, 6)
	assert.NotEmpty(t, report.ID)

	full := category(t, report, "grid:full")
	assert.Equal(t, model.GapWellPopulated, full.Class)
	assert.InDelta(t, 1.0, full.FillRate, 1e-9)

	half := category(t, report, "grid:half")
	assert.Equal(t, model.GapPartial, half.Class)
	assert.InDelta(t, 0.25, half.FillRate, 1e-9, "stale cells do not count as filled")
	assert.Equal(t, 1, half.Counts["stale"])
	assert.Contains(t, half.Actions, "re-validate 1 stale cell(s)")

	assert.Equal(t, model.GapEmpty, category(t, report, "grid:bare").Class)

	user := category(t, report, "grid:user")
	assert.Equal(t, model.GapNeedsUserInput, user.Class)
	assert.Equal(t, []string{"verdict"}, user.MissingUserInput)

	actors := category(t, report, "units:actor")
	assert.Equal(t, model.GapWellPopulated, actors.Class, "one unit has attributes, the other a filled cell")
	assert.Equal(t, model.GapEmpty, category(t, report, "units:event").Class)

	assert.Equal(t, 2, report.Summary[model.GapWellPopulated])
	assert.Equal(t, 2, report.Summary[model.GapEmpty])
}

func TestRunScope(t *testing.T) {
	s := seed(t)
	a := New(s, nil, 1, nil)

	report, err := a.Run(context.Background(), model.AuditScope{GridIDs: []string{"half", "ghost"}})
	require.NoError(t, err)
	require.Len(t, report.Categories, 2)
	assert.NotEmpty(t, category(t, report, "grid:ghost").Error)
	assert.Equal(t, model.GapPartial, category(t, report, "grid:half").Class)

	report, err = a.Run(context.Background(), model.AuditScope{UnitTypes: []string{"place"}})
	require.NoError(t, err)
	require.Len(t, report.Categories, 1)
	assert.Equal(t, model.GapEmpty, category(t, report, "units:place").Class)
}

func TestRunIsolatesFailingCategory(t *testing.T) {
	s := seed(t)
	a := New(s, nil, 4, nil)
	a.gridReport = func(snap *model.Snapshot) model.CategoryReport {
		if snap.Grid.ID == "half" {
			panic("division by zero")
		}
		return gridCategory(snap)
	}

	report, err := a.Run(context.Background(), model.AuditScope{})
	require.NoError(t, err)
	require.Len(t, report.Categories, 6)
	assert.Equal(t, "division by zero", category(t, report, "grid:half").Error)
	assert.Equal(t, model.GapWellPopulated, category(t, report, "grid:full").Class)
}

func TestRunResearch(t *testing.T) {
	s := seed(t)
	r := &fakeResearcher{}
	report, err := New(s, r, 2, nil).Run(context.Background(), model.AuditScope{Research: true})
	require.NoError(t, err)

	assert.EqualValues(t, 3, r.calls.Load(), "only empty and partial categories are researched")
	half := category(t, report, "grid:half")
	require.NotNil(t, half.Research)
	assert.Contains(t, half.Actions, "investigate: who signed first?")
	assert.Nil(t, category(t, report, "grid:full").Research)
}

func TestRunResearchFailureKeepsReport(t *testing.T) {
	s := seed(t)
	r := &fakeResearcher{err: errors.New("upstream timeout")}
	report, err := New(s, r, 2, nil).Run(context.Background(), model.AuditScope{Research: true})
	require.NoError(t, err)

	bare := category(t, report, "grid:bare")
	assert.Empty(t, bare.Error)
	assert.Contains(t, bare.Actions, "research unavailable: upstream timeout")
}

func TestRunCancelled(t *testing.T) {
	s := seed(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(s, nil, 1, nil).Run(ctx, model.AuditScope{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunDoesNotMutate(t *testing.T) {
	s := seed(t)
	seq := s.Log().LastSeq()
	_, err := New(s, &fakeResearcher{}, 2, nil).Run(context.Background(), model.AuditScope{Research: true})
	require.NoError(t, err)
	assert.Equal(t, seq, s.Log().LastSeq())
}

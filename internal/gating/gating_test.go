package gating

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/evidentia/internal/eventlog"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/score"
	"github.com/ppiankov/evidentia/internal/store"
)

var userProv = model.Provenance{SourceType: model.SourceUser, SourceRef: "test", Actor: "tester"}

func newEngine(t *testing.T) (*store.Store, *Engine) {
	t.Helper()
	cfg := model.DefaultConfig()
	s := store.New(eventlog.New())
	return s, New(s, score.NewScorer(cfg.HealthWeights, cfg.Thresholds), cfg.Thresholds, nil)
}

func apply(t *testing.T, s *store.Store, fn func(tx *store.Tx) error) {
	t.Helper()
	require.NoError(t, s.Apply(context.Background(), fn))
}

func writeCell(s *store.Store, gridID, cellID, content string, conf float64, refs ...model.Ref) error {
	return s.Apply(context.Background(), func(tx *store.Tx) error {
		var expected int64
		if c, ok := tx.Cell(gridID, cellID); ok {
			expected = c.Version
		}
		_, err := tx.UpsertCell(store.CellWrite{
			GridID: gridID, CellID: cellID, Content: content, Confidence: conf, References: refs,
		}, expected, userProv)
		return err
	})
}

// seedPair creates grid A (phase 0) and grid B (phase 1) depending on A.
// A healthy A has two confident cells; an unhealthy one has one filled cell
// out of three. A's health is recorded before returning.
func seedPair(t *testing.T, s *store.Store, e *Engine, healthy bool) {
	t.Helper()
	apply(t, s, func(tx *store.Tx) error {
		if _, err := tx.CreateGrid(store.GridInput{ID: "A", Phase: 0}, userProv); err != nil {
			return err
		}
		_, err := tx.CreateGrid(store.GridInput{ID: "B", Phase: 1, Dependencies: []string{"A"}}, userProv)
		return err
	})
	require.NoError(t, writeCell(s, "A", "a1", "solid", 0.9))
	if healthy {
		require.NoError(t, writeCell(s, "A", "a2", "also solid", 0.9))
	} else {
		require.NoError(t, writeCell(s, "A", "a2", "", 0))
		require.NoError(t, writeCell(s, "A", "a3", "", 0))
	}
	observeAll(e, s)
	_, err := e.Recompute(context.Background(), "A")
	require.NoError(t, err)
}

func observeAll(e *Engine, s *store.Store) {
	for _, ev := range s.Log().Since(0, 0) {
		e.Observe(ev)
	}
}

func TestWriteToLockedGridFails(t *testing.T) {
	s, e := newEngine(t)
	seedPair(t, s, e, false)

	err := writeCell(s, "B", "b1", "downstream", 0.8)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrGridLocked)

	var locked *model.GridLockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, "B", locked.GridID)
	assert.Equal(t, "A", locked.BlockingGridID)
	assert.Less(t, locked.BlockingHealth, 0.70)
	assert.Equal(t, 0.70, locked.Threshold)

	_, ok := s.Cell("B", "b1")
	assert.False(t, ok, "locked write must not commit")
}

func TestOverrideUnlocksGrid(t *testing.T) {
	s, e := newEngine(t)
	seedPair(t, s, e, false)
	ctx := context.Background()

	_, err := e.Override(ctx, "B", "A", "", "")
	assert.ErrorIs(t, err, model.ErrInvalidInput, "override needs an actor and a reason")

	o, err := e.Override(ctx, "B", "A", "alice", "deadline")
	require.NoError(t, err)
	assert.Equal(t, "alice", o.Actor)

	require.NoError(t, writeCell(s, "B", "b1", "downstream", 0.8))

	var overrideEvents int
	for _, ev := range s.Log().Since(0, 0) {
		if ev.Kind == model.EventGateOverride {
			overrideEvents++
			assert.Equal(t, "B", ev.GridID)
		}
	}
	assert.Equal(t, 1, overrideEvents, "the override is an explicit acknowledgment event")
}

func TestOverrideRequiresDependency(t *testing.T) {
	s, e := newEngine(t)
	seedPair(t, s, e, false)
	_, err := e.Override(context.Background(), "A", "B", "alice", "why not")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestHealthReportsLock(t *testing.T) {
	s, e := newEngine(t)
	seedPair(t, s, e, false)

	h, err := e.GridHealth("B")
	require.NoError(t, err)
	assert.Equal(t, model.GridLocked, h.Status)
	assert.Equal(t, []string{"A"}, h.BlockedBy)

	h, err = e.GridHealth("A")
	require.NoError(t, err)
	assert.Empty(t, h.BlockedBy)
	assert.NotEqual(t, model.GridLocked, h.Status)
}

func TestHealthyDependencyAllowsWrites(t *testing.T) {
	s, e := newEngine(t)
	seedPair(t, s, e, true)

	require.NoError(t, writeCell(s, "B", "b1", "downstream", 0.8))

	h, err := e.Recompute(context.Background(), "B")
	require.NoError(t, err)
	assert.NotEqual(t, model.GridLocked, h.Status)
	g, _ := s.Grid("B")
	assert.Equal(t, h.Status, g.Status)
	assert.Equal(t, h.Score, g.LastHealth)
}

func TestPropagationMarksReferencingCellsStale(t *testing.T) {
	s, e := newEngine(t)
	ctx := context.Background()
	seedPair(t, s, e, true)
	require.NoError(t, writeCell(s, "B", "b1", "uses a1", 0.8, model.CellRef("A", "a1")))
	require.NoError(t, writeCell(s, "B", "b2", "uses a2", 0.8, model.CellRef("A", "a2")))

	// Confidence of a1 drops, moving A's health by more than the delta
	seq := s.Log().LastSeq()
	require.NoError(t, writeCell(s, "A", "a1", "shaky", 0.1))
	for _, ev := range s.Log().Since(seq, 0) {
		e.Observe(ev)
	}
	_, err := e.Recompute(ctx, "A")
	require.NoError(t, err)

	b1, _ := s.Cell("B", "b1")
	b2, _ := s.Cell("B", "b2")
	assert.True(t, b1.Stale, "b1 references the changed cell")
	assert.Contains(t, b1.StaleReason, "upstream grid A")
	assert.False(t, b2.Stale, "b2 references an unchanged cell")

	h, err := e.GridHealth("B")
	require.NoError(t, err)
	assert.Equal(t, 1, h.CellsStale)
	assert.Empty(t, e.Pending())
}

func TestSmallHealthMoveDoesNotPropagate(t *testing.T) {
	s, e := newEngine(t)
	ctx := context.Background()
	seedPair(t, s, e, true)
	require.NoError(t, writeCell(s, "B", "b1", "uses a1", 0.8, model.CellRef("A", "a1")))

	seq := s.Log().LastSeq()
	require.NoError(t, writeCell(s, "A", "a1", "solid", 0.88))
	for _, ev := range s.Log().Since(seq, 0) {
		e.Observe(ev)
	}
	_, err := e.Recompute(ctx, "A")
	require.NoError(t, err)

	b1, _ := s.Cell("B", "b1")
	assert.False(t, b1.Stale)
	assert.Equal(t, []string{"A"}, e.Pending(), "changes stay queued until health moves enough")
}

func TestPropagationBaselineSurvivesRestart(t *testing.T) {
	s, e := newEngine(t)
	ctx := context.Background()
	seedPair(t, s, e, true)
	require.NoError(t, writeCell(s, "B", "b1", "uses a1", 0.8, model.CellRef("A", "a1")))

	seeded, _ := s.Grid("A")
	require.NotNil(t, seeded.PropagatedHealth)
	base := *seeded.PropagatedHealth

	// a move below the delta records health but keeps the baseline
	seq := s.Log().LastSeq()
	require.NoError(t, writeCell(s, "A", "a1", "solid", 0.88))
	for _, ev := range s.Log().Since(seq, 0) {
		e.Observe(ev)
	}
	_, err := e.Recompute(ctx, "A")
	require.NoError(t, err)
	g, _ := s.Grid("A")
	require.NotNil(t, g.PropagatedHealth)
	assert.InDelta(t, base, *g.PropagatedHealth, 1e-9)
	assert.NotEqual(t, base, g.LastHealth)

	// a fresh engine over the same store measures from the persisted baseline
	cfg := model.DefaultConfig()
	restarted := New(s, score.NewScorer(cfg.HealthWeights, cfg.Thresholds), cfg.Thresholds, nil)
	seq = s.Log().LastSeq()
	require.NoError(t, writeCell(s, "A", "a1", "shaky", 0.1))
	for _, ev := range s.Log().Since(seq, 0) {
		restarted.Observe(ev)
	}
	_, err = restarted.Recompute(ctx, "A")
	require.NoError(t, err)

	b1, _ := s.Cell("B", "b1")
	assert.True(t, b1.Stale)
	assert.Contains(t, b1.StaleReason, fmt.Sprintf("from %.2f", base))
}

func TestRecomputeWithoutChangedCellsKeepsBaseline(t *testing.T) {
	s, e := newEngine(t)
	ctx := context.Background()
	seedPair(t, s, e, true)
	require.NoError(t, writeCell(s, "B", "b1", "uses a2", 0.8, model.CellRef("A", "a2")))
	seeded, _ := s.Grid("A")
	base := *seeded.PropagatedHealth

	// health drops through a write nobody observed
	require.NoError(t, writeCell(s, "A", "a2", "doubtful", 0.1))
	_, err := e.Recompute(ctx, "A")
	require.NoError(t, err)
	g, _ := s.Grid("A")
	assert.InDelta(t, base, *g.PropagatedHealth, 1e-9, "nothing was propagated")

	// once the changed cell is known, the drop still propagates
	e.MarkChanged("A", "a2")
	_, err = e.Recompute(ctx, "A")
	require.NoError(t, err)
	b1, _ := s.Cell("B", "b1")
	assert.True(t, b1.Stale)
}

func TestAffected(t *testing.T) {
	s, e := newEngine(t)
	seedPair(t, s, e, false)

	s.View(func(r store.Reader) {
		assert.Equal(t, []string{"B"}, e.Affected(r, model.ChangeEvent{Kind: model.EventGridStatus, GridID: "A"}))
		assert.Equal(t, []string{"A"}, e.Affected(r, model.ChangeEvent{Kind: model.EventCellUpserted, GridID: "A"}))
		assert.Nil(t, e.Affected(r, model.ChangeEvent{Kind: model.EventFragmentRecorded}))
	})
}

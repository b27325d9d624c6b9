package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/evidentia/internal/eventlog"
	"github.com/ppiankov/evidentia/internal/interpret"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/router"
	"github.com/ppiankov/evidentia/internal/store"
)

var userProv = model.Provenance{SourceType: model.SourceUser, SourceRef: "test", Actor: "tester"}

func newManager(t *testing.T) (*store.Store, *Manager) {
	t.Helper()
	cfg := model.DefaultConfig()
	s := store.New(eventlog.New())
	require.NoError(t, s.Apply(context.Background(), func(tx *store.Tx) error {
		_, err := tx.CreateGrid(store.GridInput{ID: "g"}, userProv)
		return err
	}))
	gen := interpret.New(router.New(cfg.Thresholds), cfg.Thresholds.MaxInterpretations, nil)
	return s, NewManager(s, gen, cfg.Thresholds, nil)
}

func c1() model.Target {
	return model.Target{Kind: model.TargetCell, GridID: "g", CellID: "c1"}
}

// enqueue records a fragment and sends it to the decision queue
func enqueue(t *testing.T, s *store.Store, m *Manager, excerpt string, conf float64, priority model.DecisionPriority) (*model.EvidenceFragment, *model.PendingDecision) {
	t.Helper()
	var (
		frag *model.EvidenceFragment
		dec  *model.PendingDecision
	)
	require.NoError(t, s.Apply(context.Background(), func(tx *store.Tx) error {
		f, _, err := tx.RecordFragment(&model.EvidenceFragment{
			Excerpt:    excerpt,
			Confidence: conf,
			Candidates: []model.Target{c1()},
			Source:     model.Source{DocumentID: "doc", Offset: len(excerpt)},
		}, model.Provenance{SourceType: model.SourceSystem, SourceRef: "doc"})
		if err != nil {
			return err
		}
		frag = f
		dec, err = m.Enqueue(tx, f, priority, router.FragmentProv(f, "router"))
		return err
	}))
	return frag, dec
}

func fragmentStatus(t *testing.T, s *store.Store, id string) *model.EvidenceFragment {
	t.Helper()
	f, ok := s.Fragment(id)
	require.True(t, ok)
	return f
}

func TestTrendClusterScenario(t *testing.T) {
	s, m := newManager(t)
	a, d1 := enqueue(t, s, m, "The treaty was signed in 1648", 0.70, model.PriorityNormal)
	b, d2 := enqueue(t, s, m, "The treaty was not signed in 1648", 0.68, model.PriorityNormal)

	assert.Equal(t, d1.ID, d2.ID, "similar fragments on one target form one trend cluster")
	open := m.List(model.DecisionFilter{Status: model.DecisionOpen})
	require.Len(t, open, 1)

	d := open[0]
	assert.ElementsMatch(t, []string{a.ID, b.ID}, d.FragmentIDs)
	assert.GreaterOrEqual(t, len(d.Interpretations), 2)
	rec := 0
	for _, in := range d.Interpretations {
		if in.Recommended {
			rec++
		}
	}
	assert.Equal(t, 1, rec)
	assert.Equal(t, []string{"g"}, d.GridIDs)

	assert.Equal(t, model.FragmentNeedsDecision, fragmentStatus(t, s, a.ID).Status)
	assert.Equal(t, d.ID, fragmentStatus(t, s, b.ID).DecisionID)
}

func TestLowConfidenceGetsLowPriority(t *testing.T) {
	s, m := newManager(t)
	_, d := enqueue(t, s, m, "Possibly a smuggler", 0.4, model.PriorityLow)
	assert.Equal(t, model.PriorityLow, d.Priority)
	assert.GreaterOrEqual(t, len(d.Interpretations), 2)
}

func TestInvariantViolationGoesToReview(t *testing.T) {
	s, m := newManager(t)
	f, d := enqueue(t, s, m, "Certain and uncontested", 0.95, model.PriorityNormal)

	assert.True(t, d.NeedsReview)
	assert.Equal(t, model.PriorityLow, d.Priority)
	assert.Contains(t, d.ReviewReason, "invariant")
	assert.GreaterOrEqual(t, len(d.Interpretations), 2)
	assert.Equal(t, model.FragmentNeedsDecision, fragmentStatus(t, s, f.ID).Status)
}

func TestResolvePlace(t *testing.T) {
	s, m := newManager(t)
	ctx := context.Background()
	a, d := enqueue(t, s, m, "The treaty was signed in 1648", 0.70, model.PriorityNormal)
	b, _ := enqueue(t, s, m, "The treaty was not signed in 1648", 0.68, model.PriorityNormal)

	d, err := m.Get(d.ID)
	require.NoError(t, err)
	rec, ok := d.Recommended()
	require.True(t, ok)
	require.Equal(t, model.ActionPlace, rec.Action)

	out, err := m.Resolve(ctx, d.ID, model.Choice{InterpretationID: rec.ID, Actor: "alice"})
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, model.DecisionResolved, out.Decision.Status)
	require.NotNil(t, out.Decision.Resolution)
	assert.Equal(t, "alice", out.Decision.Resolution.Actor)
	assert.Equal(t, []string{"cell:g/c1"}, out.Decision.Resolution.ChangedTargets)

	cell, ok := s.Cell("g", "c1")
	require.True(t, ok)
	assert.Equal(t, a.Excerpt, cell.Content)
	assert.Equal(t, []string{a.ID}, cell.FragmentIDs())

	assert.Equal(t, model.FragmentAutoIntegrated, fragmentStatus(t, s, a.ID).Status)
	rejected := fragmentStatus(t, s, b.ID)
	assert.Equal(t, model.FragmentRejected, rejected.Status)
	assert.Equal(t, model.ReasonNotChosen, rejected.StatusReason)
}

func TestResolveReplayIsIdempotent(t *testing.T) {
	s, m := newManager(t)
	ctx := context.Background()
	_, d := enqueue(t, s, m, "Only claim", 0.7, model.PriorityNormal)
	rec, _ := d.Recommended()

	_, err := m.Resolve(ctx, d.ID, model.Choice{InterpretationID: rec.ID})
	require.NoError(t, err)
	seq := s.Log().LastSeq()
	cell, _ := s.Cell("g", "c1")

	out, err := m.Resolve(ctx, d.ID, model.Choice{InterpretationID: rec.ID})
	require.NoError(t, err)
	assert.True(t, out.Replayed)
	assert.Equal(t, model.DecisionResolved, out.Decision.Status)
	assert.Equal(t, seq, s.Log().LastSeq(), "a replay emits nothing")
	again, _ := s.Cell("g", "c1")
	assert.Equal(t, cell.Version, again.Version)

	var other string
	for _, in := range d.Interpretations {
		if in.ID != rec.ID {
			other = in.ID
		}
	}
	_, err = m.Resolve(ctx, d.ID, model.Choice{InterpretationID: other})
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
	_, err = m.Resolve(ctx, d.ID, model.Choice{Skip: true})
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
}

func TestResolveSkip(t *testing.T) {
	s, m := newManager(t)
	f, d := enqueue(t, s, m, "Skip me", 0.7, model.PriorityNormal)

	out, err := m.Resolve(context.Background(), d.ID, model.Choice{Skip: true})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionSkipped, out.Decision.Status)

	got := fragmentStatus(t, s, f.ID)
	assert.Equal(t, model.FragmentRejected, got.Status)
	assert.Equal(t, model.ReasonSkipped, got.StatusReason)
	_, ok := s.Cell("g", "c1")
	assert.False(t, ok, "skip never mutates the knowledge model")
}

func TestResolveRetain(t *testing.T) {
	s, m := newManager(t)
	f, d := enqueue(t, s, m, "Keep the old", 0.5, model.PriorityLow)

	var retain string
	for _, in := range d.Interpretations {
		if in.Action == model.ActionRetain {
			retain = in.ID
		}
	}
	require.NotEmpty(t, retain)

	_, err := m.Resolve(context.Background(), d.ID, model.Choice{InterpretationID: retain})
	require.NoError(t, err)
	got := fragmentStatus(t, s, f.ID)
	assert.Equal(t, model.FragmentRejected, got.Status)
	assert.Equal(t, model.ReasonRetainedExisting, got.StatusReason)
}

func TestResolveInvalidChoice(t *testing.T) {
	s, m := newManager(t)
	_, d := enqueue(t, s, m, "Claim", 0.7, model.PriorityNormal)
	ctx := context.Background()

	_, err := m.Resolve(ctx, d.ID, model.Choice{})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = m.Resolve(ctx, d.ID, model.Choice{Skip: true, InterpretationID: "x"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = m.Resolve(ctx, d.ID, model.Choice{InterpretationID: "missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = m.Resolve(ctx, "nope", model.Choice{Skip: true})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResolveFlagsSiblings(t *testing.T) {
	s, m := newManager(t)
	ctx := context.Background()
	_, first := enqueue(t, s, m, "The harbour froze in winter", 0.7, model.PriorityNormal)
	_, sibling := enqueue(t, s, m, "Merchants paid tolls in silver", 0.7, model.PriorityNormal)
	require.NotEqual(t, first.ID, sibling.ID, "dissimilar fragments stay in separate decisions")

	rec, _ := first.Recommended()
	require.Equal(t, model.ActionPlace, rec.Action)
	out, err := m.Resolve(ctx, first.ID, model.Choice{InterpretationID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{sibling.ID}, out.Decision.Resolution.FlaggedSiblings)

	flagged, err := m.Get(sibling.ID)
	require.NoError(t, err)
	assert.True(t, flagged.NeedsReview)
	assert.Contains(t, flagged.ReviewReason, first.ID)

	needsReview := true
	assert.Len(t, m.List(model.DecisionFilter{NeedsReview: &needsReview}), 1)

	re, err := m.Reevaluate(ctx, sibling.ID, "alice")
	require.NoError(t, err)
	assert.False(t, re.NeedsReview)
	hasRetain := false
	for _, in := range re.Interpretations {
		if in.Action == model.ActionRetain {
			hasRetain = true
			assert.Contains(t, in.Commitment, "harbour")
		}
	}
	assert.True(t, hasRetain, "the target now has content to retain")
}

func TestResolveIntoLockedGridLeavesDecisionOpen(t *testing.T) {
	s, m := newManager(t)
	_, d := enqueue(t, s, m, "Blocked claim", 0.7, model.PriorityNormal)
	s.SetWriteGuard(func(_ *store.Tx, gridID string, _ model.Provenance) error {
		return &model.GridLockedError{GridID: gridID, BlockingGridID: "upstream", BlockingHealth: 0.55, Threshold: 0.70}
	})

	rec, _ := d.Recommended()
	if rec.Action != model.ActionPlace {
		for _, in := range d.Interpretations {
			if in.Action == model.ActionPlace {
				rec = in
			}
		}
	}
	_, err := m.Resolve(context.Background(), d.ID, model.Choice{InterpretationID: rec.ID})
	assert.ErrorIs(t, err, model.ErrGridLocked)

	still, err := m.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionOpen, still.Status)
}

func TestReevaluateDropsTerminalMembers(t *testing.T) {
	s, m := newManager(t)
	ctx := context.Background()
	f, d := enqueue(t, s, m, "Soon withdrawn", 0.7, model.PriorityNormal)

	require.NoError(t, s.Apply(ctx, func(tx *store.Tx) error {
		cur, _ := tx.Fragment(f.ID)
		_, err := tx.SetFragmentStatus(f.ID, cur.Version, store.FragmentUpdate{Status: model.FragmentRejected, Reason: model.ReasonUserRejected}, userProv)
		return err
	}))

	out, err := m.Reevaluate(ctx, d.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionSkipped, out.Status)

	_, err = m.Reevaluate(ctx, d.ID, "")
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
}

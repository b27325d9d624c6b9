package interpret

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/router"
)

type fakeView struct {
	existing  map[string]string
	conflicts map[string][]string
}

func (v fakeView) Conflicts(_ *model.EvidenceFragment, t model.Target) []string {
	return v.conflicts[t.Key()]
}

func (v fakeView) Existing(t model.Target) (string, float64, bool) {
	c, ok := v.existing[t.Key()]
	return c, 0.9, ok
}

func cellTarget(cell string) model.Target {
	return model.Target{Kind: model.TargetCell, GridID: "g", CellID: cell}
}

func frag(excerpt string, conf float64, targets ...model.Target) *model.EvidenceFragment {
	f := &model.EvidenceFragment{Excerpt: excerpt, Confidence: conf, Candidates: targets, Source: model.Source{DocumentID: "doc"}}
	f.EnsureID()
	return f
}

func newGenerator() *Generator {
	return New(router.New(model.DefaultConfig().Thresholds), 5, nil)
}

func recommendedCount(out []model.Interpretation) int {
	n := 0
	for _, in := range out {
		if in.Recommended {
			n++
		}
	}
	return n
}

func TestGenerateContradictoryCluster(t *testing.T) {
	a := frag("The treaty was signed in 1648", 0.70, cellTarget("c1"))
	b := frag("The treaty was not signed in 1648", 0.68, cellTarget("c1"))

	out, err := newGenerator().Generate([]*model.EvidenceFragment{a, b}, fakeView{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 1, recommendedCount(out))
	assert.True(t, out[0].Recommended)
	assert.Equal(t, a.Excerpt, out[0].Content, "the more confident fragment ranks first")

	for i, in := range out {
		require.Len(t, in.Forecloses, 1)
		assert.Equal(t, out[1-i].ID, in.Forecloses[0].InterpretationID)
		assert.Contains(t, in.Forecloses[0].Statement, "Rules out")
		assert.NotEmpty(t, in.Commitment)
	}
}

func TestGenerateLowConfidenceAddsRetain(t *testing.T) {
	f := frag("Maybe the actor is a smuggler", 0.40, cellTarget("c1"))

	out, err := newGenerator().Generate([]*model.EvidenceFragment{f}, fakeView{})
	require.NoError(t, err)
	require.Len(t, out, 2)

	var actions []model.InterpretationAction
	for _, in := range out {
		actions = append(actions, in.Action)
	}
	assert.ElementsMatch(t, []model.InterpretationAction{model.ActionPlace, model.ActionRetain}, actions)
	assert.Equal(t, 1, recommendedCount(out))
}

func TestGenerateExistingContentAddsRetain(t *testing.T) {
	a := frag("Blue", 0.7, cellTarget("c1"))
	b := frag("Green", 0.7, cellTarget("c1"))
	view := fakeView{existing: map[string]string{"cell:g/c1": "Red"}}

	out, err := newGenerator().Generate([]*model.EvidenceFragment{a, b}, view)
	require.NoError(t, err)
	require.Len(t, out, 3)

	var retain *model.Interpretation
	for i := range out {
		if out[i].Action == model.ActionRetain {
			retain = &out[i]
		}
	}
	require.NotNil(t, retain)
	assert.Contains(t, retain.Commitment, "Red")
	assert.ElementsMatch(t, []string{a.ID, b.ID}, retain.FragmentIDs)
}

func TestGenerateCapsInterpretations(t *testing.T) {
	var targets []model.Target
	for i := 0; i < 7; i++ {
		targets = append(targets, cellTarget(fmt.Sprintf("c%d", i)))
	}
	f := frag("Spread thin", 0.7, targets...)

	out, err := newGenerator().Generate([]*model.EvidenceFragment{f}, fakeView{})
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.Equal(t, "cell:g/c0", out[0].Target.Key(), "the first-ranked candidate is most plausible")

	out, err = newGenerator().Generate([]*model.EvidenceFragment{f}, fakeView{existing: map[string]string{"cell:g/c3": "taken"}})
	require.NoError(t, err)
	assert.Len(t, out, 5)
	hasRetain := false
	for _, in := range out {
		if in.Action == model.ActionRetain {
			hasRetain = true
		}
	}
	assert.True(t, hasRetain, "retain survives the cap when a target already has content")
}

func TestGenerateMergesAgreeingFragments(t *testing.T) {
	a := frag("Water boils at 100C", 0.7, cellTarget("c1"))
	b := frag("water  boils at 100c", 0.65, cellTarget("c1"))
	b.Source.Offset = 10
	b.ID = ""
	b.EnsureID()

	out, err := newGenerator().Generate([]*model.EvidenceFragment{a, b}, fakeView{})
	require.NoError(t, err)
	require.Len(t, out, 2, "one merged placement plus retain")
	for _, in := range out {
		if in.Action == model.ActionPlace {
			assert.ElementsMatch(t, []string{a.ID, b.ID}, in.FragmentIDs)
		}
	}
}

func TestGenerateInvariantViolation(t *testing.T) {
	f := frag("Confident and clear", 0.95, cellTarget("c1"))

	_, err := newGenerator().Generate([]*model.EvidenceFragment{f}, fakeView{})
	assert.ErrorIs(t, err, model.ErrInvariant)

	// the same fragment is legitimately here when its target is contested
	out, err := newGenerator().Generate([]*model.EvidenceFragment{f}, fakeView{conflicts: map[string][]string{"cell:g/c1": {"open decision"}}})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestInterpretationIDsStable(t *testing.T) {
	a := frag("Alpha claim", 0.7, cellTarget("c1"), cellTarget("c2"))
	first, err := newGenerator().Generate([]*model.EvidenceFragment{a}, fakeView{})
	require.NoError(t, err)
	second, err := newGenerator().Generate([]*model.EvidenceFragment{a}, fakeView{})
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, Jaccard("The cat sat", "the CAT sat!"), 1e-9)
	assert.InDelta(t, 0.0, Jaccard("cat", "dog"), 1e-9)
	assert.GreaterOrEqual(t, Jaccard("The treaty was signed in 1648", "The treaty was not signed in 1648"), 0.30)
}

func TestFindCluster(t *testing.T) {
	member := frag("The treaty was signed in 1648", 0.7, cellTarget("c1"))
	open := []Cluster{
		{
			Decision:  &model.PendingDecision{ID: "far", Status: model.DecisionOpen, TargetKeys: []string{"cell:g/c9"}},
			Fragments: []*model.EvidenceFragment{member},
		},
		{
			Decision:  &model.PendingDecision{ID: "near", Status: model.DecisionOpen, TargetKeys: []string{"cell:g/c1"}},
			Fragments: []*model.EvidenceFragment{member},
		},
	}

	similar := frag("The treaty was not signed in 1648", 0.68, cellTarget("c1"))
	got := FindCluster(similar, open, 0.30)
	require.NotNil(t, got)
	assert.Equal(t, "near", got.Decision.ID)

	unrelated := frag("Bananas are yellow", 0.68, cellTarget("c1"))
	assert.Nil(t, FindCluster(unrelated, open, 0.30), "shared target alone is not enough")
}

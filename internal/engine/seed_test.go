package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/evidentia/internal/model"
)

const seedYAML = `
units:
  - id: westphalia
    type: treaty
    content: Peace of Westphalia
    attributes:
      year: "1648"
grids:
  - id: context
    name: Historical context
    phase: 0
    unit_ids: [westphalia]
    vocabulary:
      cell_types:
        - name: claim
        - name: finding
          conclusion: true
      relationship_types: [supports]
  - id: analysis
    name: Analysis
    phase: 1
    dependencies: [context]
overrides:
  - grid_id: analysis
    blocking_grid_id: context
    reason: seeding before evidence arrives
cells:
  - grid_id: context
    id: signed
    type: claim
    unit_id: westphalia
    content: Signed in Osnabrueck and Muenster
    confidence: 0.9
  - grid_id: context
    id: outcome
    type: finding
    content: Ended the Thirty Years War
    confidence: 0.8
  - grid_id: analysis
    id: sovereignty
    content: Origin of state sovereignty
    confidence: 0.6
    references:
      - kind: cell
        grid_id: context
        id: outcome
relationships:
  - type: supports
    from: {kind: cell, grid_id: context, id: signed}
    to: {kind: cell, grid_id: context, id: outcome}
    confidence: 1
`

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSeed(t *testing.T) {
	e := newTestEngine(t, Deps{})
	seed, err := LoadSeedFile(writeSeed(t, seedYAML))
	require.NoError(t, err)

	sum, err := e.Seed(context.Background(), seed, "alice")
	require.NoError(t, err)
	assert.Equal(t, SeedSummary{Units: 1, Grids: 2, Overrides: 1, Cells: 3, Relationships: 1}, *sum)

	g, ok := e.Store().Grid("context")
	require.True(t, ok)
	assert.Equal(t, "Historical context", g.Name)
	spec, ok := g.Vocabulary.CellType("finding")
	require.True(t, ok)
	assert.True(t, spec.Conclusion)

	c, ok := e.Store().Cell("analysis", "sovereignty")
	require.True(t, ok)
	assert.Equal(t, []model.Ref{model.CellRef("context", "outcome")}, c.References)

	snap, err := e.Snapshot("context")
	require.NoError(t, err)
	assert.Len(t, snap.Cells, 2)
	assert.Len(t, snap.Relationships, 1)

	h, err := e.GetGridHealth("context")
	require.NoError(t, err)
	assert.Equal(t, 1.0, h.Coherence, "the seeded finding is supported")
}

func TestSeed_IsAtomic(t *testing.T) {
	e := newTestEngine(t, Deps{})
	body := `
units:
  - id: westphalia
    type: treaty
    content: Peace of Westphalia
grids:
  - id: context
    phase: 0
  - id: analysis
    phase: 1
    dependencies: [context]
cells:
  - grid_id: analysis
    id: sovereignty
    content: Origin of state sovereignty
    confidence: 0.6
`
	seed, err := LoadSeedFile(writeSeed(t, body))
	require.NoError(t, err)

	_, err = e.Seed(context.Background(), seed, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrGridLocked, "the empty context grid locks analysis without an override")

	assert.Empty(t, e.Grids(), "nothing is created unless everything is")
	assert.Empty(t, e.Units(""))
}

func TestLoadSeedFile_Errors(t *testing.T) {
	_, err := LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadSeedFile(writeSeed(t, "units: [this is: not valid"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

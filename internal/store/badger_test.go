package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/evidentia/internal/eventlog"
	"github.com/ppiankov/evidentia/internal/model"
)

func TestBadgerPersisterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	p, err := OpenBadger(dir, false, nil)
	require.NoError(t, err)
	s, err := Open(ctx, eventlog.New(), WithPersister(p))
	require.NoError(t, err)

	seedGrid(t, s, "g", 0)
	require.NoError(t, s.Apply(ctx, func(tx *Tx) error {
		_, err := tx.UpsertCell(CellWrite{GridID: "g", CellID: "c", Content: "kept", Confidence: 0.8}, 0, userProv)
		return err
	}))
	lastSeq := s.Log().LastSeq()
	require.NoError(t, s.Close())

	p2, err := OpenBadger(dir, false, nil)
	require.NoError(t, err)
	reopened, err := Open(ctx, eventlog.New(), WithPersister(p2))
	require.NoError(t, err)
	defer reopened.Close()

	cell, ok := reopened.Cell("g", "c")
	require.True(t, ok)
	assert.Equal(t, "kept", cell.Content)
	assert.Equal(t, int64(1), cell.Version)
	assert.Equal(t, lastSeq, reopened.Log().LastSeq(), "event journal is replayed on open")
}

func TestBadgerConditionalWrite(t *testing.T) {
	ctx := context.Background()
	p, err := OpenBadger("", true, nil)
	require.NoError(t, err)
	defer p.Close()

	unit := &model.Unit{ID: "u", Type: "concept", Version: 1}
	require.NoError(t, p.Commit(ctx, &Batch{Records: []Record{{Kind: KindUnit, ID: "u", PrevVersion: 0, Version: 1, Value: unit}}}))

	// A second writer that also observed "absent" loses
	err = p.Commit(ctx, &Batch{Records: []Record{{Kind: KindUnit, ID: "u", PrevVersion: 0, Version: 1, Value: unit}}})
	var vc *model.VersionConflictError
	require.True(t, errors.As(err, &vc))
	assert.Equal(t, int64(1), vc.Actual)

	unit.Version = 2
	require.NoError(t, p.Commit(ctx, &Batch{Records: []Record{{Kind: KindUnit, ID: "u", PrevVersion: 1, Version: 2, Value: unit}}}))

	loaded, err := p.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Units, 1)
	assert.Equal(t, int64(2), loaded.Units[0].Version)
}

func TestBadgerConflictLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	p, err := OpenBadger("", true, nil)
	require.NoError(t, err)
	s, err := Open(ctx, eventlog.New(), WithPersister(p))
	require.NoError(t, err)
	defer s.Close()

	// Another process writes the grid behind the store's back
	require.NoError(t, p.Commit(ctx, &Batch{Records: []Record{{Kind: KindGrid, ID: "g", Version: 1, Value: &model.Grid{ID: "g", Version: 1}}}}))

	err = s.Apply(ctx, func(tx *Tx) error {
		_, err := tx.CreateGrid(GridInput{ID: "g"}, userProv)
		return err
	})
	assert.ErrorIs(t, err, model.ErrVersionConflict)
	_, ok := s.Grid("g")
	assert.False(t, ok)
	assert.Equal(t, uint64(0), s.Log().LastSeq(), "no events are published for a failed commit")
}

func TestAggregateConfidence(t *testing.T) {
	tests := []struct {
		name     string
		contribs []model.Contribution
		want     float64
		ok       bool
	}{
		{"none", nil, 0, false},
		{"single", []model.Contribution{{Confidence: 0.92}}, 0.92, true},
		{"weighted", []model.Contribution{{Confidence: 0.5}, {Confidence: 1.0}}, (0.25 + 1.0) / 1.5, true},
		{"rejected ignored", []model.Contribution{{Confidence: 0.5}, {Confidence: 1.0, Rejected: true}}, 0.5, true},
		{"all rejected", []model.Contribution{{Confidence: 0.5, Rejected: true}}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := AggregateConfidence(tt.contribs)
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

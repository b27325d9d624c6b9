package store

import (
	"sort"
	"time"

	"github.com/ppiankov/evidentia/internal/model"
)

// Reader is a consistent read view of the store. Everything returned is a copy.
type Reader interface {
	Unit(id string) (*model.Unit, bool)
	Units(unitType string) []*model.Unit
	Grid(id string) (*model.Grid, bool)
	Grids() []*model.Grid
	Dependents(gridID string) []*model.Grid
	Cell(gridID, cellID string) (*model.Cell, bool)
	Cells(gridID string) []*model.Cell
	CellsOfUnit(unitID string) []*model.Cell
	Relationships(gridID string) []*model.Relationship
	RelationshipsOf(ref model.Ref) []*model.Relationship
	Fragment(id string) (*model.EvidenceFragment, bool)
	Fragments(status model.FragmentStatus) []*model.EvidenceFragment
	Decision(id string) (*model.PendingDecision, bool)
	Decisions(f model.DecisionFilter) []*model.PendingDecision
	Predicament(id string) (*model.Predicament, bool)
	PredicamentByFingerprint(fp string) (*model.Predicament, bool)
	Predicaments(f model.PredicamentFilter) []*model.Predicament
	Overrides(gridID string) []*model.Override
	HasOverride(gridID, blockingGridID string) bool
}

// view reads an overlay on top of a base generation
type view struct {
	over *state
	base *state
}

func (v *view) overMaps() *state {
	if v.over == nil {
		return &state{}
	}
	return v.over
}

func cloneAll[T any](in []*T, clone func(*T) *T) []*T {
	out := make([]*T, len(in))
	for i, x := range in {
		out[i] = clone(x)
	}
	return out
}

func (v *view) Unit(id string) (*model.Unit, bool) {
	u, ok := lookup(v.overMaps().units, v.base.units, id)
	if !ok {
		return nil, false
	}
	return cloneUnit(u), true
}

func (v *view) Units(unitType string) []*model.Unit {
	return cloneAll(merged(v.overMaps().units, v.base.units, func(u *model.Unit) bool {
		return unitType == "" || u.Type == unitType
	}), cloneUnit)
}

func (v *view) Grid(id string) (*model.Grid, bool) {
	g, ok := lookup(v.overMaps().grids, v.base.grids, id)
	if !ok {
		return nil, false
	}
	return cloneGrid(g), true
}

func (v *view) Grids() []*model.Grid {
	out := cloneAll(merged(v.overMaps().grids, v.base.grids, nil), cloneGrid)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Phase < out[j].Phase })
	return out
}

func (v *view) Dependents(gridID string) []*model.Grid {
	return cloneAll(merged(v.overMaps().grids, v.base.grids, func(g *model.Grid) bool {
		for _, dep := range g.Dependencies {
			if dep == gridID {
				return true
			}
		}
		return false
	}), cloneGrid)
}

func (v *view) Cell(gridID, cellID string) (*model.Cell, bool) {
	c, ok := lookup(v.overMaps().cells, v.base.cells, model.CellKey(gridID, cellID))
	if !ok {
		return nil, false
	}
	return cloneCell(c), true
}

func (v *view) Cells(gridID string) []*model.Cell {
	return cloneAll(merged(v.overMaps().cells, v.base.cells, func(c *model.Cell) bool {
		return c.GridID == gridID
	}), cloneCell)
}

func (v *view) CellsOfUnit(unitID string) []*model.Cell {
	return cloneAll(merged(v.overMaps().cells, v.base.cells, func(c *model.Cell) bool {
		return c.UnitID == unitID
	}), cloneCell)
}

func (v *view) Relationships(gridID string) []*model.Relationship {
	return cloneAll(merged(v.overMaps().rels, v.base.rels, func(r *model.Relationship) bool {
		return r.From.GridID == gridID || r.To.GridID == gridID
	}), cloneRel)
}

func (v *view) RelationshipsOf(ref model.Ref) []*model.Relationship {
	return cloneAll(merged(v.overMaps().rels, v.base.rels, func(r *model.Relationship) bool {
		return r.Touches(ref)
	}), cloneRel)
}

func (v *view) Fragment(id string) (*model.EvidenceFragment, bool) {
	f, ok := lookup(v.overMaps().fragments, v.base.fragments, id)
	if !ok {
		return nil, false
	}
	return cloneFragment(f), true
}

func (v *view) Fragments(status model.FragmentStatus) []*model.EvidenceFragment {
	out := cloneAll(merged(v.overMaps().fragments, v.base.fragments, func(f *model.EvidenceFragment) bool {
		return status == "" || f.Status == status
	}), cloneFragment)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (v *view) Decision(id string) (*model.PendingDecision, bool) {
	d, ok := lookup(v.overMaps().decisions, v.base.decisions, id)
	if !ok {
		return nil, false
	}
	return cloneDecision(d), true
}

func (v *view) Decisions(f model.DecisionFilter) []*model.PendingDecision {
	out := cloneAll(merged(v.overMaps().decisions, v.base.decisions, f.Match), cloneDecision)
	// normal priority first, then oldest first
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority == model.PriorityNormal
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (v *view) Predicament(id string) (*model.Predicament, bool) {
	p, ok := lookup(v.overMaps().predicaments, v.base.predicaments, id)
	if !ok {
		return nil, false
	}
	return clonePredicament(p), true
}

func (v *view) PredicamentByFingerprint(fp string) (*model.Predicament, bool) {
	found := merged(v.overMaps().predicaments, v.base.predicaments, func(p *model.Predicament) bool {
		return p.Fingerprint == fp
	})
	if len(found) == 0 {
		return nil, false
	}
	return clonePredicament(found[0]), true
}

func (v *view) Predicaments(f model.PredicamentFilter) []*model.Predicament {
	out := cloneAll(merged(v.overMaps().predicaments, v.base.predicaments, f.Match), clonePredicament)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (v *view) Overrides(gridID string) []*model.Override {
	return cloneAll(merged(v.overMaps().overrides, v.base.overrides, func(o *model.Override) bool {
		return gridID == "" || o.GridID == gridID
	}), cloneOverride)
}

func (v *view) HasOverride(gridID, blockingGridID string) bool {
	found := merged(v.overMaps().overrides, v.base.overrides, func(o *model.Override) bool {
		return o.GridID == gridID && o.BlockingGridID == blockingGridID
	})
	return len(found) > 0
}

// Tx is a copy-on-write transaction. Reads see the transaction's own writes.
type Tx struct {
	view
	store   *Store
	events  []model.ChangeEvent
	guarded map[string]bool
	touched map[string]bool // grids whose content changed in this transaction
}

func newTx(s *Store) *Tx {
	return &Tx{
		view:    view{over: newState(), base: s.base},
		store:   s,
		guarded: make(map[string]bool),
		touched: make(map[string]bool),
	}
}

// Now returns the store clock
func (tx *Tx) Now() time.Time {
	return tx.store.now()
}

// TouchedGrids returns the grids whose content this transaction changed
func (tx *Tx) TouchedGrids() []string {
	out := make([]string, 0, len(tx.touched))
	for g := range tx.touched {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (tx *Tx) empty() bool {
	return tx.over.size() == 0 && len(tx.events) == 0
}

func (tx *Tx) emit(kind model.EventKind, entityID, gridID string, prov model.Provenance, data map[string]interface{}) {
	tx.events = append(tx.events, model.ChangeEvent{
		Kind:       kind,
		EntityID:   entityID,
		GridID:     gridID,
		Provenance: prov,
		At:         tx.Now(),
		Data:       data,
	})
}

// guardWrite runs the write guard once per grid per transaction
func (tx *Tx) guardWrite(gridID string, prov model.Provenance) error {
	tx.touched[gridID] = true
	if tx.store.guard == nil || tx.guarded[gridID] {
		return nil
	}
	if err := tx.store.guard(tx, gridID, prov); err != nil {
		return err
	}
	tx.guarded[gridID] = true
	return nil
}

func baseVersion[T any](base map[string]*T, id string, version func(*T) int64) int64 {
	if v, ok := base[id]; ok {
		return version(v)
	}
	return 0
}

func appendRecords[T any](records []Record, kind RecordKind, over, base map[string]*T, version func(*T) int64) []Record {
	keys := make([]string, 0, len(over))
	for k := range over {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := over[k]
		records = append(records, Record{
			Kind:        kind,
			ID:          k,
			PrevVersion: baseVersion(base, k, version),
			Version:     version(v),
			Value:       v,
		})
	}
	return records
}

func (tx *Tx) batch() *Batch {
	o, b := tx.over, tx.base
	var recs []Record
	recs = appendRecords(recs, KindUnit, o.units, b.units, func(u *model.Unit) int64 { return u.Version })
	recs = appendRecords(recs, KindGrid, o.grids, b.grids, func(g *model.Grid) int64 { return g.Version })
	recs = appendRecords(recs, KindCell, o.cells, b.cells, func(c *model.Cell) int64 { return c.Version })
	recs = appendRecords(recs, KindRelationship, o.rels, b.rels, func(r *model.Relationship) int64 { return r.Version })
	recs = appendRecords(recs, KindFragment, o.fragments, b.fragments, func(f *model.EvidenceFragment) int64 { return f.Version })
	recs = appendRecords(recs, KindDecision, o.decisions, b.decisions, func(d *model.PendingDecision) int64 { return d.Version })
	recs = appendRecords(recs, KindPredicament, o.predicaments, b.predicaments, func(p *model.Predicament) int64 { return p.Version })
	recs = appendRecords(recs, KindOverride, o.overrides, b.overrides, func(*model.Override) int64 { return 1 })
	return &Batch{Records: recs}
}

func mergeMap[T any](dst, src map[string]*T) {
	for k, v := range src {
		dst[k] = v
	}
}

func (tx *Tx) mergeInto(base *state) {
	mergeMap(base.units, tx.over.units)
	mergeMap(base.grids, tx.over.grids)
	mergeMap(base.cells, tx.over.cells)
	mergeMap(base.rels, tx.over.rels)
	mergeMap(base.fragments, tx.over.fragments)
	mergeMap(base.decisions, tx.over.decisions)
	mergeMap(base.predicaments, tx.over.predicaments)
	mergeMap(base.overrides, tx.over.overrides)
}

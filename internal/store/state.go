package store

import (
	"sort"

	"github.com/ppiankov/evidentia/internal/model"
)

// state is one generation of every record the store holds
type state struct {
	units        map[string]*model.Unit
	grids        map[string]*model.Grid
	cells        map[string]*model.Cell // keyed by grid/cell
	rels         map[string]*model.Relationship
	fragments    map[string]*model.EvidenceFragment
	decisions    map[string]*model.PendingDecision
	predicaments map[string]*model.Predicament
	overrides    map[string]*model.Override
}

func newState() *state {
	return &state{
		units:        make(map[string]*model.Unit),
		grids:        make(map[string]*model.Grid),
		cells:        make(map[string]*model.Cell),
		rels:         make(map[string]*model.Relationship),
		fragments:    make(map[string]*model.EvidenceFragment),
		decisions:    make(map[string]*model.PendingDecision),
		predicaments: make(map[string]*model.Predicament),
		overrides:    make(map[string]*model.Override),
	}
}

func (s *state) size() int {
	return len(s.units) + len(s.grids) + len(s.cells) + len(s.rels) +
		len(s.fragments) + len(s.decisions) + len(s.predicaments) + len(s.overrides)
}

// lookup reads id from the overlay first, then the base generation
func lookup[T any](over, base map[string]*T, id string) (*T, bool) {
	if over != nil {
		if v, ok := over[id]; ok {
			return v, true
		}
	}
	v, ok := base[id]
	return v, ok
}

// merged lists records of base shadowed by over, filtered by keep and sorted by key
func merged[T any](over, base map[string]*T, keep func(*T) bool) []*T {
	keys := make([]string, 0, len(base)+len(over))
	for k, v := range base {
		if _, shadowed := over[k]; shadowed {
			continue
		}
		if keep == nil || keep(v) {
			keys = append(keys, k)
		}
	}
	for k, v := range over {
		if keep == nil || keep(v) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]*T, 0, len(keys))
	for _, k := range keys {
		v, _ := lookup(over, base, k)
		out = append(out, v)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneUnit(u *model.Unit) *model.Unit {
	c := *u
	if u.Attributes != nil {
		c.Attributes = make(map[string]string, len(u.Attributes))
		for k, v := range u.Attributes {
			c.Attributes[k] = v
		}
	}
	c.Assertions = append([]model.AttributeAssertion(nil), u.Assertions...)
	if u.History != nil {
		c.History = make([]model.UnitRevision, len(u.History))
		for i, rev := range u.History {
			rev.FragmentIDs = cloneStrings(rev.FragmentIDs)
			c.History[i] = rev
		}
	}
	return &c
}

func cloneGrid(g *model.Grid) *model.Grid {
	c := *g
	c.Dependencies = cloneStrings(g.Dependencies)
	c.UnitIDs = cloneStrings(g.UnitIDs)
	c.Vocabulary.CellTypes = append([]model.CellTypeSpec(nil), g.Vocabulary.CellTypes...)
	c.Vocabulary.RelationshipTypes = cloneStrings(g.Vocabulary.RelationshipTypes)
	if g.PropagatedHealth != nil {
		h := *g.PropagatedHealth
		c.PropagatedHealth = &h
	}
	return &c
}

func cloneCell(cell *model.Cell) *model.Cell {
	c := *cell
	c.Contributions = append([]model.Contribution(nil), cell.Contributions...)
	c.References = append([]model.Ref(nil), cell.References...)
	c.History = make([]model.CellRevision, len(cell.History))
	for i, rev := range cell.History {
		rev.FragmentIDs = cloneStrings(rev.FragmentIDs)
		c.History[i] = rev
	}
	return &c
}

func cloneRel(r *model.Relationship) *model.Relationship {
	c := *r
	return &c
}

func cloneFragment(f *model.EvidenceFragment) *model.EvidenceFragment {
	c := *f
	c.Candidates = append([]model.Target(nil), f.Candidates...)
	return &c
}

func cloneDecision(d *model.PendingDecision) *model.PendingDecision {
	c := *d
	c.FragmentIDs = cloneStrings(d.FragmentIDs)
	c.TargetKeys = cloneStrings(d.TargetKeys)
	c.GridIDs = cloneStrings(d.GridIDs)
	c.Interpretations = make([]model.Interpretation, len(d.Interpretations))
	for i, in := range d.Interpretations {
		in.FragmentIDs = cloneStrings(in.FragmentIDs)
		in.Forecloses = append([]model.Foreclosure(nil), in.Forecloses...)
		c.Interpretations[i] = in
	}
	if d.Resolution != nil {
		r := *d.Resolution
		r.ChangedTargets = cloneStrings(d.Resolution.ChangedTargets)
		r.FlaggedSiblings = cloneStrings(d.Resolution.FlaggedSiblings)
		c.Resolution = &r
	}
	return &c
}

func clonePredicament(p *model.Predicament) *model.Predicament {
	c := *p
	c.Subjects = append([]model.Ref(nil), p.Subjects...)
	c.GridIDs = cloneStrings(p.GridIDs)
	c.History = append([]model.PredicamentTransition(nil), p.History...)
	return &c
}

func cloneOverride(o *model.Override) *model.Override {
	c := *o
	return &c
}

package tension

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ppiankov/evidentia/internal/interpret"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/score"
	"github.com/ppiankov/evidentia/internal/store"
)

// Finding is one detected tension before it is recorded as a predicament
type Finding struct {
	Type        model.PredicamentType `json:"type"`
	Severity    model.Severity        `json:"severity"`
	Description string                `json:"description"`
	Subjects    []model.Ref           `json:"subjects"`
	GridIDs     []string              `json:"grid_ids"`
}

// Fingerprint returns the create-or-update key of the finding
func (f Finding) Fingerprint() string {
	return model.Fingerprint(f.Type, f.Subjects)
}

var negators = map[string]bool{"not": true, "no": true, "never": true, "none": true, "neither": true, "nor": true}

// negationOnly reports whether a and b differ only by negation words and
// disagree on whether they are negated
func negationOnly(a, b string) bool {
	ta, na := stripNegation(a)
	tb, nb := stripNegation(b)
	if len(ta) == 0 || na%2 == nb%2 || len(ta) != len(tb) {
		return false
	}
	for w := range ta {
		if !tb[w] {
			return false
		}
	}
	return true
}

func stripNegation(s string) (map[string]bool, int) {
	s = strings.ReplaceAll(strings.ToLower(s), "n't", " not")
	tokens := interpret.Tokens(s)
	count := 0
	for w := range tokens {
		if negators[w] {
			count++
			delete(tokens, w)
		}
	}
	return tokens, count
}

func sameText(a, b string) bool {
	return strings.EqualFold(strings.Join(strings.Fields(a), " "), strings.Join(strings.Fields(b), " "))
}

type pair struct {
	a, b *model.Cell
	rel  *model.Relationship // set when the pair shares a relationship
}

// candidatePairs returns the cell pairs worth comparing for a grid: cells
// linked by a relationship and cells about the same unit. Never all pairs.
func candidatePairs(r store.Reader, gridID string) []pair {
	seen := make(map[string]bool)
	var out []pair
	add := func(a, b *model.Cell, rel *model.Relationship) {
		if a.Key() == b.Key() {
			return
		}
		k1, k2 := a.Key(), b.Key()
		if k2 < k1 {
			k1, k2 = k2, k1
			a, b = b, a
		}
		key := k1 + "|" + k2
		if seen[key] {
			// prefer the pairing that carries a relationship
			if rel != nil {
				for i := range out {
					if out[i].a.Key() == k1 && out[i].b.Key() == k2 && out[i].rel == nil {
						out[i].rel = rel
					}
				}
			}
			return
		}
		seen[key] = true
		out = append(out, pair{a: a, b: b, rel: rel})
	}

	for _, rel := range r.Relationships(gridID) {
		if rel.From.Kind != model.RefCell || rel.To.Kind != model.RefCell {
			continue
		}
		a, okA := r.Cell(rel.From.GridID, rel.From.ID)
		b, okB := r.Cell(rel.To.GridID, rel.To.ID)
		if okA && okB {
			add(a, b, rel)
		}
	}

	for _, c := range r.Cells(gridID) {
		if c.UnitID == "" {
			continue
		}
		for _, other := range r.CellsOfUnit(c.UnitID) {
			add(c, other, nil)
		}
	}
	return out
}

// detectContradictions compares candidate pairs of a grid
func detectContradictions(r store.Reader, gridID string, conflictConfidence float64) []Finding {
	var out []Finding
	for _, p := range candidatePairs(r, gridID) {
		if !p.a.Filled() || !p.b.Filled() {
			continue
		}
		subjects := []model.Ref{p.a.Ref(), p.b.Ref()}
		grids := uniqueSorted(p.a.GridID, p.b.GridID)

		severity := model.SeverityMedium
		if p.a.Confidence >= conflictConfidence && p.b.Confidence >= conflictConfidence {
			severity = model.SeverityHigh
		}

		var why string
		switch {
		case p.rel != nil && p.rel.Type == model.RelContradicts:
			why = "are linked as contradicting each other"
			severity = model.SeverityHigh
		case sameExclusiveSlot(r, p.a, p.b) && !sameText(p.a.Content, p.b.Content):
			why = fmt.Sprintf("hold different %s values for unit %s", p.a.Type, p.a.UnitID)
		case negationOnly(p.a.Content, p.b.Content):
			why = "differ only by negation"
		default:
			continue
		}

		out = append(out, Finding{
			Type:        model.PredicamentContradiction,
			Severity:    severity,
			Description: fmt.Sprintf("Cells %s and %s %s", p.a.Key(), p.b.Key(), why),
			Subjects:    subjects,
			GridIDs:     grids,
		})
	}
	return out
}

// sameExclusiveSlot reports whether two cells are the same exclusive type about the same unit
func sameExclusiveSlot(r store.Reader, a, b *model.Cell) bool {
	if a.UnitID == "" || a.UnitID != b.UnitID || a.Type == "" || a.Type != b.Type {
		return false
	}
	g, ok := r.Grid(a.GridID)
	if !ok {
		return false
	}
	spec, ok := g.Vocabulary.CellType(a.Type)
	return ok && spec.Exclusive
}

// detectConclusions finds unsupported and weakly supported conclusion cells
func detectConclusions(r store.Reader, gridID string, floor float64) []Finding {
	g, ok := r.Grid(gridID)
	if !ok {
		return nil
	}

	cells := r.Cells(gridID)
	index := make(map[string]*model.Cell)
	for _, c := range cells {
		index[c.Key()] = c
	}
	rels := r.Relationships(gridID)
	for _, rel := range rels {
		// supporting cells may live in other grids
		for _, ref := range []model.Ref{rel.From, rel.To} {
			if ref.Kind != model.RefCell {
				continue
			}
			if _, ok := index[model.CellKey(ref.GridID, ref.ID)]; ok {
				continue
			}
			if c, ok := r.Cell(ref.GridID, ref.ID); ok {
				index[c.Key()] = c
			}
		}
	}

	var out []Finding
	for _, c := range cells {
		spec, ok := g.Vocabulary.CellType(c.Type)
		if !ok || !spec.Conclusion || !c.Filled() {
			continue
		}
		supports := score.SupportedBy(c, index, rels)
		if len(supports) == 0 {
			out = append(out, Finding{
				Type:        model.PredicamentGap,
				Severity:    model.SeverityMedium,
				Description: fmt.Sprintf("Conclusion %s has no supporting cell", c.Key()),
				Subjects:    []model.Ref{c.Ref()},
				GridIDs:     []string{gridID},
			})
			continue
		}

		weak := true
		subjects := []model.Ref{c.Ref()}
		for _, s := range supports {
			subjects = append(subjects, s.Ref())
			if s.Confidence >= floor {
				weak = false
			}
		}
		if weak {
			out = append(out, Finding{
				Type:        model.PredicamentLimitation,
				Severity:    model.SeverityLow,
				Description: fmt.Sprintf("Conclusion %s rests only on support below confidence %.2f", c.Key(), floor),
				Subjects:    subjects,
				GridIDs:     uniqueSortedRefs(subjects),
			})
		}
	}
	return out
}

// detectAmbiguity finds unit attributes with two or more confident, distinct values
func detectAmbiguity(u *model.Unit, threshold float64, grids []string) []Finding {
	values := make(map[string]map[string]bool)
	for _, a := range u.Assertions {
		if a.Rejected || a.Confidence < threshold {
			continue
		}
		if values[a.Name] == nil {
			values[a.Name] = make(map[string]bool)
		}
		values[a.Name][strings.ToLower(strings.TrimSpace(a.Value))] = true
	}

	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []Finding
	for _, name := range names {
		if len(values[name]) < 2 {
			continue
		}
		distinct := make([]string, 0, len(values[name]))
		for v := range values[name] {
			distinct = append(distinct, fmt.Sprintf("%q", v))
		}
		sort.Strings(distinct)
		out = append(out, Finding{
			Type:     model.PredicamentAmbiguity,
			Severity: model.SeverityMedium,
			Description: fmt.Sprintf("Unit %s has %d confident values for %q: %s",
				u.ID, len(distinct), name, strings.Join(distinct, ", ")),
			// the attribute is part of the fingerprint through the subject id
			Subjects: []model.Ref{{Kind: model.RefUnit, ID: u.ID + "#" + name}},
			GridIDs:  grids,
		})
	}
	return out
}

// unitGrids returns the grids a unit belongs to or is referenced from
func unitGrids(r store.Reader, unitID string) []string {
	set := make(map[string]bool)
	for _, g := range r.Grids() {
		for _, id := range g.UnitIDs {
			if id == unitID {
				set[g.ID] = true
			}
		}
	}
	for _, c := range r.CellsOfUnit(unitID) {
		set[c.GridID] = true
	}
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func uniqueSorted(ids ...string) []string {
	set := make(map[string]bool)
	for _, id := range ids {
		if id != "" {
			set[id] = true
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func uniqueSortedRefs(refs []model.Ref) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.GridID)
	}
	return uniqueSorted(ids...)
}

package router

import (
	"fmt"
	"strings"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
)

// StoreConflicts is a ConflictView over a store read view
type StoreConflicts struct {
	r                  store.Reader
	conflictConfidence float64
}

// NewStoreConflicts creates a conflict view. Existing content at or above
// conflictConfidence that differs from a fragment contests its target.
func NewStoreConflicts(r store.Reader, conflictConfidence float64) *StoreConflicts {
	return &StoreConflicts{r: r, conflictConfidence: conflictConfidence}
}

// Conflicts implements ConflictView
func (s *StoreConflicts) Conflicts(f *model.EvidenceFragment, t model.Target) []string {
	var out []string

	key := t.Key()
	for _, d := range s.r.Decisions(model.DecisionFilter{Status: model.DecisionOpen}) {
		if d.ID == f.DecisionID || containsString(d.FragmentIDs, f.ID) {
			continue
		}
		if d.SharesTarget([]string{key}) {
			out = append(out, fmt.Sprintf("open decision %s targets it", d.ID))
		}
	}

	for _, other := range s.r.Fragments(model.FragmentPending) {
		if other.ID == f.ID || sameContent(other.Excerpt, f.Excerpt) {
			continue
		}
		if containsString(other.TargetKeys(), key) {
			out = append(out, fmt.Sprintf("pending fragment %s targets it", other.ID))
		}
	}

	switch t.Kind {
	case model.TargetCell:
		c, ok := s.r.Cell(t.GridID, t.CellID)
		if !ok || !c.Filled() || c.HasContribution(f.ID) {
			break
		}
		if !sameContent(c.Content, f.Excerpt) && c.Confidence >= s.conflictConfidence {
			out = append(out, fmt.Sprintf("existing content at confidence %.2f differs", c.Confidence))
		}
	case model.TargetUnit:
		u, ok := s.r.Unit(t.UnitID)
		if !ok {
			break
		}
		if t.Attribute == "" {
			if strings.TrimSpace(u.Content) != "" && !sameContent(u.Content, f.Excerpt) {
				out = append(out, "unit already has different content")
			}
			break
		}
		current, ok := u.Attributes[t.Attribute]
		if !ok || sameContent(current, f.Excerpt) {
			break
		}
		if conf := acceptedConfidence(u, t.Attribute, current); conf >= s.conflictConfidence {
			out = append(out, fmt.Sprintf("attribute %q holds a different value at confidence %.2f", t.Attribute, conf))
		}
	}
	return out
}

// Existing returns the content currently held at target t
func (s *StoreConflicts) Existing(t model.Target) (string, float64, bool) {
	switch t.Kind {
	case model.TargetCell:
		c, ok := s.r.Cell(t.GridID, t.CellID)
		if !ok || !c.Filled() {
			return "", 0, false
		}
		return c.Content, c.Confidence, true
	case model.TargetUnit:
		u, ok := s.r.Unit(t.UnitID)
		if !ok {
			return "", 0, false
		}
		if t.Attribute == "" {
			if strings.TrimSpace(u.Content) == "" {
				return "", 0, false
			}
			return u.Content, 1, true
		}
		v, ok := u.Attributes[t.Attribute]
		if !ok {
			return "", 0, false
		}
		return v, acceptedConfidence(u, t.Attribute, v), true
	}
	return "", 0, false
}

// acceptedConfidence returns the confidence behind the accepted attribute value
func acceptedConfidence(u *model.Unit, name, value string) float64 {
	var best float64
	for _, a := range u.Assertions {
		if a.Rejected || a.Name != name || a.Value != value {
			continue
		}
		if a.Confidence > best {
			best = a.Confidence
		}
	}
	return best
}

// FilterTargets drops candidate targets that cannot be placed in the current
// store: missing grids or units, deprecated units, unknown or user-only cell
// types. It returns the placeable targets and why the others were dropped.
func FilterTargets(r store.Reader, candidates []model.Target) ([]model.Target, []string) {
	var (
		kept    []model.Target
		dropped []string
		seen    = make(map[string]bool)
	)
	for _, t := range candidates {
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		if why := unplaceable(r, t); why != "" {
			dropped = append(dropped, fmt.Sprintf("%s: %s", t.Key(), why))
			continue
		}
		kept = append(kept, t)
	}
	return kept, dropped
}

func unplaceable(r store.Reader, t model.Target) string {
	switch t.Kind {
	case model.TargetCell:
		g, ok := r.Grid(t.GridID)
		if !ok {
			return "grid not found"
		}
		cellType := t.CellType
		if c, ok := r.Cell(t.GridID, t.CellID); ok {
			cellType = c.Type
		}
		if len(g.Vocabulary.CellTypes) == 0 {
			return ""
		}
		spec, known := g.Vocabulary.CellType(cellType)
		if !known {
			return fmt.Sprintf("cell type %q is not in the grid vocabulary", cellType)
		}
		if spec.UserOnly {
			return fmt.Sprintf("cell type %q only accepts user input", cellType)
		}
	case model.TargetUnit:
		u, ok := r.Unit(t.UnitID)
		if !ok {
			return "unit not found"
		}
		if u.Status == model.UnitDeprecated {
			return "unit is deprecated"
		}
	case model.TargetNewUnit:
		if strings.TrimSpace(t.UnitType) == "" {
			return "new unit needs a type"
		}
	default:
		return fmt.Sprintf("unknown target kind %q", t.Kind)
	}
	return ""
}

func sameContent(a, b string) bool {
	return strings.EqualFold(strings.Join(strings.Fields(a), " "), strings.Join(strings.Fields(b), " "))
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

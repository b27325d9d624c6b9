package model

import (
	"fmt"
	"strings"
	"time"
)

// UnitStatus is the lifecycle status of a Unit
type UnitStatus string

const (
	UnitDraft      UnitStatus = "draft"
	UnitActive     UnitStatus = "active"
	UnitDeprecated UnitStatus = "deprecated" // Units are never hard-deleted
)

// GridStatus is the maturity status of a Grid
type GridStatus string

const (
	GridLocked     GridStatus = "locked"
	GridInProgress GridStatus = "in_progress"
	GridHealthy    GridStatus = "healthy"
	GridComplete   GridStatus = "complete"
)

// Provenance describes where a mutation came from. Required on every store mutation.
type Provenance struct {
	SourceType string `json:"source_type" yaml:"source_type"` // user, fragment, decision, detector, system
	SourceRef  string `json:"source_ref" yaml:"source_ref"`   // fragment id, decision id, document id, ...
	Actor      string `json:"actor,omitempty" yaml:"actor,omitempty"`
}

// Valid reports whether the provenance carries the mandatory fields
func (p Provenance) Valid() bool {
	return strings.TrimSpace(p.SourceType) != "" && strings.TrimSpace(p.SourceRef) != ""
}

// Provenance source types used by the engine itself
const (
	SourceUser     = "user"
	SourceFragment = "fragment"
	SourceDecision = "decision"
	SourceDetector = "detector"
	SourceGating   = "gating"
	SourceSystem   = "system"
)

// RefKind distinguishes references to cells and units
type RefKind string

const (
	RefCell RefKind = "cell"
	RefUnit RefKind = "unit"
)

// Ref addresses a Cell (GridID + ID) or a Unit (ID)
type Ref struct {
	Kind   RefKind `json:"kind" yaml:"kind"`
	GridID string  `json:"grid_id,omitempty" yaml:"grid_id,omitempty"`
	ID     string  `json:"id" yaml:"id"`
}

// CellRef builds a reference to a cell
func CellRef(gridID, cellID string) Ref {
	return Ref{Kind: RefCell, GridID: gridID, ID: cellID}
}

// UnitRef builds a reference to a unit
func UnitRef(unitID string) Ref {
	return Ref{Kind: RefUnit, ID: unitID}
}

// Key returns the canonical string form ("cell:grid/cell" or "unit:id")
func (r Ref) Key() string {
	if r.Kind == RefCell {
		return fmt.Sprintf("cell:%s/%s", r.GridID, r.ID)
	}
	return fmt.Sprintf("unit:%s", r.ID)
}

func (r Ref) String() string {
	return r.Key()
}

// CellKey is the store key of a cell inside its grid
func CellKey(gridID, cellID string) string {
	return gridID + "/" + cellID
}

// AttributeAssertion is one asserted value for a named unit attribute
type AttributeAssertion struct {
	Name       string    `json:"name"`
	Value      string    `json:"value"`
	Confidence float64   `json:"confidence"`
	FragmentID string    `json:"fragment_id,omitempty"`
	Rejected   bool      `json:"rejected,omitempty"`
	AssertedAt time.Time `json:"asserted_at"`
}

// UnitRevision is one recorded value of a unit's content
type UnitRevision struct {
	Content     string     `json:"content"`
	FragmentIDs []string   `json:"fragment_ids,omitempty"` // empty for user writes
	Rejected    bool       `json:"rejected,omitempty"`     // every backing fragment was rejected
	Provenance  Provenance `json:"provenance"`
	At          time.Time  `json:"at"`
}

// Unit is a typed knowledge object (concept, actor, claim, ...)
type Unit struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Content    string               `json:"content"`
	Attributes map[string]string    `json:"attributes,omitempty"` // accepted value per attribute
	Assertions []AttributeAssertion `json:"assertions,omitempty"` // every asserted value, including competing ones
	History    []UnitRevision       `json:"history,omitempty"`    // content revisions, oldest first
	Status     UnitStatus           `json:"status"`
	Version    int64                `json:"version"`
	Provenance Provenance           `json:"provenance"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// CellTypeSpec declares one cell type of a grid vocabulary
type CellTypeSpec struct {
	Name       string `json:"name" yaml:"name"`
	Required   bool   `json:"required,omitempty" yaml:"required,omitempty"`     // counts toward coverage
	Conclusion bool   `json:"conclusion,omitempty" yaml:"conclusion,omitempty"` // needs >=1 supporting cell
	Exclusive  bool   `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`   // one value per unit
	UserOnly   bool   `json:"user_only,omitempty" yaml:"user_only,omitempty"`   // never auto-derived
}

// Vocabulary is the configurable type vocabulary attached to a Grid
type Vocabulary struct {
	CellTypes         []CellTypeSpec `json:"cell_types,omitempty" yaml:"cell_types,omitempty"`
	RelationshipTypes []string       `json:"relationship_types,omitempty" yaml:"relationship_types,omitempty"`
}

// CellType looks up a cell type by name
func (v Vocabulary) CellType(name string) (CellTypeSpec, bool) {
	for _, ct := range v.CellTypes {
		if ct.Name == name {
			return ct, true
		}
	}
	return CellTypeSpec{}, false
}

// RequiredTypes returns the names of all required cell types
func (v Vocabulary) RequiredTypes() []string {
	var out []string
	for _, ct := range v.CellTypes {
		if ct.Required {
			out = append(out, ct.Name)
		}
	}
	return out
}

// Well-known relationship types
const (
	RelSupports    = "supports"
	RelContradicts = "contradicts"
	RelDerivedFrom = "derived_from"
)

// Grid is a dependency-gated analytical decomposition of units into cells
type Grid struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Phase        int        `json:"phase"`
	Status       GridStatus `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`
	UnitIDs      []string   `json:"unit_ids,omitempty"`
	Vocabulary   Vocabulary `json:"vocabulary"`

	// LastHealth is the health recorded at the last gating recomputation
	LastHealth float64 `json:"last_health"`
	// PropagatedHealth is the health at the last propagation to dependents
	PropagatedHealth *float64 `json:"propagated_health,omitempty"`

	// PredicamentID is set for analysis grids generated for a predicament
	PredicamentID string `json:"predicament_id,omitempty"`

	Version    int64      `json:"version"`
	Provenance Provenance `json:"provenance"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Contribution links a fragment to the cell it contributed to
type Contribution struct {
	FragmentID string    `json:"fragment_id"`
	Confidence float64   `json:"confidence"`
	Rejected   bool      `json:"rejected,omitempty"`
	AddedAt    time.Time `json:"added_at"`
}

// CellRevision is one entry of a cell's append-only history
type CellRevision struct {
	Version    int64      `json:"version"`
	Content    string     `json:"content"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance"`
	At         time.Time  `json:"at"`

	// FragmentIDs introduced this revision; it is skipped on rollback once all are rejected
	FragmentIDs []string `json:"fragment_ids,omitempty"`
}

// Cell is an addressable, confidence-scored slot within a Grid
type Cell struct {
	ID            string         `json:"id"`
	GridID        string         `json:"grid_id"`
	Type          string         `json:"type"`
	UnitID        string         `json:"unit_id,omitempty"`
	Content       string         `json:"content"`
	Confidence    float64        `json:"confidence"`
	Contributions []Contribution `json:"contributions,omitempty"`
	References    []Ref          `json:"references,omitempty"` // upstream cells this one was derived from
	Stale         bool           `json:"stale"`
	StaleReason   string         `json:"stale_reason,omitempty"`
	Version       int64          `json:"version"`
	History       []CellRevision `json:"history,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Key returns the store key of the cell
func (c *Cell) Key() string {
	return CellKey(c.GridID, c.ID)
}

// Ref returns a reference to the cell
func (c *Cell) Ref() Ref {
	return CellRef(c.GridID, c.ID)
}

// Filled reports whether the cell has non-empty content
func (c *Cell) Filled() bool {
	return strings.TrimSpace(c.Content) != ""
}

// FragmentIDs returns the fragments currently contributing (non-rejected)
func (c *Cell) FragmentIDs() []string {
	var ids []string
	for _, contrib := range c.Contributions {
		if !contrib.Rejected {
			ids = append(ids, contrib.FragmentID)
		}
	}
	return ids
}

// HasContribution reports whether the fragment ever contributed to the cell
func (c *Cell) HasContribution(fragmentID string) bool {
	for _, contrib := range c.Contributions {
		if contrib.FragmentID == fragmentID {
			return true
		}
	}
	return false
}

// Relationship is a typed, optionally bidirectional edge between cells or units
type Relationship struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	From          Ref        `json:"from"`
	To            Ref        `json:"to"`
	Bidirectional bool       `json:"bidirectional,omitempty"`
	Confidence    float64    `json:"confidence"`
	Version       int64      `json:"version"`
	Provenance    Provenance `json:"provenance"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Touches reports whether the relationship has the given ref at either end
func (r *Relationship) Touches(ref Ref) bool {
	return r.From.Key() == ref.Key() || r.To.Key() == ref.Key()
}

// Snapshot is a consistent read of one grid with its cells, relationships and units
type Snapshot struct {
	Grid          Grid           `json:"grid"`
	Cells         []Cell         `json:"cells"`
	Relationships []Relationship `json:"relationships"`
	Units         []Unit         `json:"units,omitempty"`
	TakenAt       time.Time      `json:"taken_at"`
}

package model

import "time"

// HealthBreakdown is the transparent health computation for one grid
type HealthBreakdown struct {
	GridID      string     `json:"grid_id"`
	Score       float64    `json:"score"`       // weighted health in [0,1]
	Status      GridStatus `json:"status"`      // status implied by the score and gating
	Saturation  float64    `json:"saturation"`  // filled / considered cells
	Confidence  float64    `json:"confidence"`  // mean confidence of considered cells
	Coherence   float64    `json:"coherence"`   // satisfied conclusion constraints
	Coverage    float64    `json:"coverage"`    // required cell types present
	Predicament float64    `json:"predicament"` // 1/(1+sum of open predicament weights)

	CellsConsidered int `json:"cells_considered"`
	CellsStale      int `json:"cells_stale"`

	// BlockedBy lists dependency grids below the healthy threshold without an override
	BlockedBy []string `json:"blocked_by,omitempty"`

	Signals    []Signal  `json:"signals"`
	ComputedAt time.Time `json:"computed_at"`
}

// Signal represents a diagnostic signal with transparent scoring data
type Signal struct {
	Type        SignalType             `json:"type"`           // Signal classification
	Severity    SignalSeverity         `json:"severity"`       // info, warning, critical
	Description string                 `json:"description"`    // Human-readable description
	Data        map[string]interface{} `json:"data,omitempty"` // Transparent scoring data (formulas, inputs)
}

// SignalType classifies the type of diagnostic signal
type SignalType string

const (
	SignalSaturation  SignalType = "saturation"   // Filled cell ratio
	SignalConfidence  SignalType = "confidence"   // Mean cell confidence
	SignalCoherence   SignalType = "coherence"    // Conclusion support
	SignalCoverage    SignalType = "coverage"     // Required cell types present
	SignalPredicament SignalType = "predicament"  // Open tensions touching the grid
	SignalStaleCells  SignalType = "stale_cells"  // Cells excluded until re-validated
	SignalGate        SignalType = "gate"         // Dependency gating state
)

// SignalSeverity indicates the importance of the signal
type SignalSeverity string

const (
	SeverityInfo     SignalSeverity = "info"
	SeverityWarning  SignalSeverity = "warning"
	SeverityCritical SignalSeverity = "critical"
)

// GapClass classifies the fill state of an audit category
type GapClass string

const (
	GapWellPopulated  GapClass = "well_populated"
	GapPartial        GapClass = "partially_filled"
	GapEmpty          GapClass = "empty"
	GapNeedsUserInput GapClass = "needs_user_input"
)

// AuditScope selects what an audit covers. Empty scope means everything.
type AuditScope struct {
	GridIDs   []string `json:"grid_ids,omitempty" form:"grid_id"`
	UnitTypes []string `json:"unit_types,omitempty" form:"unit_type"`
	Research  bool     `json:"research,omitempty" form:"research"`
}

// All reports whether the scope is unrestricted
func (s AuditScope) All() bool {
	return len(s.GridIDs) == 0 && len(s.UnitTypes) == 0
}

// CategoryReport is the audit result for one grid or unit category
type CategoryReport struct {
	Category string         `json:"category"`       // "grid:<id>" or "units:<type>"
	Name     string         `json:"name,omitempty"` // grid name or unit type
	FillRate float64        `json:"fill_rate"`
	Counts   map[string]int `json:"counts"`
	Class    GapClass       `json:"class"`

	// MissingUserInput names required user-only slots that are still empty
	MissingUserInput []string        `json:"missing_user_input,omitempty"`
	Actions          []string        `json:"actions,omitempty"`
	Research         *ResearchResult `json:"research,omitempty"`
	Error            string          `json:"error,omitempty"` // metric failure; other categories still report
}

// GapReport is the result of an audit run
type GapReport struct {
	ID          string           `json:"id"`
	Scope       AuditScope       `json:"scope"`
	Categories  []CategoryReport `json:"categories"`
	Summary     map[GapClass]int `json:"summary"`
	GeneratedAt time.Time        `json:"generated_at"`
}

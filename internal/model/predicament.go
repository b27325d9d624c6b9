package model

import (
	"sort"
	"strings"
	"time"
)

// PredicamentType classifies a detected tension
type PredicamentType string

const (
	PredicamentContradiction PredicamentType = "contradiction"
	PredicamentGap           PredicamentType = "gap"
	PredicamentAmbiguity     PredicamentType = "ambiguity"
	PredicamentLimitation    PredicamentType = "limitation"
)

// Severity of a predicament
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// PredicamentState follows DETECTED -> ACKNOWLEDGED -> UNDER_ANALYSIS -> {RESOLVED | DEFERRED}
type PredicamentState string

const (
	StateDetected      PredicamentState = "DETECTED"
	StateAcknowledged  PredicamentState = "ACKNOWLEDGED"
	StateUnderAnalysis PredicamentState = "UNDER_ANALYSIS"
	StateResolved      PredicamentState = "RESOLVED"
	StateDeferred      PredicamentState = "DEFERRED"
)

var predicamentTransitions = map[PredicamentState][]PredicamentState{
	StateDetected:      {StateAcknowledged},
	StateAcknowledged:  {StateUnderAnalysis},
	StateUnderAnalysis: {StateResolved, StateDeferred},
	// A deferred predicament re-surfaces on the next scan
	StateDeferred: {StateDetected},
}

// CanTransition reports whether from -> to is a legal predicament transition
func CanTransition(from, to PredicamentState) bool {
	for _, next := range predicamentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Open reports whether the state still counts against grid health
func (s PredicamentState) Open() bool {
	return s == StateDetected || s == StateAcknowledged || s == StateUnderAnalysis
}

// PredicamentTransition is one entry of a predicament's history
type PredicamentTransition struct {
	From  PredicamentState `json:"from"`
	To    PredicamentState `json:"to"`
	Note  string           `json:"note,omitempty"`
	Actor string           `json:"actor,omitempty"`
	At    time.Time        `json:"at"`
}

// Predicament is a detected unresolved tension between knowledge items
type Predicament struct {
	ID             string                  `json:"id"`
	Fingerprint    string                  `json:"fingerprint"`
	Type           PredicamentType         `json:"type"`
	Severity       Severity                `json:"severity"`
	Description    string                  `json:"description"`
	Subjects       []Ref                   `json:"subjects"`
	GridIDs        []string                `json:"grid_ids,omitempty"`
	State          PredicamentState        `json:"state"`
	Resolution     string                  `json:"resolution,omitempty"`
	DeferReason    string                  `json:"defer_reason,omitempty"`
	Suppressed     bool                    `json:"suppressed"`
	ResurfaceCount int                     `json:"resurface_count,omitempty"`
	AnalysisGridID string                  `json:"analysis_grid_id,omitempty"`
	History        []PredicamentTransition `json:"history,omitempty"`
	LastSeenAt     time.Time               `json:"last_seen_at"`
	Version        int64                   `json:"version"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// Touches reports whether the predicament involves the grid
func (p *Predicament) Touches(gridID string) bool {
	for _, g := range p.GridIDs {
		if g == gridID {
			return true
		}
	}
	return false
}

// Fingerprint builds the create-or-update key of a detection
func Fingerprint(t PredicamentType, subjects []Ref) string {
	keys := make([]string, 0, len(subjects))
	for _, s := range subjects {
		keys = append(keys, s.Key())
	}
	sort.Strings(keys)
	return string(t) + "|" + strings.Join(keys, ",")
}

// SeverityWeight is the penalty weight of a severity in the health score
func SeverityWeight(s Severity) float64 {
	switch s {
	case SeverityHigh:
		return 2.0
	case SeverityMedium:
		return 1.0
	default:
		return 0.5
	}
}

// PredicamentFilter selects predicaments
type PredicamentFilter struct {
	State          PredicamentState `json:"state,omitempty" form:"state"`
	Type           PredicamentType  `json:"type,omitempty" form:"type"`
	GridID         string           `json:"grid_id,omitempty" form:"grid_id"`
	OpenOnly       bool             `json:"open_only,omitempty" form:"open_only"`
	WithSuppressed bool             `json:"with_suppressed,omitempty" form:"with_suppressed"`
}

// Match reports whether p passes the filter
func (f PredicamentFilter) Match(p *Predicament) bool {
	if f.State != "" && p.State != f.State {
		return false
	}
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.GridID != "" && !p.Touches(f.GridID) {
		return false
	}
	if f.OpenOnly && !p.State.Open() {
		return false
	}
	if p.Suppressed && !f.WithSuppressed {
		return false
	}
	return true
}

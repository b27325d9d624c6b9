package model

import "time"

// DecisionStatus is the lifecycle status of a PendingDecision
type DecisionStatus string

const (
	DecisionOpen     DecisionStatus = "open"
	DecisionResolved DecisionStatus = "resolved"
	DecisionSkipped  DecisionStatus = "skipped"
)

// DecisionPriority orders the pending decision queue
type DecisionPriority string

const (
	PriorityNormal DecisionPriority = "normal"
	PriorityLow    DecisionPriority = "low"
)

// InterpretationAction is what applying an interpretation does to the store
type InterpretationAction string

const (
	ActionPlace  InterpretationAction = "place"  // integrate fragment content at the target
	ActionRetain InterpretationAction = "retain" // keep the knowledge model unchanged
)

// Foreclosure states what is given up by choosing this interpretation over a sibling
type Foreclosure struct {
	InterpretationID string `json:"interpretation_id"`
	Statement        string `json:"statement"`
}

// Interpretation is one candidate placement for an ambiguous fragment cluster
type Interpretation struct {
	ID           string               `json:"id"`
	Action       InterpretationAction `json:"action"`
	Target       Target               `json:"target"`
	FragmentIDs  []string             `json:"fragment_ids"`
	Content      string               `json:"content"`
	Confidence   float64              `json:"confidence"`
	Commitment   string               `json:"commitment"`
	Forecloses   []Foreclosure        `json:"forecloses"`
	Recommended  bool                 `json:"recommended"`
	Plausibility float64              `json:"plausibility"`
}

// Resolution records how a decision was closed
type Resolution struct {
	InterpretationID string    `json:"interpretation_id,omitempty"` // empty for skip
	Skipped          bool      `json:"skipped"`
	Actor            string    `json:"actor,omitempty"`
	ChangedTargets   []string  `json:"changed_targets,omitempty"`
	FlaggedSiblings  []string  `json:"flagged_siblings,omitempty"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

// PendingDecision groups a trend cluster of fragments with their interpretations
type PendingDecision struct {
	ID              string           `json:"id"`
	FragmentIDs     []string         `json:"fragment_ids"`
	TargetKeys      []string         `json:"target_keys"`
	GridIDs         []string         `json:"grid_ids,omitempty"`
	Interpretations []Interpretation `json:"interpretations"`
	Status          DecisionStatus   `json:"status"`
	Priority        DecisionPriority `json:"priority"`
	NeedsReview     bool             `json:"needs_review"`
	ReviewReason    string           `json:"review_reason,omitempty"`
	Resolution      *Resolution      `json:"resolution,omitempty"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Interpretation looks up an interpretation by id
func (d *PendingDecision) Interpretation(id string) (Interpretation, bool) {
	for _, in := range d.Interpretations {
		if in.ID == id {
			return in, true
		}
	}
	return Interpretation{}, false
}

// Recommended returns the recommended interpretation, if any
func (d *PendingDecision) Recommended() (Interpretation, bool) {
	for _, in := range d.Interpretations {
		if in.Recommended {
			return in, true
		}
	}
	return Interpretation{}, false
}

// SharesTarget reports whether the decision targets any of the given keys
func (d *PendingDecision) SharesTarget(keys []string) bool {
	for _, k := range keys {
		for _, own := range d.TargetKeys {
			if own == k {
				return true
			}
		}
	}
	return false
}

// DecisionFilter selects pending decisions
type DecisionFilter struct {
	Status      DecisionStatus   `json:"status,omitempty" form:"status"`
	Priority    DecisionPriority `json:"priority,omitempty" form:"priority"`
	GridID      string           `json:"grid_id,omitempty" form:"grid_id"`
	NeedsReview *bool            `json:"needs_review,omitempty" form:"needs_review"`
}

// Match reports whether d passes the filter
func (f DecisionFilter) Match(d *PendingDecision) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Priority != "" && d.Priority != f.Priority {
		return false
	}
	if f.NeedsReview != nil && d.NeedsReview != *f.NeedsReview {
		return false
	}
	if f.GridID != "" {
		found := false
		for _, g := range d.GridIDs {
			if g == f.GridID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Choice is the caller's resolution of a decision
type Choice struct {
	InterpretationID string `json:"interpretation_id,omitempty"`
	Skip             bool   `json:"skip,omitempty"`
	Actor            string `json:"actor,omitempty"`
}

// ResolveOutcome is returned by a resolution (or a replay of one)
type ResolveOutcome struct {
	Decision PendingDecision `json:"decision"`
	Replayed bool            `json:"replayed"`
}

// Override is the explicit acknowledgment of a forced gate bypass
type Override struct {
	ID             string    `json:"id"`
	GridID         string    `json:"grid_id"`
	BlockingGridID string    `json:"blocking_grid_id"`
	Actor          string    `json:"actor"`
	Reason         string    `json:"reason"`
	At             time.Time `json:"at"`
}

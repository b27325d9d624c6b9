package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// FragmentStatus is the processing status of an EvidenceFragment
type FragmentStatus string

const (
	FragmentPending        FragmentStatus = "pending"
	FragmentAutoIntegrated FragmentStatus = "auto_integrated"
	FragmentNeedsDecision  FragmentStatus = "needs_decision"
	FragmentRejected       FragmentStatus = "rejected"
)

// Rejection reasons recorded on fragments
const (
	ReasonNoCandidateTarget = "no_candidate_target"
	ReasonRetainedExisting  = "retained_existing"
	ReasonSkipped           = "skipped"
	ReasonUserRejected      = "user_rejected"
	ReasonNotChosen         = "not_chosen"
)

// TargetKind is the kind of a fragment's candidate target
type TargetKind string

const (
	TargetCell    TargetKind = "cell"
	TargetUnit    TargetKind = "unit"
	TargetNewUnit TargetKind = "new_unit"
)

// Target is a candidate placement for a fragment
type Target struct {
	Kind      TargetKind `json:"kind" yaml:"kind" validate:"required,oneof=cell unit new_unit"`
	GridID    string     `json:"grid_id,omitempty" yaml:"grid_id,omitempty" validate:"required_if=Kind cell"`
	CellID    string     `json:"cell_id,omitempty" yaml:"cell_id,omitempty" validate:"required_if=Kind cell"`
	CellType  string     `json:"cell_type,omitempty" yaml:"cell_type,omitempty"`   // used when the cell does not exist yet
	UnitID    string     `json:"unit_id,omitempty" yaml:"unit_id,omitempty" validate:"required_if=Kind unit"`
	UnitType  string     `json:"unit_type,omitempty" yaml:"unit_type,omitempty"`   // used by new_unit
	Attribute string     `json:"attribute,omitempty" yaml:"attribute,omitempty"` // unit attribute asserted by the fragment
}

// Key returns the identity of the target used for conflict and cluster matching
func (t Target) Key() string {
	switch t.Kind {
	case TargetCell:
		return CellRef(t.GridID, t.CellID).Key()
	case TargetUnit:
		if t.Attribute != "" {
			return fmt.Sprintf("unit:%s#%s", t.UnitID, t.Attribute)
		}
		return UnitRef(t.UnitID).Key()
	default:
		return fmt.Sprintf("new_unit:%s", t.UnitType)
	}
}

// Describe returns a short human-readable label for the target
func (t Target) Describe() string {
	switch t.Kind {
	case TargetCell:
		return fmt.Sprintf("cell %s in grid %s", t.CellID, t.GridID)
	case TargetUnit:
		if t.Attribute != "" {
			return fmt.Sprintf("attribute %q of unit %s", t.Attribute, t.UnitID)
		}
		return fmt.Sprintf("unit %s", t.UnitID)
	default:
		return fmt.Sprintf("a new %s unit", t.UnitType)
	}
}

// Source describes where a fragment was extracted from
type Source struct {
	DocumentID string `json:"document_id" yaml:"document_id" validate:"required"`
	Offset     int    `json:"offset" yaml:"offset" validate:"gte=0"`
	Length     int    `json:"length" yaml:"length" validate:"gte=0"`
}

// EvidenceFragment is an immutable scored claim extracted from external evidence.
// Only the status fields change after creation, and Candidates may be filled
// once by target resolution when the fragment arrived without any.
type EvidenceFragment struct {
	ID         string   `json:"id"`
	Excerpt    string   `json:"excerpt" validate:"required"`
	Confidence float64  `json:"confidence" validate:"gte=0,lte=1"`
	Candidates []Target `json:"candidates,omitempty" validate:"dive"`
	Rationale  string   `json:"rationale,omitempty"`
	Source     Source   `json:"source"`

	Status       FragmentStatus `json:"status"`
	StatusReason string         `json:"status_reason,omitempty"`
	FailureNote  string         `json:"failure_note,omitempty"`
	DecisionID   string         `json:"decision_id,omitempty"`
	Attempts     int            `json:"attempts,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FragmentID derives the identity of a fragment from its excerpt and source span
func FragmentID(excerpt string, src Source) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d", excerpt, src.DocumentID, src.Offset, src.Length)
	return "frag-" + hex.EncodeToString(h.Sum(nil))[:24]
}

// EnsureID fills in the fragment identity if it is missing
func (f *EvidenceFragment) EnsureID() string {
	if f.ID == "" {
		f.ID = FragmentID(f.Excerpt, f.Source)
	}
	return f.ID
}

// TargetKeys returns the keys of every candidate target
func (f *EvidenceFragment) TargetKeys() []string {
	keys := make([]string, 0, len(f.Candidates))
	for _, t := range f.Candidates {
		keys = append(keys, t.Key())
	}
	return keys
}

// Terminal reports whether the fragment reached a final status
func (f *EvidenceFragment) Terminal() bool {
	return f.Status == FragmentAutoIntegrated || f.Status == FragmentRejected
}

// ExtractedRecord is one record returned by the extraction collaborator
type ExtractedRecord struct {
	Excerpt          string   `json:"excerpt"`
	Confidence       float64  `json:"confidence"`
	CandidateTargets []Target `json:"candidate_targets"`
	Rationale        string   `json:"rationale,omitempty"`
	Offset           int      `json:"offset,omitempty"`
	Length           int      `json:"length,omitempty"`
}

// ResearchResult is the answer of the research collaborator to a gap query
type ResearchResult struct {
	Findings      string   `json:"findings"`
	Sources       []string `json:"sources,omitempty"`
	Confidence    float64  `json:"confidence"`
	OpenQuestions []string `json:"open_questions,omitempty"`
}

// ContextItem is one unit or grid cell handed to the extraction collaborator
// so it can name existing targets
type ContextItem struct {
	Target  Target `json:"target"`
	Label   string `json:"label"`
	Content string `json:"content,omitempty"`
}

// ExtractionRequest is the input of the extraction collaborator
type ExtractionRequest struct {
	DocumentID string        `json:"document_id"`
	Text       string        `json:"text"`
	Context    []ContextItem `json:"context,omitempty"`
	Markers    []string      `json:"markers,omitempty"` // recognition markers, e.g. phrases that flag a claim
}

// IngestOutcome reports what happened to one submitted fragment
type IngestOutcome struct {
	FragmentID string         `json:"fragment_id"`
	Status     FragmentStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Reasons    []string       `json:"reasons,omitempty"`
	DecisionID string         `json:"decision_id,omitempty"`
	Changed    []string       `json:"changed,omitempty"` // keys of targets written by auto-integration
	Duplicate  bool           `json:"duplicate,omitempty"`
}

// DocumentOutcome reports the fragments extracted from one document
type DocumentOutcome struct {
	DocumentID string          `json:"document_id"`
	Source     string          `json:"source,omitempty"`
	Fragments  []IngestOutcome `json:"fragments"`
}

// Counts returns the number of fragments per resulting status
func (d *DocumentOutcome) Counts() map[FragmentStatus]int {
	out := make(map[FragmentStatus]int)
	for _, f := range d.Fragments {
		out[f.Status]++
	}
	return out
}

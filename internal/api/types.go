package api

import (
	"github.com/ppiankov/evidentia/internal/model"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	// Error is the error message
	Error string `json:"error"`

	// Code is the stable error code, e.g. GRID_LOCKED
	Code string `json:"code,omitempty"`

	// Details carries extra context when available
	Details string `json:"details,omitempty"`
}

// IngestRequest is the body of POST /v1/fragments
type IngestRequest struct {
	Excerpt    string         `json:"excerpt" binding:"required"`
	Confidence float64        `json:"confidence" binding:"gte=0,lte=1"`
	Candidates []model.Target `json:"candidates"`
	Rationale  string         `json:"rationale"`
	Source     model.Source   `json:"source"`
	Async      bool           `json:"async"`
}

// Fragment converts the request into an evidence fragment
func (r IngestRequest) Fragment() model.EvidenceFragment {
	return model.EvidenceFragment{
		Excerpt:    r.Excerpt,
		Confidence: r.Confidence,
		Candidates: r.Candidates,
		Rationale:  r.Rationale,
		Source:     r.Source,
	}
}

// AcceptedResponse is returned for asynchronously queued fragments
type AcceptedResponse struct {
	FragmentID string `json:"fragment_id"`
	Queued     bool   `json:"queued"`
}

// DocumentRequest is the body of POST /v1/documents
type DocumentRequest struct {
	Source string `json:"source" binding:"required"`
}

// UnitRequest is the body of POST /v1/units
type UnitRequest struct {
	ID         string            `json:"id"`
	Type       string            `json:"type" binding:"required"`
	Content    string            `json:"content"`
	Attributes map[string]string `json:"attributes"`
}

// UnitUpdateRequest is the body of PATCH /v1/units/:id
type UnitUpdateRequest struct {
	ExpectedVersion int64             `json:"expected_version" binding:"required"`
	Content         *string           `json:"content"`
	Attributes      map[string]string `json:"attributes"`
}

// VersionRequest carries only the version a change expects
type VersionRequest struct {
	ExpectedVersion int64 `json:"expected_version" binding:"required"`
}

// GridRequest is the body of POST /v1/grids
type GridRequest struct {
	ID            string           `json:"id" binding:"required"`
	Name          string           `json:"name"`
	Phase         int              `json:"phase" binding:"gte=0"`
	Dependencies  []string         `json:"dependencies"`
	UnitIDs       []string         `json:"unit_ids"`
	Vocabulary    model.Vocabulary `json:"vocabulary"`
	PredicamentID string           `json:"predicament_id"`
}

// CellRequest is the body of PUT /v1/grids/:id/cells/:cell
type CellRequest struct {
	ExpectedVersion int64       `json:"expected_version"`
	Type            string      `json:"type"`
	UnitID          string      `json:"unit_id"`
	Content         string      `json:"content"`
	Confidence      float64     `json:"confidence" binding:"gte=0,lte=1"`
	FragmentIDs     []string    `json:"fragment_ids"`
	References      []model.Ref `json:"references"`
}

// RelationshipRequest is the body of POST /v1/relationships
type RelationshipRequest struct {
	ID            string    `json:"id"`
	Type          string    `json:"type" binding:"required"`
	From          model.Ref `json:"from"`
	To            model.Ref `json:"to"`
	Bidirectional bool      `json:"bidirectional"`
	Confidence    float64   `json:"confidence" binding:"gte=0,lte=1"`
}

// OverrideRequest is the body of POST /v1/grids/:id/overrides
type OverrideRequest struct {
	BlockingGridID string `json:"blocking_grid_id" binding:"required"`
	Reason         string `json:"reason" binding:"required"`
}

// TransitionRequest is the body of POST /v1/predicaments/:id/transition
type TransitionRequest struct {
	State              model.PredicamentState `json:"state" binding:"required"`
	Note               string                 `json:"note"`
	CreateAnalysisGrid bool                   `json:"create_analysis_grid"`
}

// ScanRequest is the body of POST /v1/scan. An empty grid scans every grid.
type ScanRequest struct {
	GridID string `json:"grid_id"`
}

// AuditRequest is the body of POST /v1/audits
type AuditRequest struct {
	model.AuditScope
	Save bool `json:"save"`
}

// ListResponse wraps collection results
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func list[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

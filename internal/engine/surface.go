package engine

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ppiankov/evidentia/internal/archive"
	"github.com/ppiankov/evidentia/internal/metrics"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
	"github.com/ppiankov/evidentia/internal/tension"
)

// Decisions

// ListPendingDecisions returns the decisions matching filter
func (e *Engine) ListPendingDecisions(filter model.DecisionFilter) []*model.PendingDecision {
	return e.decisions.List(filter)
}

// GetDecision returns one decision
func (e *Engine) GetDecision(id string) (*model.PendingDecision, error) {
	return e.decisions.Get(id)
}

// ResolveDecision applies a choice to a decision. Replaying the same choice
// returns the recorded outcome.
func (e *Engine) ResolveDecision(ctx context.Context, id string, choice model.Choice) (*model.ResolveOutcome, error) {
	ctx, span := tracer.Start(ctx, "engine.resolve_decision")
	defer span.End()
	span.SetAttributes(attribute.String("decision_id", id), attribute.Bool("skip", choice.Skip))

	out, err := e.decisions.Resolve(ctx, id, choice)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordDecision("error")
		return nil, err
	}
	switch {
	case out.Replayed:
		metrics.RecordDecision("replayed")
	default:
		metrics.RecordDecision(string(out.Decision.Status))
	}
	return out, nil
}

// ReevaluateDecision regenerates a decision's interpretations from the
// current state and clears its review flag
func (e *Engine) ReevaluateDecision(ctx context.Context, id, actor string) (*model.PendingDecision, error) {
	return e.decisions.Reevaluate(ctx, id, actor)
}

// Health and gating

// GetGridHealth returns the current health breakdown of a grid
func (e *Engine) GetGridHealth(gridID string) (model.HealthBreakdown, error) {
	h, err := e.gating.GridHealth(gridID)
	if err != nil {
		return h, err
	}
	metrics.SetGridHealth(gridID, h.Score)
	return h, nil
}

// RecomputeHealth records a grid's health and status now, propagating
// staleness to dependents when it moved past the propagation delta
func (e *Engine) RecomputeHealth(ctx context.Context, gridID string) (model.HealthBreakdown, error) {
	h, err := e.gating.Recompute(ctx, gridID)
	if err != nil {
		return h, err
	}
	metrics.SetGridHealth(gridID, h.Score)
	return h, nil
}

// OverrideGate records the explicit acknowledgment that gridID may be
// written while blockingGridID is below the healthy threshold
func (e *Engine) OverrideGate(ctx context.Context, gridID, blockingGridID, actor, reason string) (*model.Override, error) {
	if strings.TrimSpace(actor) == "" || strings.TrimSpace(reason) == "" {
		return nil, model.InvalidInput("override requires an actor and a reason")
	}
	return e.gating.Override(ctx, gridID, blockingGridID, actor, reason)
}

// Predicaments

// ListPredicaments returns predicaments matching filter without changing them
func (e *Engine) ListPredicaments(filter model.PredicamentFilter) []*model.Predicament {
	return e.detector.List(filter)
}

// GetPredicament returns one predicament, acknowledging a detected one on
// read when auto-acknowledgment is enabled
func (e *Engine) GetPredicament(ctx context.Context, id, actor string) (*model.Predicament, error) {
	p, err := e.detector.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	e.recordOpenPredicaments()
	return p, nil
}

// TransitionPredicament moves a predicament along its lifecycle
func (e *Engine) TransitionPredicament(ctx context.Context, id string, to model.PredicamentState, note, actor string, opts tension.TransitionOptions) (*model.Predicament, error) {
	p, err := e.detector.Transition(ctx, id, to, note, actor, opts)
	if err != nil {
		return nil, err
	}
	e.recordOpenPredicaments()
	return p, nil
}

// SuppressPredicament hides a predicament from listings and health
func (e *Engine) SuppressPredicament(ctx context.Context, id, actor string) (*model.Predicament, error) {
	p, err := e.detector.Suppress(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	e.recordOpenPredicaments()
	return p, nil
}

// Scan runs tension detection over one grid, or all grids when gridID is empty
func (e *Engine) Scan(ctx context.Context, gridID string) (*tension.ScanResult, error) {
	res, err := e.detector.Scan(ctx, gridID)
	if err != nil {
		return nil, err
	}
	e.recordOpenPredicaments()
	return res, nil
}

func (e *Engine) recordOpenPredicaments() {
	counts := make(map[string]int)
	for _, p := range e.detector.List(model.PredicamentFilter{OpenOnly: true}) {
		counts[string(p.State)]++
	}
	metrics.SetOpenPredicaments(counts)
}

// Audit

// RunAudit builds a gap report for scope and archives it when save is set
// and an archive is configured
func (e *Engine) RunAudit(ctx context.Context, scope model.AuditScope, save bool) (*model.GapReport, error) {
	ctx, span := tracer.Start(ctx, "engine.run_audit")
	defer span.End()
	span.SetAttributes(attribute.Bool("research", scope.Research), attribute.Int("grids", len(scope.GridIDs)))

	start := time.Now()
	report, err := e.auditor.Run(ctx, scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.RecordAudit(time.Since(start).Seconds())

	if save {
		if e.archive == nil {
			return report, ErrArchiveDisabled
		}
		if err := e.archive.Save(ctx, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// AuditHistory lists archived audit reports, newest first
func (e *Engine) AuditHistory(ctx context.Context, limit int) ([]archive.Entry, error) {
	if e.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return e.archive.List(ctx, limit)
}

// GetAudit returns one archived audit report
func (e *Engine) GetAudit(ctx context.Context, id string) (*model.GapReport, error) {
	if e.archive == nil {
		return nil, ErrArchiveDisabled
	}
	return e.archive.Get(ctx, id)
}

// Entity operations

func userProv(ref, actor string) model.Provenance {
	if actor == "" {
		actor = model.SourceUser
	}
	return model.Provenance{SourceType: model.SourceUser, SourceRef: ref, Actor: actor}
}

// CreateUnit creates a unit
func (e *Engine) CreateUnit(ctx context.Context, in store.UnitInput, actor string) (*model.Unit, error) {
	var out *model.Unit
	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.CreateUnit(in, userProv("unit", actor))
		return err
	})
	return out, err
}

// UpdateUnit changes a unit's content or attributes at the expected version
func (e *Engine) UpdateUnit(ctx context.Context, id string, expected int64, content *string, attrs map[string]string, actor string) (*model.Unit, error) {
	var out *model.Unit
	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.UpdateUnit(id, expected, content, attrs, userProv(id, actor))
		return err
	})
	return out, err
}

// DeprecateUnit retires a unit. Units are never deleted.
func (e *Engine) DeprecateUnit(ctx context.Context, id string, expected int64, actor string) (*model.Unit, error) {
	var out *model.Unit
	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.DeprecateUnit(id, expected, userProv(id, actor))
		return err
	})
	return out, err
}

// CreateGrid creates a grid
func (e *Engine) CreateGrid(ctx context.Context, in store.GridInput, actor string) (*model.Grid, error) {
	var out *model.Grid
	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.CreateGrid(in, userProv("grid", actor))
		return err
	})
	return out, err
}

// UpsertCell writes a cell at the expected version (0 for a new cell).
// Writes into a locked grid fail with GridLocked.
func (e *Engine) UpsertCell(ctx context.Context, w store.CellWrite, expected int64, actor string) (*model.Cell, error) {
	var out *model.Cell
	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.UpsertCell(w, expected, userProv(model.CellKey(w.GridID, w.CellID), actor))
		return err
	})
	return out, err
}

// LinkRelationship links two cells or units
func (e *Engine) LinkRelationship(ctx context.Context, in store.RelationshipInput, actor string) (*model.Relationship, error) {
	var out *model.Relationship
	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.LinkRelationship(in, userProv("relationship", actor))
		return err
	})
	return out, err
}

// Revalidate clears the stale flag of a cell at the expected version
func (e *Engine) Revalidate(ctx context.Context, gridID, cellID string, expected int64, actor string) (*model.Cell, error) {
	var out *model.Cell
	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.Revalidate(gridID, cellID, expected, userProv(model.CellKey(gridID, cellID), actor))
		return err
	})
	return out, err
}

// Snapshot returns a consistent copy of a grid with its cells, relationships and units
func (e *Engine) Snapshot(gridID string) (*model.Snapshot, error) {
	return e.store.GetSnapshot(gridID)
}

// Grids returns every grid
func (e *Engine) Grids() []*model.Grid {
	return e.store.Grids()
}

// Units returns units of a type, or all units when unitType is empty
func (e *Engine) Units(unitType string) []*model.Unit {
	return e.store.Units(unitType)
}

// Fragment returns one fragment
func (e *Engine) Fragment(id string) (*model.EvidenceFragment, error) {
	f, ok := e.store.Fragment(id)
	if !ok {
		return nil, &model.NotFoundError{Entity: "fragment", ID: id}
	}
	return f, nil
}

// Fragments returns fragments with a status, or all when status is empty
func (e *Engine) Fragments(status model.FragmentStatus) []*model.EvidenceFragment {
	return e.store.Fragments(status)
}

// Events returns retained change events after seq, at most limit (0 = all)
func (e *Engine) Events(after uint64, limit int) []model.ChangeEvent {
	return e.store.Log().Since(after, limit)
}

// Package gating enforces dependency gating between grids and propagates
// staleness to dependent grids when upstream health moves.
package gating

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/score"
	"github.com/ppiankov/evidentia/internal/store"
)

var gatingProv = model.Provenance{SourceType: model.SourceGating, SourceRef: "health", Actor: "system"}

// Engine computes grid health, guards writes into locked grids and marks
// dependent cells stale when upstream health moves past the propagation delta
type Engine struct {
	store      *store.Store
	scorer     *score.Scorer
	thresholds model.ThresholdConfig
	logger     *slog.Logger

	mu      sync.Mutex
	changed map[string]map[string]bool // grid -> cells changed since the last propagation
}

// New creates a gating engine and installs its write guard on s
func New(s *store.Store, scorer *score.Scorer, thresholds model.ThresholdConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      s,
		scorer:     scorer,
		thresholds: thresholds,
		logger:     logger,
		changed:    make(map[string]map[string]bool),
	}
	s.SetWriteGuard(e.guard)
	return e
}

// guard rejects content writes into a grid with a dependency below the healthy threshold
func (e *Engine) guard(tx *store.Tx, gridID string, _ model.Provenance) error {
	blocked, err := e.blockers(tx, gridID)
	if err != nil {
		return err
	}
	if len(blocked) == 0 {
		return nil
	}
	b := blocked[0]
	return &model.GridLockedError{
		GridID:         gridID,
		BlockingGridID: b.gridID,
		BlockingHealth: b.health,
		Threshold:      e.thresholds.Healthy,
	}
}

type blocker struct {
	gridID string
	health float64
}

// blockers lists dependencies below threshold that have no recorded override
func (e *Engine) blockers(r store.Reader, gridID string) ([]blocker, error) {
	grid, ok := r.Grid(gridID)
	if !ok {
		return nil, &model.NotFoundError{Entity: "grid", ID: gridID}
	}
	var out []blocker
	for _, dep := range grid.Dependencies {
		h, err := e.score(r, dep)
		if err != nil {
			return nil, fmt.Errorf("score dependency %s: %w", dep, err)
		}
		if h.Score < e.thresholds.Healthy && !r.HasOverride(gridID, dep) {
			out = append(out, blocker{gridID: dep, health: h.Score})
		}
	}
	return out, nil
}

// score computes the ungated health breakdown of a grid
func (e *Engine) score(r store.Reader, gridID string) (model.HealthBreakdown, error) {
	grid, ok := r.Grid(gridID)
	if !ok {
		return model.HealthBreakdown{}, &model.NotFoundError{Entity: "grid", ID: gridID}
	}
	return e.scorer.Calculate(score.Input{
		Grid:          grid,
		Cells:         r.Cells(gridID),
		Relationships: r.Relationships(gridID),
		Predicaments:  r.Predicaments(model.PredicamentFilter{GridID: gridID, OpenOnly: true}),
	}), nil
}

// Health returns the health breakdown of a grid including its gating state
func (e *Engine) Health(r store.Reader, gridID string) (model.HealthBreakdown, error) {
	h, err := e.score(r, gridID)
	if err != nil {
		return h, err
	}
	blocked, err := e.blockers(r, gridID)
	if err != nil {
		return h, err
	}

	gate := model.Signal{
		Type:        model.SignalGate,
		Severity:    model.SeverityInfo,
		Description: "All dependencies are at or above the healthy threshold",
		Data:        map[string]interface{}{"threshold": e.thresholds.Healthy},
	}
	if len(blocked) > 0 {
		names := make([]string, 0, len(blocked))
		for _, b := range blocked {
			h.BlockedBy = append(h.BlockedBy, b.gridID)
			names = append(names, fmt.Sprintf("%s (%.2f)", b.gridID, b.health))
		}
		h.Status = model.GridLocked
		gate.Severity = model.SeverityCritical
		gate.Description = "Locked by " + strings.Join(names, ", ")
		gate.Data["blocked_by"] = h.BlockedBy
	}
	h.Signals = append(h.Signals, gate)
	h.ComputedAt = e.store.Now()
	return h, nil
}

// GridHealth computes the current health of a grid from the live store
func (e *Engine) GridHealth(gridID string) (model.HealthBreakdown, error) {
	var (
		h   model.HealthBreakdown
		err error
	)
	e.store.View(func(r store.Reader) {
		h, err = e.Health(r, gridID)
	})
	return h, err
}

// Observe records which cells a change event touched. Safe to call more
// than once for the same event.
func (e *Engine) Observe(ev model.ChangeEvent) {
	if ev.GridID == "" {
		return
	}
	switch ev.Kind {
	case model.EventCellUpserted, model.EventContributionRemoved:
	default:
		return
	}
	cellID, _ := ev.Data["cell_id"].(string)
	if cellID == "" {
		return
	}
	e.MarkChanged(ev.GridID, cellID)
}

// MarkChanged queues cells of a grid for the next propagation, as Observe
// does for their change events
func (e *Engine) MarkChanged(gridID string, cellIDs ...string) {
	if gridID == "" || len(cellIDs) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.changed[gridID]
	if !ok {
		set = make(map[string]bool)
		e.changed[gridID] = set
	}
	for _, id := range cellIDs {
		set[id] = true
	}
}

// Affected returns the grids whose health must be recomputed after ev
func (e *Engine) Affected(r store.Reader, ev model.ChangeEvent) []string {
	switch ev.Kind {
	case model.EventGridStatus:
		// a dependency's status change can lock or unlock its dependents
		var out []string
		for _, d := range r.Dependents(ev.GridID) {
			out = append(out, d.ID)
		}
		return out
	case model.EventGridCreated, model.EventCellUpserted, model.EventCellStale, model.EventCellRevalidated,
		model.EventContributionRemoved, model.EventRelationshipLinked, model.EventGateOverride,
		model.EventPredicamentDetected, model.EventPredicamentUpdated:
		if ev.GridID != "" {
			return []string{ev.GridID}
		}
	}
	return nil
}

func (e *Engine) takeChanged(gridID string) map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool, len(e.changed[gridID]))
	for id := range e.changed[gridID] {
		out[id] = true
	}
	return out
}

// Recompute records a grid's current health and status. When cells changed
// and health moved more than the propagation delta since the last
// propagation, dependent cells referencing the changed cells are marked stale
// in the same transaction and the grid's propagation baseline advances.
func (e *Engine) Recompute(ctx context.Context, gridID string) (model.HealthBreakdown, error) {
	var (
		result     model.HealthBreakdown
		propagated bool
		changedSet = e.takeChanged(gridID)
	)

	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		propagated = false
		grid, ok := tx.Grid(gridID)
		if !ok {
			return &model.NotFoundError{Entity: "grid", ID: gridID}
		}
		h, err := e.Health(tx, gridID)
		if err != nil {
			return err
		}
		result = h

		base := grid.LastHealth
		if grid.PropagatedHealth != nil {
			base = *grid.PropagatedHealth
		}
		if len(changedSet) > 0 && math.Abs(h.Score-base) > e.thresholds.PropagationDelta {
			reason := fmt.Sprintf("upstream grid %s health moved from %.2f to %.2f", gridID, base, h.Score)
			if err := e.propagate(tx, gridID, changedSet, reason); err != nil {
				return err
			}
			propagated = true
		}

		_, err = tx.UpdateGridStatus(gridID, grid.Version, store.GridHealthUpdate{
			Status:     h.Status,
			Health:     h.Score,
			Propagated: propagated,
		}, gatingProv)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("recompute grid %s: %w", gridID, err)
	}

	if propagated {
		e.mu.Lock()
		// only drop what this pass consumed; newer observations stay queued
		if set := e.changed[gridID]; set != nil {
			for id := range changedSet {
				delete(set, id)
			}
		}
		e.mu.Unlock()
	}

	e.logger.Debug("grid health recomputed",
		"grid", gridID, "score", result.Score, "status", result.Status, "propagated", propagated)
	return result, nil
}

// propagate marks dependent cells that reference a changed cell of gridID as stale
func (e *Engine) propagate(tx *store.Tx, gridID string, changed map[string]bool, reason string) error {
	marked := 0
	for _, dep := range tx.Dependents(gridID) {
		for _, cell := range tx.Cells(dep.ID) {
			if cell.Stale || !referencesAny(cell, gridID, changed) {
				continue
			}
			if err := tx.MarkStale(dep.ID, cell.ID, reason, gatingProv); err != nil {
				return fmt.Errorf("mark %s stale: %w", cell.Key(), err)
			}
			marked++
		}
	}
	if marked > 0 {
		e.logger.Info("dependent cells marked stale", "grid", gridID, "cells", marked, "reason", reason)
	}
	return nil
}

func referencesAny(cell *model.Cell, gridID string, changed map[string]bool) bool {
	for _, ref := range cell.References {
		if ref.Kind == model.RefCell && ref.GridID == gridID && changed[ref.ID] {
			return true
		}
	}
	return false
}

// Override records an explicit acknowledgment that gridID may be written
// while blockingGridID is below threshold, then recomputes gridID
func (e *Engine) Override(ctx context.Context, gridID, blockingGridID, actor, reason string) (*model.Override, error) {
	var out *model.Override
	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		grid, ok := tx.Grid(gridID)
		if !ok {
			return &model.NotFoundError{Entity: "grid", ID: gridID}
		}
		if !contains(grid.Dependencies, blockingGridID) {
			return model.InvalidInput("grid %s does not depend on %s", gridID, blockingGridID)
		}
		o, err := tx.RecordOverride(model.Override{
			GridID:         gridID,
			BlockingGridID: blockingGridID,
			Actor:          actor,
			Reason:         reason,
		}, model.Provenance{SourceType: model.SourceUser, SourceRef: "override", Actor: actor})
		out = o
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Warn("gate override recorded", "grid", gridID, "blocking", blockingGridID, "actor", actor, "reason", reason)
	if _, err := e.Recompute(ctx, gridID); err != nil {
		return out, err
	}
	return out, nil
}

// Pending returns the grids with observed changes not yet propagated
func (e *Engine) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for g, set := range e.changed {
		if len(set) > 0 {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

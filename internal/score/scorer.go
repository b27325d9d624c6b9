package score

import (
	"fmt"
	"math"
	"sort"

	"github.com/ppiankov/evidentia/internal/model"
)

// Components are the health metrics of a grid, each in [0,1]
type Components struct {
	Saturation  float64
	Confidence  float64
	Coherence   float64
	Coverage    float64
	Predicament float64
}

// Input is everything the scorer reads for one grid
type Input struct {
	Grid          *model.Grid
	Cells         []*model.Cell
	Relationships []*model.Relationship
	Predicaments  []*model.Predicament // open predicaments touching the grid
}

// Scorer calculates grid health and generates signals
type Scorer struct {
	weights    model.HealthWeights
	thresholds model.ThresholdConfig
}

// NewScorer creates a new scorer
func NewScorer(weights model.HealthWeights, thresholds model.ThresholdConfig) *Scorer {
	if weights.Sum() <= 0 {
		weights = model.DefaultConfig().HealthWeights
	}
	return &Scorer{weights: weights, thresholds: thresholds}
}

// Weighted combines components into a health score in [0,1]
func (s *Scorer) Weighted(c Components) float64 {
	w := s.weights
	total := w.Saturation*c.Saturation +
		w.Confidence*c.Confidence +
		w.Coherence*c.Coherence +
		w.Coverage*c.Coverage +
		w.Predicament*c.Predicament
	return clamp01(total / w.Sum())
}

// StatusFor maps a score to a grid status, ignoring gating
func (s *Scorer) StatusFor(score, saturation float64) model.GridStatus {
	switch {
	case score >= s.thresholds.Complete && saturation >= 1.0:
		return model.GridComplete
	case score >= s.thresholds.Healthy:
		return model.GridHealthy
	default:
		return model.GridInProgress
	}
}

// Calculate computes the health breakdown of one grid. Stale cells are
// excluded until re-validated.
func (s *Scorer) Calculate(in Input) model.HealthBreakdown {
	var considered []*model.Cell
	stale := 0
	for _, c := range in.Cells {
		if c.Stale {
			stale++
			continue
		}
		considered = append(considered, c)
	}

	var signals []model.Signal
	var comp Components

	var sig model.Signal
	comp.Saturation, sig = s.calculateSaturation(considered)
	signals = append(signals, sig)

	comp.Confidence, sig = s.calculateConfidence(considered)
	signals = append(signals, sig)

	comp.Coherence, sig = s.calculateCoherence(in.Grid, considered, in.Relationships)
	signals = append(signals, sig)

	comp.Coverage, sig = s.calculateCoverage(in.Grid, considered)
	signals = append(signals, sig)

	comp.Predicament, sig = s.calculatePredicamentFactor(in.Predicaments)
	signals = append(signals, sig)

	if stale > 0 {
		signals = append(signals, model.Signal{
			Type:        model.SignalStaleCells,
			Severity:    model.SeverityWarning,
			Description: fmt.Sprintf("%d stale cell(s) excluded until re-validated", stale),
			Data:        map[string]interface{}{"stale": stale},
		})
	}

	score := s.Weighted(comp)
	return model.HealthBreakdown{
		GridID:          in.Grid.ID,
		Score:           round4(score),
		Status:          s.StatusFor(score, comp.Saturation),
		Saturation:      round4(comp.Saturation),
		Confidence:      round4(comp.Confidence),
		Coherence:       round4(comp.Coherence),
		Coverage:        round4(comp.Coverage),
		Predicament:     round4(comp.Predicament),
		CellsConsidered: len(considered),
		CellsStale:      stale,
		Signals:         signals,
	}
}

// calculateSaturation is the fraction of considered cells with content
func (s *Scorer) calculateSaturation(cells []*model.Cell) (float64, model.Signal) {
	if len(cells) == 0 {
		return 0, model.Signal{
			Type:        model.SignalSaturation,
			Severity:    model.SeverityCritical,
			Description: "Grid has no cells",
			Data:        map[string]interface{}{"cells": 0},
		}
	}

	filled := 0
	for _, c := range cells {
		if c.Filled() {
			filled++
		}
	}
	ratio := float64(filled) / float64(len(cells))

	return ratio, model.Signal{
		Type:        model.SignalSaturation,
		Severity:    severityBelow(ratio, 0.5, 1.0),
		Description: fmt.Sprintf("%d of %d cells filled", filled, len(cells)),
		Data: map[string]interface{}{
			"filled":  filled,
			"cells":   len(cells),
			"ratio":   ratio,
			"formula": "filled_cells / non_stale_cells",
		},
	}
}

// calculateConfidence is the mean confidence of considered cells
func (s *Scorer) calculateConfidence(cells []*model.Cell) (float64, model.Signal) {
	if len(cells) == 0 {
		return 0, model.Signal{
			Type:        model.SignalConfidence,
			Severity:    model.SeverityCritical,
			Description: "No cells to average",
			Data:        map[string]interface{}{"cells": 0},
		}
	}

	var sum float64
	low := 0
	for _, c := range cells {
		sum += c.Confidence
		if c.Confidence < s.thresholds.DecisionFloor {
			low++
		}
	}
	mean := sum / float64(len(cells))

	return mean, model.Signal{
		Type:        model.SignalConfidence,
		Severity:    severityBelow(mean, s.thresholds.DecisionFloor, s.thresholds.Healthy),
		Description: fmt.Sprintf("Mean cell confidence %.2f (%d below %.2f)", mean, low, s.thresholds.DecisionFloor),
		Data: map[string]interface{}{
			"mean":       mean,
			"low_cells":  low,
			"low_cutoff": s.thresholds.DecisionFloor,
			"formula":    "sum(cell_confidence) / non_stale_cells",
		},
	}
}

// SupportedBy returns the filled, non-stale cells supporting target through a supports edge
func SupportedBy(target *model.Cell, cells map[string]*model.Cell, rels []*model.Relationship) []*model.Cell {
	ref := target.Ref().Key()
	var out []*model.Cell
	seen := make(map[string]bool)
	for _, r := range rels {
		if r.Type != model.RelSupports {
			continue
		}
		var other model.Ref
		switch {
		case r.To.Key() == ref:
			other = r.From
		case r.Bidirectional && r.From.Key() == ref:
			other = r.To
		default:
			continue
		}
		if other.Kind != model.RefCell {
			continue
		}
		c, ok := cells[model.CellKey(other.GridID, other.ID)]
		if !ok || c.Stale || !c.Filled() || seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		out = append(out, c)
	}
	return out
}

// calculateCoherence is the fraction of conclusion cells with at least one supporting cell
func (s *Scorer) calculateCoherence(grid *model.Grid, cells []*model.Cell, rels []*model.Relationship) (float64, model.Signal) {
	index := make(map[string]*model.Cell, len(cells))
	for _, c := range cells {
		index[c.Key()] = c
	}

	conclusions, satisfied := 0, 0
	var unsupported []string
	for _, c := range cells {
		spec, ok := grid.Vocabulary.CellType(c.Type)
		if !ok || !spec.Conclusion || !c.Filled() {
			continue
		}
		conclusions++
		if len(SupportedBy(c, index, rels)) > 0 {
			satisfied++
		} else {
			unsupported = append(unsupported, c.ID)
		}
	}
	sort.Strings(unsupported)

	if conclusions == 0 {
		return 1, model.Signal{
			Type:        model.SignalCoherence,
			Severity:    model.SeverityInfo,
			Description: "No conclusion cells to support",
			Data:        map[string]interface{}{"conclusions": 0},
		}
	}

	ratio := float64(satisfied) / float64(conclusions)
	return ratio, model.Signal{
		Type:        model.SignalCoherence,
		Severity:    severityBelow(ratio, 0.5, 1.0),
		Description: fmt.Sprintf("%d of %d conclusions supported", satisfied, conclusions),
		Data: map[string]interface{}{
			"conclusions": conclusions,
			"supported":   satisfied,
			"unsupported": unsupported,
			"formula":     "supported_conclusions / conclusions",
		},
	}
}

// calculateCoverage is the fraction of required cell types present with content
func (s *Scorer) calculateCoverage(grid *model.Grid, cells []*model.Cell) (float64, model.Signal) {
	required := grid.Vocabulary.RequiredTypes()
	if len(required) == 0 {
		return 1, model.Signal{
			Type:        model.SignalCoverage,
			Severity:    model.SeverityInfo,
			Description: "No required cell types declared",
			Data:        map[string]interface{}{"required": 0},
		}
	}

	present := make(map[string]bool)
	for _, c := range cells {
		if c.Filled() {
			present[c.Type] = true
		}
	}

	var missing []string
	for _, t := range required {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	ratio := float64(len(required)-len(missing)) / float64(len(required))

	return ratio, model.Signal{
		Type:        model.SignalCoverage,
		Severity:    severityBelow(ratio, 0.5, 1.0),
		Description: fmt.Sprintf("%d of %d required cell types present", len(required)-len(missing), len(required)),
		Data: map[string]interface{}{
			"required": required,
			"missing":  missing,
			"ratio":    ratio,
			"formula":  "present_required_types / required_types",
		},
	}
}

// calculatePredicamentFactor is the inverse penalty for open predicaments
func (s *Scorer) calculatePredicamentFactor(preds []*model.Predicament) (float64, model.Signal) {
	var weight float64
	open := 0
	for _, p := range preds {
		if !p.State.Open() {
			continue
		}
		open++
		weight += model.SeverityWeight(p.Severity)
	}
	factor := 1 / (1 + weight)

	severity := model.SeverityInfo
	if open > 0 {
		severity = model.SeverityWarning
	}
	if weight >= 2 {
		severity = model.SeverityCritical
	}

	return factor, model.Signal{
		Type:        model.SignalPredicament,
		Severity:    severity,
		Description: fmt.Sprintf("%d open predicament(s) touching the grid", open),
		Data: map[string]interface{}{
			"open":    open,
			"weight":  weight,
			"factor":  factor,
			"formula": "1 / (1 + sum(severity_weight)); low=0.5 medium=1 high=2",
		},
	}
}

// severityBelow grades a ratio: critical under crit, warning under warn
func severityBelow(v, crit, warn float64) model.SignalSeverity {
	switch {
	case v < crit:
		return model.SeverityCritical
	case v < warn:
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

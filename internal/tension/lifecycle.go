package tension

import (
	"context"
	"fmt"
	"strings"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
)

// TransitionOptions carries the optional parts of a state change
type TransitionOptions struct {
	// CreateAnalysisGrid creates a fresh analysis grid when entering UNDER_ANALYSIS
	CreateAnalysisGrid bool
}

// Analysis grid vocabulary
const (
	AnalysisPosition   = "position"
	AnalysisEvidence   = "evidence"
	AnalysisResolution = "resolution"
)

func analysisVocabulary() model.Vocabulary {
	return model.Vocabulary{
		CellTypes: []model.CellTypeSpec{
			{Name: AnalysisPosition, Required: true},
			{Name: AnalysisEvidence, Required: true},
			{Name: AnalysisResolution, Conclusion: true, UserOnly: true},
		},
		RelationshipTypes: []string{model.RelSupports, model.RelContradicts},
	}
}

// List returns predicaments matching the filter. Listing never changes state.
func (d *Detector) List(filter model.PredicamentFilter) []*model.Predicament {
	return d.store.Predicaments(filter)
}

// Get returns one predicament. A DETECTED predicament is acknowledged on
// read when auto-acknowledgment is enabled.
func (d *Detector) Get(ctx context.Context, id, actor string) (*model.Predicament, error) {
	p, ok := d.store.Predicament(id)
	if !ok {
		return nil, &model.NotFoundError{Entity: "predicament", ID: id}
	}
	if !d.thresholds.AutoAcknowledgeRead || p.State != model.StateDetected {
		return p, nil
	}
	return d.Transition(ctx, id, model.StateAcknowledged, "acknowledged on read", actor, TransitionOptions{})
}

// Transition moves a predicament to a new state. Resolving needs a note
// (the resolution) and deferring needs a reason.
func (d *Detector) Transition(ctx context.Context, id string, to model.PredicamentState, note, actor string, opts TransitionOptions) (*model.Predicament, error) {
	if actor == "" {
		actor = model.SourceUser
	}
	note = strings.TrimSpace(note)

	var out *model.Predicament
	err := d.store.Apply(ctx, func(tx *store.Tx) error {
		p, ok := tx.Predicament(id)
		if !ok {
			return &model.NotFoundError{Entity: "predicament", ID: id}
		}
		if !model.CanTransition(p.State, to) {
			return &model.InvalidTransitionError{PredicamentID: id, From: p.State, To: to, Reason: "not a permitted transition"}
		}
		switch to {
		case model.StateResolved:
			if note == "" {
				return &model.InvalidTransitionError{PredicamentID: id, From: p.State, To: to, Reason: "a resolution note is required"}
			}
			p.Resolution = note
		case model.StateDeferred:
			if note == "" {
				return &model.InvalidTransitionError{PredicamentID: id, From: p.State, To: to, Reason: "a deferral reason is required"}
			}
			p.DeferReason = note
		case model.StateDetected:
			p.Suppressed = false
			p.ResurfaceCount++
		}

		prov := model.Provenance{SourceType: model.SourceUser, SourceRef: id, Actor: actor}
		if to == model.StateUnderAnalysis && opts.CreateAnalysisGrid && p.AnalysisGridID == "" {
			gridID, err := createAnalysisGrid(tx, p, prov)
			if err != nil {
				return err
			}
			p.AnalysisGridID = gridID
		}

		now := tx.Now()
		p.History = append(p.History, model.PredicamentTransition{From: p.State, To: to, Note: note, Actor: actor, At: now})
		expected := p.Version
		p.State = to
		stored, err := tx.PutPredicament(p, expected, prov)
		if err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transition predicament %s: %w", id, err)
	}

	d.logger.Info("predicament transitioned", "id", id, "state", to, "actor", actor)
	return out, nil
}

// Suppress hides a deferred predicament from listings and re-surfacing
func (d *Detector) Suppress(ctx context.Context, id, actor string) (*model.Predicament, error) {
	if actor == "" {
		actor = model.SourceUser
	}
	var out *model.Predicament
	err := d.store.Apply(ctx, func(tx *store.Tx) error {
		p, ok := tx.Predicament(id)
		if !ok {
			return &model.NotFoundError{Entity: "predicament", ID: id}
		}
		if p.State != model.StateDeferred {
			return &model.InvalidTransitionError{PredicamentID: id, From: p.State, To: p.State, Reason: "only deferred predicaments can be suppressed"}
		}
		if p.Suppressed {
			out = p
			return nil
		}
		p.Suppressed = true
		p.History = append(p.History, model.PredicamentTransition{From: p.State, To: p.State, Note: "suppressed", Actor: actor, At: tx.Now()})
		stored, err := tx.PutPredicament(p, p.Version, model.Provenance{SourceType: model.SourceUser, SourceRef: id, Actor: actor})
		if err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("suppress predicament %s: %w", id, err)
	}
	return out, nil
}

// createAnalysisGrid builds a phase-0 grid with one empty slot per
// vocabulary type, bound to the predicament
func createAnalysisGrid(tx *store.Tx, p *model.Predicament, prov model.Provenance) (string, error) {
	short := p.ID
	if len(short) > 8 {
		short = short[:8]
	}
	g, err := tx.CreateGrid(store.GridInput{
		ID:            "analysis-" + short,
		Name:          fmt.Sprintf("Analysis of %s %s", p.Type, short),
		Phase:         0,
		Vocabulary:    analysisVocabulary(),
		PredicamentID: p.ID,
	}, prov)
	if err != nil {
		return "", err
	}
	for _, ct := range g.Vocabulary.CellTypes {
		if _, err := tx.UpsertCell(store.CellWrite{GridID: g.ID, CellID: ct.Name, Type: ct.Name}, 0, prov); err != nil {
			return "", err
		}
	}
	return g.ID, nil
}

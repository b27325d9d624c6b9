// Package decision maintains the queue of pending decisions: fragment
// clusters waiting for a human to pick an interpretation.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ppiankov/evidentia/internal/interpret"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/router"
	"github.com/ppiankov/evidentia/internal/store"
)

// Manager opens, regenerates and resolves pending decisions
type Manager struct {
	store      *store.Store
	generator  *interpret.Generator
	thresholds model.ThresholdConfig
	logger     *slog.Logger
}

// NewManager creates a decision manager
func NewManager(s *store.Store, g *interpret.Generator, thresholds model.ThresholdConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, generator: g, thresholds: thresholds, logger: logger}
}

func (m *Manager) view(r store.Reader) interpret.View {
	return router.NewStoreConflicts(r, m.thresholds.ConflictConfidence)
}

// List returns the decisions matching filter, normal priority first
func (m *Manager) List(filter model.DecisionFilter) []*model.PendingDecision {
	return m.store.Decisions(filter)
}

// Get returns one decision
func (m *Manager) Get(id string) (*model.PendingDecision, error) {
	d, ok := m.store.Decision(id)
	if !ok {
		return nil, &model.NotFoundError{Entity: "decision", ID: id}
	}
	return d, nil
}

// Enqueue routes f into the decision queue inside tx. f joins an open
// decision it clusters with, or opens a new one. A fragment that should
// have been auto-integrated is sent to manual review instead.
func (m *Manager) Enqueue(tx *store.Tx, f *model.EvidenceFragment, priority model.DecisionPriority, prov model.Provenance) (*model.PendingDecision, error) {
	view := m.view(tx)

	var open []interpret.Cluster
	for _, d := range tx.Decisions(model.DecisionFilter{Status: model.DecisionOpen}) {
		members, err := m.fragments(tx, d.FragmentIDs)
		if err != nil {
			return nil, err
		}
		open = append(open, interpret.Cluster{Decision: d, Fragments: members})
	}

	var (
		d        *model.PendingDecision
		members  []*model.EvidenceFragment
		expected int64
	)
	if c := interpret.FindCluster(f, open, m.thresholds.SimilarityThreshold); c != nil {
		d = c.Decision
		expected = d.Version
		members = append(c.Fragments, f)
		d.FragmentIDs = append(d.FragmentIDs, f.ID)
		if priority == model.PriorityNormal {
			d.Priority = model.PriorityNormal
		}
		m.logger.Debug("fragment joins trend cluster", "fragment", f.ID, "decision", d.ID, "size", len(members))
	} else {
		d = &model.PendingDecision{
			ID:          uuid.NewString(),
			FragmentIDs: []string{f.ID},
			Status:      model.DecisionOpen,
			Priority:    priority,
		}
		members = []*model.EvidenceFragment{f}
	}

	interps, err := m.generator.Generate(members, view)
	if errors.Is(err, model.ErrInvariant) {
		// route to manual review rather than process incorrectly
		d.Priority = model.PriorityLow
		d.NeedsReview = true
		d.ReviewReason = err.Error()
		interps, err = m.generator.GenerateForReview(members, view)
	}
	if err != nil {
		return nil, fmt.Errorf("generate interpretations: %w", err)
	}
	d.Interpretations = interps
	d.TargetKeys, d.GridIDs = targetsOf(members)

	stored, err := tx.PutDecision(d, expected, prov)
	if err != nil {
		return nil, err
	}
	if _, err := tx.SetFragmentStatus(f.ID, f.Version, store.FragmentUpdate{
		Status:     model.FragmentNeedsDecision,
		DecisionID: stored.ID,
	}, prov); err != nil {
		return nil, err
	}
	return stored, nil
}

// Resolve applies choice to decision id. Replaying the recorded choice
// returns the recorded outcome without mutating anything; a different
// choice on a closed decision fails with DecisionAlreadyResolved.
func (m *Manager) Resolve(ctx context.Context, id string, choice model.Choice) (*model.ResolveOutcome, error) {
	if choice.Skip == (choice.InterpretationID != "") {
		return nil, model.InvalidInput("choose exactly one of an interpretation or skip")
	}
	if choice.Actor == "" {
		choice.Actor = "user"
	}

	var outcome *model.ResolveOutcome
	err := m.store.Apply(ctx, func(tx *store.Tx) error {
		d, ok := tx.Decision(id)
		if !ok {
			return &model.NotFoundError{Entity: "decision", ID: id}
		}
		if d.Status != model.DecisionOpen {
			if sameChoice(d.Resolution, choice) {
				outcome = &model.ResolveOutcome{Decision: *d, Replayed: true}
				return nil
			}
			return &model.DecisionAlreadyResolvedError{DecisionID: id, Status: d.Status, Recorded: d.Resolution}
		}

		resolved, err := m.resolve(tx, d, choice)
		if err != nil {
			return err
		}
		outcome = &model.ResolveOutcome{Decision: *resolved}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !outcome.Replayed {
		res := outcome.Decision.Resolution
		m.logger.Info("decision resolved",
			"decision", id, "status", outcome.Decision.Status,
			"interpretation", res.InterpretationID, "changed", res.ChangedTargets, "flagged", res.FlaggedSiblings)
	}
	return outcome, nil
}

func sameChoice(rec *model.Resolution, c model.Choice) bool {
	if rec == nil {
		return false
	}
	if c.Skip {
		return rec.Skipped
	}
	return !rec.Skipped && rec.InterpretationID == c.InterpretationID
}

func (m *Manager) resolve(tx *store.Tx, d *model.PendingDecision, choice model.Choice) (*model.PendingDecision, error) {
	prov := model.Provenance{SourceType: model.SourceDecision, SourceRef: d.ID, Actor: choice.Actor}
	members, err := m.fragments(tx, d.FragmentIDs)
	if err != nil {
		return nil, err
	}

	res := &model.Resolution{Skipped: choice.Skip, Actor: choice.Actor, ResolvedAt: tx.Now()}

	if choice.Skip {
		for _, f := range members {
			if err := setStatus(tx, f, model.FragmentRejected, model.ReasonSkipped, prov); err != nil {
				return nil, err
			}
		}
		d.Status = model.DecisionSkipped
	} else {
		in, ok := d.Interpretation(choice.InterpretationID)
		if !ok {
			return nil, &model.NotFoundError{Entity: "interpretation", ID: choice.InterpretationID}
		}
		res.InterpretationID = in.ID

		switch in.Action {
		case model.ActionRetain:
			for _, f := range members {
				if err := setStatus(tx, f, model.FragmentRejected, model.ReasonRetainedExisting, prov); err != nil {
					return nil, err
				}
			}
		case model.ActionPlace:
			chosen := make(map[string]bool, len(in.FragmentIDs))
			var backing []*model.EvidenceFragment
			for _, f := range members {
				if containsString(in.FragmentIDs, f.ID) {
					chosen[f.ID] = true
					backing = append(backing, f)
				}
			}

			before := targetVersion(tx, in.Target)
			key, err := router.Place(tx, in.Target, in.Content, backing, prov)
			if err != nil {
				return nil, err
			}
			if in.Target.Kind == model.TargetNewUnit || targetVersion(tx, in.Target) != before {
				res.ChangedTargets = append(res.ChangedTargets, key)
			}

			for _, f := range members {
				status, reason := model.FragmentAutoIntegrated, ""
				if !chosen[f.ID] {
					status, reason = model.FragmentRejected, model.ReasonNotChosen
				}
				if err := setStatus(tx, f, status, reason, prov); err != nil {
					return nil, err
				}
			}
		default:
			return nil, model.InvalidInput("unknown interpretation action %q", in.Action)
		}
		d.Status = model.DecisionResolved
	}

	if len(res.ChangedTargets) > 0 {
		flagged, err := m.flagSiblings(tx, d.ID, res.ChangedTargets, prov)
		if err != nil {
			return nil, err
		}
		res.FlaggedSiblings = flagged
	}

	d.Resolution = res
	d.NeedsReview = false
	d.ReviewReason = ""
	return tx.PutDecision(d, d.Version, prov)
}

// flagSiblings marks open decisions sharing a changed target as needing review
func (m *Manager) flagSiblings(tx *store.Tx, decisionID string, changed []string, prov model.Provenance) ([]string, error) {
	var flagged []string
	for _, s := range tx.Decisions(model.DecisionFilter{Status: model.DecisionOpen}) {
		if s.ID == decisionID || !s.SharesTarget(changed) {
			continue
		}
		s.NeedsReview = true
		s.ReviewReason = fmt.Sprintf("decision %s changed %s", decisionID, strings.Join(changed, ", "))
		if _, err := tx.PutDecision(s, s.Version, prov); err != nil {
			return nil, fmt.Errorf("flag sibling %s: %w", s.ID, err)
		}
		flagged = append(flagged, s.ID)
	}
	sort.Strings(flagged)
	return flagged, nil
}

// Reevaluate regenerates a decision's interpretations from the current
// store state and clears its review flag. Members that reached a final
// status elsewhere are dropped; a decision left without members is closed
// as skipped.
func (m *Manager) Reevaluate(ctx context.Context, id string, actor string) (*model.PendingDecision, error) {
	if actor == "" {
		actor = "user"
	}
	var out *model.PendingDecision
	err := m.store.Apply(ctx, func(tx *store.Tx) error {
		d, err := m.reevaluate(tx, id, model.Provenance{SourceType: model.SourceDecision, SourceRef: id, Actor: actor})
		out = d
		return err
	})
	return out, err
}

func (m *Manager) reevaluate(tx *store.Tx, id string, prov model.Provenance) (*model.PendingDecision, error) {
	d, ok := tx.Decision(id)
	if !ok {
		return nil, &model.NotFoundError{Entity: "decision", ID: id}
	}
	if d.Status != model.DecisionOpen {
		return nil, &model.DecisionAlreadyResolvedError{DecisionID: id, Status: d.Status, Recorded: d.Resolution}
	}

	all, err := m.fragments(tx, d.FragmentIDs)
	if err != nil {
		return nil, err
	}
	var members []*model.EvidenceFragment
	for _, f := range all {
		if !f.Terminal() {
			members = append(members, f)
		}
	}

	if len(members) == 0 {
		d.Status = model.DecisionSkipped
		d.Resolution = &model.Resolution{Skipped: true, Actor: prov.Actor, ResolvedAt: tx.Now()}
		d.NeedsReview = false
		d.ReviewReason = ""
		return tx.PutDecision(d, d.Version, prov)
	}

	view := m.view(tx)
	d.NeedsReview = false
	d.ReviewReason = ""
	interps, err := m.generator.Generate(members, view)
	if errors.Is(err, model.ErrInvariant) {
		d.NeedsReview = true
		d.ReviewReason = err.Error()
		interps, err = m.generator.GenerateForReview(members, view)
	}
	if err != nil {
		return nil, fmt.Errorf("generate interpretations: %w", err)
	}

	d.FragmentIDs = make([]string, 0, len(members))
	for _, f := range members {
		d.FragmentIDs = append(d.FragmentIDs, f.ID)
	}
	d.Interpretations = interps
	d.TargetKeys, d.GridIDs = targetsOf(members)
	return tx.PutDecision(d, d.Version, prov)
}

func (m *Manager) fragments(r store.Reader, ids []string) ([]*model.EvidenceFragment, error) {
	out := make([]*model.EvidenceFragment, 0, len(ids))
	for _, id := range ids {
		f, ok := r.Fragment(id)
		if !ok {
			return nil, &model.NotFoundError{Entity: "fragment", ID: id}
		}
		out = append(out, f)
	}
	return out, nil
}

func setStatus(tx *store.Tx, f *model.EvidenceFragment, status model.FragmentStatus, reason string, prov model.Provenance) error {
	current, ok := tx.Fragment(f.ID)
	if !ok {
		return &model.NotFoundError{Entity: "fragment", ID: f.ID}
	}
	if current.Terminal() {
		return nil
	}
	_, err := tx.SetFragmentStatus(f.ID, current.Version, store.FragmentUpdate{
		Status:     status,
		Reason:     reason,
		DecisionID: current.DecisionID,
	}, prov)
	return err
}

func targetVersion(r store.Reader, t model.Target) int64 {
	switch t.Kind {
	case model.TargetCell:
		if c, ok := r.Cell(t.GridID, t.CellID); ok {
			return c.Version
		}
	case model.TargetUnit:
		if u, ok := r.Unit(t.UnitID); ok {
			return u.Version
		}
	}
	return 0
}

// targetsOf collects the candidate target keys and grids of a cluster
func targetsOf(members []*model.EvidenceFragment) ([]string, []string) {
	keys := make(map[string]bool)
	grids := make(map[string]bool)
	for _, f := range members {
		for _, t := range f.Candidates {
			keys[t.Key()] = true
			if t.Kind == model.TargetCell {
				grids[t.GridID] = true
			}
		}
	}
	return sortedKeys(keys), sortedKeys(grids)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

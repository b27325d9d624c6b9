// Package tension detects predicaments (contradictions, gaps, ambiguities and
// limitations) across the knowledge model and drives their lifecycle.
package tension

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
)

var detectorProv = model.Provenance{SourceType: model.SourceDetector, SourceRef: "scan", Actor: "system"}

// ScanResult summarizes one detection pass
type ScanResult struct {
	Grids       []string  `json:"grids"`
	Detected    int       `json:"detected"`    // new predicaments
	Updated     int       `json:"updated"`     // existing predicaments whose details changed
	Resurfaced  int       `json:"resurfaced"`  // deferred predicaments back to DETECTED
	Revalidated int       `json:"revalidated"` // stale cells cleared
	Findings    []Finding `json:"findings"`
}

// Detector scans grids for tensions and records them as predicaments
type Detector struct {
	store      *store.Store
	thresholds model.ThresholdConfig
	logger     *slog.Logger
}

// New creates a detector
func New(s *store.Store, thresholds model.ThresholdConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: s, thresholds: thresholds, logger: logger}
}

// Scan runs detection over one grid, or every grid when gridID is empty.
// Findings are created or updated by fingerprint, so repeated scans over
// unchanged content record nothing.
func (d *Detector) Scan(ctx context.Context, gridID string) (*ScanResult, error) {
	res := &ScanResult{}
	err := d.store.Apply(ctx, func(tx *store.Tx) error {
		*res = ScanResult{}
		grids, err := d.scope(tx, gridID)
		if err != nil {
			return err
		}
		res.Grids = grids

		findings := d.detect(tx, grids)
		res.Findings = findings
		for _, f := range findings {
			if err := d.record(tx, f, res); err != nil {
				return err
			}
		}
		return d.revalidate(tx, grids, res)
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", scopeName(gridID), err)
	}

	d.logger.Debug("tension scan complete",
		"scope", scopeName(gridID),
		"findings", len(res.Findings),
		"detected", res.Detected,
		"updated", res.Updated,
		"resurfaced", res.Resurfaced,
		"revalidated", res.Revalidated)
	return res, nil
}

func scopeName(gridID string) string {
	if gridID == "" {
		return "all grids"
	}
	return "grid " + gridID
}

func (d *Detector) scope(r store.Reader, gridID string) ([]string, error) {
	if gridID != "" {
		if _, ok := r.Grid(gridID); !ok {
			return nil, &model.NotFoundError{Entity: "grid", ID: gridID}
		}
		return []string{gridID}, nil
	}
	var out []string
	for _, g := range r.Grids() {
		out = append(out, g.ID)
	}
	sort.Strings(out)
	return out, nil
}

// detect collects findings for the given grids, deduplicated by fingerprint
func (d *Detector) detect(r store.Reader, grids []string) []Finding {
	seen := make(map[string]bool)
	var out []Finding
	add := func(fs []Finding) {
		for _, f := range fs {
			fp := f.Fingerprint()
			if seen[fp] {
				continue
			}
			seen[fp] = true
			out = append(out, f)
		}
	}

	units := make(map[string]bool)
	for _, gid := range grids {
		add(detectContradictions(r, gid, d.thresholds.ConflictConfidence))
		add(detectConclusions(r, gid, d.thresholds.DecisionFloor))

		g, ok := r.Grid(gid)
		if !ok {
			continue
		}
		for _, uid := range g.UnitIDs {
			units[uid] = true
		}
		for _, c := range r.Cells(gid) {
			if c.UnitID != "" {
				units[c.UnitID] = true
			}
		}
	}

	ids := make([]string, 0, len(units))
	for id := range units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		u, ok := r.Unit(id)
		if !ok || u.Status == model.UnitDeprecated {
			continue
		}
		add(detectAmbiguity(u, d.thresholds.AmbiguityThreshold, unitGrids(r, id)))
	}
	return out
}

// record creates or updates the predicament for a finding
func (d *Detector) record(tx *store.Tx, f Finding, res *ScanResult) error {
	now := tx.Now()
	existing, ok := tx.PredicamentByFingerprint(f.Fingerprint())
	if !ok {
		p := &model.Predicament{
			ID:          uuid.NewString(),
			Fingerprint: f.Fingerprint(),
			Type:        f.Type,
			Severity:    f.Severity,
			Description: f.Description,
			Subjects:    f.Subjects,
			GridIDs:     f.GridIDs,
			State:       model.StateDetected,
			LastSeenAt:  now,
			History: []model.PredicamentTransition{{
				To:    model.StateDetected,
				Note:  "detected",
				Actor: detectorProv.Actor,
				At:    now,
			}},
		}
		if _, err := tx.PutPredicament(p, 0, detectorProv); err != nil {
			return err
		}
		res.Detected++
		d.logger.Info("predicament detected", "id", p.ID, "type", p.Type, "severity", p.Severity, "grids", p.GridIDs)
		return nil
	}

	if existing.State == model.StateResolved {
		return nil
	}

	changed := existing.Severity != f.Severity ||
		existing.Description != f.Description ||
		!sameStrings(existing.GridIDs, f.GridIDs)
	resurface := existing.State == model.StateDeferred && !existing.Suppressed && d.thresholds.ResurfaceDeferred
	if !changed && !resurface {
		return nil
	}

	p := existing
	p.Severity = f.Severity
	p.Description = f.Description
	p.GridIDs = f.GridIDs
	p.LastSeenAt = now
	if resurface {
		p.History = append(p.History, model.PredicamentTransition{
			From:  p.State,
			To:    model.StateDetected,
			Note:  fmt.Sprintf("still present after deferral (%s)", p.DeferReason),
			Actor: detectorProv.Actor,
			At:    now,
		})
		p.State = model.StateDetected
		p.ResurfaceCount++
	}
	if _, err := tx.PutPredicament(p, existing.Version, detectorProv); err != nil {
		return err
	}
	if resurface {
		res.Resurfaced++
		d.logger.Info("deferred predicament resurfaced", "id", p.ID, "count", p.ResurfaceCount)
	} else {
		res.Updated++
	}
	return nil
}

// revalidate clears the stale flag of cells that no open predicament involves
func (d *Detector) revalidate(tx *store.Tx, grids []string, res *ScanResult) error {
	involved := make(map[string]bool)
	for _, p := range tx.Predicaments(model.PredicamentFilter{OpenOnly: true, WithSuppressed: true}) {
		for _, s := range p.Subjects {
			involved[s.Key()] = true
		}
	}

	for _, gid := range grids {
		for _, c := range tx.Cells(gid) {
			if !c.Stale || involved[c.Ref().Key()] {
				continue
			}
			if _, err := tx.Revalidate(gid, c.ID, c.Version, detectorProv); err != nil {
				return err
			}
			res.Revalidated++
		}
	}
	return nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return strings.Join(as, "\x00") == strings.Join(bs, "\x00")
}

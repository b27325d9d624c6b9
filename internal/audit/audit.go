// Package audit produces read-only coverage reports over grids and unit
// categories. A failing category never aborts the report for the others.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
)

// Classification thresholds
const (
	WellPopulatedRate = 0.80
)

// Researcher answers plain-language gap queries
type Researcher interface {
	Research(ctx context.Context, query string) (*model.ResearchResult, error)
}

// Auditor builds gap reports
type Auditor struct {
	store      *store.Store
	researcher Researcher
	parallel   int
	logger     *slog.Logger

	// replaceable in tests
	gridReport func(snap *model.Snapshot) model.CategoryReport
	unitReport func(unitType string, units []*model.Unit, referenced map[string]bool) model.CategoryReport
}

// New creates an auditor. researcher may be nil; research is then skipped.
func New(s *store.Store, researcher Researcher, parallel int, logger *slog.Logger) *Auditor {
	if parallel < 1 {
		parallel = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		store:      s,
		researcher: researcher,
		parallel:   parallel,
		logger:     logger,
		gridReport: gridCategory,
		unitReport: unitCategory,
	}
}

// input is everything a report needs, copied out of one consistent view
type input struct {
	grids      map[string]*model.Snapshot
	missing    []string // requested grids that do not exist
	unitTypes  map[string][]*model.Unit
	referenced map[string]bool // units referenced by at least one cell
}

func (a *Auditor) collect(scope model.AuditScope) *input {
	in := &input{
		grids:      make(map[string]*model.Snapshot),
		unitTypes:  make(map[string][]*model.Unit),
		referenced: make(map[string]bool),
	}
	a.store.View(func(r store.Reader) {
		var gridIDs []string
		switch {
		case len(scope.GridIDs) > 0:
			gridIDs = scope.GridIDs
		case scope.All():
			for _, g := range r.Grids() {
				gridIDs = append(gridIDs, g.ID)
			}
		}
		for _, id := range gridIDs {
			snap, err := store.Snapshot(r, id)
			if err != nil {
				in.missing = append(in.missing, id)
				continue
			}
			in.grids[id] = snap
		}

		wanted := make(map[string]bool)
		for _, t := range scope.UnitTypes {
			wanted[t] = true
			in.unitTypes[t] = nil
		}
		includeUnits := scope.All() || len(scope.UnitTypes) > 0
		for _, u := range r.Units("") {
			if !includeUnits || (len(wanted) > 0 && !wanted[u.Type]) {
				continue
			}
			in.unitTypes[u.Type] = append(in.unitTypes[u.Type], u)
			for _, c := range r.CellsOfUnit(u.ID) {
				if c.Filled() {
					in.referenced[u.ID] = true
					break
				}
			}
		}
	})
	return in
}

// Run computes a gap report for scope. Categories are measured concurrently;
// only cancellation of ctx fails the whole run.
func (a *Auditor) Run(ctx context.Context, scope model.AuditScope) (*model.GapReport, error) {
	start := time.Now()
	in := a.collect(scope)

	type job struct {
		category string
		measure  func() model.CategoryReport
	}
	var jobs []job
	for id, snap := range in.grids {
		jobs = append(jobs, job{category: "grid:" + id, measure: func() model.CategoryReport { return a.gridReport(snap) }})
	}
	for _, id := range in.missing {
		jobs = append(jobs, job{category: "grid:" + id, measure: func() model.CategoryReport {
			err := &model.NotFoundError{Entity: "grid", ID: id}
			return model.CategoryReport{Counts: map[string]int{}, Error: err.Error()}
		}})
	}
	for t, units := range in.unitTypes {
		jobs = append(jobs, job{category: "units:" + t, measure: func() model.CategoryReport {
			return a.unitReport(t, units, in.referenced)
		}})
	}

	results := make([]model.CategoryReport, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rep := a.measure(j.category, j.measure)
			if scope.Research && a.researcher != nil && rep.Error == "" && needsResearch(rep.Class) {
				a.research(gctx, &rep)
			}
			results[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Category < results[j].Category })
	report := &model.GapReport{
		ID:          uuid.NewString(),
		Scope:       scope,
		Categories:  results,
		Summary:     make(map[model.GapClass]int),
		GeneratedAt: a.store.Now(),
	}
	for _, c := range results {
		if c.Class != "" {
			report.Summary[c.Class]++
		}
	}

	a.logger.Info("audit complete",
		"report", report.ID,
		"categories", len(results),
		"well_populated", report.Summary[model.GapWellPopulated],
		"partial", report.Summary[model.GapPartial],
		"empty", report.Summary[model.GapEmpty],
		"needs_user_input", report.Summary[model.GapNeedsUserInput],
		"duration", time.Since(start))
	return report, nil
}

// measure runs one category in isolation; a panic becomes the category's error
func (a *Auditor) measure(category string, fn func() model.CategoryReport) (rep model.CategoryReport) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("audit category failed", "category", category, "error", r)
			rep = model.CategoryReport{Category: category, Counts: map[string]int{}, Error: fmt.Sprint(r)}
		}
	}()
	rep = fn()
	rep.Category = category
	return rep
}

func needsResearch(c model.GapClass) bool {
	return c == model.GapEmpty || c == model.GapPartial
}

func (a *Auditor) research(ctx context.Context, rep *model.CategoryReport) {
	query := researchQuery(rep)
	res, err := a.researcher.Research(ctx, query)
	if err != nil {
		a.logger.Warn("research failed", "category", rep.Category, "error", err)
		rep.Actions = append(rep.Actions, fmt.Sprintf("research unavailable: %v", err))
		return
	}
	rep.Research = res
	for _, q := range res.OpenQuestions {
		rep.Actions = append(rep.Actions, "investigate: "+q)
	}
}

func researchQuery(rep *model.CategoryReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The knowledge category %q is %s (fill rate %.0f%%).", rep.Name, strings.ReplaceAll(string(rep.Class), "_", " "), rep.FillRate*100)
	if len(rep.Actions) > 0 {
		fmt.Fprintf(&b, " Open work: %s.", strings.Join(rep.Actions, "; "))
	}
	b.WriteString(" What evidence is available to fill it?")
	return b.String()
}

// classify maps a fill rate to a gap class
func classify(rate float64) model.GapClass {
	switch {
	case rate >= WellPopulatedRate:
		return model.GapWellPopulated
	case rate > 0:
		return model.GapPartial
	default:
		return model.GapEmpty
	}
}

// gridCategory measures one grid. Required types without any cell count as
// empty slots. Stale cells do not count as filled.
func gridCategory(snap *model.Snapshot) model.CategoryReport {
	rep := model.CategoryReport{Name: snap.Grid.Name, Counts: map[string]int{}}

	filledTypes := make(map[string]bool)
	presentTypes := make(map[string]bool)
	for _, c := range snap.Cells {
		rep.Counts["cells"]++
		presentTypes[c.Type] = true
		switch {
		case c.Stale:
			rep.Counts["stale"]++
		case c.Filled():
			rep.Counts["filled"]++
			filledTypes[c.Type] = true
		}
		rep.Counts["contributions"] += len(c.FragmentIDs())
	}
	rep.Counts["relationships"] = len(snap.Relationships)

	slots := rep.Counts["cells"]
	for _, t := range snap.Grid.Vocabulary.RequiredTypes() {
		if !presentTypes[t] {
			slots++
			rep.Actions = append(rep.Actions, fmt.Sprintf("add a %s cell", t))
		}
		spec, _ := snap.Grid.Vocabulary.CellType(t)
		if spec.UserOnly && !filledTypes[t] {
			rep.MissingUserInput = append(rep.MissingUserInput, t)
		}
	}
	if slots > 0 {
		rep.FillRate = round4(float64(rep.Counts["filled"]) / float64(slots))
	}

	if empty := rep.Counts["cells"] - rep.Counts["filled"] - rep.Counts["stale"]; empty > 0 {
		rep.Actions = append(rep.Actions, fmt.Sprintf("fill %d empty cell(s)", empty))
	}
	if rep.Counts["stale"] > 0 {
		rep.Actions = append(rep.Actions, fmt.Sprintf("re-validate %d stale cell(s)", rep.Counts["stale"]))
	}

	rep.Class = classify(rep.FillRate)
	if len(rep.MissingUserInput) > 0 {
		rep.Class = model.GapNeedsUserInput
		rep.Actions = append(rep.Actions, fmt.Sprintf("provide user input for %s", strings.Join(rep.MissingUserInput, ", ")))
	}
	return rep
}

// unitCategory measures the units of one type. A unit is populated when it
// has content and either an accepted attribute or a filled cell about it.
func unitCategory(unitType string, units []*model.Unit, referenced map[string]bool) model.CategoryReport {
	rep := model.CategoryReport{Name: unitType, Counts: map[string]int{}}
	active := 0
	populated := 0
	for _, u := range units {
		rep.Counts["units"]++
		if u.Status == model.UnitDeprecated {
			rep.Counts["deprecated"]++
			continue
		}
		active++
		rep.Counts["attributes"] += len(u.Attributes)
		rep.Counts["assertions"] += len(u.Assertions)
		if referenced[u.ID] {
			rep.Counts["referenced"]++
		}
		if strings.TrimSpace(u.Content) != "" && (len(u.Attributes) > 0 || referenced[u.ID]) {
			populated++
		}
	}
	rep.Counts["populated"] = populated
	if active > 0 {
		rep.FillRate = round4(float64(populated) / float64(active))
	}
	if bare := active - populated; bare > 0 {
		rep.Actions = append(rep.Actions, fmt.Sprintf("describe %d %s unit(s) with attributes or cells", bare, unitType))
	}
	if active == 0 {
		rep.Actions = append(rep.Actions, fmt.Sprintf("create %s units", unitType))
	}
	rep.Class = classify(rep.FillRate)
	return rep
}

func round4(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}

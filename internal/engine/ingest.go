package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ppiankov/evidentia/internal/metrics"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/pipeline"
	"github.com/ppiankov/evidentia/internal/router"
	"github.com/ppiankov/evidentia/internal/store"
	"github.com/ppiankov/evidentia/internal/util"
	"github.com/ppiankov/evidentia/internal/worker"
)

// ReasonExtractionFailed is the outcome reason of a fragment left pending
// because target resolution failed
const ReasonExtractionFailed = "extraction_failed"

// IngestResult is the result of an asynchronously submitted fragment
type IngestResult struct {
	Outcome *model.IngestOutcome
	Err     error
}

// GetError returns the ingestion error
func (r *IngestResult) GetError() error { return r.Err }

// IngestFragment records a scored fragment and routes it: auto-integration,
// a pending decision or rejection. Re-ingesting a fragment that was already
// routed returns its recorded status without touching the store.
//
// A fragment without candidate targets is first sent to the extraction
// collaborator for target resolution. If that fails after retries the
// fragment stays pending with a failure note and can be retried later.
func (e *Engine) IngestFragment(ctx context.Context, f model.EvidenceFragment, actor string) (*model.IngestOutcome, error) {
	return e.ingest(ctx, f, actor, true)
}

func (e *Engine) ingest(ctx context.Context, f model.EvidenceFragment, actor string, resolve bool) (out *model.IngestOutcome, err error) {
	ctx, span := tracer.Start(ctx, "engine.ingest_fragment")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("status", string(out.Status)))
		}
		span.End()
	}()

	if actor == "" {
		actor = model.SourceSystem
	}
	if err := model.ValidateFragment(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	id := f.EnsureID()
	span.SetAttributes(attribute.String("fragment_id", id), attribute.Float64("confidence", f.Confidence))

	var (
		stored  *model.EvidenceFragment
		created bool
	)
	err = e.store.Apply(ctx, func(tx *store.Tx) error {
		var err error
		stored, created, err = tx.RecordFragment(&f, model.Provenance{
			SourceType: model.SourceFragment,
			SourceRef:  f.Source.DocumentID,
			Actor:      actor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if !created && stored.Status != model.FragmentPending {
		return duplicateOutcome(stored), nil
	}

	if resolve && len(stored.Candidates) == 0 && e.collab.CanExtract() {
		stored, err = e.resolveTargets(ctx, stored, actor)
		if err != nil {
			var failure *model.ExtractionFailureError
			if errors.As(err, &failure) {
				metrics.RecordFragment(string(model.FragmentPending))
				return &model.IngestOutcome{
					FragmentID: id,
					Status:     model.FragmentPending,
					Reason:     ReasonExtractionFailed,
					Reasons:    []string{err.Error()},
				}, nil
			}
			return nil, err
		}
	}

	out, err = e.route(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	metrics.RecordFragment(string(out.Status))
	e.logger.Debug("fragment routed", "fragment", id, "status", out.Status, "decision", out.DecisionID, "changed", out.Changed)
	return out, nil
}

// route applies the routing rule to a pending fragment in one transaction
func (e *Engine) route(ctx context.Context, id, actor string) (*model.IngestOutcome, error) {
	var out *model.IngestOutcome
	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		cur, ok := tx.Fragment(id)
		if !ok {
			return &model.NotFoundError{Entity: "fragment", ID: id}
		}
		if cur.Status != model.FragmentPending {
			// routed concurrently by another caller
			out = duplicateOutcome(cur)
			return nil
		}

		candidates, dropped := router.FilterTargets(tx, cur.Candidates)
		routed := *cur
		routed.Candidates = candidates
		res := e.router.Route(&routed, router.NewStoreConflicts(tx, e.cfg.Thresholds.ConflictConfidence))

		out = &model.IngestOutcome{FragmentID: id, Reasons: append(dropped, res.Reasons...)}
		prov := router.FragmentProv(cur, actor)

		switch res.Route {
		case router.RouteReject:
			if _, err := tx.SetFragmentStatus(id, cur.Version, store.FragmentUpdate{
				Status: model.FragmentRejected,
				Reason: res.Reason,
			}, prov); err != nil {
				return err
			}
			out.Status = model.FragmentRejected
			out.Reason = res.Reason

		case router.RouteAutoIntegrate:
			key, err := router.Place(tx, candidates[0], cur.Excerpt, []*model.EvidenceFragment{cur}, prov)
			if err != nil {
				return err
			}
			if _, err := tx.SetFragmentStatus(id, cur.Version, store.FragmentUpdate{
				Status: model.FragmentAutoIntegrated,
			}, prov); err != nil {
				return err
			}
			out.Status = model.FragmentAutoIntegrated
			out.Changed = []string{key}

		case router.RouteDisambiguate:
			d, err := e.decisions.Enqueue(tx, &routed, res.Priority, prov)
			if err != nil {
				return err
			}
			out.Status = model.FragmentNeedsDecision
			out.DecisionID = d.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func duplicateOutcome(f *model.EvidenceFragment) *model.IngestOutcome {
	return &model.IngestOutcome{
		FragmentID: f.ID,
		Status:     f.Status,
		Reason:     f.StatusReason,
		DecisionID: f.DecisionID,
		Duplicate:  true,
	}
}

// resolveTargets asks the extraction collaborator where a fragment without
// candidates belongs. Found targets are stored on the fragment; a failure
// leaves it pending with the failure note attached.
func (e *Engine) resolveTargets(ctx context.Context, f *model.EvidenceFragment, actor string) (*model.EvidenceFragment, error) {
	records, callErr := e.collab.Extract(ctx, model.ExtractionRequest{
		DocumentID: f.Source.DocumentID,
		Text:       f.Excerpt,
		Context:    e.contextItems(),
		Markers:    pipeline.DefaultMarkers,
	})
	if callErr != nil && ctx.Err() != nil {
		// cancelled, not failed: the fragment stays pending untouched
		return nil, ctx.Err()
	}

	upd := store.FragmentUpdate{Status: model.FragmentPending, Attempted: true}
	if callErr != nil {
		upd.FailureNote = callErr.Error()
	} else {
		upd.Candidates = usableTargets(records)
	}

	var updated *model.EvidenceFragment
	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		cur, ok := tx.Fragment(f.ID)
		if !ok {
			return &model.NotFoundError{Entity: "fragment", ID: f.ID}
		}
		if len(cur.Candidates) > 0 {
			upd.Candidates = nil
		}
		var err error
		updated, err = tx.SetFragmentStatus(f.ID, cur.Version, upd, model.Provenance{
			SourceType: model.SourceSystem,
			SourceRef:  "target-resolution",
			Actor:      actor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if callErr != nil {
		e.logger.Warn("target resolution failed, fragment left pending", "fragment", f.ID, "attempts", updated.Attempts, "error", callErr)
		return updated, callErr
	}
	return updated, nil
}

// usableTargets collects the distinct well-formed targets named by records
func usableTargets(records []model.ExtractedRecord) []model.Target {
	seen := make(map[string]bool)
	var out []model.Target
	for _, rec := range records {
		for _, t := range rec.CandidateTargets {
			if !wellFormed(t) || seen[t.Key()] {
				continue
			}
			seen[t.Key()] = true
			out = append(out, t)
		}
	}
	return out
}

func wellFormed(t model.Target) bool {
	switch t.Kind {
	case model.TargetCell:
		return t.GridID != "" && t.CellID != "" && !strings.Contains(t.CellID, "/")
	case model.TargetUnit:
		return t.UnitID != ""
	case model.TargetNewUnit:
		return strings.TrimSpace(t.UnitType) != ""
	}
	return false
}

// contextItems lists existing cells, open vocabulary slots and active units
// so the extraction collaborator can name real targets
func (e *Engine) contextItems() []model.ContextItem {
	limit := e.cfg.Collaborator.MaxContextUnits
	var items []model.ContextItem
	full := func() bool { return limit > 0 && len(items) >= limit }

	e.store.View(func(r store.Reader) {
		grids := r.Grids()
		sort.Slice(grids, func(i, j int) bool { return grids[i].ID < grids[j].ID })
		for _, g := range grids {
			present := make(map[string]bool)
			for _, c := range r.Cells(g.ID) {
				present[c.Type] = true
				if full() {
					return
				}
				items = append(items, model.ContextItem{
					Target:  model.Target{Kind: model.TargetCell, GridID: g.ID, CellID: c.ID, CellType: c.Type},
					Label:   fmt.Sprintf("%s: cell %s (%s)", gridLabel(g), c.ID, c.Type),
					Content: util.Truncate(c.Content, 200),
				})
			}
			for _, ct := range g.Vocabulary.CellTypes {
				if present[ct.Name] || ct.UserOnly {
					continue
				}
				if full() {
					return
				}
				items = append(items, model.ContextItem{
					Target: model.Target{Kind: model.TargetCell, GridID: g.ID, CellType: ct.Name},
					Label:  fmt.Sprintf("%s: empty %s slot", gridLabel(g), ct.Name),
				})
			}
		}
		for _, u := range r.Units("") {
			if u.Status == model.UnitDeprecated {
				continue
			}
			if full() {
				return
			}
			items = append(items, model.ContextItem{
				Target:  model.Target{Kind: model.TargetUnit, UnitID: u.ID},
				Label:   fmt.Sprintf("%s unit %s", u.Type, u.ID),
				Content: util.Truncate(u.Content, 200),
			})
		}
	})
	return items
}

func gridLabel(g *model.Grid) string {
	if g.Name != "" {
		return fmt.Sprintf("grid %s (%s)", g.ID, g.Name)
	}
	return "grid " + g.ID
}

// Submit queues a fragment for ingestion on the bounded task pool. The task
// runs under the configured task timeout; a timed-out fragment stays pending.
func (e *Engine) Submit(ctx context.Context, f model.EvidenceFragment, actor string) (*worker.Task, error) {
	return e.pool.Enqueue(ctx, worker.JobFunc(func(ctx context.Context) worker.Result {
		out, err := e.IngestFragment(ctx, f, actor)
		return &IngestResult{Outcome: out, Err: err}
	}))
}

// IngestDocument loads a file or URL and ingests the fragments the
// extraction collaborator finds in it
func (e *Engine) IngestDocument(ctx context.Context, source, actor string) (*model.DocumentOutcome, error) {
	doc, err := e.loader.Load(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", source, err)
	}
	return e.IngestText(ctx, doc, actor)
}

// IngestSource implements worker.Ingester for batch ingestion
func (e *Engine) IngestSource(ctx context.Context, source string) (*model.DocumentOutcome, error) {
	return e.IngestDocument(ctx, source, "batch")
}

// IngestText runs the extraction collaborator over an already loaded
// document. A collaborator failure fails the whole document; per-fragment
// routing failures are reported in the outcome.
func (e *Engine) IngestText(ctx context.Context, doc *pipeline.Document, actor string) (*model.DocumentOutcome, error) {
	ctx, span := tracer.Start(ctx, "engine.ingest_document")
	defer span.End()
	span.SetAttributes(attribute.String("document_id", doc.ID))

	records, err := e.collab.Extract(ctx, e.loader.Request(doc, e.contextItems()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("extract %s: %w", doc.ID, err)
	}

	out := &model.DocumentOutcome{DocumentID: doc.ID, Source: doc.Source}
	for _, rec := range records {
		f := model.EvidenceFragment{
			Excerpt:    rec.Excerpt,
			Confidence: rec.Confidence,
			Candidates: usableTargets([]model.ExtractedRecord{rec}),
			Rationale:  rec.Rationale,
			Source:     model.Source{DocumentID: doc.ID, Offset: rec.Offset, Length: rec.Length},
		}
		res, err := e.ingest(ctx, f, actor, false)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			e.logger.Warn("fragment not routed", "document", doc.ID, "excerpt", util.Truncate(rec.Excerpt, 80), "error", err)
			res = &model.IngestOutcome{
				FragmentID: model.FragmentID(f.Excerpt, f.Source),
				Status:     model.FragmentPending,
				Reasons:    []string{err.Error()},
			}
		}
		out.Fragments = append(out.Fragments, *res)
	}

	counts := out.Counts()
	e.logger.Info("document ingested",
		"document", doc.ID,
		"fragments", len(out.Fragments),
		"auto_integrated", counts[model.FragmentAutoIntegrated],
		"needs_decision", counts[model.FragmentNeedsDecision],
		"rejected", counts[model.FragmentRejected])
	return out, nil
}

// RetryPending routes every fragment still pending, resolving targets again
// where an earlier attempt failed
func (e *Engine) RetryPending(ctx context.Context, actor string) ([]model.IngestOutcome, error) {
	var out []model.IngestOutcome
	for _, f := range e.store.Fragments(model.FragmentPending) {
		res, err := e.IngestFragment(ctx, *f, actor)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			res = &model.IngestOutcome{FragmentID: f.ID, Status: model.FragmentPending, Reasons: []string{err.Error()}}
		}
		out = append(out, *res)
	}
	return out, nil
}

// RejectFragment rejects a fragment on behalf of a user. An auto-integrated
// fragment is rolled out of every cell and unit it touched and the affected
// grids' health is recomputed immediately, propagating to dependent grids.
// A fragment waiting in a decision can only be settled through that
// decision. Rejecting a rejected fragment is a no-op.
func (e *Engine) RejectFragment(ctx context.Context, id, actor string) (*model.EvidenceFragment, error) {
	if actor == "" {
		actor = model.SourceUser
	}
	var (
		out     *model.EvidenceFragment
		touched map[string][]string
	)
	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		touched = nil
		f, ok := tx.Fragment(id)
		if !ok {
			return &model.NotFoundError{Entity: "fragment", ID: id}
		}
		if f.Status == model.FragmentRejected {
			out = f
			return nil
		}
		if f.Status == model.FragmentNeedsDecision {
			return &model.FragmentAwaitingDecisionError{FragmentID: id, DecisionID: f.DecisionID}
		}
		prov := model.Provenance{SourceType: model.SourceUser, SourceRef: id, Actor: actor}

		if f.Status == model.FragmentAutoIntegrated {
			keys, err := tx.RejectContribution(id, prov)
			if err != nil {
				return err
			}
			touched = cellsByGrid(keys)
		}
		updated, err := tx.SetFragmentStatus(id, f.Version, store.FragmentUpdate{
			Status:     model.FragmentRejected,
			Reason:     model.ReasonUserRejected,
			DecisionID: f.DecisionID,
		}, prov)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	grids := make([]string, 0, len(touched))
	for g := range touched {
		grids = append(grids, g)
	}
	sort.Strings(grids)
	for _, g := range grids {
		e.gating.MarkChanged(g, touched[g]...)
		h, err := e.gating.Recompute(ctx, g)
		if err != nil {
			return out, err
		}
		metrics.SetGridHealth(g, h.Score)
	}
	e.logger.Info("fragment rejected", "fragment", id, "actor", actor, "recomputed", grids)
	return out, nil
}

// cellsByGrid groups cell keys ("grid/cell") by grid
func cellsByGrid(cellKeys []string) map[string][]string {
	out := make(map[string][]string)
	for _, k := range cellKeys {
		g, cell, ok := strings.Cut(k, "/")
		if ok {
			out[g] = append(out[g], cell)
		}
	}
	return out
}

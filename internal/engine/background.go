package engine

import (
	"context"

	"github.com/ppiankov/evidentia/internal/metrics"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
)

const (
	compactEvery = 512  // events between log compactions
	retainEvents = 4096 // events kept by compaction
)

// run consumes the change-event log. Every event is delivered at least
// once; redelivered sequence numbers are skipped, and everything a handler
// schedules is keyed per grid so a newer event supersedes older work.
func (e *Engine) run(ctx context.Context) {
	defer close(e.loopDone)
	var last uint64
	for {
		ev, err := e.sub.Next(ctx)
		if err != nil {
			return
		}
		if ev.Seq <= last {
			e.sub.Ack(ev.Seq)
			continue
		}
		last = ev.Seq

		e.handle(ev)
		e.sub.Ack(ev.Seq)

		if ev.Seq%compactEvery == 0 {
			if n := e.store.Log().Compact(retainEvents); n > 0 {
				e.logger.Debug("event log compacted", "dropped", n)
			}
		}
	}
}

// handle schedules the background work an event calls for
func (e *Engine) handle(ev model.ChangeEvent) {
	e.gating.Observe(ev)

	var grids []string
	e.store.View(func(r store.Reader) {
		grids = e.gating.Affected(r, ev)
	})
	for _, g := range grids {
		e.scheduleHealth(g)
	}

	// the detector and gating write content themselves; scanning again on
	// their own events would loop
	if ev.GridID != "" && ev.ContentChange() && !systemWrite(ev.Provenance) {
		e.scheduleScan(ev.GridID)
	}
}

func systemWrite(p model.Provenance) bool {
	return p.SourceType == model.SourceDetector || p.SourceType == model.SourceGating
}

func (e *Engine) scheduleHealth(gridID string) {
	e.scheduler.Schedule("health:"+gridID, func(ctx context.Context) error {
		h, err := e.gating.Recompute(ctx, gridID)
		if err != nil {
			return err
		}
		metrics.SetGridHealth(gridID, h.Score)
		return nil
	})
}

func (e *Engine) scheduleScan(gridID string) {
	e.scheduler.Schedule("scan:"+gridID, func(ctx context.Context) error {
		if _, ok := e.store.Grid(gridID); !ok {
			return nil
		}
		_, err := e.Scan(ctx, gridID)
		return err
	})
}

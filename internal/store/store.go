// Package store is the entity store: typed units, grids, cells and
// relationships plus the fragment, decision and predicament records that
// reference them.
//
// All mutations go through Apply, which runs a copy-on-write transaction
// under a single-writer section. A transaction either commits completely
// (persisted, swapped into the live generation, events published) or leaves
// no trace.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/evidentia/internal/eventlog"
	"github.com/ppiankov/evidentia/internal/model"
)

// WriteGuard is consulted the first time a transaction writes content into a
// grid. It sees the transaction's own view of the store.
type WriteGuard func(tx *Tx, gridID string, prov model.Provenance) error

// Store holds the live generation of records
type Store struct {
	writer chan struct{} // single-writer section, acquirable with a context
	mu     sync.RWMutex  // guards base swaps against readers
	base   *state

	log       *eventlog.Log
	persister Persister
	guard     WriteGuard
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithPersister sets the persistence layer
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store publishing to log
func New(log *eventlog.Log, opts ...Option) *Store {
	if log == nil {
		log = eventlog.New()
	}
	s := &Store{
		writer: make(chan struct{}, 1),
		base:   newState(),
		log:    log,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a store and loads everything its persister holds
func Open(ctx context.Context, log *eventlog.Log, opts ...Option) (*Store, error) {
	s := New(log, opts...)
	if s.persister == nil {
		return s, nil
	}

	loaded, err := s.persister.Load(ctx)
	if err != nil {
		return nil, err
	}

	for _, v := range loaded.Units {
		s.base.units[v.ID] = v
	}
	for _, v := range loaded.Grids {
		s.base.grids[v.ID] = v
	}
	for _, v := range loaded.Cells {
		s.base.cells[v.Key()] = v
	}
	for _, v := range loaded.Relationships {
		s.base.rels[v.ID] = v
	}
	for _, v := range loaded.Fragments {
		s.base.fragments[v.ID] = v
	}
	for _, v := range loaded.Decisions {
		s.base.decisions[v.ID] = v
	}
	for _, v := range loaded.Predicaments {
		s.base.predicaments[v.ID] = v
	}
	for _, v := range loaded.Overrides {
		s.base.overrides[v.ID] = v
	}
	s.log.Restore(loaded.Events)

	s.logger.Info("entity store opened", "records", s.base.size(), "last_seq", s.log.LastSeq())
	return s, nil
}

// SetWriteGuard installs the gating hook
func (s *Store) SetWriteGuard(g WriteGuard) {
	_ = s.acquire(context.Background())
	defer s.release()
	s.guard = g
}

// Log returns the change-event log the store publishes to
func (s *Store) Log() *eventlog.Log {
	return s.log
}

// Now returns the store clock
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() {
	<-s.writer
}

// Apply runs fn in a transaction and commits it atomically.
// If fn returns an error nothing is committed.
func (s *Store) Apply(ctx context.Context, fn func(tx *Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return fmt.Errorf("acquire store writer: %w", err)
	}
	defer s.release()

	tx := newTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(ctx, tx)
}

func (s *Store) commit(ctx context.Context, tx *Tx) error {
	if tx.empty() {
		return nil
	}

	events := s.log.Stamp(tx.events)
	batch := tx.batch()
	batch.Events = events

	if s.persister != nil {
		if err := s.persister.Commit(ctx, batch); err != nil {
			return fmt.Errorf("persist transaction: %w", err)
		}
	}

	s.mu.Lock()
	tx.mergeInto(s.base)
	s.mu.Unlock()

	if err := s.log.Publish(events); err != nil {
		// The write is durable; a sequence gap only happens if something else published
		s.logger.Error("publish change events", "error", err)
	}
	return nil
}

// Close closes the persister
func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

// View runs fn against a consistent read-only view of the live generation
func (s *Store) View(fn func(r Reader)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&view{over: nil, base: s.base})
}

// GetSnapshot returns a deep copy of a grid with its cells, relationships and units
func (s *Store) GetSnapshot(gridID string) (*model.Snapshot, error) {
	var (
		snap *model.Snapshot
		err  error
	)
	s.View(func(r Reader) {
		snap, err = Snapshot(r, gridID)
	})
	if snap != nil {
		snap.TakenAt = s.now()
	}
	return snap, err
}

// Snapshot builds a grid snapshot from any reader
func Snapshot(r Reader, gridID string) (*model.Snapshot, error) {
	grid, ok := r.Grid(gridID)
	if !ok {
		return nil, &model.NotFoundError{Entity: "grid", ID: gridID}
	}

	snap := &model.Snapshot{Grid: *grid}
	unitIDs := make(map[string]bool)
	for _, id := range grid.UnitIDs {
		unitIDs[id] = true
	}
	for _, c := range r.Cells(gridID) {
		snap.Cells = append(snap.Cells, *c)
		if c.UnitID != "" {
			unitIDs[c.UnitID] = true
		}
	}
	for _, rel := range r.Relationships(gridID) {
		snap.Relationships = append(snap.Relationships, *rel)
	}
	for _, u := range r.Units("") {
		if unitIDs[u.ID] {
			snap.Units = append(snap.Units, *u)
		}
	}
	return snap, nil
}

// The read methods below copy out of the live generation.

// Unit returns a unit
func (s *Store) Unit(id string) (u *model.Unit, ok bool) {
	s.View(func(r Reader) { u, ok = r.Unit(id) })
	return
}

// Grid returns a grid
func (s *Store) Grid(id string) (g *model.Grid, ok bool) {
	s.View(func(r Reader) { g, ok = r.Grid(id) })
	return
}

// Grids returns every grid ordered by phase
func (s *Store) Grids() (out []*model.Grid) {
	s.View(func(r Reader) { out = r.Grids() })
	return
}

// Cell returns a cell
func (s *Store) Cell(gridID, cellID string) (c *model.Cell, ok bool) {
	s.View(func(r Reader) { c, ok = r.Cell(gridID, cellID) })
	return
}

// Units returns units of the given type ("" for all)
func (s *Store) Units(unitType string) (out []*model.Unit) {
	s.View(func(r Reader) { out = r.Units(unitType) })
	return
}

// Fragment returns a fragment
func (s *Store) Fragment(id string) (f *model.EvidenceFragment, ok bool) {
	s.View(func(r Reader) { f, ok = r.Fragment(id) })
	return
}

// Fragments returns fragments with the given status ("" for all)
func (s *Store) Fragments(status model.FragmentStatus) (out []*model.EvidenceFragment) {
	s.View(func(r Reader) { out = r.Fragments(status) })
	return
}

// Decision returns a pending decision
func (s *Store) Decision(id string) (d *model.PendingDecision, ok bool) {
	s.View(func(r Reader) { d, ok = r.Decision(id) })
	return
}

// Decisions returns decisions matching the filter
func (s *Store) Decisions(f model.DecisionFilter) (out []*model.PendingDecision) {
	s.View(func(r Reader) { out = r.Decisions(f) })
	return
}

// Predicament returns a predicament
func (s *Store) Predicament(id string) (p *model.Predicament, ok bool) {
	s.View(func(r Reader) { p, ok = r.Predicament(id) })
	return
}

// Predicaments returns predicaments matching the filter
func (s *Store) Predicaments(f model.PredicamentFilter) (out []*model.Predicament) {
	s.View(func(r Reader) { out = r.Predicaments(f) })
	return
}

// Overrides returns the recorded gate overrides for a grid
func (s *Store) Overrides(gridID string) (out []*model.Override) {
	s.View(func(r Reader) { out = r.Overrides(gridID) })
	return
}

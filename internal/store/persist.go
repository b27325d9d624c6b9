package store

import (
	"context"

	"github.com/ppiankov/evidentia/internal/model"
)

// RecordKind identifies the entity type of a persisted record
type RecordKind byte

// Single-byte key prefixes of persisted records
const (
	KindUnit         RecordKind = 0x01
	KindGrid         RecordKind = 0x02
	KindCell         RecordKind = 0x03
	KindRelationship RecordKind = 0x04
	KindFragment     RecordKind = 0x05
	KindDecision     RecordKind = 0x06
	KindPredicament  RecordKind = 0x07
	KindOverride     RecordKind = 0x08
)

func (k RecordKind) String() string {
	switch k {
	case KindUnit:
		return "unit"
	case KindGrid:
		return "grid"
	case KindCell:
		return "cell"
	case KindRelationship:
		return "relationship"
	case KindFragment:
		return "fragment"
	case KindDecision:
		return "decision"
	case KindPredicament:
		return "predicament"
	case KindOverride:
		return "override"
	}
	return "unknown"
}

// Record is one conditional write. PrevVersion is the version the writer
// observed (0 for a create); the persister rejects the batch if the stored
// version differs.
type Record struct {
	Kind        RecordKind
	ID          string
	PrevVersion int64
	Version     int64
	Value       interface{}
}

// Batch is the unit of atomic persistence produced by one transaction
type Batch struct {
	Records []Record
	Events  []model.ChangeEvent
}

// Loaded is everything a persister returns on open
type Loaded struct {
	Units         []*model.Unit
	Grids         []*model.Grid
	Cells         []*model.Cell
	Relationships []*model.Relationship
	Fragments     []*model.EvidenceFragment
	Decisions     []*model.PendingDecision
	Predicaments  []*model.Predicament
	Overrides     []*model.Override
	Events        []model.ChangeEvent
}

// Persister is the persistence layer: conditional writes plus an append-only event feed
type Persister interface {
	Load(ctx context.Context) (*Loaded, error)
	Commit(ctx context.Context, batch *Batch) error
	Close() error
}

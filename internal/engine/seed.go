package engine

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
)

// SeedFile is the initial knowledge model elicited from the user, as written
// in a YAML seed file
type SeedFile struct {
	Units         []SeedUnit         `yaml:"units"`
	Grids         []SeedGrid         `yaml:"grids"`
	Overrides     []SeedOverride     `yaml:"overrides"`
	Cells         []SeedCell         `yaml:"cells"`
	Relationships []SeedRelationship `yaml:"relationships"`
}

// SeedUnit is one unit of a seed file
type SeedUnit struct {
	ID         string            `yaml:"id"`
	Type       string            `yaml:"type"`
	Content    string            `yaml:"content"`
	Attributes map[string]string `yaml:"attributes,omitempty"`
}

// SeedGrid is one grid of a seed file
type SeedGrid struct {
	ID           string           `yaml:"id"`
	Name         string           `yaml:"name"`
	Phase        int              `yaml:"phase"`
	Dependencies []string         `yaml:"dependencies,omitempty"`
	UnitIDs      []string         `yaml:"unit_ids,omitempty"`
	Vocabulary   model.Vocabulary `yaml:"vocabulary"`
}

// SeedOverride acknowledges writing a grid while a dependency is still
// below the healthy threshold
type SeedOverride struct {
	GridID         string `yaml:"grid_id"`
	BlockingGridID string `yaml:"blocking_grid_id"`
	Reason         string `yaml:"reason"`
}

// SeedCell is one cell of a seed file
type SeedCell struct {
	GridID     string      `yaml:"grid_id"`
	ID         string      `yaml:"id"`
	Type       string      `yaml:"type"`
	UnitID     string      `yaml:"unit_id,omitempty"`
	Content    string      `yaml:"content"`
	Confidence float64     `yaml:"confidence"`
	References []model.Ref `yaml:"references,omitempty"`
}

// SeedRelationship is one relationship of a seed file
type SeedRelationship struct {
	ID            string    `yaml:"id,omitempty"`
	Type          string    `yaml:"type"`
	From          model.Ref `yaml:"from"`
	To            model.Ref `yaml:"to"`
	Bidirectional bool      `yaml:"bidirectional,omitempty"`
	Confidence    float64   `yaml:"confidence"`
}

// SeedSummary counts what a seed created
type SeedSummary struct {
	Units         int `json:"units"`
	Grids         int `json:"grids"`
	Overrides     int `json:"overrides"`
	Cells         int `json:"cells"`
	Relationships int `json:"relationships"`
}

// LoadSeedFile parses a YAML seed file
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("%w: parse seed file %s: %v", model.ErrInvalidInput, path, err)
	}
	return &seed, nil
}

// Seed writes a seed in one transaction: nothing is created unless
// everything is. Cells written to a grid whose dependency is below the
// healthy threshold need a matching override in the seed.
func (e *Engine) Seed(ctx context.Context, seed *SeedFile, actor string) (*SeedSummary, error) {
	if actor == "" {
		actor = model.SourceUser
	}
	prov := model.Provenance{SourceType: model.SourceUser, SourceRef: "seed", Actor: actor}
	sum := &SeedSummary{}

	err := e.store.Apply(ctx, func(tx *store.Tx) error {
		*sum = SeedSummary{}
		for _, u := range seed.Units {
			if _, err := tx.CreateUnit(store.UnitInput{
				ID:         u.ID,
				Type:       u.Type,
				Content:    u.Content,
				Attributes: u.Attributes,
				Status:     model.UnitActive,
			}, prov); err != nil {
				return fmt.Errorf("unit %s: %w", u.ID, err)
			}
			sum.Units++
		}
		for _, g := range seed.Grids {
			if _, err := tx.CreateGrid(store.GridInput{
				ID:           g.ID,
				Name:         g.Name,
				Phase:        g.Phase,
				Dependencies: g.Dependencies,
				UnitIDs:      g.UnitIDs,
				Vocabulary:   g.Vocabulary,
			}, prov); err != nil {
				return fmt.Errorf("grid %s: %w", g.ID, err)
			}
			sum.Grids++
		}
		for _, o := range seed.Overrides {
			if _, err := tx.RecordOverride(model.Override{
				GridID:         o.GridID,
				BlockingGridID: o.BlockingGridID,
				Actor:          actor,
				Reason:         o.Reason,
			}, prov); err != nil {
				return fmt.Errorf("override %s/%s: %w", o.GridID, o.BlockingGridID, err)
			}
			sum.Overrides++
		}
		for _, c := range seed.Cells {
			if _, err := tx.UpsertCell(store.CellWrite{
				GridID:     c.GridID,
				CellID:     c.ID,
				Type:       c.Type,
				UnitID:     c.UnitID,
				Content:    c.Content,
				Confidence: c.Confidence,
				References: c.References,
			}, 0, prov); err != nil {
				return fmt.Errorf("cell %s: %w", model.CellKey(c.GridID, c.ID), err)
			}
			sum.Cells++
		}
		for _, r := range seed.Relationships {
			if _, err := tx.LinkRelationship(store.RelationshipInput{
				ID:            r.ID,
				Type:          r.Type,
				From:          r.From,
				To:            r.To,
				Bidirectional: r.Bidirectional,
				Confidence:    r.Confidence,
			}, prov); err != nil {
				return fmt.Errorf("relationship %s -> %s: %w", r.From.Key(), r.To.Key(), err)
			}
			sum.Relationships++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("knowledge model seeded",
		"units", sum.Units, "grids", sum.Grids, "cells", sum.Cells, "relationships", sum.Relationships)
	return sum, nil
}

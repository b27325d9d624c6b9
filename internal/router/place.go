package router

import (
	"fmt"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/store"
)

// Place integrates content backed by fragments at target t inside tx and
// returns the key of the changed target. Placement is idempotent per
// fragment: a fragment already contributing to the target adds nothing.
func Place(tx *store.Tx, t model.Target, content string, frags []*model.EvidenceFragment, prov model.Provenance) (string, error) {
	if len(frags) == 0 {
		return "", model.InvalidInput("placement needs at least one fragment")
	}
	ids := make([]string, 0, len(frags))
	var best float64
	for _, f := range frags {
		ids = append(ids, f.ID)
		if f.Confidence > best {
			best = f.Confidence
		}
	}

	switch t.Kind {
	case model.TargetCell:
		var expected int64
		if c, ok := tx.Cell(t.GridID, t.CellID); ok {
			expected = c.Version
		}
		c, err := tx.UpsertCell(store.CellWrite{
			GridID:      t.GridID,
			CellID:      t.CellID,
			Type:        t.CellType,
			Content:     content,
			Confidence:  best,
			FragmentIDs: ids,
		}, expected, prov)
		if err != nil {
			return "", fmt.Errorf("place into %s: %w", t.Key(), err)
		}
		return c.Ref().Key(), nil

	case model.TargetUnit:
		u, ok := tx.Unit(t.UnitID)
		if !ok {
			return "", &model.NotFoundError{Entity: "unit", ID: t.UnitID}
		}
		if t.Attribute == "" {
			if _, err := tx.PlaceUnitContent(u.ID, u.Version, content, ids, prov); err != nil {
				return "", fmt.Errorf("place into %s: %w", t.Key(), err)
			}
			return t.Key(), nil
		}
		for _, f := range frags {
			updated, err := tx.AssertAttribute(u.ID, u.Version, model.AttributeAssertion{
				Name:       t.Attribute,
				Value:      content,
				Confidence: f.Confidence,
				FragmentID: f.ID,
			}, prov)
			if err != nil {
				return "", fmt.Errorf("place into %s: %w", t.Key(), err)
			}
			u = updated
		}
		return t.Key(), nil

	case model.TargetNewUnit:
		// the unit is tied to its first fragment so rejecting it deprecates the unit
		unitProv := prov
		if unitProv.SourceType == model.SourceFragment {
			unitProv.SourceRef = frags[0].ID
		}
		u, err := tx.CreateUnit(store.UnitInput{Type: t.UnitType, Content: content}, unitProv)
		if err != nil {
			return "", fmt.Errorf("create %s unit: %w", t.UnitType, err)
		}
		return model.UnitRef(u.ID).Key(), nil
	}
	return "", model.InvalidInput("unknown target kind %q", t.Kind)
}

// FragmentProv is the provenance of a mutation made on behalf of a fragment
func FragmentProv(f *model.EvidenceFragment, actor string) model.Provenance {
	return model.Provenance{SourceType: model.SourceFragment, SourceRef: f.ID, Actor: actor}
}

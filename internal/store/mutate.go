package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/evidentia/internal/model"
)

func checkProvenance(prov model.Provenance) error {
	if !prov.Valid() {
		return model.InvalidInput("provenance requires source_type and source_ref")
	}
	return nil
}

func checkVersion(entity, id string, expected, actual int64) error {
	if expected != actual {
		return &model.VersionConflictError{Entity: entity, ID: id, Expected: expected, Actual: actual}
	}
	return nil
}

func checkConfidence(c float64) error {
	if c < 0 || c > 1 {
		return model.InvalidInput("confidence %.3f outside [0,1]", c)
	}
	return nil
}

// UnitInput describes a unit to create
type UnitInput struct {
	ID         string
	Type       string
	Content    string
	Attributes map[string]string
	Status     model.UnitStatus
}

// CreateUnit creates a unit. Attributes become user assertions with confidence 1.
func (tx *Tx) CreateUnit(in UnitInput, prov model.Provenance) (*model.Unit, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Type) == "" {
		return nil, model.InvalidInput("unit type is required")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if _, exists := tx.Unit(in.ID); exists {
		return nil, &model.VersionConflictError{Entity: "unit", ID: in.ID, Expected: 0, Actual: tx.unitVersion(in.ID)}
	}
	if in.Status == "" {
		in.Status = model.UnitActive
	}

	now := tx.Now()
	u := &model.Unit{
		ID:         in.ID,
		Type:       in.Type,
		Content:    in.Content,
		Status:     in.Status,
		Version:    1,
		Provenance: prov,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for name, value := range in.Attributes {
		u.Assertions = append(u.Assertions, model.AttributeAssertion{Name: name, Value: value, Confidence: 1, AssertedAt: now})
	}
	u.Attributes = acceptedAttributes(u)

	tx.over.units[u.ID] = u
	tx.emit(model.EventUnitCreated, u.ID, "", prov, map[string]interface{}{"type": u.Type})
	return cloneUnit(u), nil
}

func (tx *Tx) unitVersion(id string) int64 {
	if u, ok := lookup(tx.over.units, tx.base.units, id); ok {
		return u.Version
	}
	return 0
}

// mutableUnit returns the overlay copy of a unit after checking its version
func (tx *Tx) mutableUnit(id string, expected int64) (*model.Unit, error) {
	u, ok := tx.Unit(id)
	if !ok {
		return nil, &model.NotFoundError{Entity: "unit", ID: id}
	}
	if err := checkVersion("unit", id, expected, u.Version); err != nil {
		return nil, err
	}
	return u, nil
}

func (tx *Tx) putUnit(u *model.Unit, kind model.EventKind, prov model.Provenance, data map[string]interface{}) *model.Unit {
	u.Version++
	u.UpdatedAt = tx.Now()
	tx.over.units[u.ID] = u
	tx.emit(kind, u.ID, "", prov, data)
	for _, c := range tx.CellsOfUnit(u.ID) {
		tx.touched[c.GridID] = true
	}
	return cloneUnit(u)
}

// UpdateUnit changes a unit's content and sets user attributes. A user value
// supersedes earlier user values of the same attribute.
func (tx *Tx) UpdateUnit(id string, expected int64, content *string, attrs map[string]string, prov model.Provenance) (*model.Unit, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	u, err := tx.mutableUnit(id, expected)
	if err != nil {
		return nil, err
	}
	if u.Status == model.UnitDeprecated {
		return nil, model.InvalidInput("unit %s is deprecated", id)
	}

	now := tx.Now()
	if content != nil && *content != u.Content {
		appendUnitRevision(u, *content, nil, prov, now)
	}
	for name, value := range attrs {
		for i := range u.Assertions {
			if u.Assertions[i].Name == name && u.Assertions[i].FragmentID == "" {
				u.Assertions[i].Rejected = true
			}
		}
		u.Assertions = append(u.Assertions, model.AttributeAssertion{Name: name, Value: value, Confidence: 1, AssertedAt: now})
	}
	u.Attributes = acceptedAttributes(u)
	return tx.putUnit(u, model.EventUnitUpdated, prov, nil), nil
}

// PlaceUnitContent sets a unit's content on behalf of fragments. The
// revision stays tied to them so rejecting them restores the previous
// content. Placing the same fragments again is a no-op.
func (tx *Tx) PlaceUnitContent(unitID string, expected int64, content string, fragmentIDs []string, prov model.Provenance) (*model.Unit, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	if len(fragmentIDs) == 0 {
		return nil, model.InvalidInput("unit content placement needs at least one fragment")
	}
	u, err := tx.mutableUnit(unitID, expected)
	if err != nil {
		return nil, err
	}
	if u.Status == model.UnitDeprecated {
		return nil, model.InvalidInput("unit %s is deprecated", unitID)
	}
	for _, rev := range u.History {
		if !rev.Rejected && sameStrings(rev.FragmentIDs, fragmentIDs) {
			return u, nil
		}
	}
	appendUnitRevision(u, content, fragmentIDs, prov, tx.Now())
	return tx.putUnit(u, model.EventUnitUpdated, prov, map[string]interface{}{"fragment_ids": cloneStrings(fragmentIDs)}), nil
}

// appendUnitRevision records content as the unit's newest revision. The
// content a unit was created with becomes the first revision.
func appendUnitRevision(u *model.Unit, content string, fragmentIDs []string, prov model.Provenance, at time.Time) {
	if len(u.History) == 0 {
		u.History = append(u.History, model.UnitRevision{Content: u.Content, Provenance: u.Provenance, At: u.CreatedAt})
	}
	u.History = append(u.History, model.UnitRevision{
		Content:     content,
		FragmentIDs: cloneStrings(fragmentIDs),
		Provenance:  prov,
		At:          at,
	})
	u.Content = content
}

// liveUnitContent returns the content of the newest revision that is not rejected
func liveUnitContent(u *model.Unit) string {
	for i := len(u.History) - 1; i >= 0; i-- {
		if !u.History[i].Rejected {
			return u.History[i].Content
		}
	}
	return u.Content
}

// allRejected reports whether every fragment in ids is rejected once
// rejecting is rejected too
func (tx *Tx) allRejected(ids []string, rejecting string) bool {
	for _, id := range ids {
		if id == rejecting {
			continue
		}
		if f, ok := tx.Fragment(id); !ok || f.Status != model.FragmentRejected {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, x := range a {
		seen[x] = true
	}
	for _, x := range b {
		if !seen[x] {
			return false
		}
	}
	return true
}

// AssertAttribute records a fragment-backed attribute value on a unit.
// Re-asserting the same fragment for the same attribute is a no-op.
func (tx *Tx) AssertAttribute(unitID string, expected int64, a model.AttributeAssertion, prov model.Provenance) (*model.Unit, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	if err := checkConfidence(a.Confidence); err != nil {
		return nil, err
	}
	if a.Name == "" {
		return nil, model.InvalidInput("attribute name is required")
	}
	u, err := tx.mutableUnit(unitID, expected)
	if err != nil {
		return nil, err
	}
	if u.Status == model.UnitDeprecated {
		return nil, model.InvalidInput("unit %s is deprecated", unitID)
	}

	if a.FragmentID != "" {
		for _, existing := range u.Assertions {
			if existing.Name == a.Name && existing.FragmentID == a.FragmentID {
				return u, nil
			}
		}
	}

	a.AssertedAt = tx.Now()
	a.Rejected = false
	u.Assertions = append(u.Assertions, a)
	u.Attributes = acceptedAttributes(u)
	return tx.putUnit(u, model.EventUnitUpdated, prov, map[string]interface{}{"attribute": a.Name}), nil
}

// DeprecateUnit transitions a unit to deprecated. Units are never deleted.
func (tx *Tx) DeprecateUnit(id string, expected int64, prov model.Provenance) (*model.Unit, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	u, err := tx.mutableUnit(id, expected)
	if err != nil {
		return nil, err
	}
	if u.Status == model.UnitDeprecated {
		return u, nil
	}
	u.Status = model.UnitDeprecated
	return tx.putUnit(u, model.EventUnitDeprecated, prov, nil), nil
}

// GridInput describes a grid to create
type GridInput struct {
	ID            string
	Name          string
	Phase         int
	Dependencies  []string
	UnitIDs       []string
	Vocabulary    model.Vocabulary
	PredicamentID string
}

// CreateGrid creates a grid. Dependencies must exist and sit in an earlier phase.
func (tx *Tx) CreateGrid(in GridInput, prov model.Provenance) (*model.Grid, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	if in.Phase < 0 {
		return nil, model.InvalidInput("phase must be >= 0")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if strings.Contains(in.ID, "/") {
		return nil, model.InvalidInput("grid id %q must not contain '/'", in.ID)
	}
	if existing, ok := tx.Grid(in.ID); ok {
		return nil, &model.VersionConflictError{Entity: "grid", ID: in.ID, Expected: 0, Actual: existing.Version}
	}
	for _, dep := range in.Dependencies {
		g, ok := tx.Grid(dep)
		if !ok {
			return nil, &model.NotFoundError{Entity: "grid", ID: dep}
		}
		if g.Phase >= in.Phase {
			return nil, model.InvalidInput("dependency %s is in phase %d, grid %s is in phase %d", dep, g.Phase, in.ID, in.Phase)
		}
	}
	for _, uid := range in.UnitIDs {
		if _, ok := tx.Unit(uid); !ok {
			return nil, &model.NotFoundError{Entity: "unit", ID: uid}
		}
	}

	now := tx.Now()
	g := &model.Grid{
		ID:            in.ID,
		Name:          in.Name,
		Phase:         in.Phase,
		Status:        model.GridInProgress,
		Dependencies:  cloneStrings(in.Dependencies),
		UnitIDs:       cloneStrings(in.UnitIDs),
		Vocabulary:    in.Vocabulary,
		PredicamentID: in.PredicamentID,
		Version:       1,
		Provenance:    prov,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if g.Name == "" {
		g.Name = g.ID
	}
	if len(g.Dependencies) > 0 {
		g.Status = model.GridLocked
	}
	g = cloneGrid(g)

	tx.over.grids[g.ID] = g
	tx.emit(model.EventGridCreated, g.ID, g.ID, prov, map[string]interface{}{
		"phase":        g.Phase,
		"dependencies": cloneStrings(g.Dependencies),
	})
	return cloneGrid(g), nil
}

// GridHealthUpdate is the outcome of a gating recomputation
type GridHealthUpdate struct {
	Status model.GridStatus
	Health float64
	// Propagated records Health as the baseline of the next propagation
	Propagated bool
}

// UpdateGridStatus records a grid's computed status and health
func (tx *Tx) UpdateGridStatus(id string, expected int64, upd GridHealthUpdate, prov model.Provenance) (*model.Grid, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	g, ok := tx.Grid(id)
	if !ok {
		return nil, &model.NotFoundError{Entity: "grid", ID: id}
	}
	if err := checkVersion("grid", id, expected, g.Version); err != nil {
		return nil, err
	}
	rebased := upd.Propagated && (g.PropagatedHealth == nil || *g.PropagatedHealth != upd.Health)
	if g.Status == upd.Status && g.LastHealth == upd.Health && !rebased {
		return g, nil
	}

	from := g.Status
	g.Status = upd.Status
	g.LastHealth = upd.Health
	if upd.Propagated {
		h := upd.Health
		g.PropagatedHealth = &h
	}
	g.Version++
	g.UpdatedAt = tx.Now()
	tx.over.grids[id] = g
	tx.emit(model.EventGridStatus, id, id, prov, map[string]interface{}{
		"from":   string(from),
		"to":     string(upd.Status),
		"health": upd.Health,
	})
	return cloneGrid(g), nil
}

// CellWrite describes a cell upsert
type CellWrite struct {
	GridID      string
	CellID      string
	Type        string
	UnitID      string
	Content     string
	Confidence  float64 // used when no fragment contributes
	FragmentIDs []string
	References  []model.Ref
}

// UpsertCell creates or updates a cell. expected is 0 for a new cell.
// Content changes append a revision; contributing fragments are deduplicated
// and the cell confidence is re-aggregated over non-rejected contributions.
func (tx *Tx) UpsertCell(w CellWrite, expected int64, prov model.Provenance) (*model.Cell, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	if err := checkConfidence(w.Confidence); err != nil {
		return nil, err
	}
	if w.CellID == "" || strings.Contains(w.CellID, "/") {
		return nil, model.InvalidInput("invalid cell id %q", w.CellID)
	}
	grid, ok := tx.Grid(w.GridID)
	if !ok {
		return nil, &model.NotFoundError{Entity: "grid", ID: w.GridID}
	}

	cell, exists := tx.Cell(w.GridID, w.CellID)
	var actual int64
	if exists {
		actual = cell.Version
	}
	if err := checkVersion("cell", model.CellKey(w.GridID, w.CellID), expected, actual); err != nil {
		return nil, err
	}
	if !exists {
		cell = &model.Cell{ID: w.CellID, GridID: w.GridID, Type: w.Type}
	}
	if w.Type != "" && cell.Type != w.Type {
		cell.Type = w.Type
	}

	if len(grid.Vocabulary.CellTypes) > 0 {
		spec, known := grid.Vocabulary.CellType(cell.Type)
		if !known {
			return nil, model.InvalidInput("cell type %q is not in the vocabulary of grid %s", cell.Type, grid.ID)
		}
		if spec.UserOnly && prov.SourceType == model.SourceFragment {
			return nil, model.InvalidInput("cell type %q only accepts user input", cell.Type)
		}
	}
	if w.UnitID != "" {
		if _, ok := tx.Unit(w.UnitID); !ok {
			return nil, &model.NotFoundError{Entity: "unit", ID: w.UnitID}
		}
		cell.UnitID = w.UnitID
	}
	for _, ref := range w.References {
		if ref.Kind != model.RefCell {
			return nil, model.InvalidInput("cell references must point at cells")
		}
		if _, ok := tx.Cell(ref.GridID, ref.ID); !ok {
			return nil, &model.NotFoundError{Entity: "cell", ID: model.CellKey(ref.GridID, ref.ID)}
		}
	}

	if err := tx.guardWrite(w.GridID, prov); err != nil {
		return nil, err
	}

	now := tx.Now()
	changed := !exists

	var added []string
	for _, fid := range w.FragmentIDs {
		if cell.HasContribution(fid) {
			continue
		}
		f, ok := tx.Fragment(fid)
		if !ok {
			return nil, &model.NotFoundError{Entity: "fragment", ID: fid}
		}
		cell.Contributions = append(cell.Contributions, model.Contribution{FragmentID: fid, Confidence: f.Confidence, AddedAt: now})
		added = append(added, fid)
		changed = true
	}

	for _, ref := range w.References {
		if !hasRef(cell.References, ref) {
			cell.References = append(cell.References, ref)
			changed = true
		}
	}

	confidence := w.Confidence
	if agg, ok := AggregateConfidence(cell.Contributions); ok {
		confidence = agg
	} else if exists && len(w.FragmentIDs) > 0 {
		confidence = cell.Confidence
	}

	contentChanged := cell.Content != w.Content
	if contentChanged || cell.Confidence != confidence || !exists {
		cell.Content = w.Content
		cell.Confidence = confidence
		cell.History = append(cell.History, model.CellRevision{
			Version:     cell.Version + 1,
			Content:     cell.Content,
			Confidence:  cell.Confidence,
			Provenance:  prov,
			FragmentIDs: added,
			At:          now,
		})
		changed = true
	}
	if !changed {
		return cell, nil
	}

	cell.Version++
	cell.UpdatedAt = now
	tx.over.cells[cell.Key()] = cell
	tx.emit(model.EventCellUpserted, cell.Key(), cell.GridID, prov, map[string]interface{}{
		"cell_id":         cell.ID,
		"content_changed": contentChanged,
		"fragments":       added,
		"confidence":      cell.Confidence,
	})
	return cloneCell(cell), nil
}

func hasRef(refs []model.Ref, ref model.Ref) bool {
	for _, r := range refs {
		if r.Key() == ref.Key() {
			return true
		}
	}
	return false
}

// RejectContribution rolls a fragment out of every cell and unit assertion it
// contributed to. Cell content reverts to the newest revision that is still
// backed by a non-rejected source. Units created from the fragment are deprecated.
// It returns the keys of the changed cells.
func (tx *Tx) RejectContribution(fragmentID string, prov model.Provenance) ([]string, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}

	var changed []string
	now := tx.Now()

	cells := merged(tx.over.cells, tx.base.cells, func(c *model.Cell) bool {
		for _, contrib := range c.Contributions {
			if contrib.FragmentID == fragmentID && !contrib.Rejected {
				return true
			}
		}
		return false
	})
	for _, shared := range cells {
		cell := cloneCell(shared)
		if err := tx.guardWrite(cell.GridID, prov); err != nil {
			return nil, err
		}
		for i := range cell.Contributions {
			if cell.Contributions[i].FragmentID == fragmentID {
				cell.Contributions[i].Rejected = true
			}
		}

		live, hasLive := liveRevision(cell)
		content, confidence := "", 0.0
		var liveFragments []string
		if hasLive {
			content, confidence, liveFragments = live.Content, live.Confidence, live.FragmentIDs
		}
		if agg, ok := AggregateConfidence(cell.Contributions); ok {
			confidence = agg
		}

		cell.Content = content
		cell.Confidence = confidence
		cell.History = append(cell.History, model.CellRevision{
			Version:     cell.Version + 1,
			Content:     content,
			Confidence:  confidence,
			Provenance:  prov,
			FragmentIDs: cloneStrings(liveFragments),
			At:          now,
		})
		cell.Version++
		cell.UpdatedAt = now
		tx.over.cells[cell.Key()] = cell
		changed = append(changed, cell.Key())
		tx.emit(model.EventContributionRemoved, cell.Key(), cell.GridID, prov, map[string]interface{}{
			"cell_id":     cell.ID,
			"fragment_id": fragmentID,
			"confidence":  confidence,
		})
	}

	units := merged(tx.over.units, tx.base.units, func(u *model.Unit) bool {
		if u.Provenance.SourceType == model.SourceFragment && u.Provenance.SourceRef == fragmentID && u.Status != model.UnitDeprecated {
			return true
		}
		for _, a := range u.Assertions {
			if a.FragmentID == fragmentID && !a.Rejected {
				return true
			}
		}
		for _, rev := range u.History {
			if !rev.Rejected && containsString(rev.FragmentIDs, fragmentID) {
				return true
			}
		}
		return false
	})
	for _, shared := range units {
		u := cloneUnit(shared)
		for i := range u.Assertions {
			if u.Assertions[i].FragmentID == fragmentID {
				u.Assertions[i].Rejected = true
			}
		}
		for i := range u.History {
			rev := &u.History[i]
			if !rev.Rejected && containsString(rev.FragmentIDs, fragmentID) {
				rev.Rejected = tx.allRejected(rev.FragmentIDs, fragmentID)
			}
		}
		u.Content = liveUnitContent(u)
		u.Attributes = acceptedAttributes(u)
		kind := model.EventUnitUpdated
		if u.Provenance.SourceType == model.SourceFragment && u.Provenance.SourceRef == fragmentID {
			u.Status = model.UnitDeprecated
			kind = model.EventUnitDeprecated
		}
		tx.putUnit(u, kind, prov, map[string]interface{}{"fragment_id": fragmentID})
	}

	return changed, nil
}

// MarkStale flags a cell as excluded from health until re-validated
func (tx *Tx) MarkStale(gridID, cellID, reason string, prov model.Provenance) error {
	if err := checkProvenance(prov); err != nil {
		return err
	}
	cell, ok := tx.Cell(gridID, cellID)
	if !ok {
		return &model.NotFoundError{Entity: "cell", ID: model.CellKey(gridID, cellID)}
	}
	if cell.Stale && cell.StaleReason == reason {
		return nil
	}

	cell.Stale = true
	cell.StaleReason = reason
	cell.Version++
	cell.UpdatedAt = tx.Now()
	tx.over.cells[cell.Key()] = cell
	tx.touched[gridID] = true
	tx.emit(model.EventCellStale, cell.Key(), gridID, prov, map[string]interface{}{"cell_id": cellID, "reason": reason})
	return nil
}

// Revalidate clears a cell's stale flag
func (tx *Tx) Revalidate(gridID, cellID string, expected int64, prov model.Provenance) (*model.Cell, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	cell, ok := tx.Cell(gridID, cellID)
	if !ok {
		return nil, &model.NotFoundError{Entity: "cell", ID: model.CellKey(gridID, cellID)}
	}
	if err := checkVersion("cell", cell.Key(), expected, cell.Version); err != nil {
		return nil, err
	}
	if !cell.Stale {
		return cell, nil
	}

	cell.Stale = false
	cell.StaleReason = ""
	cell.Version++
	cell.UpdatedAt = tx.Now()
	tx.over.cells[cell.Key()] = cell
	tx.touched[gridID] = true
	tx.emit(model.EventCellRevalidated, cell.Key(), gridID, prov, map[string]interface{}{"cell_id": cellID})
	return cloneCell(cell), nil
}

// RelationshipInput describes an edge to link
type RelationshipInput struct {
	ID            string
	Type          string
	From          model.Ref
	To            model.Ref
	Bidirectional bool
	Confidence    float64
}

func (tx *Tx) checkEndpoint(ref model.Ref) (*model.Grid, error) {
	switch ref.Kind {
	case model.RefCell:
		if _, ok := tx.Cell(ref.GridID, ref.ID); !ok {
			return nil, &model.NotFoundError{Entity: "cell", ID: model.CellKey(ref.GridID, ref.ID)}
		}
		g, _ := tx.Grid(ref.GridID)
		return g, nil
	case model.RefUnit:
		if _, ok := tx.Unit(ref.ID); !ok {
			return nil, &model.NotFoundError{Entity: "unit", ID: ref.ID}
		}
		return nil, nil
	}
	return nil, model.InvalidInput("unknown reference kind %q", ref.Kind)
}

// LinkRelationship links two cells or units. Linking an identical edge again returns the existing one.
func (tx *Tx) LinkRelationship(in RelationshipInput, prov model.Provenance) (*model.Relationship, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, model.InvalidInput("relationship type is required")
	}
	if err := checkConfidence(in.Confidence); err != nil {
		return nil, err
	}
	if in.From.Key() == in.To.Key() {
		return nil, model.InvalidInput("relationship endpoints must differ")
	}

	var grids []*model.Grid
	for _, ref := range []model.Ref{in.From, in.To} {
		g, err := tx.checkEndpoint(ref)
		if err != nil {
			return nil, err
		}
		if g != nil {
			grids = append(grids, g)
		}
	}
	for _, g := range grids {
		if len(g.Vocabulary.RelationshipTypes) == 0 {
			continue
		}
		allowed := false
		for _, t := range g.Vocabulary.RelationshipTypes {
			if t == in.Type {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, model.InvalidInput("relationship type %q is not in the vocabulary of grid %s", in.Type, g.ID)
		}
	}

	for _, r := range tx.RelationshipsOf(in.From) {
		if r.Type == in.Type && r.From.Key() == in.From.Key() && r.To.Key() == in.To.Key() {
			return r, nil
		}
	}

	for _, g := range grids {
		if err := tx.guardWrite(g.ID, prov); err != nil {
			return nil, err
		}
	}

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	rel := &model.Relationship{
		ID:            in.ID,
		Type:          in.Type,
		From:          in.From,
		To:            in.To,
		Bidirectional: in.Bidirectional,
		Confidence:    in.Confidence,
		Version:       1,
		Provenance:    prov,
		CreatedAt:     tx.Now(),
	}
	tx.over.rels[rel.ID] = rel

	gridID := ""
	if len(grids) > 0 {
		gridID = grids[0].ID
	}
	tx.emit(model.EventRelationshipLinked, rel.ID, gridID, prov, map[string]interface{}{
		"type": rel.Type,
		"from": rel.From.Key(),
		"to":   rel.To.Key(),
	})
	if len(grids) > 1 && grids[1].ID != gridID {
		tx.emit(model.EventRelationshipLinked, rel.ID, grids[1].ID, prov, map[string]interface{}{
			"type": rel.Type,
			"from": rel.From.Key(),
			"to":   rel.To.Key(),
		})
	}
	return cloneRel(rel), nil
}

// RecordFragment stores a new fragment. created is false when a fragment
// with the same identity already exists; the stored one is returned.
func (tx *Tx) RecordFragment(f *model.EvidenceFragment, prov model.Provenance) (stored *model.EvidenceFragment, created bool, err error) {
	if err := checkProvenance(prov); err != nil {
		return nil, false, err
	}
	if err := model.ValidateFragment(f); err != nil {
		return nil, false, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}

	in := cloneFragment(f)
	id := in.EnsureID()
	if existing, ok := tx.Fragment(id); ok {
		return existing, false, nil
	}

	now := tx.Now()
	in.Status = model.FragmentPending
	in.StatusReason = ""
	in.Version = 1
	in.CreatedAt = now
	in.UpdatedAt = now
	tx.over.fragments[id] = in
	tx.emit(model.EventFragmentRecorded, id, "", prov, map[string]interface{}{
		"confidence": in.Confidence,
		"targets":    in.TargetKeys(),
	})
	return cloneFragment(in), true, nil
}

// FragmentUpdate is a status transition of a fragment
type FragmentUpdate struct {
	Status      model.FragmentStatus
	Reason      string
	FailureNote string
	DecisionID  string
	Attempted   bool           // increments the attempt counter
	Candidates  []model.Target // fills the targets of a fragment recorded without any
}

// SetFragmentStatus transitions a fragment. Nothing but status metadata changes.
func (tx *Tx) SetFragmentStatus(id string, expected int64, upd FragmentUpdate, prov model.Provenance) (*model.EvidenceFragment, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	f, ok := tx.Fragment(id)
	if !ok {
		return nil, &model.NotFoundError{Entity: "fragment", ID: id}
	}
	if err := checkVersion("fragment", id, expected, f.Version); err != nil {
		return nil, err
	}

	if len(upd.Candidates) > 0 {
		if len(f.Candidates) > 0 {
			return nil, model.InvalidInput("fragment %s already has candidate targets", id)
		}
		f.Candidates = append([]model.Target(nil), upd.Candidates...)
	}

	from := f.Status
	f.Status = upd.Status
	f.StatusReason = upd.Reason
	f.FailureNote = upd.FailureNote
	if upd.DecisionID != "" {
		f.DecisionID = upd.DecisionID
	}
	if upd.Attempted {
		f.Attempts++
	}
	f.Version++
	f.UpdatedAt = tx.Now()
	tx.over.fragments[id] = f
	tx.emit(model.EventFragmentStatus, id, "", prov, map[string]interface{}{
		"from":   string(from),
		"to":     string(upd.Status),
		"reason": upd.Reason,
	})
	return cloneFragment(f), nil
}

// PutDecision creates (expected 0) or replaces a pending decision
func (tx *Tx) PutDecision(d *model.PendingDecision, expected int64, prov model.Provenance) (*model.PendingDecision, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	in := cloneDecision(d)
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	var actual int64
	prev, exists := tx.Decision(in.ID)
	if exists {
		actual = prev.Version
	}
	if err := checkVersion("decision", in.ID, expected, actual); err != nil {
		return nil, err
	}

	now := tx.Now()
	kind := model.EventDecisionUpdated
	if !exists {
		kind = model.EventDecisionOpened
		in.CreatedAt = now
	} else {
		in.CreatedAt = prev.CreatedAt
		if prev.Status == model.DecisionOpen && in.Status != model.DecisionOpen {
			kind = model.EventDecisionResolved
		}
	}
	in.Version = actual + 1
	in.UpdatedAt = now
	tx.over.decisions[in.ID] = in

	gridID := ""
	if len(in.GridIDs) > 0 {
		gridID = in.GridIDs[0]
	}
	tx.emit(kind, in.ID, gridID, prov, map[string]interface{}{
		"status":       string(in.Status),
		"needs_review": in.NeedsReview,
	})
	return cloneDecision(in), nil
}

// PutPredicament creates (expected 0) or replaces a predicament
func (tx *Tx) PutPredicament(p *model.Predicament, expected int64, prov model.Provenance) (*model.Predicament, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	in := clonePredicament(p)
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	var actual int64
	prev, exists := tx.Predicament(in.ID)
	if exists {
		actual = prev.Version
	}
	if err := checkVersion("predicament", in.ID, expected, actual); err != nil {
		return nil, err
	}

	now := tx.Now()
	kind := model.EventPredicamentUpdated
	if !exists {
		kind = model.EventPredicamentDetected
		in.CreatedAt = now
	} else {
		in.CreatedAt = prev.CreatedAt
	}
	in.Version = actual + 1
	in.UpdatedAt = now
	tx.over.predicaments[in.ID] = in

	for _, g := range in.GridIDs {
		tx.emit(kind, in.ID, g, prov, map[string]interface{}{
			"type":  string(in.Type),
			"state": string(in.State),
		})
	}
	if len(in.GridIDs) == 0 {
		tx.emit(kind, in.ID, "", prov, map[string]interface{}{
			"type":  string(in.Type),
			"state": string(in.State),
		})
	}
	return clonePredicament(in), nil
}

// RecordOverride stores the explicit acknowledgment of a gate bypass
func (tx *Tx) RecordOverride(o model.Override, prov model.Provenance) (*model.Override, error) {
	if err := checkProvenance(prov); err != nil {
		return nil, err
	}
	if strings.TrimSpace(o.Actor) == "" || strings.TrimSpace(o.Reason) == "" {
		return nil, model.InvalidInput("override requires an actor and a reason")
	}
	if _, ok := tx.Grid(o.GridID); !ok {
		return nil, &model.NotFoundError{Entity: "grid", ID: o.GridID}
	}
	if _, ok := tx.Grid(o.BlockingGridID); !ok {
		return nil, &model.NotFoundError{Entity: "grid", ID: o.BlockingGridID}
	}

	o.ID = uuid.NewString()
	o.At = tx.Now()
	tx.over.overrides[o.ID] = &o
	tx.touched[o.GridID] = true
	tx.emit(model.EventGateOverride, o.ID, o.GridID, prov, map[string]interface{}{
		"blocking_grid_id": o.BlockingGridID,
		"actor":            o.Actor,
		"reason":           o.Reason,
	})
	return cloneOverride(&o), nil
}

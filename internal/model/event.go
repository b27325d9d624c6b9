package model

import "time"

// EventKind identifies the mutation that produced a ChangeEvent
type EventKind string

const (
	EventUnitCreated         EventKind = "unit.created"
	EventUnitUpdated         EventKind = "unit.updated"
	EventUnitDeprecated      EventKind = "unit.deprecated"
	EventGridCreated         EventKind = "grid.created"
	EventGridStatus          EventKind = "grid.status"
	EventCellUpserted        EventKind = "cell.upserted"
	EventCellStale           EventKind = "cell.stale"
	EventCellRevalidated     EventKind = "cell.revalidated"
	EventContributionRemoved EventKind = "cell.contribution_removed"
	EventRelationshipLinked  EventKind = "relationship.linked"
	EventFragmentRecorded    EventKind = "fragment.recorded"
	EventFragmentStatus      EventKind = "fragment.status"
	EventDecisionOpened      EventKind = "decision.opened"
	EventDecisionUpdated     EventKind = "decision.updated"
	EventDecisionResolved    EventKind = "decision.resolved"
	EventPredicamentDetected EventKind = "predicament.detected"
	EventPredicamentUpdated  EventKind = "predicament.updated"
	EventGateOverride        EventKind = "gate.override"
)

// ChangeEvent is one entry of the append-only change-event log
type ChangeEvent struct {
	Seq        uint64                 `json:"seq"`
	Kind       EventKind              `json:"kind"`
	EntityID   string                 `json:"entity_id"`
	GridID     string                 `json:"grid_id,omitempty"`
	Provenance Provenance             `json:"provenance"`
	At         time.Time              `json:"at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// ContentChange reports whether the event changes the content a grid's health is computed from
func (e ChangeEvent) ContentChange() bool {
	switch e.Kind {
	case EventCellUpserted, EventCellStale, EventCellRevalidated, EventContributionRemoved,
		EventRelationshipLinked, EventUnitUpdated, EventPredicamentDetected, EventPredicamentUpdated:
		return true
	}
	return false
}

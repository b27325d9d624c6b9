// Package router decides what happens to a scored evidence fragment:
// automatic integration, disambiguation through a pending decision, or
// rejection with a recorded reason.
package router

import (
	"fmt"

	"github.com/ppiankov/evidentia/internal/model"
)

// Route is the outcome of routing a fragment
type Route string

const (
	RouteAutoIntegrate Route = "auto_integrate"
	RouteDisambiguate  Route = "disambiguate"
	RouteReject        Route = "reject"
)

// Result describes the routing outcome and why it was chosen
type Result struct {
	Route    Route                  `json:"route"`
	Priority model.DecisionPriority `json:"priority,omitempty"`
	Reason   string                 `json:"reason,omitempty"` // fragment status reason for rejections
	Reasons  []string               `json:"reasons,omitempty"`
}

// ConflictView answers whether a target is contested for a fragment
type ConflictView interface {
	// Conflicts returns the reasons target t is contested for f, none when it is free
	Conflicts(f *model.EvidenceFragment, t model.Target) []string
}

// Router applies the confidence thresholds
type Router struct {
	thresholds model.ThresholdConfig
}

// New creates a router
func New(thresholds model.ThresholdConfig) *Router {
	return &Router{thresholds: thresholds}
}

// Thresholds returns the thresholds the router applies
func (r *Router) Thresholds() model.ThresholdConfig {
	return r.thresholds
}

// Route applies the decision rule in order: auto-integrate a confident,
// single-target, uncontested fragment; otherwise disambiguate, at low
// priority when confidence is below the decision floor. A fragment without
// candidate targets is rejected.
func (r *Router) Route(f *model.EvidenceFragment, cv ConflictView) Result {
	if len(f.Candidates) == 0 {
		return Result{
			Route:   RouteReject,
			Reason:  model.ReasonNoCandidateTarget,
			Reasons: []string{"fragment has no candidate target"},
		}
	}

	var reasons []string
	if f.Confidence < r.thresholds.AutoIntegrate {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f is below the auto-integration threshold %.2f", f.Confidence, r.thresholds.AutoIntegrate))
	}
	if len(f.Candidates) > 1 {
		reasons = append(reasons, fmt.Sprintf("%d plausible candidate targets", len(f.Candidates)))
	}
	if cv != nil {
		for _, t := range f.Candidates {
			for _, c := range cv.Conflicts(f, t) {
				reasons = append(reasons, fmt.Sprintf("%s: %s", t.Key(), c))
			}
		}
	}

	if len(reasons) == 0 {
		return Result{
			Route:   RouteAutoIntegrate,
			Reasons: []string{fmt.Sprintf("confidence %.2f, single uncontested target %s", f.Confidence, f.Candidates[0].Key())},
		}
	}

	priority := model.PriorityNormal
	if f.Confidence < r.thresholds.DecisionFloor {
		priority = model.PriorityLow
		reasons = append(reasons, fmt.Sprintf("confidence %.2f is below the decision floor %.2f", f.Confidence, r.thresholds.DecisionFloor))
	}
	return Result{Route: RouteDisambiguate, Priority: priority, Reasons: reasons}
}

// ShouldAutoIntegrate reports whether f would have been auto-integrated given
// its conflicts. Used to catch fragments that reach disambiguation by mistake.
func (r *Router) ShouldAutoIntegrate(f *model.EvidenceFragment, cv ConflictView) bool {
	return r.Route(f, cv).Route == RouteAutoIntegrate
}

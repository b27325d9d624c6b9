package store

import "github.com/ppiankov/evidentia/internal/model"

// AggregateConfidence is the confidence-weighted mean of the non-rejected
// contributions: sum(c*c)/sum(c). ok is false when nothing contributes.
func AggregateConfidence(contribs []model.Contribution) (conf float64, ok bool) {
	var num, den float64
	for _, c := range contribs {
		if c.Rejected {
			continue
		}
		num += c.Confidence * c.Confidence
		den += c.Confidence
	}
	if den == 0 {
		return 0, false
	}
	return num / den, true
}

// liveRevision returns the newest revision not introduced solely by rejected fragments
func liveRevision(cell *model.Cell) (model.CellRevision, bool) {
	rejected := make(map[string]bool)
	for _, c := range cell.Contributions {
		if c.Rejected {
			rejected[c.FragmentID] = true
		}
	}

	for i := len(cell.History) - 1; i >= 0; i-- {
		rev := cell.History[i]
		if len(rev.FragmentIDs) == 0 {
			return rev, true
		}
		for _, id := range rev.FragmentIDs {
			if !rejected[id] {
				return rev, true
			}
		}
	}
	return model.CellRevision{}, false
}

// acceptedAttributes picks the highest-confidence non-rejected assertion per
// attribute, the most recent one winning ties
func acceptedAttributes(u *model.Unit) map[string]string {
	best := make(map[string]model.AttributeAssertion)
	for _, a := range u.Assertions {
		if a.Rejected {
			continue
		}
		cur, seen := best[a.Name]
		if !seen || a.Confidence > cur.Confidence ||
			(a.Confidence == cur.Confidence && !a.AssertedAt.Before(cur.AssertedAt)) {
			best[a.Name] = a
		}
	}

	out := make(map[string]string, len(best))
	for name, a := range best {
		out[name] = a.Value
	}
	return out
}

package interpret

import (
	"strings"
	"unicode"

	"github.com/ppiankov/evidentia/internal/model"
)

// stopwords are ignored when comparing excerpts
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "and": true, "or": true,
	"to": true, "in": true, "on": true, "at": true, "by": true, "for": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "it": true,
	"that": true, "this": true, "with": true, "as": true, "from": true,
}

// Tokens returns the set of normalized content words in s
func Tokens(s string) map[string]bool {
	out := make(map[string]bool)
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

// Jaccard returns the token-set similarity of two excerpts in [0,1]
func Jaccard(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for w := range ta {
		if tb[w] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Cluster is an open decision together with its member fragments
type Cluster struct {
	Decision  *model.PendingDecision
	Fragments []*model.EvidenceFragment
}

// FindCluster returns the open decision f should join: one sharing at least
// one candidate target with f whose members are textually similar to f at or
// above threshold. The most similar decision wins; nil when none qualifies.
func FindCluster(f *model.EvidenceFragment, open []Cluster, threshold float64) *Cluster {
	keys := f.TargetKeys()
	var (
		best    *Cluster
		bestSim float64
	)
	for i := range open {
		c := &open[i]
		if c.Decision.Status != model.DecisionOpen || !c.Decision.SharesTarget(keys) {
			continue
		}
		for _, m := range c.Fragments {
			if m.ID == f.ID {
				continue
			}
			sim := Jaccard(f.Excerpt, m.Excerpt)
			if sim >= threshold && sim > bestSim {
				best, bestSim = c, sim
			}
		}
	}
	return best
}

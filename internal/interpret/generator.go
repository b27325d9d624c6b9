// Package interpret turns an ambiguous fragment cluster into a small set of
// competing interpretations with commitment and pairwise foreclosure text.
// It never mutates the store.
package interpret

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/router"
	"github.com/ppiankov/evidentia/internal/util"
)

// View is the read access the generator needs
type View interface {
	router.ConflictView
	// Existing returns the content currently held at a target
	Existing(t model.Target) (content string, confidence float64, ok bool)
}

// Generator produces interpretations for fragment clusters
type Generator struct {
	router *router.Router
	max    int
	logger *slog.Logger
}

// New creates a generator capped at maxInterpretations (2 to 5)
func New(r *router.Router, maxInterpretations int, logger *slog.Logger) *Generator {
	if maxInterpretations < 2 || maxInterpretations > 5 {
		maxInterpretations = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{router: r, max: maxInterpretations, logger: logger}
}

type placement struct {
	target       model.Target
	content      string
	fragmentIDs  []string
	confidence   float64
	plausibility float64
}

// Generate returns 2 to max interpretations for cluster, exactly one of them
// recommended. A lone fragment that should have been auto-integrated is an
// invariant violation and yields no interpretations.
func (g *Generator) Generate(cluster []*model.EvidenceFragment, view View) ([]model.Interpretation, error) {
	return g.generate(cluster, view, true)
}

// GenerateForReview builds interpretations without the routing invariant
// check, for fragments already routed to manual review
func (g *Generator) GenerateForReview(cluster []*model.EvidenceFragment, view View) ([]model.Interpretation, error) {
	return g.generate(cluster, view, false)
}

func (g *Generator) generate(cluster []*model.EvidenceFragment, view View, check bool) ([]model.Interpretation, error) {
	if len(cluster) == 0 {
		return nil, model.InvalidInput("cannot interpret an empty cluster")
	}
	if check && len(cluster) == 1 && g.router.ShouldAutoIntegrate(cluster[0], view) {
		f := cluster[0]
		err := &model.InvariantViolationError{
			Invariant: "auto_integrable_fragment_disambiguated",
			EntityID:  f.ID,
			Detail: fmt.Sprintf("confidence %.2f >= %.2f with a single uncontested target %s",
				f.Confidence, g.router.Thresholds().AutoIntegrate, f.Candidates[0].Key()),
		}
		g.logger.Error("invariant violation", "fragment", f.ID, "error", err)
		return nil, err
	}

	placements := g.placements(cluster)
	if len(placements) == 0 {
		return nil, model.InvalidInput("cluster has no candidate targets")
	}

	var existing []string
	var existingConf float64
	seen := make(map[string]bool)
	for _, p := range placements {
		if seen[p.target.Key()] {
			continue
		}
		seen[p.target.Key()] = true
		if content, conf, ok := view.Existing(p.target); ok {
			existing = append(existing, fmt.Sprintf("%s (%q)", p.target.Describe(), util.Truncate(content, 60)))
			existingConf = math.Max(existingConf, conf)
		}
	}

	needRetain := len(placements) < 2 || len(existing) > 0
	limit := g.max
	if needRetain {
		limit--
	}
	if len(placements) > limit {
		placements = placements[:limit]
	}

	out := make([]model.Interpretation, 0, len(placements)+1)
	for _, p := range placements {
		out = append(out, model.Interpretation{
			ID:           interpretationID(model.ActionPlace, p.target.Key(), p.content),
			Action:       model.ActionPlace,
			Target:       p.target,
			FragmentIDs:  p.fragmentIDs,
			Content:      p.content,
			Confidence:   p.confidence,
			Commitment:   placeCommitment(p, view),
			Plausibility: round4(p.plausibility),
		})
	}

	if needRetain {
		out = append(out, retainInterpretation(cluster, existing, existingConf))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Plausibility > out[j].Plausibility })
	out[0].Recommended = true

	for i := range out {
		for j := range out {
			if i == j {
				continue
			}
			out[i].Forecloses = append(out[i].Forecloses, model.Foreclosure{
				InterpretationID: out[j].ID,
				Statement:        foreclosure(out[i], out[j]),
			})
		}
	}
	return out, nil
}

// placements builds one candidate per fragment and target, merging fragments
// that agree on both, ranked by plausibility
func (g *Generator) placements(cluster []*model.EvidenceFragment) []placement {
	naming := make(map[string]int)
	for _, f := range cluster {
		for _, k := range uniqueKeys(f) {
			naming[k]++
		}
	}

	index := make(map[string]int)
	var out []placement
	for _, f := range cluster {
		for rank, t := range f.Candidates {
			bonus := 0.1 * float64(naming[t.Key()]-1) / float64(len(cluster))
			plaus := math.Min(1, f.Confidence/float64(rank+1)+bonus)

			key := t.Key() + "|" + normalize(f.Excerpt)
			if i, ok := index[key]; ok {
				p := &out[i]
				if !contains(p.fragmentIDs, f.ID) {
					p.fragmentIDs = append(p.fragmentIDs, f.ID)
				}
				p.confidence = math.Max(p.confidence, f.Confidence)
				p.plausibility = math.Max(p.plausibility, plaus)
				continue
			}
			index[key] = len(out)
			out = append(out, placement{
				target:       t,
				content:      f.Excerpt,
				fragmentIDs:  []string{f.ID},
				confidence:   f.Confidence,
				plausibility: plaus,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].plausibility > out[j].plausibility })
	return out
}

func retainInterpretation(cluster []*model.EvidenceFragment, existing []string, existingConf float64) model.Interpretation {
	var maxConf float64
	ids := make([]string, 0, len(cluster))
	for _, f := range cluster {
		ids = append(ids, f.ID)
		maxConf = math.Max(maxConf, f.Confidence)
	}

	commitment := fmt.Sprintf("Keeps the knowledge model as it is; %d fragment(s) are recorded as rejected in favour of existing content", len(ids))
	if len(existing) > 0 {
		commitment = fmt.Sprintf("Keeps %s; %d fragment(s) are recorded as rejected in favour of existing content", strings.Join(existing, ", "), len(ids))
	}

	// Retaining is plausible when existing content is strong or the evidence is weak
	plaus := 0.5 * math.Max(existingConf, 1-maxConf)
	return model.Interpretation{
		ID:           interpretationID(model.ActionRetain, strings.Join(ids, ","), ""),
		Action:       model.ActionRetain,
		FragmentIDs:  ids,
		Confidence:   existingConf,
		Commitment:   commitment,
		Plausibility: round4(plaus),
	}
}

func placeCommitment(p placement, view View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Places %q into %s at confidence %.2f, backed by %d fragment(s)",
		util.Truncate(p.content, 80), p.target.Describe(), p.confidence, len(p.fragmentIDs))
	if current, _, ok := view.Existing(p.target); ok && normalize(current) != normalize(p.content) {
		fmt.Fprintf(&b, "; the current content %q becomes history", util.Truncate(current, 60))
	}
	return b.String()
}

// foreclosure states what choosing a gives up relative to b
func foreclosure(a, b model.Interpretation) string {
	switch {
	case a.Action == model.ActionRetain:
		return fmt.Sprintf("Forgoes placing %q into %s", util.Truncate(b.Content, 60), b.Target.Describe())
	case b.Action == model.ActionRetain:
		return fmt.Sprintf("Changes %s instead of keeping the knowledge model as it is", a.Target.Describe())
	case a.Target.Key() == b.Target.Key():
		return fmt.Sprintf("Rules out %q as the content of %s", util.Truncate(b.Content, 60), b.Target.Describe())
	default:
		return fmt.Sprintf("Leaves %s without %q", b.Target.Describe(), util.Truncate(b.Content, 60))
	}
}

func interpretationID(action model.InterpretationAction, key, content string) string {
	sum := sha256.Sum256([]byte(string(action) + "|" + key + "|" + normalize(content)))
	return "int-" + hex.EncodeToString(sum[:])[:12]
}

func uniqueKeys(f *model.EvidenceFragment) []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range f.TargetKeys() {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

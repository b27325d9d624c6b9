// Package extract provides the offline extraction collaborator used when no
// language model is configured. It matches marker sentences against the
// knowledge model by word overlap.
package extract

import (
	"context"
	"sort"
	"strings"

	"github.com/ppiankov/evidentia/internal/interpret"
	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/pipeline"
)

const (
	// maxExcerpt bounds a whole-text excerpt when no sentence carries a marker
	maxExcerpt = 500
	// ceiling keeps heuristic records below any sensible auto-integrate threshold
	ceiling = 0.80
)

// Heuristic extracts fragments without a language model
type Heuristic struct {
	minOverlap    float64
	maxCandidates int
}

// NewHeuristic creates a heuristic extractor. Context items whose word
// overlap with a sentence is below minOverlap are never proposed as targets.
func NewHeuristic(minOverlap float64, maxCandidates int) *Heuristic {
	if minOverlap <= 0 {
		minOverlap = 0.2
	}
	if maxCandidates <= 0 {
		maxCandidates = 3
	}
	return &Heuristic{minOverlap: minOverlap, maxCandidates: maxCandidates}
}

// Extract implements collab.Extractor
func (h *Heuristic) Extract(ctx context.Context, req model.ExtractionRequest) ([]model.ExtractedRecord, error) {
	markers := req.Markers
	if len(markers) == 0 {
		markers = pipeline.DefaultMarkers
	}

	sentences := pipeline.MarkedSentences(req.Text, markers)
	if len(sentences) == 0 {
		// a short text is the excerpt itself, e.g. during target resolution
		text := strings.TrimSpace(req.Text)
		if text == "" || len(text) > maxExcerpt {
			return nil, nil
		}
		sentences = []string{text}
	}

	var records []model.ExtractedRecord
	for _, sentence := range sentences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		targets, best := h.match(sentence, req.Context)
		offset := strings.Index(req.Text, sentence)
		if offset < 0 {
			offset = 0
		}
		records = append(records, model.ExtractedRecord{
			Excerpt:          sentence,
			Confidence:       confidence(best),
			CandidateTargets: targets,
			Rationale:        rationale(sentence, markers),
			Offset:           offset,
			Length:           len(sentence),
		})
	}
	return records, nil
}

type scored struct {
	target model.Target
	sim    float64
}

// match ranks context items by overlap with sentence
func (h *Heuristic) match(sentence string, items []model.ContextItem) ([]model.Target, float64) {
	var hits []scored
	for _, item := range items {
		text := item.Content
		if text == "" {
			text = item.Label
		}
		sim := interpret.Jaccard(sentence, text)
		if sim >= h.minOverlap {
			hits = append(hits, scored{target: item.Target, sim: sim})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	if len(hits) > h.maxCandidates {
		hits = hits[:h.maxCandidates]
	}

	targets := make([]model.Target, 0, len(hits))
	for _, hit := range hits {
		targets = append(targets, hit.target)
	}
	if len(hits) == 0 {
		return targets, 0
	}
	return targets, hits[0].sim
}

// confidence grows with the best overlap, from 0.4 up to the ceiling
func confidence(best float64) float64 {
	c := 0.4 + 0.4*best
	if c > ceiling {
		return ceiling
	}
	return c
}

func rationale(sentence string, markers []string) string {
	lower := strings.ToLower(sentence)
	for _, m := range markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return "keyword:" + m
		}
	}
	return "whole excerpt"
}

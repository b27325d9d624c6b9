package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/evidentia/internal/model"
	"github.com/ppiankov/evidentia/internal/util"
)

const extractionSystem = `You extract discrete factual claims from a document for an evidence engine.
Only quote text that appears verbatim in the document. Never invent sources or facts.
Score each claim's confidence between 0 and 1 from how directly the document states it.`

const researchSystem = `You are a research assistant filling gaps in a knowledge base.
State only what you can support. Separate findings from open questions.
Never invent URLs; list a source only if you are certain it exists.`

// maxDocumentChars bounds the document text sent in one prompt
const maxDocumentChars = 24000

// BuildExtractionPrompt creates the user prompt for claim extraction
func BuildExtractionPrompt(req model.ExtractionRequest) string {
	var b strings.Builder

	b.WriteString("Extract claims from the document below.\n\n")

	if len(req.Context) > 0 {
		b.WriteString("## Known targets\n")
		b.WriteString("Attach each claim to the targets it informs. Use these exact identifiers:\n")
		for _, item := range req.Context {
			target, _ := json.Marshal(item.Target)
			fmt.Fprintf(&b, "- %s %s", item.Label, target)
			if item.Content != "" {
				fmt.Fprintf(&b, " current: %q", util.Truncate(item.Content, 200))
			}
			b.WriteString("\n")
		}
		b.WriteString("A claim that fits no known target may use {\"kind\":\"new_unit\",\"unit_type\":\"<type>\"}.\n\n")
	}

	if len(req.Markers) > 0 {
		b.WriteString("## Markers\n")
		b.WriteString("Sentences containing these phrases usually carry claims: ")
		b.WriteString(strings.Join(req.Markers, ", "))
		b.WriteString("\n\n")
	}

	b.WriteString("## Output\n")
	b.WriteString(`Respond with JSON: {"records":[{"excerpt":"<verbatim quote>","confidence":0.0,"candidate_targets":[...],"rationale":"<one sentence>"}]}`)
	b.WriteString("\nReturn {\"records\":[]} if the document makes no claims.\n\n")

	fmt.Fprintf(&b, "## Document %s\n", req.DocumentID)
	b.WriteString(util.Truncate(req.Text, maxDocumentChars))
	b.WriteString("\n")

	return b.String()
}

// BuildResearchPrompt creates the user prompt for a gap research query
func BuildResearchPrompt(query string) string {
	var b strings.Builder
	b.WriteString("Research the following gap in the knowledge base.\n\n")
	b.WriteString("## Query\n")
	b.WriteString(query)
	b.WriteString("\n\n## Output\n")
	b.WriteString(`Respond with JSON: {"findings":"<summary>","sources":["..."],"confidence":0.0,"open_questions":["..."]}`)
	b.WriteString("\n")
	return b.String()
}

type extractionEnvelope struct {
	Records []model.ExtractedRecord `json:"records"`
}

// ParseExtraction decodes a model answer into extracted records.
// Code fences and prose around the JSON are ignored. Records without an
// excerpt are dropped and confidences are clamped to [0,1].
func ParseExtraction(text string) ([]model.ExtractedRecord, error) {
	body := jsonBody(text)
	if body == "" {
		return nil, fmt.Errorf("no JSON in extraction response")
	}

	var records []model.ExtractedRecord
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &records); err != nil {
			return nil, fmt.Errorf("decode extraction records: %w", err)
		}
	} else {
		var env extractionEnvelope
		if err := json.Unmarshal([]byte(body), &env); err != nil {
			return nil, fmt.Errorf("decode extraction records: %w", err)
		}
		records = env.Records
	}

	out := records[:0]
	for _, r := range records {
		r.Excerpt = strings.TrimSpace(r.Excerpt)
		if r.Excerpt == "" {
			continue
		}
		r.Confidence = clamp01(r.Confidence)
		out = append(out, r)
	}
	return out, nil
}

// ParseResearch decodes a model answer into a research result
func ParseResearch(text string) (*model.ResearchResult, error) {
	body := jsonBody(text)
	if body == "" || !strings.HasPrefix(body, "{") {
		return nil, fmt.Errorf("no JSON object in research response")
	}
	var r model.ResearchResult
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("decode research result: %w", err)
	}
	r.Findings = strings.TrimSpace(r.Findings)
	if r.Findings == "" && len(r.OpenQuestions) == 0 {
		return nil, fmt.Errorf("research result is empty")
	}
	r.Confidence = clamp01(r.Confidence)
	return &r, nil
}

// jsonBody returns the outermost JSON object or array in text
func jsonBody(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		text = strings.TrimSpace(rest)
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if text[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(text, closer)
	if end < start {
		return ""
	}
	return text[start : end+1]
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}


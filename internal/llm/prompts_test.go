package llm

import (
	"testing"
)

func TestParseExtraction_BareArray(t *testing.T) {
	records, err := ParseExtraction(`[{"excerpt":"a","confidence":-2},{"excerpt":"b","confidence":0.4}]`)
	if err != nil {
		t.Fatalf("ParseExtraction failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Confidence != 0 {
		t.Errorf("Expected confidence clamped to 0, got %v", records[0].Confidence)
	}
}

func TestParseExtraction_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no json", "nothing here"},
		{"broken object", `{"records":[{"excerpt":}`},
		{"unclosed", `{"records":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseExtraction(tt.text); err == nil {
				t.Errorf("Expected error for %q", tt.text)
			}
		})
	}
}

func TestParseResearch_Empty(t *testing.T) {
	if _, err := ParseResearch(`{"findings":"  "}`); err == nil {
		t.Error("Expected error for empty research result")
	}
	r, err := ParseResearch("```\n{\"open_questions\":[\"who?\"],\"confidence\":3}\n```")
	if err != nil {
		t.Fatalf("ParseResearch failed: %v", err)
	}
	if r.Confidence != 1 {
		t.Errorf("Expected clamped confidence, got %v", r.Confidence)
	}
}

func TestJSONBody(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`prefix {"a":1} suffix`, `{"a":1}`},
		{"```json\n[1,2]\n```", `[1,2]`},
		{`{"a":{"b":2}}`, `{"a":{"b":2}}`},
		{"plain", ""},
	}
	for _, tt := range tests {
		if got := jsonBody(tt.in); got != tt.want {
			t.Errorf("jsonBody(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}


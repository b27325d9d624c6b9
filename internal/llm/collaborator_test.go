package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ppiankov/evidentia/internal/model"
)

// MockProvider implements the Provider interface for testing
type MockProvider struct {
	name      string
	available bool
	text      string
	err       error
	last      CompletionRequest
}

func (m *MockProvider) Name() string {
	return m.name
}

func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return &CompletionResponse{Text: m.text, Model: "mock"}, nil
}

func (m *MockProvider) IsAvailable(ctx context.Context) bool {
	return m.available
}

func TestNewCollaborator_DisabledProvider(t *testing.T) {
	c, err := NewCollaborator(Config{Provider: ""})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if c.IsEnabled() {
		t.Error("Expected collaborator to be disabled")
	}
	if c.ProviderName() != "" {
		t.Error("Expected empty provider name when disabled")
	}

	if _, err := c.Extract(context.Background(), model.ExtractionRequest{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Errorf("Expected ErrDisabled, got %v", err)
	}
	if _, err := c.Research(context.Background(), "q"); !errors.Is(err, ErrDisabled) {
		t.Errorf("Expected ErrDisabled, got %v", err)
	}
}

func TestNewCollaborator_UnknownProvider(t *testing.T) {
	if _, err := NewCollaborator(Config{Provider: "palm"}); err == nil {
		t.Fatal("Expected error for unknown provider")
	}
}

func TestCollaborator_Extract(t *testing.T) {
	doc := "The bridge opened in 1932. It was repainted in 2001."
	mock := &MockProvider{
		name: "mock",
		text: "Here you go:\n```json\n" +
			`{"records":[` +
			`{"excerpt":"It was repainted in 2001.","confidence":1.4,"candidate_targets":[{"kind":"cell","grid_id":"g","cell_id":"c"}]},` +
			`{"excerpt":"  ","confidence":0.5},` +
			`{"excerpt":"paraphrased claim","confidence":0.3}` +
			"]}\n```",
	}
	c := NewCollaboratorWithProvider(mock, Config{})

	records, err := c.Extract(context.Background(), model.ExtractionRequest{
		DocumentID: "doc-1",
		Text:       doc,
		Context: []model.ContextItem{
			{Target: model.Target{Kind: model.TargetCell, GridID: "g", CellID: "c"}, Label: "Paint history", Content: "unknown"},
		},
		Markers: []string{"repainted"},
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Confidence != 1 {
		t.Errorf("Expected confidence clamped to 1, got %v", records[0].Confidence)
	}
	if records[0].Offset != strings.Index(doc, "It was") || records[0].Length != len("It was repainted in 2001.") {
		t.Errorf("Unexpected span %d+%d", records[0].Offset, records[0].Length)
	}
	if records[1].Length != 0 {
		t.Errorf("Expected no span for a paraphrase, got %d", records[1].Length)
	}

	if !mock.last.JSON {
		t.Error("Expected JSON completion request")
	}
	for _, want := range []string{"Paint history", "repainted", "doc-1", doc} {
		if !strings.Contains(mock.last.Prompt, want) {
			t.Errorf("Expected prompt to contain %q", want)
		}
	}
}

func TestCollaborator_ExtractEmptyText(t *testing.T) {
	mock := &MockProvider{name: "mock", err: errors.New("should not be called")}
	c := NewCollaboratorWithProvider(mock, Config{})

	records, err := c.Extract(context.Background(), model.ExtractionRequest{Text: "   "})
	if err != nil || records != nil {
		t.Errorf("Expected no records and no error, got %v, %v", records, err)
	}
}

func TestCollaborator_ExtractProviderError(t *testing.T) {
	mock := &MockProvider{name: "mock", err: errors.New("boom")}
	c := NewCollaboratorWithProvider(mock, Config{})

	_, err := c.Extract(context.Background(), model.ExtractionRequest{DocumentID: "d", Text: "text"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected wrapped provider error, got %v", err)
	}
}

func TestCollaborator_ExtractUnparseable(t *testing.T) {
	mock := &MockProvider{name: "mock", text: "I could not find any claims."}
	c := NewCollaboratorWithProvider(mock, Config{})

	if _, err := c.Extract(context.Background(), model.ExtractionRequest{Text: "text"}); err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestCollaborator_Research(t *testing.T) {
	mock := &MockProvider{
		name: "mock",
		text: `{"findings":"Two sources disagree.","sources":["https://example.com/a"],"confidence":0.6,"open_questions":["Which year?"]}`,
	}
	c := NewCollaboratorWithProvider(mock, Config{})

	r, err := c.Research(context.Background(), "opening year of the bridge")
	if err != nil {
		t.Fatalf("Research failed: %v", err)
	}
	if r.Findings != "Two sources disagree." || r.Confidence != 0.6 {
		t.Errorf("Unexpected result: %+v", r)
	}
	if len(r.OpenQuestions) != 1 || r.OpenQuestions[0] != "Which year?" {
		t.Errorf("Unexpected open questions: %v", r.OpenQuestions)
	}
	if !strings.Contains(mock.last.Prompt, "opening year of the bridge") {
		t.Error("Expected query in prompt")
	}
}

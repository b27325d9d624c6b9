package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ppiankov/evidentia/internal/model"
)

// ErrDisabled is returned when no provider is configured
var ErrDisabled = errors.New("llm collaborator disabled")

// Collaborator extracts claims from documents and researches gaps with an LLM provider
type Collaborator struct {
	provider Provider
	config   Config
}

// NewCollaborator creates a collaborator. A disabled configuration yields a
// collaborator whose calls return ErrDisabled.
func NewCollaborator(config Config) (*Collaborator, error) {
	provider, err := NewProvider(config)
	if err != nil {
		return nil, fmt.Errorf("create LLM provider: %w", err)
	}
	return &Collaborator{provider: provider, config: config}, nil
}

// NewCollaboratorWithProvider wraps an existing provider
func NewCollaboratorWithProvider(provider Provider, config Config) *Collaborator {
	return &Collaborator{provider: provider, config: config}
}

// IsEnabled returns whether a provider is configured
func (c *Collaborator) IsEnabled() bool {
	return c.provider != nil
}

// ProviderName returns the name of the active provider
func (c *Collaborator) ProviderName() string {
	if c.provider == nil {
		return ""
	}
	return c.provider.Name()
}

// Extract asks the model for claims in the document. Records whose excerpt
// is found verbatim in the text get their source span filled in.
func (c *Collaborator) Extract(ctx context.Context, req model.ExtractionRequest) ([]model.ExtractedRecord, error) {
	if c.provider == nil {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, nil
	}

	resp, err := c.provider.Complete(ctx, CompletionRequest{
		System: extractionSystem,
		Prompt: BuildExtractionPrompt(req),
		JSON:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("extract from %s: %w", req.DocumentID, err)
	}

	records, err := ParseExtraction(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("extract from %s: %w", req.DocumentID, err)
	}

	for i := range records {
		if records[i].Length > 0 {
			continue
		}
		if at := strings.Index(req.Text, records[i].Excerpt); at >= 0 {
			records[i].Offset = at
			records[i].Length = len(records[i].Excerpt)
		}
	}
	return records, nil
}

// Research asks the model about a gap
func (c *Collaborator) Research(ctx context.Context, query string) (*model.ResearchResult, error) {
	if c.provider == nil {
		return nil, ErrDisabled
	}

	resp, err := c.provider.Complete(ctx, CompletionRequest{
		System: researchSystem,
		Prompt: BuildResearchPrompt(query),
		JSON:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("research: %w", err)
	}

	result, err := ParseResearch(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("research: %w", err)
	}
	return result, nil
}

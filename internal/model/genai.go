package model

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"engram/internal/config"
)

// =============================================================================
// GOOGLE GENAI BACKEND
// =============================================================================

type genaiGenerator struct {
	client *genai.Client
	model  string
}

func newGenAIGenerator(cfg config.ModelConfig) (*genaiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &genaiGenerator{client: client, model: model}, nil
}

func (g *genaiGenerator) generate(ctx context.Context, system, prompt string, schema map[string]any) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(schemaPrompt(prompt, schema), genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}
	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("GenAI returned empty response")
	}
	return text, nil
}

func (g *genaiGenerator) name() string {
	return fmt.Sprintf("genai:%s", g.model)
}

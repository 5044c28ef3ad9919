package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/types"
)

// =============================================================================
// RERANKERS
// =============================================================================

// NewReranker creates the configured reranker. Provider "none" returns
// (nil, nil); retrieval treats a nil reranker as "skip the rerank stage".
func NewReranker(cfg config.RerankConfig) (types.Reranker, error) {
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "cohere":
		return newCohereReranker(cfg)
	case "ollama":
		return newOllamaReranker(cfg)
	default:
		return nil, fmt.Errorf("unsupported rerank provider: %s", cfg.Provider)
	}
}

// ----- Cohere -----

type cohereReranker struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func newCohereReranker(cfg config.RerankConfig) (*cohereReranker, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cohere rerank requires an API key")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.cohere.com"
	}
	model := cfg.Model
	if model == "" {
		model = "rerank-v3.5"
	}
	return &cohereReranker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type cohereRerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type cohereRerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (r *cohereReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(cohereRerankRequest{
		Model:     r.model,
		Query:     query,
		Documents: docs,
		TopN:      len(docs),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/v2/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cohere rerank failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cohere rerank returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result cohereRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	scores := make([]float64, len(docs))
	for _, res := range result.Results {
		if res.Index >= 0 && res.Index < len(scores) {
			scores[res.Index] = res.RelevanceScore
		}
	}
	logging.ModelDebug("Cohere reranked %d documents", len(docs))
	return scores, nil
}

func (r *cohereReranker) Name() string {
	return fmt.Sprintf("cohere:%s", r.model)
}

// ----- Ollama -----

// ollamaReranker scores documents with a local generative model asked to
// emit a relevance score per document. Slower and noisier than a real
// cross-encoder, but it keeps the whole stack local.
type ollamaReranker struct {
	backend *ollamaGenerator
}

func newOllamaReranker(cfg config.RerankConfig) (*ollamaReranker, error) {
	g, err := newOllamaGenerator(config.ModelConfig{
		OllamaURL:   cfg.BaseURL,
		OllamaModel: cfg.Model,
	})
	if err != nil {
		return nil, err
	}
	return &ollamaReranker{backend: g}, nil
}

const rerankSystem = `You are a relevance judge. Score how relevant each numbered
document is to the query, from 0.0 (irrelevant) to 1.0 (directly answers it).`

var rerankSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"scores": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "number"},
		},
	},
	"required": []string{"scores"},
}

func (r *ollamaReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nScore each document, one score per document in order.\n\n", query)
	for i, d := range docs {
		fmt.Fprintf(&sb, "Document %d:\n%s\n\n", i+1, d)
	}

	raw, err := r.backend.generate(ctx, rerankSystem, sb.String(), rerankSchema)
	if err != nil {
		return nil, err
	}
	var result struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		return nil, fmt.Errorf("rerank model returned non-conforming JSON: %w", err)
	}
	if len(result.Scores) != len(docs) {
		return nil, fmt.Errorf("expected %d rerank scores, got %d", len(docs), len(result.Scores))
	}
	return result.Scores, nil
}

func (r *ollamaReranker) Name() string {
	return r.backend.name()
}

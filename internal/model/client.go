// Package model provides the structured LLM port: schema-constrained JSON
// generation with bounded retries, plus the adjudicator and rerankers built
// on top of it.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/types"
)

// generator is the single-shot backend call. retryingClient wraps one.
type generator interface {
	generate(ctx context.Context, system, prompt string, schema map[string]any) (string, error)
	name() string
}

// NewClient creates a ModelClient from configuration.
func NewClient(cfg config.ModelConfig) (types.ModelClient, error) {
	var g generator
	var err error
	switch cfg.Provider {
	case "genai", "":
		g, err = newGenAIGenerator(cfg)
	case "ollama":
		g, err = newOllamaGenerator(cfg)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s (use 'genai' or 'ollama')", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	logging.Model("Model client ready: %s (maxAttempts=%d)", g.name(), maxAttempts)
	return &retryingClient{backend: g, maxAttempts: maxAttempts, timeout: timeout}, nil
}

// retryingClient retries schema-invalid or failed generations with
// exponential backoff. The last model message rides on the final error.
type retryingClient struct {
	backend     generator
	maxAttempts int
	timeout     time.Duration
}

func (c *retryingClient) GenerateJSON(ctx context.Context, system, prompt string, schema map[string]any, out any) error {
	timer := logging.StartTimer(logging.CategoryModel, "GenerateJSON")
	defer timer.StopWithThreshold(5 * time.Second)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	var lastMessage string
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		raw, err := c.backend.generate(callCtx, system, prompt, schema)
		cancel()

		if err == nil {
			if uerr := json.Unmarshal([]byte(extractJSON(raw)), out); uerr == nil {
				return nil
			} else {
				lastMessage = truncate(raw, 500)
				lastErr = uerr
				logging.Get(logging.CategoryModel).Warn("Model returned non-conforming JSON (attempt %d/%d): %v",
					attempt, c.maxAttempts, uerr)
			}
		} else {
			lastMessage = err.Error()
			lastErr = err
			logging.Get(logging.CategoryModel).Warn("Model call failed (attempt %d/%d): %v",
				attempt, c.maxAttempts, err)
		}

		if ctx.Err() != nil {
			return &types.CancelledError{Reason: ctx.Err().Error()}
		}
		if attempt < c.maxAttempts {
			select {
			case <-ctx.Done():
				return &types.CancelledError{Reason: ctx.Err().Error()}
			case <-time.After(b.NextBackOff()):
			}
		}
	}

	return &types.ExtractionError{Attempts: c.maxAttempts, LastMessage: lastMessage, Err: lastErr}
}

// extractJSON strips markdown fences some models wrap around JSON output.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+len("```"):]
	}
	if j := strings.LastIndex(s, "```"); j >= 0 {
		s = s[:j]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// schemaPrompt renders the expected JSON schema into the prompt so every
// backend gets the same contract even without native schema support.
func schemaPrompt(prompt string, schema map[string]any) string {
	if len(schema) == 0 {
		return prompt
	}
	encoded, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return prompt
	}
	return prompt + "\n\nRespond with a single JSON object conforming to this JSON Schema, with no surrounding text:\n" + string(encoded)
}

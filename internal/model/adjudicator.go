package model

import (
	"context"
	"fmt"
	"strings"

	"engram/internal/logging"
	"engram/internal/types"
)

// =============================================================================
// BATCHED PAIR ADJUDICATION
// =============================================================================

// Pair is one left/right candidate the adjudicator judges.
type Pair struct {
	Left  string
	Right string
}

// Adjudicator answers batched yes/no questions about pairs with a single
// model call. Failures surface as AdjudicationError; callers fall back to
// the conservative default (no) rather than aborting the pipeline.
type Adjudicator struct {
	client types.ModelClient
}

// NewAdjudicator wraps a model client for pair adjudication.
func NewAdjudicator(client types.ModelClient) *Adjudicator {
	return &Adjudicator{client: client}
}

const sameEntitySystem = `You are an entity resolution judge for a personal knowledge graph.
Given pairs of entity mentions, decide for each pair whether both mentions
refer to the same real-world entity. Nicknames, abbreviations and spelling
variants of the same entity count as the same. Different people, places or
things that merely share a name do not.`

const contradictionSystem = `You are a contradiction judge for a temporal knowledge graph.
Given pairs of factual statements, decide for each pair whether the second
statement contradicts the first, meaning both cannot be true at the same
time. Statements about different times or refinements that add detail
without conflicting are not contradictions.`

// SameEntity reports, per pair, whether both mentions name the same entity.
func (a *Adjudicator) SameEntity(ctx context.Context, pairs []Pair) ([]bool, error) {
	return a.adjudicate(ctx, sameEntitySystem, "Do both mentions in each pair refer to the same entity?", pairs)
}

// Contradicts reports, per pair, whether Right contradicts Left.
func (a *Adjudicator) Contradicts(ctx context.Context, pairs []Pair) ([]bool, error) {
	return a.adjudicate(ctx, contradictionSystem, "Does the second statement in each pair contradict the first?", pairs)
}

type verdictResponse struct {
	Verdicts []bool `json:"verdicts"`
}

var verdictSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"verdicts": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "boolean"},
		},
	},
	"required": []string{"verdicts"},
}

func (a *Adjudicator) adjudicate(ctx context.Context, system, question string, pairs []Pair) ([]bool, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(question)
	sb.WriteString("\nAnswer with one boolean per pair, in order.\n\n")
	for i, p := range pairs {
		fmt.Fprintf(&sb, "Pair %d:\n  A: %s\n  B: %s\n", i+1, p.Left, p.Right)
	}

	var resp verdictResponse
	if err := a.client.GenerateJSON(ctx, system, sb.String(), verdictSchema, &resp); err != nil {
		return nil, &types.AdjudicationError{Err: err}
	}
	if len(resp.Verdicts) != len(pairs) {
		return nil, &types.AdjudicationError{
			Err: fmt.Errorf("expected %d verdicts, got %d", len(pairs), len(resp.Verdicts)),
		}
	}

	logging.ModelDebug("Adjudicated %d pairs", len(pairs))
	return resp.Verdicts, nil
}

package retrieval

import (
	"context"
	"fmt"

	"engram/internal/logging"
)

// planSchema constrains the classifier to the executable modes.
var planSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"modes": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "string",
				"enum": []string{
					string(ModeLexical), string(ModeSemantic), string(ModeEntity),
					string(ModeRelationship), string(ModeTemporal),
				},
			},
		},
	},
	"required": []string{"modes"},
}

const plannerSystem = `You route search queries over a personal memory graph.
Pick every mode that applies:
- lexical: the query contains distinctive keywords worth matching exactly
- semantic: the query is a paraphrase or a vague description
- entity: the query is about one named person, place or thing
- relationship: the query asks how things relate to each other
- temporal: the query is anchored to a date or a period`

// plan resolves the request mode to the sub-plans to run. Auto mode asks
// the model once; a failed or empty classification falls back to
// lexical + semantic. Vector-dependent modes are dropped without a query
// embedding.
func (e *Engine) plan(ctx context.Context, req SearchRequest, haveVector bool) []Mode {
	var modes []Mode
	switch req.Mode {
	case ModeLexical, ModeSemantic, ModeEntity, ModeRelationship, ModeTemporal:
		modes = []Mode{req.Mode}
	case ModeExploratory:
		modes = []Mode{ModeLexical, ModeSemantic, ModeEntity, ModeRelationship}
	default:
		modes = e.classify(ctx, req.Query)
	}

	if !haveVector {
		kept := modes[:0]
		for _, m := range modes {
			if m == ModeLexical || m == ModeEntity || m == ModeRelationship {
				kept = append(kept, m)
			}
		}
		modes = kept
		if len(modes) == 0 {
			modes = []Mode{ModeLexical}
		}
	}
	return modes
}

func (e *Engine) classify(ctx context.Context, query string) []Mode {
	fallback := []Mode{ModeLexical, ModeSemantic}
	if e.model == nil {
		return fallback
	}

	var resp struct {
		Modes []string `json:"modes"`
	}
	prompt := fmt.Sprintf("Classify this query:\n\n%s", query)
	if err := e.model.GenerateJSON(ctx, plannerSystem, prompt, planSchema, &resp); err != nil {
		logging.Get(logging.CategoryRetrieval).Warn("Planner classification failed, using lexical+semantic: %v", err)
		return fallback
	}

	seen := make(map[Mode]bool)
	var modes []Mode
	for _, raw := range resp.Modes {
		m := Mode(raw)
		switch m {
		case ModeLexical, ModeSemantic, ModeEntity, ModeRelationship, ModeTemporal:
			if !seen[m] {
				seen[m] = true
				modes = append(modes, m)
			}
		}
	}
	if len(modes) == 0 {
		return fallback
	}
	return modes
}

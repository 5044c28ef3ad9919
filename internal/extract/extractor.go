// Package extract turns chunk text into candidate triples via the
// structured model client. Candidates are raw names; resolution to
// canonical graph identities happens downstream.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// ContextWindow is read-only context handed to the model alongside the
// chunk: the adjacent chunks of the same document and the persona snippet.
type ContextWindow struct {
	Previous string
	Next     string
	Persona  string
}

// Extractor proposes candidate triples for one chunk of content.
type Extractor struct {
	client types.ModelClient
}

// New creates an extractor on top of a model client.
func New(client types.ModelClient) *Extractor {
	return &Extractor{client: client}
}

const extractionSystem = `You extract factual knowledge from text into triples for a
personal knowledge graph. Each triple has a subject, a predicate (the
relation, as a short verb phrase), an object, and a single self-contained
fact sentence restating it. Extract only facts grounded in the text; never
invent. Prefer specific entities over pronouns: resolve "he", "she", "it",
"they" to names using the surrounding context.

Classify each fact's aspect:
- Event: something that happened at a point in time
- Observation: a dated sighting or measurement
- Preference: a like, dislike or habit
- Attribute: a property of an entity
- Relationship: a connection between two entities
- Identity: who or what an entity fundamentally is
- SubjectiveExperience: a feeling or opinion the subject reports

For Event facts, put the occurrence date in attributes.event_date as an
ISO-8601 date when the text states one.`

var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"candidates": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subjectName":   map[string]any{"type": "string"},
					"predicateName": map[string]any{"type": "string"},
					"objectName":    map[string]any{"type": "string"},
					"fact":          map[string]any{"type": "string"},
					"aspect":        map[string]any{"type": "string"},
					"attributes":    map[string]any{"type": "object"},
					"validAt":       map[string]any{"type": "string", "format": "date-time"},
				},
				"required": []string{"subjectName", "predicateName", "objectName", "fact"},
			},
		},
	},
	"required": []string{"candidates"},
}

type candidateWire struct {
	SubjectName   string         `json:"subjectName"`
	PredicateName string         `json:"predicateName"`
	ObjectName    string         `json:"objectName"`
	Fact          string         `json:"fact"`
	Aspect        string         `json:"aspect"`
	Attributes    map[string]any `json:"attributes"`
	ValidAt       string         `json:"validAt"`
}

type extractionResponse struct {
	Candidates []candidateWire `json:"candidates"`
}

// Extract proposes candidate triples for chunkText. Failure after the model
// client's bounded retries surfaces as an ExtractionError.
func (e *Extractor) Extract(ctx context.Context, chunkText string, window ContextWindow) ([]types.CandidateTriple, error) {
	timer := logging.StartTimer(logging.CategoryExtract, "Extract")
	defer timer.StopWithThreshold(10 * time.Second)

	var resp extractionResponse
	if err := e.client.GenerateJSON(ctx, extractionSystem, buildPrompt(chunkText, window), extractionSchema, &resp); err != nil {
		return nil, err
	}

	candidates := make([]types.CandidateTriple, 0, len(resp.Candidates))
	dropped := 0
	for _, c := range resp.Candidates {
		cand, ok := c.toCandidate()
		if !ok {
			dropped++
			continue
		}
		candidates = append(candidates, cand)
	}
	if dropped > 0 {
		logging.Get(logging.CategoryExtract).Warn("Dropped %d incomplete candidates", dropped)
	}
	logging.ExtractDebug("Extracted %d candidates from %d-byte chunk", len(candidates), len(chunkText))
	return candidates, nil
}

func (c candidateWire) toCandidate() (types.CandidateTriple, bool) {
	subject := strings.TrimSpace(c.SubjectName)
	predicate := strings.TrimSpace(c.PredicateName)
	object := strings.TrimSpace(c.ObjectName)
	fact := strings.TrimSpace(c.Fact)
	if subject == "" || predicate == "" || object == "" || fact == "" {
		return types.CandidateTriple{}, false
	}

	cand := types.CandidateTriple{
		SubjectName:   subject,
		PredicateName: predicate,
		ObjectName:    object,
		Fact:          fact,
		Aspect:        types.Aspect(strings.TrimSpace(c.Aspect)),
		Attributes:    c.Attributes,
	}
	if cand.Aspect == "" {
		cand.Aspect = types.AspectAttribute
	}
	if t, ok := parseFlexibleTime(c.ValidAt); ok {
		cand.ValidAt = &t
	}
	return cand, true
}

// parseFlexibleTime accepts RFC3339 timestamps and bare dates, which models
// emit interchangeably.
func parseFlexibleTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func buildPrompt(chunkText string, window ContextWindow) string {
	var sb strings.Builder
	if window.Persona != "" {
		fmt.Fprintf(&sb, "About the user:\n%s\n\n", window.Persona)
	}
	if window.Previous != "" {
		fmt.Fprintf(&sb, "Preceding context (do not extract from this):\n%s\n\n", window.Previous)
	}
	fmt.Fprintf(&sb, "Extract triples from this text:\n%s\n", chunkText)
	if window.Next != "" {
		fmt.Fprintf(&sb, "\nFollowing context (do not extract from this):\n%s\n", window.Next)
	}
	return sb.String()
}

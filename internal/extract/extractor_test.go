package extract

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/types"
)

type scriptedClient struct {
	response string
	err      error
	prompt   string
	system   string
}

func (c *scriptedClient) GenerateJSON(ctx context.Context, system, prompt string, schema map[string]any, out any) error {
	c.system = system
	c.prompt = prompt
	if c.err != nil {
		return c.err
	}
	return json.Unmarshal([]byte(c.response), out)
}

func TestExtractCandidates(t *testing.T) {
	client := &scriptedClient{response: `{
		"candidates": [
			{
				"subjectName": "Alice",
				"predicateName": "works at",
				"objectName": "Acme",
				"fact": "Alice works at Acme.",
				"aspect": "Attribute"
			},
			{
				"subjectName": "Alice",
				"predicateName": "married",
				"objectName": "Bob",
				"fact": "Alice married Bob on 2024-06-01.",
				"aspect": "Event",
				"attributes": {"event_date": "2024-06-01"},
				"validAt": "2024-06-01"
			}
		]
	}`}
	e := New(client)

	candidates, err := e.Extract(context.Background(), "Alice works at Acme. She married Bob on 2024-06-01.", ContextWindow{})
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, "Alice", candidates[0].SubjectName)
	assert.Equal(t, types.AspectAttribute, candidates[0].Aspect)
	assert.Nil(t, candidates[0].ValidAt)

	assert.Equal(t, types.AspectEvent, candidates[1].Aspect)
	assert.Equal(t, "2024-06-01", candidates[1].Attributes["event_date"])
	require.NotNil(t, candidates[1].ValidAt)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), *candidates[1].ValidAt)
}

func TestExtractDropsIncompleteCandidates(t *testing.T) {
	client := &scriptedClient{response: `{
		"candidates": [
			{"subjectName": "Alice", "predicateName": "", "objectName": "Acme", "fact": "x"},
			{"subjectName": "  ", "predicateName": "works at", "objectName": "Acme", "fact": "x"},
			{"subjectName": "Alice", "predicateName": "works at", "objectName": "Acme", "fact": "Alice works at Acme."}
		]
	}`}
	e := New(client)

	candidates, err := e.Extract(context.Background(), "text", ContextWindow{})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Alice works at Acme.", candidates[0].Fact)
}

func TestExtractDefaultsAspect(t *testing.T) {
	client := &scriptedClient{response: `{
		"candidates": [
			{"subjectName": "a", "predicateName": "b", "objectName": "c", "fact": "a b c"}
		]
	}`}
	e := New(client)

	candidates, err := e.Extract(context.Background(), "text", ContextWindow{})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, types.AspectAttribute, candidates[0].Aspect)
}

func TestExtractContextWindowInPrompt(t *testing.T) {
	client := &scriptedClient{response: `{"candidates": []}`}
	e := New(client)

	_, err := e.Extract(context.Background(), "current chunk", ContextWindow{
		Previous: "previous chunk",
		Next:     "next chunk",
		Persona:  "The user is a gardener.",
	})
	require.NoError(t, err)

	assert.Contains(t, client.prompt, "current chunk")
	assert.Contains(t, client.prompt, "previous chunk")
	assert.Contains(t, client.prompt, "next chunk")
	assert.Contains(t, client.prompt, "gardener")
}

func TestExtractPropagatesModelError(t *testing.T) {
	wantErr := &types.ExtractionError{Attempts: 3, LastMessage: "bad json", Err: errors.New("unmarshal")}
	client := &scriptedClient{err: wantErr}
	e := New(client)

	_, err := e.Extract(context.Background(), "text", ContextWindow{})
	var xe *types.ExtractionError
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, 3, xe.Attempts)
}

func TestParseFlexibleTime(t *testing.T) {
	_, ok := parseFlexibleTime("")
	assert.False(t, ok)

	_, ok = parseFlexibleTime("yesterday")
	assert.False(t, ok)

	got, ok := parseFlexibleTime("2024-03-15T10:30:00Z")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), got)

	got, ok = parseFlexibleTime("2024-03-15")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), got)
}

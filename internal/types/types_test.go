package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAspectCoexists(t *testing.T) {
	coexisting := []Aspect{AspectEvent, AspectObservation}
	for _, a := range coexisting {
		if !a.Coexists() {
			t.Errorf("%s should coexist", a)
		}
	}
	exclusive := []Aspect{AspectPreference, AspectAttribute, AspectRelationship, AspectIdentity, AspectSubjectiveExperience}
	for _, a := range exclusive {
		if a.Coexists() {
			t.Errorf("%s should not coexist", a)
		}
	}
	// Unknown aspects from older data are treated as exclusive.
	if Aspect("Mood").Coexists() {
		t.Error("Unknown aspect should not coexist")
	}
}

func TestStatementValidDuring(t *testing.T) {
	mar := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	sep := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)

	open := &Statement{ValidAt: mar}
	if !open.ValidDuring(jun) {
		t.Error("Open statement should be valid after ValidAt")
	}
	if open.ValidDuring(mar.Add(-time.Hour)) {
		t.Error("Statement is not valid before ValidAt")
	}

	closed := &Statement{ValidAt: mar, InvalidAt: &jun}
	if !closed.ValidDuring(mar) {
		t.Error("Closed statement should be valid at its own ValidAt")
	}
	if closed.ValidDuring(jun) {
		t.Error("InvalidAt is exclusive")
	}
	if closed.ValidDuring(sep) {
		t.Error("Closed statement should not be valid after InvalidAt")
	}
}

func TestEntityNormalizedName(t *testing.T) {
	e := &Entity{Name: "  Sam Altman "}
	if e.NormalizedName() != "sam altman" {
		t.Errorf("Unexpected normalized name: %q", e.NormalizedName())
	}
}

func TestTripleEqual(t *testing.T) {
	a := Triple{SubjectUUID: "s", PredicateUUID: "p", ObjectUUID: "o"}
	if !a.Equal(Triple{SubjectUUID: "s", PredicateUUID: "p", ObjectUUID: "o"}) {
		t.Error("Identical triples should be equal")
	}
	if a.Equal(Triple{SubjectUUID: "o", PredicateUUID: "p", ObjectUUID: "s"}) {
		t.Error("Triples are positional; swapped roles differ")
	}
}

func TestEpisodeConnectivityScore(t *testing.T) {
	c := EpisodeConnectivity{MatchedStatements: 2, TotalStatements: 4, MatchedEntities: 2}
	if got := c.Score(); got != 1.0 {
		t.Errorf("Expected score 1.0, got %f", got)
	}
	empty := EpisodeConnectivity{MatchedEntities: 3}
	if empty.Score() != 0 {
		t.Error("Zero-statement episode should score 0")
	}
}

func TestIsRetryable(t *testing.T) {
	final := []error{
		&ValidationError{Field: "query", Reason: "required"},
		&PermanentStoreError{Op: "UpsertEntity", Err: errors.New("constraint")},
		&ExtractionError{Attempts: 3, LastMessage: "invalid json"},
		&CancelledError{Reason: "deadline"},
	}
	for _, err := range final {
		if IsRetryable(err) {
			t.Errorf("%T should not be retryable", err)
		}
	}

	if !IsRetryable(&TransientStoreError{Op: "Search", Err: errors.New("busy")}) {
		t.Error("Transient store errors are retryable")
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Error("Unknown errors are retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}

	// Classification survives wrapping.
	wrapped := fmt.Errorf("stage failed: %w", &ValidationError{Field: "body", Reason: "empty"})
	if IsRetryable(wrapped) {
		t.Error("Wrapped final errors stay final")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("lookup: %w", ErrNotFound)) {
		t.Error("Wrapped ErrNotFound should classify")
	}
	if IsNotFound(errors.New("other")) {
		t.Error("Unrelated errors are not NotFound")
	}
}

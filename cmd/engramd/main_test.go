package main

import (
	"strings"
	"testing"
	"time"
)

func TestCommandRegistration(t *testing.T) {
	want := []string{"ingest", "retry", "search", "maintain", "compact", "reembed", "status", "delete", "worker"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Fatalf("command %q not registered", name)
		}
	}
}

func TestRequireUser(t *testing.T) {
	userID = ""
	if _, err := requireUser(); err == nil {
		t.Fatal("expected an error without --user")
	}

	userID = "alice"
	workspace = "ws-1"
	defer func() { userID, workspace = "", "" }()
	scope, err := requireUser()
	if err != nil {
		t.Fatalf("requireUser returned error: %v", err)
	}
	if scope.UserID != "alice" || scope.WorkspaceID != "ws-1" {
		t.Fatalf("unexpected scope: %+v", scope)
	}
}

func TestParseFlagTime(t *testing.T) {
	got, err := parseFlagTime("valid-at", "2024-06-01T00:00:00Z")
	if err != nil {
		t.Fatalf("parseFlagTime returned error: %v", err)
	}
	if !got.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected time: %v", got)
	}

	if got, err := parseFlagTime("valid-at", ""); err != nil || got != nil {
		t.Fatalf("empty value should parse to nil, got %v, %v", got, err)
	}
	if _, err := parseFlagTime("valid-at", "yesterday"); err == nil || !strings.Contains(err.Error(), "valid-at") {
		t.Fatalf("expected a flag-named parse error, got %v", err)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("  a title\nand a body"); got != "a title" {
		t.Fatalf("unexpected first line: %q", got)
	}
	long := strings.Repeat("x", 120)
	if got := firstLine(long); len(got) != 83 || !strings.HasSuffix(got, "...") {
		t.Fatalf("long line not truncated: %q", got)
	}
}

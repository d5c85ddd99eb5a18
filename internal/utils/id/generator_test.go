package id

import (
	"strings"
	"testing"
)

func TestPrefixedIdentifiers(t *testing.T) {
	cases := []struct {
		prefix string
		gen    func() string
	}{
		{"task-", NewTaskID},
		{"ui-", NewInteractionID},
		{"call-", NewToolCallID},
		{"artifact-", NewArtifactID},
	}
	for _, tc := range cases {
		got := tc.gen()
		if !strings.HasPrefix(got, tc.prefix) {
			t.Fatalf("expected prefix %q, got %q", tc.prefix, got)
		}
		if len(got) <= len(tc.prefix) {
			t.Fatalf("identifier %q has empty body", got)
		}
	}
}

func TestIdentifiersAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewTaskID()
		if seen[id] {
			t.Fatalf("duplicate identifier %q after %d generations", id, i)
		}
		seen[id] = true
	}
}

func TestUUIDv7Strategy(t *testing.T) {
	SetStrategy(StrategyUUIDv7)
	defer SetStrategy(StrategyKSUID)

	got := NewTaskID()
	if !strings.HasPrefix(got, "task-") {
		t.Fatalf("expected prefix task-, got %q", got)
	}
	// UUIDs carry dashes in the body; KSUIDs do not.
	if strings.Count(got, "-") < 5 {
		t.Fatalf("expected UUID-shaped body, got %q", got)
	}
}

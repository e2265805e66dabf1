package cachekey

import (
	"strings"
	"testing"
)

func TestFor_MapKeyOrderIrrelevant(t *testing.T) {
	a, err := For("players.list", map[string]any{"teamId": 5, "season": "2024", "filter": map[string]any{"b": 1, "a": 2}})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	b, err := For("players.list", map[string]any{"filter": map[string]any{"a": 2, "b": 1}, "season": "2024", "teamId": 5})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if a != b {
		t.Errorf("keys differ for equal inputs:\n%s\n%s", a, b)
	}
	want := `cache/players.list:{"filter":{"a":2,"b":1},"season":"2024","teamId":5}`
	if a != want {
		t.Errorf("key = %s, want %s", a, want)
	}
}

func TestFor_StructAndMapAgree(t *testing.T) {
	type input struct {
		TeamID int    `json:"teamId"`
		Month  string `json:"month"`
	}
	a, err := For("finances.summary", input{TeamID: 3, Month: "2024-05"})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	b, err := For("finances.summary", map[string]any{"month": "2024-05", "teamId": 3})
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if a != b {
		t.Errorf("struct key %s != map key %s", a, b)
	}
}

func TestFor_DistinctInputsDistinctKeys(t *testing.T) {
	inputs := []any{
		nil,
		map[string]any{},
		[]any{},
		"5",
		5,
		5.5,
		[]any{1, 2},
		[]any{2, 1},
		map[string]any{"a": "b,c"},
		map[string]any{"a": "b", "c": nil},
		map[string]any{"a:b": 1},
	}
	seen := make(map[string]int)
	for i, in := range inputs {
		k, err := For("q", in)
		if err != nil {
			t.Fatalf("For(%v): %v", in, err)
		}
		if j, dup := seen[k]; dup {
			t.Errorf("inputs %d and %d collide on key %s", j, i, k)
		}
		seen[k] = i
	}
}

func TestFor_NilInput(t *testing.T) {
	k, err := For("trainings.list", nil)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if k != "cache/trainings.list:null" {
		t.Errorf("key = %q", k)
	}
	if !strings.HasPrefix(k, PathPrefix("trainings.list")) {
		t.Errorf("key %q does not start with path prefix", k)
	}
}

func TestFor_EmptyPath(t *testing.T) {
	if _, err := For("", 1); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestFor_PathWithSeparator(t *testing.T) {
	if _, err := For("players:archived", nil); err == nil {
		t.Fatal("expected error for path containing ':'")
	}
	if err := ValidatePath("players.archived"); err != nil {
		t.Errorf("ValidatePath(players.archived) = %v", err)
	}
}

func TestCanonical_LargeNumbersVerbatim(t *testing.T) {
	got, err := Canonical(map[string]any{"id": uint64(18446744073709551615)})
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	if got != `{"id":18446744073709551615}` {
		t.Errorf("Canonical = %s", got)
	}
}

func TestCanonical_Unmarshalable(t *testing.T) {
	if _, err := Canonical(map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected error for channel input")
	}
}

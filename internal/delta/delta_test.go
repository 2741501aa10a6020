package delta

import (
	"bytes"
	"encoding/json"
	"testing"

	"bonusvarsel/internal/catalog"
)

func ptr[T any](v T) *T { return &v }

func ent(id string, rate float64) catalog.Entity {
	return catalog.Entity{Identity: id, Kind: catalog.KindShop, Rate: ptr(rate)}
}

func TestDiffRateChangeAndAddition(t *testing.T) {
	prev := []catalog.Entity{ent("a", 2)}
	next := []catalog.Entity{ent("a", 5), ent("b", 1)}

	d := Diff(prev, next)

	if len(d.Added) != 1 || d.Added[0].Identity != "b" {
		t.Fatalf("Added = %+v, want [b]", d.Added)
	}
	if len(d.Removed) != 0 {
		t.Fatalf("Removed = %+v, want empty", d.Removed)
	}
	if len(d.Updated) != 1 || d.Updated[0].Identity != "a" {
		t.Fatalf("Updated = %+v, want [a]", d.Updated)
	}
	changes := d.Updated[0].Changes
	if len(changes) != 1 {
		t.Fatalf("changes = %v, want only rate", changes)
	}
	rc, ok := changes["rate"]
	if !ok || string(rc.From) != "2" || string(rc.To) != "5" {
		t.Fatalf("rate change = %s -> %s", rc.From, rc.To)
	}
	want := Summary{Added: 1, Removed: 0, Updated: 1, Unchanged: 0, PrevTotal: 1, NextTotal: 2}
	if d.Summary != want {
		t.Fatalf("Summary = %+v, want %+v", d.Summary, want)
	}
}

func TestDiffEverythingRemoved(t *testing.T) {
	prev := []catalog.Entity{{Identity: "x"}}
	d := Diff(prev, nil)

	if len(d.Removed) != 1 || d.Removed[0].Identity != "x" {
		t.Fatalf("Removed = %+v, want [x]", d.Removed)
	}
	if len(d.Added) != 0 || len(d.Updated) != 0 {
		t.Fatalf("unexpected added/updated: %+v / %+v", d.Added, d.Updated)
	}
	if d.Summary.Unchanged != 0 {
		t.Fatalf("Unchanged = %d, want 0", d.Summary.Unchanged)
	}
}

func TestDiffIsIdempotent(t *testing.T) {
	prev := []catalog.Entity{
		{Identity: "1", DisplayName: ptr("Beta"), Rate: ptr(1.0)},
		{Identity: "2", DisplayName: ptr("alpha")},
		{Identity: "3", DisplayName: ptr("Alpha")},
		{Identity: "4"},
	}
	next := []catalog.Entity{
		{Identity: "1", DisplayName: ptr("Beta"), Rate: ptr(3.0)},
		{Identity: "5", DisplayName: ptr("Gamma")},
		{Identity: "6", DisplayName: ptr("Gamma")},
		{Identity: "4", URL: ptr("https://x")},
	}

	a, err := json.Marshal(Diff(prev, next))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 5; i++ {
		b, err := json.Marshal(Diff(prev, next))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("run %d differs:\n%s\n%s", i, a, b)
		}
	}
}

func TestDiffPartition(t *testing.T) {
	prev := []catalog.Entity{ent("a", 1), ent("b", 2), ent("c", 3), ent("d", 4)}
	next := []catalog.Entity{ent("a", 1), ent("b", 20), ent("e", 5), ent("f", 6)}

	d := Diff(prev, next)

	seen := map[string]string{}
	mark := func(list string, id string) {
		if other, dup := seen[id]; dup {
			t.Fatalf("identity %q in both %s and %s", id, other, list)
		}
		seen[id] = list
	}
	for _, e := range d.Added {
		mark("added", e.Identity)
	}
	for _, u := range d.Updated {
		mark("updated", u.Identity)
	}
	for _, e := range d.Removed {
		mark("removed", e.Identity)
	}

	want := map[string]string{"b": "updated", "e": "added", "f": "added", "c": "removed", "d": "removed"}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for id, list := range want {
		if seen[id] != list {
			t.Fatalf("%s in %q, want %q", id, seen[id], list)
		}
	}
	if d.Summary.Unchanged != 1 {
		t.Fatalf("Unchanged = %d, want 1 (a)", d.Summary.Unchanged)
	}
}

func TestDiffSortsByDisplayNameCaseSensitive(t *testing.T) {
	next := []catalog.Entity{
		{Identity: "1", DisplayName: ptr("beta")},
		{Identity: "2", DisplayName: ptr("Alpha")},
		{Identity: "3"},
		{Identity: "4", DisplayName: ptr("Beta")},
	}
	d := Diff(nil, next)

	got := make([]string, 0, len(d.Added))
	for _, e := range d.Added {
		got = append(got, e.Identity)
	}
	want := []string{"3", "2", "4", "1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDiffDuplicateIdentityLastWriteWins(t *testing.T) {
	prev := []catalog.Entity{ent("a", 1)}
	next := []catalog.Entity{ent("a", 9), ent("a", 1)}

	d := Diff(prev, next)
	if len(d.Updated) != 0 || len(d.Added) != 0 {
		t.Fatalf("expected last duplicate (unchanged) to win, got %+v", d)
	}
	// The duplicate still counts toward next's length.
	if d.Summary.Unchanged != 2 {
		t.Fatalf("Unchanged = %d, want 2", d.Summary.Unchanged)
	}
}

func TestFieldDiffNullToValue(t *testing.T) {
	a := catalog.Entity{Identity: "a"}
	b := catalog.Entity{Identity: "a", EndsAt: ptr("2026-01-18")}
	ch := FieldDiff(a, b)
	c, ok := ch["endsAt"]
	if !ok || string(c.From) != "null" || string(c.To) != `"2026-01-18"` {
		t.Fatalf("endsAt change = %+v", ch)
	}
}

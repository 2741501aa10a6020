package ledger

import (
	"encoding/json"
	"testing"
	"time"

	"bonusvarsel/internal/catalog"
	"bonusvarsel/internal/delta"
)

func ptr[T any](v T) *T { return &v }

func sampleEvent() Event {
	return Event{
		Program: "SAS", Country: "no", Channel: "SAS",
		Kind: catalog.KindCampaign, Type: EventAdded, ID: "c-1",
		Rate: ptr(10.0), EndsAt: ptr("2026-01-18"),
		URL: ptr("https://example.test/a"),
	}
}

func TestFingerprintIgnoresURLAndName(t *testing.T) {
	a := sampleEvent()
	b := sampleEvent()
	b.URL = ptr("https://example.test/other")
	b.DisplayName = ptr("Renamed")
	b.PreviousRate = ptr(3.0)

	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint changed for irrelevant fields")
	}
	if len(Fingerprint(a)) != 40 {
		t.Fatalf("fingerprint length = %d, want 40 hex chars", len(Fingerprint(a)))
	}
}

func TestFingerprintSensitiveToRelevantFields(t *testing.T) {
	base := sampleEvent()
	variants := map[string]func(*Event){
		"rate":    func(e *Event) { e.Rate = ptr(11.0) },
		"endsAt":  func(e *Event) { e.EndsAt = nil },
		"type":    func(e *Event) { e.Type = EventUpdated },
		"country": func(e *Event) { e.Country = "se" },
		"id":      func(e *Event) { e.ID = "c-2" },
	}
	for name, mutate := range variants {
		ev := base
		mutate(&ev)
		if Fingerprint(ev) == Fingerprint(base) {
			t.Fatalf("%s: fingerprint did not change", name)
		}
	}
}

func TestFilterUnsentWithSimulatedClock(t *testing.T) {
	ttl := 30 * 24 * time.Hour
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ev := sampleEvent()

	l := Ledger{}
	unsent, l := FilterUnsent([]Event{ev}, l, t0, ttl)
	if len(unsent) != 1 {
		t.Fatalf("first run unsent = %d, want 1", len(unsent))
	}
	l.MarkSent(unsent, t0)

	unsent, l = FilterUnsent([]Event{ev}, l, t0.Add(29*24*time.Hour), ttl)
	if len(unsent) != 0 {
		t.Fatalf("within TTL unsent = %d, want 0", len(unsent))
	}

	unsent, l = FilterUnsent([]Event{ev}, l, t0.Add(31*24*time.Hour), ttl)
	if len(unsent) != 1 {
		t.Fatalf("after TTL unsent = %d, want 1", len(unsent))
	}
	if len(l) != 0 {
		t.Fatalf("expired entry not pruned: %v", l)
	}
}

func TestFilterUnsentDoesNotMutateInput(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := Ledger{"stale": {SentAt: now.Add(-90 * 24 * time.Hour)}}
	_, pruned := FilterUnsent(nil, old, now, DefaultTTL)
	if _, ok := old["stale"]; !ok {
		t.Fatal("input ledger was mutated")
	}
	if _, ok := pruned["stale"]; ok {
		t.Fatal("stale entry survived prune")
	}
}

func TestFilterUnsentCollapsesDuplicates(t *testing.T) {
	a := sampleEvent()
	b := sampleEvent()
	b.URL = ptr("https://elsewhere")
	unsent, _ := FilterUnsent([]Event{a, b}, nil, time.Now(), DefaultTTL)
	if len(unsent) != 1 {
		t.Fatalf("unsent = %d, want 1", len(unsent))
	}
}

func TestEntryAcceptsLegacyString(t *testing.T) {
	raw := `{
		"aaa": {"sentAt": "2026-01-02T03:04:05.000Z"},
		"bbb": "2026-01-03T00:00:00Z",
		"ccc": "not a time"
	}`
	var l Ledger
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if l["aaa"].SentAt.Day() != 2 || l["bbb"].SentAt.Day() != 3 {
		t.Fatalf("unexpected decode: %+v", l)
	}
	if !l["ccc"].SentAt.IsZero() {
		t.Fatalf("ccc = %v, want zero", l["ccc"].SentAt)
	}
	if n := l.Prune(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), DefaultTTL); n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
}

func TestEventsFromDeltaPolicies(t *testing.T) {
	up := func(id string, from, to float64) delta.Updated {
		return delta.Updated{
			Identity: id,
			Previous: catalog.Entity{Identity: id, Rate: ptr(from)},
			Current:  catalog.Entity{Identity: id, Rate: ptr(to)},
		}
	}
	d := delta.Delta{
		Added:   []catalog.Entity{{Identity: "new"}},
		Removed: []catalog.Entity{{Identity: "gone"}},
		Updated: []delta.Updated{up("up", 2, 5), up("down", 5, 2)},
	}

	tests := []struct {
		policy Policy
		want   []string
	}{
		{PolicyAll, []string{"up", "down", "new"}},
		{PolicyRateIncrease, []string{"up", "new"}},
	}
	for _, tt := range tests {
		got := EventsFromDelta(catalog.KindShop, d, tt.policy)
		if len(got) != len(tt.want) {
			t.Fatalf("%s: got %d events, want %d", tt.policy, len(got), len(tt.want))
		}
		for i, id := range tt.want {
			if got[i].ID != id {
				t.Fatalf("%s: event %d = %s, want %s", tt.policy, i, got[i].ID, id)
			}
		}
	}

	evs := EventsFromDelta(catalog.KindShop, d, PolicyAll)
	if evs[0].Type != EventUpdated || evs[0].PreviousRate == nil || *evs[0].PreviousRate != 2 {
		t.Fatalf("updated event = %+v", evs[0])
	}
	if evs[2].Type != EventAdded || evs[2].Kind != catalog.KindShop {
		t.Fatalf("added event = %+v", evs[2])
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyAll {
		t.Fatalf("empty = %q, %v", p, err)
	}
	if p, err := ParsePolicy("Rate_Increase"); err != nil || p != PolicyRateIncrease {
		t.Fatalf("rate_increase = %q, %v", p, err)
	}
	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatal("expected error")
	}
}

func TestMergePending(t *testing.T) {
	r1, r2 := 1.0, 2.0
	fresh := []Event{{Kind: catalog.KindShop, ID: "a", Type: EventUpdated, Rate: &r2}}
	pending := []Event{
		{Kind: catalog.KindShop, ID: "a", Type: EventUpdated, Rate: &r1},
		{Kind: catalog.KindShop, ID: "b", Type: EventAdded},
		{Kind: catalog.KindCampaign, ID: "a", Type: EventAdded},
	}

	got := MergePending(fresh, pending)
	if len(got) != 3 {
		t.Fatalf("merged %d events, want 3: %+v", len(got), got)
	}
	if *got[0].Rate != 2 {
		t.Fatalf("pending event replaced the fresh one: %+v", got[0])
	}
	if got[1].ID != "b" || got[2].Kind != catalog.KindCampaign {
		t.Fatalf("order = %+v", got)
	}
	if len(fresh) != 1 {
		t.Fatal("fresh slice mutated")
	}
	if out := MergePending(fresh, nil); len(out) != 1 {
		t.Fatalf("no pending = %+v", out)
	}
}

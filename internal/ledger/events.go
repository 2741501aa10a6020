package ledger

import (
	"fmt"
	"strings"

	"bonusvarsel/internal/catalog"
	"bonusvarsel/internal/delta"
)

// EventType is the kind of change an Event announces.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
)

// Event is one notification candidate derived from a Delta.
type Event struct {
	Program string       `json:"program"`
	Country string       `json:"country"`
	Channel string       `json:"channel"`
	Kind    catalog.Kind `json:"kind"`
	Type    EventType    `json:"type"`
	ID      string       `json:"id"`

	DisplayName  *string  `json:"displayName,omitempty"`
	Rate         *float64 `json:"rate,omitempty"`
	PreviousRate *float64 `json:"previousRate,omitempty"`
	StartsAt     *string  `json:"startsAt,omitempty"`
	EndsAt       *string  `json:"endsAt,omitempty"`
	URL          *string  `json:"url,omitempty"`
}

// Policy selects which updated entities become notification candidates.
type Policy string

const (
	// PolicyAll notifies every added and every updated entity.
	PolicyAll Policy = "all"
	// PolicyRateIncrease notifies added entities and updated entities whose
	// rate went up.
	PolicyRateIncrease Policy = "rate_increase"
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PolicyAll):
		return PolicyAll, nil
	case string(PolicyRateIncrease), "rate-increase":
		return PolicyRateIncrease, nil
	default:
		return "", fmt.Errorf("unknown notify policy %q", s)
	}
}

// EventsFromDelta maps a Delta to candidate events: updated first, then added,
// each in the delta's sorted order. Removed entities are never announced.
func EventsFromDelta(kind catalog.Kind, d delta.Delta, policy Policy) []Event {
	out := make([]Event, 0, len(d.Updated)+len(d.Added))
	for _, u := range d.Updated {
		if policy == PolicyRateIncrease && !rateIncreased(u.Previous.Rate, u.Current.Rate) {
			continue
		}
		ev := fromEntity(kind, EventUpdated, u.Current)
		if ev.ID == "" {
			ev.ID = u.Identity
		}
		if ev.DisplayName == nil {
			ev.DisplayName = u.DisplayName
		}
		ev.PreviousRate = u.Previous.Rate
		out = append(out, ev)
	}
	for _, e := range d.Added {
		out = append(out, fromEntity(kind, EventAdded, e))
	}
	return out
}

// MergePending appends held-back events from an undelivered run to fresh
// candidates. A fresh event replaces a pending one for the same entity.
func MergePending(fresh, pending []Event) []Event {
	if len(pending) == 0 {
		return fresh
	}
	type key struct {
		kind catalog.Kind
		id   string
	}
	seen := make(map[key]bool, len(fresh))
	for _, ev := range fresh {
		seen[key{ev.Kind, ev.ID}] = true
	}
	out := append([]Event(nil), fresh...)
	for _, ev := range pending {
		k := key{ev.Kind, ev.ID}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, ev)
	}
	return out
}

func fromEntity(kind catalog.Kind, typ EventType, e catalog.Entity) Event {
	return Event{
		Program:     e.Program,
		Country:     e.Country,
		Channel:     e.Channel,
		Kind:        kind,
		Type:        typ,
		ID:          e.Identity,
		DisplayName: e.DisplayName,
		Rate:        e.Rate,
		StartsAt:    e.StartsAt,
		EndsAt:      e.EndsAt,
		URL:         e.URL,
	}
}

func rateIncreased(prev, cur *float64) bool {
	if cur == nil {
		return false
	}
	if prev == nil {
		return true
	}
	return *cur > *prev
}

// Package delta computes added/removed/updated sets between two catalog
// snapshots keyed by entity identity.
package delta

import (
	"bytes"
	"encoding/json"
	"sort"

	"bonusvarsel/internal/catalog"
)

// Change is one field-level difference. Values are the JSON serialization of
// the field on each side (null when absent).
type Change struct {
	From json.RawMessage `json:"from"`
	To   json.RawMessage `json:"to"`
}

// Updated describes an entity present in both snapshots with differing fields.
type Updated struct {
	Identity    string            `json:"identity"`
	DisplayName *string           `json:"displayName"`
	Changes     map[string]Change `json:"changes"`

	// Current is the entity as it appears in the next snapshot.
	Current catalog.Entity `json:"-"`
	// Previous is the entity as it appeared in the previous snapshot.
	Previous catalog.Entity `json:"-"`
}

// Summary holds the counts of a Delta.
//
// Unchanged is len(next) - Added - Updated. It is not clamped: a negative
// value means the inputs broke an upstream invariant.
type Summary struct {
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	PrevTotal int `json:"prevTotal"`
	NextTotal int `json:"nextTotal"`
}

// Delta is the comparison of two snapshots. The three lists are pairwise
// disjoint by identity and sorted by display name.
type Delta struct {
	Added   []catalog.Entity `json:"added"`
	Removed []catalog.Entity `json:"removed"`
	Updated []Updated        `json:"updated"`
	Summary Summary          `json:"summary"`
}

// Empty reports whether the delta carries no change at all.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Updated) == 0
}

// Diff compares previous against next.
//
// Duplicate identities inside one snapshot resolve last-write-wins.
// Entities with an empty identity are ignored.
func Diff(previous, next []catalog.Entity) Delta {
	prevMap, _ := index(previous)
	nextMap, nextOrder := index(next)

	d := Delta{
		Added:   []catalog.Entity{},
		Removed: []catalog.Entity{},
		Updated: []Updated{},
	}

	for _, id := range nextOrder {
		cur := nextMap[id]
		old, ok := prevMap[id]
		if !ok {
			d.Added = append(d.Added, cur)
			continue
		}
		changes := FieldDiff(old, cur)
		if len(changes) == 0 {
			continue
		}
		name := cur.DisplayName
		if name == nil {
			name = old.DisplayName
		}
		d.Updated = append(d.Updated, Updated{
			Identity:    id,
			DisplayName: name,
			Changes:     changes,
			Current:     cur,
			Previous:    old,
		})
	}

	for id, old := range prevMap {
		if _, ok := nextMap[id]; !ok {
			d.Removed = append(d.Removed, old)
		}
	}

	sortEntities(d.Added)
	sortEntities(d.Removed)
	sort.SliceStable(d.Updated, func(i, j int) bool {
		a, b := d.Updated[i], d.Updated[j]
		if an, bn := nameOf(a.DisplayName), nameOf(b.DisplayName); an != bn {
			return an < bn
		}
		return a.Identity < b.Identity
	})

	d.Summary = Summary{
		Added:     len(d.Added),
		Removed:   len(d.Removed),
		Updated:   len(d.Updated),
		Unchanged: len(next) - len(d.Added) - len(d.Updated),
		PrevTotal: len(previous),
		NextTotal: len(next),
	}
	return d
}

// FieldDiff compares every serialized field of a and b and returns the ones
// whose JSON encoding differs.
func FieldDiff(a, b catalog.Entity) map[string]Change {
	af := fields(a)
	bf := fields(b)

	out := map[string]Change{}
	for k, av := range af {
		bv, ok := bf[k]
		if !ok {
			bv = nullJSON
		}
		if !bytes.Equal(av, bv) {
			out[k] = Change{From: av, To: bv}
		}
	}
	for k, bv := range bf {
		if _, ok := af[k]; !ok && !bytes.Equal(bv, nullJSON) {
			out[k] = Change{From: nullJSON, To: bv}
		}
	}
	return out
}

var nullJSON = json.RawMessage("null")

func fields(e catalog.Entity) map[string]json.RawMessage {
	b, err := json.Marshal(e)
	if err != nil {
		return map[string]json.RawMessage{}
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]json.RawMessage{}
	}
	return m
}

func index(list []catalog.Entity) (map[string]catalog.Entity, []string) {
	m := make(map[string]catalog.Entity, len(list))
	order := make([]string, 0, len(list))
	for _, e := range list {
		if e.Identity == "" {
			continue
		}
		if _, seen := m[e.Identity]; !seen {
			order = append(order, e.Identity)
		}
		m[e.Identity] = e
	}
	return m, order
}

func nameOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sortEntities(list []catalog.Entity) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if an, bn := a.Name(), b.Name(); an != bn {
			return an < bn
		}
		return a.Identity < b.Identity
	})
}

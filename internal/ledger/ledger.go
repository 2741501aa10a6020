// Package ledger is the time-boxed record of notification events that were
// already delivered. It decides which candidate events are still unsent.
//
// The ledger is plain data; persistence belongs to internal/storage. A run
// loads it, prunes it, filters candidates, marks what was delivered and
// writes it back, even when nothing was sent.
package ledger

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// DefaultTTL is how long a delivered event suppresses re-notification.
const DefaultTTL = 30 * 24 * time.Hour

// ErrMalformedLedger is returned by stores when the persisted ledger cannot
// be decoded. Treating it as empty would re-send every event in the window.
var ErrMalformedLedger = errors.New("ledger: malformed ledger")

// Entry is the value stored per fingerprint.
type Entry struct {
	SentAt time.Time `json:"sentAt"`
}

// UnmarshalJSON accepts both {"sentAt": "..."} and the older bare timestamp
// string. An unparseable timestamp decodes to the zero time, which Prune
// drops.
func (e *Entry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		e.SentAt = parseTime(s)
		return nil
	}
	var raw struct {
		SentAt string `json:"sentAt"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.SentAt = parseTime(raw.SentAt)
	return nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Ledger maps event fingerprints to their last successful send.
type Ledger map[string]Entry

// Clone returns an independent copy. A nil ledger clones to an empty one.
func (l Ledger) Clone() Ledger {
	out := make(Ledger, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// Prune removes entries older than ttl relative to now and returns how many
// were removed. A non-positive ttl falls back to DefaultTTL.
func (l Ledger) Prune(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	n := 0
	for k, v := range l {
		if v.SentAt.IsZero() || now.Sub(v.SentAt) > ttl {
			delete(l, k)
			n++
		}
	}
	return n
}

// MarkSent records every event as delivered at now.
func (l Ledger) MarkSent(events []Event, now time.Time) {
	at := now.UTC()
	for _, ev := range events {
		l[Fingerprint(ev)] = Entry{SentAt: at}
	}
}

// Has reports whether the fingerprint is present.
func (l Ledger) Has(fp string) bool {
	_, ok := l[fp]
	return ok
}

// FilterUnsent prunes a copy of the ledger and returns the candidates whose
// fingerprint is absent from it, together with the pruned copy. Candidates
// sharing a fingerprint collapse to the first occurrence.
func FilterUnsent(candidates []Event, l Ledger, now time.Time, ttl time.Duration) ([]Event, Ledger) {
	pruned := l.Clone()
	pruned.Prune(now, ttl)

	seen := make(map[string]struct{}, len(candidates))
	unsent := make([]Event, 0, len(candidates))
	for _, ev := range candidates {
		fp := Fingerprint(ev)
		if pruned.Has(fp) {
			continue
		}
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		unsent = append(unsent, ev)
	}
	return unsent, pruned
}

// fingerprintPayload fixes the fields and their order. URL and display name
// are deliberately absent.
type fingerprintPayload struct {
	Program  string   `json:"program"`
	Country  string   `json:"country"`
	Channel  string   `json:"channel"`
	Kind     string   `json:"kind"`
	Type     string   `json:"type"`
	ID       string   `json:"id"`
	Rate     *float64 `json:"rate"`
	StartsAt *string  `json:"startsAt"`
	EndsAt   *string  `json:"endsAt"`
}

// Fingerprint is the SHA-1 hex of the canonical JSON of the event's
// notification-relevant fields.
func Fingerprint(ev Event) string {
	b, _ := json.Marshal(fingerprintPayload{
		Program:  ev.Program,
		Country:  ev.Country,
		Channel:  ev.Channel,
		Kind:     string(ev.Kind),
		Type:     string(ev.Type),
		ID:       ev.ID,
		Rate:     ev.Rate,
		StartsAt: ev.StartsAt,
		EndsAt:   ev.EndsAt,
	})
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

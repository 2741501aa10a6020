package catalog

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Normalize maps one raw upstream record into an Entity.
//
// It is total: any input shape (nil, non-object, wrong field types) yields an
// Entity, with unresolvable fields left nil. A record with no identity alias
// yields an Entity with an empty Identity; NormalizeAll drops those.
func Normalize(raw any, kind Kind, meta Meta) Entity {
	rec, _ := raw.(map[string]any)
	t := aliasesFor(kind)

	e := Entity{
		Kind:    kind,
		Program: meta.Program,
		Country: meta.Country,
		Channel: meta.Channel,
	}
	if id := firstString(rec, t[fieldIdentity]); id != nil {
		e.Identity = *id
	}
	e.DisplayName = firstString(rec, t[fieldDisplayName])
	e.Slug = firstString(rec, t[fieldSlug])
	e.Rate = firstNumber(rec, t[fieldRate])
	e.BaseRate = firstNumber(rec, t[fieldBaseRate])
	e.Category = firstString(rec, t[fieldCategory])
	e.StartsAt = parseDate(firstString(rec, t[fieldStartsAt]))
	e.EndsAt = parseDate(firstString(rec, t[fieldEndsAt]))
	e.URL = firstString(rec, t[fieldURL])
	e.ImageURL = firstString(rec, t[fieldImageURL])
	return e
}

// NormalizeAll normalizes every record and drops the ones without identity.
// It returns the kept entities in input order and the number dropped.
func NormalizeAll(records []any, kind Kind, meta Meta) ([]Entity, int) {
	out := make([]Entity, 0, len(records))
	dropped := 0
	for _, r := range records {
		e := Normalize(r, kind, meta)
		if e.Identity == "" {
			dropped++
			continue
		}
		out = append(out, e)
	}
	return out, dropped
}

func firstString(rec map[string]any, keys []string) *string {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := scalarString(v); ok && s != "" {
			return &s
		}
	}
	return nil
}

func firstNumber(rec map[string]any, keys []string) *float64 {
	for _, k := range keys {
		v, ok := rec[k]
		if !ok || v == nil {
			continue
		}
		if f, ok := coerceNumber(v); ok {
			return &f
		}
	}
	return nil
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return norm.NFC.String(strings.TrimSpace(x)), true
	case json.Number:
		return x.String(), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}

func coerceNumber(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		p, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		// Upstream sometimes renders decimals with a comma ("2,5").
		if !strings.Contains(s, ".") {
			s = strings.Replace(s, ",", ".", 1)
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var reLocalDate = regexp.MustCompile(`^(\d{2})\.(\d{2})\.(\d{4})$`)

// parseDate accepts dd.mm.yyyy (rewritten to yyyy-mm-dd) and ISO-8601 values
// (passed through). Anything else is nil.
func parseDate(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if m := reLocalDate.FindStringSubmatch(v); m != nil {
		iso := m[3] + "-" + m[2] + "-" + m[1]
		if _, err := time.Parse(time.DateOnly, iso); err != nil {
			return nil
		}
		return &iso
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339, time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if _, err := time.Parse(layout, v); err == nil {
			return &v
		}
	}
	return nil
}

// Package catalog holds the normalized shape of loyalty-program catalog
// records (shops and campaigns) and the total normalizer that produces it.
package catalog

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the two catalog collections.
type Kind string

const (
	KindShop     Kind = "shop"
	KindCampaign Kind = "campaign"
)

// Kinds lists every kind in pipeline order (campaigns are fetched first).
var Kinds = []Kind{KindCampaign, KindShop}

// Plural is the collection name used for file names and upstream paths.
func (k Kind) Plural() string {
	switch k {
	case KindShop:
		return "shops"
	case KindCampaign:
		return "campaigns"
	default:
		return string(k) + "s"
	}
}

// ParseKind accepts both singular and plural names.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shop", "shops":
		return KindShop, nil
	case "campaign", "campaigns":
		return KindCampaign, nil
	default:
		return "", fmt.Errorf("unknown catalog kind %q", s)
	}
}

// Entity is one normalized shop or campaign.
//
// Identity is the only required field; two entities with the same Identity
// are the same logical record regardless of other values. Field order here
// is the serialized order.
type Entity struct {
	Identity    string   `json:"identity"`
	Kind        Kind     `json:"kind"`
	DisplayName *string  `json:"displayName"`
	Slug        *string  `json:"slug"`
	Rate        *float64 `json:"rate"`
	BaseRate    *float64 `json:"baseRate"`
	Category    *string  `json:"category"`
	StartsAt    *string  `json:"startsAt"`
	EndsAt      *string  `json:"endsAt"`
	URL         *string  `json:"url"`
	ImageURL    *string  `json:"imageUrl"`
	Program     string   `json:"program"`
	Country     string   `json:"country"`
	Channel     string   `json:"channel"`
}

// Name returns DisplayName or "" when it is null.
func (e Entity) Name() string {
	if e.DisplayName == nil {
		return ""
	}
	return *e.DisplayName
}

// Meta carries the program metadata stamped on every entity.
type Meta struct {
	Program string `json:"program"`
	Country string `json:"country"`
	Channel string `json:"channel"`
}

// Params records the upstream query a snapshot was captured with.
type Params struct {
	APIBase  string `json:"apiBase"`
	Program  string `json:"program"`
	Channel  string `json:"channel"`
	Language string `json:"language"`
	Country  string `json:"country"`
	PerPage  int    `json:"perPage"`
}

// Snapshot is the full normalized entity list of one kind captured by one run.
type Snapshot struct {
	Kind      Kind      `json:"kind"`
	FetchedAt time.Time `json:"fetchedAt"`
	Params    Params    `json:"params"`
	Pages     int       `json:"pages"`
	Entities  []Entity  `json:"entities"`
}

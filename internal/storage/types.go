package storage

import (
	"time"

	"bonusvarsel/internal/catalog"
	"bonusvarsel/internal/delta"
)

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON files under Path (a directory)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means default
}

// Report is the outcome of one pipeline run.
type Report struct {
	RunID      string         `json:"runId"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	APIBase    string         `json:"apiBase"`
	Params     catalog.Params `json:"params"`
	Counts     Counts         `json:"counts"`
	Cache      CacheInfo      `json:"cache"`
	Campaigns  delta.Delta    `json:"campaigns"`
	Shops      delta.Delta    `json:"shops"`
	Notify     NotifyInfo     `json:"notify"`
}

// Counts are raw record and page totals per kind.
type Counts struct {
	Campaigns        int `json:"campaigns"`
	Shops            int `json:"shops"`
	CampaignPages    int `json:"campaignPages"`
	ShopPages        int `json:"shopPages"`
	DroppedCampaigns int `json:"droppedCampaigns"`
	DroppedShops     int `json:"droppedShops"`
}

type CacheInfo struct {
	Enabled bool   `json:"enabled"`
	Bypass  bool   `json:"bypass"`
	Driver  string `json:"driver"`
}

// NotifyInfo records what the notify stage did.
type NotifyInfo struct {
	Policy     string `json:"policy"`
	Candidates int    `json:"candidates"`
	Unsent     int    `json:"unsent"`
	Sent       int    `json:"sent"`
	Forced     bool   `json:"forced"`
	Quiet      bool   `json:"quiet"`
	Pruned     int    `json:"pruned"`

	// Retried counts candidates carried over from an undelivered run.
	Retried int `json:"retried"`
	// Pending counts events held back for the next run.
	Pending int `json:"pending"`
}

// Summaries is the compact per-kind delta summary.
type Summaries struct {
	Campaigns delta.Summary `json:"campaigns"`
	Shops     delta.Summary `json:"shops"`
}

func (r Report) Summaries() Summaries {
	return Summaries{Campaigns: r.Campaigns.Summary, Shops: r.Shops.Summary}
}

// rawSnapshot is the persisted form of the raw page data of one kind.
type rawSnapshot struct {
	FetchedAt time.Time      `json:"fetchedAt"`
	APIBase   string         `json:"apiBase"`
	Params    catalog.Params `json:"params"`
	Pages     int            `json:"pages"`
	Data      []any          `json:"data"`
}

func newRawSnapshot(snap catalog.Snapshot, raw []any) rawSnapshot {
	if raw == nil {
		raw = []any{}
	}
	return rawSnapshot{
		FetchedAt: snap.FetchedAt.UTC(),
		APIBase:   snap.Params.APIBase,
		Params:    snap.Params,
		Pages:     snap.Pages,
		Data:      raw,
	}
}

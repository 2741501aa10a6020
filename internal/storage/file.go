package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"bonusvarsel/internal/catalog"
	"bonusvarsel/internal/ledger"
	logx "bonusvarsel/pkg/logx"
)

// fileStore keeps JSON files in one directory:
//   - <kinds>.normalized.json  entity array per kind
//   - <kinds>.raw.json         raw page data per kind
//   - sent.json                dedup ledger
//   - pending.json             events of the last undelivered notification
//   - changes.json, changes.summary.json, lastRun.json  last run report
//
// Every write goes through a temp file and rename.
type fileStore struct {
	dir string
	log logx.Logger
	mu  sync.Mutex
}

const (
	ledgerFile         = "sent.json"
	pendingFile        = "pending.json"
	changesFile        = "changes.json"
	changesSummaryFile = "changes.summary.json"
	lastRunFile        = "lastRun.json"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, log: log}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Ping(ctx context.Context) error {
	_ = ctx
	_, err := os.Stat(s.dir)
	return err
}

func (s *fileStore) LoadSnapshot(ctx context.Context, kind catalog.Kind) ([]catalog.Entity, error) {
	_ = ctx
	p := s.path(kind.Plural() + ".normalized.json")
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []catalog.Entity{}, nil
		}
		return nil, err
	}
	out, err := decodeEntities(b)
	if err != nil {
		s.log.Warn("snapshot unreadable, treating as empty",
			logx.String("kind", string(kind)),
			logx.String("path", p),
			logx.Err(err))
		return []catalog.Entity{}, nil
	}
	return out, nil
}

func (s *fileStore) SaveSnapshot(ctx context.Context, snap catalog.Snapshot, raw []any) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	name := snap.Kind.Plural()
	if err := s.writeJSON(name+".raw.json", newRawSnapshot(snap, raw)); err != nil {
		return err
	}
	entities := snap.Entities
	if entities == nil {
		entities = []catalog.Entity{}
	}
	return s.writeJSON(name+".normalized.json", entities)
}

func (s *fileStore) LoadLedger(ctx context.Context) (ledger.Ledger, error) {
	_ = ctx
	b, err := os.ReadFile(s.path(ledgerFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ledger.Ledger{}, nil
		}
		return nil, err
	}
	return decodeLedger(b)
}

func (s *fileStore) SaveLedger(ctx context.Context, l ledger.Ledger) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == nil {
		l = ledger.Ledger{}
	}
	return s.writeJSON(ledgerFile, l)
}

func (s *fileStore) LoadPending(ctx context.Context) ([]ledger.Event, error) {
	_ = ctx
	b, err := os.ReadFile(s.path(pendingFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodePending(b)
}

func (s *fileStore) SavePending(ctx context.Context, events []ledger.Event) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(events) == 0 {
		if err := os.Remove(s.path(pendingFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return s.writeJSON(pendingFile, events)
}

func (s *fileStore) SaveReport(ctx context.Context, r Report) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := struct {
		RunID      string         `json:"runId"`
		StartedAt  any            `json:"startedAt"`
		FinishedAt any            `json:"finishedAt"`
		APIBase    string         `json:"apiBase"`
		Params     catalog.Params `json:"params"`
		Campaigns  any            `json:"campaigns"`
		Shops      any            `json:"shops"`
	}{r.RunID, r.StartedAt, r.FinishedAt, r.APIBase, r.Params, r.Campaigns, r.Shops}
	if err := s.writeJSON(changesFile, changes); err != nil {
		return err
	}
	if err := s.writeJSON(changesSummaryFile, r.Summaries()); err != nil {
		return err
	}

	lastRun := struct {
		RunID      string         `json:"runId"`
		StartedAt  any            `json:"startedAt"`
		FinishedAt any            `json:"finishedAt"`
		APIBase    string         `json:"apiBase"`
		Params     catalog.Params `json:"params"`
		Counts     Counts         `json:"counts"`
		Cache      CacheInfo      `json:"cache"`
		Deltas     Summaries      `json:"deltas"`
		Notify     NotifyInfo     `json:"notify"`
	}{r.RunID, r.StartedAt, r.FinishedAt, r.APIBase, r.Params, r.Counts, r.Cache, r.Summaries(), r.Notify}
	return s.writeJSON(lastRunFile, lastRun)
}

func (s *fileStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *fileStore) writeJSON(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dst := s.path(name)
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

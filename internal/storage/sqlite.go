package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bonusvarsel/internal/catalog"
	"bonusvarsel/internal/ledger"
	logx "bonusvarsel/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations_sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context, kind catalog.Kind) ([]catalog.Entity, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT entities FROM snapshots WHERE kind = ?`, string(kind)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []catalog.Entity{}, nil
	}
	if err != nil {
		return nil, err
	}
	out, err := decodeEntities([]byte(raw))
	if err != nil {
		s.log.Warn("snapshot unreadable, treating as empty", logx.String("kind", string(kind)), logx.Err(err))
		return []catalog.Entity{}, nil
	}
	return out, nil
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, snap catalog.Snapshot, raw []any) error {
	entities, params, rawJSON, err := encodeSnapshot(snap, raw)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots(kind, fetched_at, params, pages, entities, raw) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(kind) DO UPDATE SET fetched_at=excluded.fetched_at, params=excluded.params,
		   pages=excluded.pages, entities=excluded.entities, raw=excluded.raw`,
		string(snap.Kind), snap.FetchedAt.UTC().Format(time.RFC3339Nano), string(params), snap.Pages,
		string(entities), string(rawJSON),
	)
	return err
}

func (s *sqliteStore) LoadLedger(ctx context.Context) (ledger.Ledger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint, sent_at FROM sent_events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	l := ledger.Ledger{}
	for rows.Next() {
		var fp, at string
		if err := rows.Scan(&fp, &at); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("%w: fingerprint %s: %v", ledger.ErrMalformedLedger, fp, err)
		}
		l[fp] = ledger.Entry{SentAt: t}
	}
	return l, rows.Err()
}

// SaveLedger replaces the whole table in one transaction.
func (s *sqliteStore) SaveLedger(ctx context.Context, l ledger.Ledger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sent_events`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sent_events(fingerprint, sent_at) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for fp, e := range l {
		if _, err := stmt.ExecContext(ctx, fp, e.SentAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadPending(ctx context.Context) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event FROM pending_events ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev ledger.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("storage: malformed pending event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SavePending(ctx context.Context, events []ledger.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_events`); err != nil {
		return err
	}
	for i, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO pending_events(position, event) VALUES(?,?)`, i, string(b)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SaveReport(ctx context.Context, r Report) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, started_at, finished_at, report) VALUES(?,?,?,?)
		 ON CONFLICT(run_id) DO UPDATE SET finished_at=excluded.finished_at, report=excluded.report`,
		r.RunID, r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano), string(b),
	)
	return err
}

func encodeSnapshot(snap catalog.Snapshot, raw []any) (entities, params, rawJSON []byte, err error) {
	list := snap.Entities
	if list == nil {
		list = []catalog.Entity{}
	}
	if entities, err = json.Marshal(list); err != nil {
		return nil, nil, nil, err
	}
	if params, err = json.Marshal(snap.Params); err != nil {
		return nil, nil, nil, err
	}
	if rawJSON, err = json.Marshal(newRawSnapshot(snap, raw)); err != nil {
		return nil, nil, nil, err
	}
	return entities, params, rawJSON, nil
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bonusvarsel/internal/catalog"
	"bonusvarsel/internal/ledger"
	logx "bonusvarsel/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pg dsn parse: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	pcfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *postgresStore) LoadSnapshot(ctx context.Context, kind catalog.Kind) ([]catalog.Entity, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT entities::text FROM snapshots WHERE kind = $1`, string(kind)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return []catalog.Entity{}, nil
	}
	if err != nil {
		return nil, err
	}
	out, err := decodeEntities(raw)
	if err != nil {
		s.log.Warn("snapshot unreadable, treating as empty", logx.String("kind", string(kind)), logx.Err(err))
		return []catalog.Entity{}, nil
	}
	return out, nil
}

func (s *postgresStore) SaveSnapshot(ctx context.Context, snap catalog.Snapshot, raw []any) error {
	entities, params, rawJSON, err := encodeSnapshot(snap, raw)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO snapshots(kind, fetched_at, params, pages, entities, raw)
		VALUES($1, $2, $3::jsonb, $4, $5::jsonb, $6::jsonb)
		ON CONFLICT(kind) DO UPDATE SET fetched_at=EXCLUDED.fetched_at, params=EXCLUDED.params,
		  pages=EXCLUDED.pages, entities=EXCLUDED.entities, raw=EXCLUDED.raw`,
		string(snap.Kind), snap.FetchedAt.UTC(), string(params), snap.Pages, string(entities), string(rawJSON),
	)
	return err
}

func (s *postgresStore) LoadLedger(ctx context.Context) (ledger.Ledger, error) {
	rows, err := s.pool.Query(ctx, `SELECT fingerprint, sent_at FROM sent_events`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	l := ledger.Ledger{}
	for rows.Next() {
		var fp string
		var e ledger.Entry
		if err := rows.Scan(&fp, &e.SentAt); err != nil {
			return nil, err
		}
		l[fp] = e
	}
	return l, rows.Err()
}

func (s *postgresStore) SaveLedger(ctx context.Context, l ledger.Ledger) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM sent_events`); err != nil {
		return err
	}
	if len(l) > 0 {
		rows := make([][]any, 0, len(l))
		for fp, e := range l {
			rows = append(rows, []any{fp, e.SentAt.UTC()})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"sent_events"}, []string{"fingerprint", "sent_at"}, pgx.CopyFromRows(rows)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) LoadPending(ctx context.Context) ([]ledger.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT event FROM pending_events ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev ledger.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("storage: malformed pending event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *postgresStore) SavePending(ctx context.Context, events []ledger.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM pending_events`); err != nil {
		return err
	}
	for i, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO pending_events(position, event) VALUES($1, $2::jsonb)`, i, string(b)); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) SaveReport(ctx context.Context, r Report) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs(run_id, started_at, finished_at, report)
		VALUES($1, $2, $3, $4::jsonb)
		ON CONFLICT(run_id) DO UPDATE SET finished_at=EXCLUDED.finished_at, report=EXCLUDED.report`,
		r.RunID, r.StartedAt.UTC(), r.FinishedAt.UTC(), string(b),
	)
	return err
}

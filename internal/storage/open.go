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
)

// ErrMalformedSnapshot is logged when a stored snapshot cannot be decoded.
// LoadSnapshot recovers from it by returning an empty list.
var ErrMalformedSnapshot = errors.New("storage: malformed snapshot")

// Store is the persistence API used by the pipeline.
type Store interface {
	// LoadSnapshot returns the last saved entities of kind, or an empty list
	// when none exist or they cannot be decoded.
	LoadSnapshot(ctx context.Context, kind catalog.Kind) ([]catalog.Entity, error)
	// SaveSnapshot replaces the stored snapshot of snap.Kind.
	SaveSnapshot(ctx context.Context, snap catalog.Snapshot, raw []any) error
	// LoadLedger returns an empty ledger when none is stored and an error
	// wrapping ledger.ErrMalformedLedger when it cannot be decoded.
	LoadLedger(ctx context.Context) (ledger.Ledger, error)
	SaveLedger(ctx context.Context, l ledger.Ledger) error
	// LoadPending returns the events held back by the last failed delivery.
	LoadPending(ctx context.Context) ([]ledger.Event, error)
	// SavePending replaces the held-back events. An empty list clears them.
	SavePending(ctx context.Context, events []ledger.Event) error
	SaveReport(ctx context.Context, r Report) error
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store. An empty driver selects "file".
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func decodePending(b []byte) ([]ledger.Event, error) {
	var out []ledger.Event
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("storage: malformed pending events: %w", err)
	}
	return out, nil
}

// decodeEntities decodes a stored entity array. Any failure is reported as
// ErrMalformedSnapshot.
func decodeEntities(b []byte) ([]catalog.Entity, error) {
	var out []catalog.Entity
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errors.Join(ErrMalformedSnapshot, err)
	}
	if out == nil {
		out = []catalog.Entity{}
	}
	return out, nil
}

func decodeLedger(b []byte) (ledger.Ledger, error) {
	l := ledger.Ledger{}
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, errors.Join(ledger.ErrMalformedLedger, err)
	}
	if l == nil {
		l = ledger.Ledger{}
	}
	return l, nil
}

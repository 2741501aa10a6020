// Package cache stores decoded upstream responses keyed by request URL.
//
// Entries never expire on their own. Callers refresh explicitly by bypassing
// the read path (see upstream.Fetcher).
package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "bonusvarsel/pkg/logx"
)

// ErrMalformedEntry marks a stored entry that could not be decoded. Stores
// report it from Get so callers can log it; it always means a miss.
var ErrMalformedEntry = errors.New("cache: malformed entry")

// Entry is one cached response.
type Entry struct {
	SavedAt time.Time       `json:"savedAt"`
	URL     string          `json:"url"`
	Status  int             `json:"status"`
	Data    json.RawMessage `json:"data"`
}

// Store is the cache backend.
//
// Get returns ok=false on a miss. A corrupt entry is a miss and is reported
// with an error wrapping ErrMalformedEntry next to ok=false.
type Store interface {
	Get(ctx context.Context, url string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Close() error
}

// Key is the deterministic key of a request URL.
func Key(url string) string {
	sum := sha1.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Config selects and configures a cache driver.
//
// Driver values:
//   - "file" (default): one JSON file per URL under Dir
//   - "redis": one string key per URL
//   - "none": caching disabled
type Config struct {
	Driver string
	Dir    string
	Redis  RedisConfig
}

// RedisConfig configures the redis driver.
type RedisConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
}

// Open initializes the configured store. It returns (nil, nil) when caching
// is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "none", "off":
		return nil, nil
	case "", "file":
		return NewFileStore(cfg.Dir, log)
	case "redis":
		return NewRedisStore(ctx, cfg.Redis, log)
	default:
		return nil, fmt.Errorf("unknown cache driver: %s", driver)
	}
}

// encodeEntry serializes e without HTML escaping so Data reads back with
// the bytes it was stored with.
func encodeEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if len(e.Data) == 0 || bytes.Equal(bytes.TrimSpace(e.Data), []byte("null")) {
		return Entry{}, fmt.Errorf("%w: missing data", ErrMalformedEntry)
	}
	return e, nil
}

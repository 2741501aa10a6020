package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "bonusvarsel/pkg/logx"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "bonusvarsel:cache:"

// RedisStore keeps entries as JSON strings without expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

// NewRedisStore connects and pings once. The cache is an optimization, so
// there is no connect retry loop: an unreachable server fails the open.
func NewRedisStore(ctx context.Context, cfg RedisConfig, log logx.Logger) (*RedisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("cache.redis.addr is required for redis driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dial,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unavailable at %s: %w", addr, err)
	}
	log.Info("connected to redis cache", logx.String("addr", addr))

	return newRedisStoreWithClient(client, cfg.Prefix, log), nil
}

func newRedisStoreWithClient(client *redis.Client, prefix string, log logx.Logger) *RedisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisStore{client: client, prefix: prefix, log: log}
}

func (s *RedisStore) key(url string) string {
	return s.prefix + Key(url)
}

func (s *RedisStore) Get(ctx context.Context, url string) (Entry, bool, error) {
	b, err := s.client.Get(ctx, s.key(url)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	e, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	b, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(e.URL), b, 0).Err(); err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

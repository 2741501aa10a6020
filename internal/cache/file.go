package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	logx "bonusvarsel/pkg/logx"
)

// FileStore keeps one <sha1(url)>.json file per URL in a directory.
type FileStore struct {
	dir string
	log logx.Logger
}

func NewFileStore(dir string, log logx.Logger) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("cache dir is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, log: log}, nil
}

func (s *FileStore) path(url string) string {
	return filepath.Join(s.dir, Key(url)+".json")
}

func (s *FileStore) Get(ctx context.Context, url string) (Entry, bool, error) {
	_ = ctx
	b, err := os.ReadFile(s.path(url))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Put writes the entry through a temp file and rename.
func (s *FileStore) Put(ctx context.Context, e Entry) error {
	_ = ctx
	b, err := encodeEntry(e)
	if err != nil {
		return err
	}
	dst := s.path(e.URL)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

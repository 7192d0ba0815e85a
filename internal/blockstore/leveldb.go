package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelStore is a persistent block store using LevelDB.
type LevelStore struct {
	db *leveldb.DB
}

// NewLevelStore creates or opens a LevelDB block store at path.
func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Put(ctx context.Context, hash string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := s.db.Has([]byte(hash), nil)
	if err != nil {
		return fmt.Errorf("leveldb has %s: %w", hash, err)
	}
	if ok {
		return nil
	}
	if err := s.db.Put([]byte(hash), data, nil); err != nil {
		return fmt.Errorf("leveldb put %s: %w", hash, err)
	}
	return nil
}

func (s *LevelStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.db.Get([]byte(hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get %s: %w", hash, err)
	}
	return data, nil
}

func (s *LevelStore) Has(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := s.db.Has([]byte(hash), nil)
	if err != nil {
		return false, fmt.Errorf("leveldb has %s: %w", hash, err)
	}
	return ok, nil
}

// Close closes the database handle.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

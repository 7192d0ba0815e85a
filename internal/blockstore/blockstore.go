// Package blockstore persists content-addressed blocks.
//
// Blocks are immutable: the key is the block's content address, so a second
// Put of the same hash is a no-op. Callers verify content against the hash;
// the store only moves bytes.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// ErrNotFound is returned when a block is absent.
var ErrNotFound = errors.New("block not found")

// Store is the block store contract consumed by the log and the sync engine.
type Store interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Has(ctx context.Context, hash string) (bool, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"
)

// Open creates the store for the named backend rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemStore(), nil
	case BackendLevelDB, "":
		return NewLevelStore(filepath.Join(dir, "blocks"))
	case BackendBolt:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create block directory: %w", err)
		}
		return NewBoltStore(filepath.Join(dir, "blocks.bolt"))
	default:
		return nil, fmt.Errorf("unknown block store backend %q", backend)
	}
}

// MemStore keeps blocks in memory. Used in tests and for ephemeral nodes.
type MemStore struct {
	mu     sync.RWMutex
	blocks map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blocks: make(map[string][]byte)}
}

func (s *MemStore) Put(ctx context.Context, hash string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[hash]; !ok {
		s.blocks[hash] = slices.Clone(data)
	}
	return nil
}

func (s *MemStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blocks[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(data), nil
}

func (s *MemStore) Has(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[hash]
	return ok, nil
}

// Len returns the number of stored blocks.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// Close satisfies Store. Nothing to release for memory.
func (s *MemStore) Close() error {
	return nil
}

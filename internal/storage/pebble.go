package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store on a pebble LSM in its own directory.
// Writes skip the WAL fsync; Sync flushes them durably.
// Operations after Close return ErrClosed.
type PebbleStore struct {
	db     *pebble.DB
	dir    string
	mu     sync.RWMutex
	closed bool
}

// OpenPebbleStore opens or creates a pebble database in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if dir == "" {
		return nil, errors.New("pebble store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &PebbleStore{db: db, dir: dir}, nil
}

// Dir returns the database directory.
func (p *PebbleStore) Dir() string {
	return p.dir
}

func (p *PebbleStore) Get(key string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	val, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (p *PebbleStore) Put(key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return p.db.Set([]byte(key), value, pebble.NoSync)
}

func (p *PebbleStore) Delete(key string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return p.db.Delete([]byte(key), pebble.NoSync)
}

func (p *PebbleStore) List() ([]string, error) {
	var keys []string
	err := p.scan(func(k, _ []byte) {
		keys = append(keys, string(k))
	})
	return keys, err
}

func (p *PebbleStore) Stats() (StoreStats, error) {
	var s StoreStats
	err := p.scan(func(_, v []byte) {
		s.Keys++
		s.Bytes += len(v)
	})
	return s, err
}

// Sync flushes the memtable so every write so far survives a crash.
func (p *PebbleStore) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return p.db.Flush()
}

// Close waits for in-flight operations and closes the database.
func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	return p.db.Close()
}

func (p *PebbleStore) scan(fn func(k, v []byte)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		fn(iter.Key(), iter.Value())
	}
	return iter.Error()
}

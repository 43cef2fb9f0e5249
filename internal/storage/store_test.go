package storage

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

// backends runs fn against every Store implementation
func backends(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()
		fn(t, store)
	})
	t.Run("pebble", func(t *testing.T) {
		store, err := OpenPebbleStore(filepath.Join(t.TempDir(), "shard-0"))
		if err != nil {
			t.Fatalf("open pebble: %v", err)
		}
		defer store.Close()
		fn(t, store)
	})
}

// TestStoreContract tests behavior every backend must share
func TestStoreContract(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		keys, err := store.List()
		if err != nil || len(keys) != 0 {
			t.Fatalf("Expected empty store, got %v (err %v)", keys, err)
		}
		if _, err := store.Get("missing"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}

		if err := store.Put("b", []byte("value1")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := store.Put("a", []byte("v")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := store.Put("b", []byte("value22")); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}

		value, err := store.Get("b")
		if err != nil || !bytes.Equal(value, []byte("value22")) {
			t.Errorf("Expected value22, got %q (err %v)", value, err)
		}

		keys, _ = store.List()
		if !reflect.DeepEqual(keys, []string{"a", "b"}) {
			t.Errorf("Expected sorted keys [a b], got %v", keys)
		}

		stats, err := store.Stats()
		if err != nil || stats.Keys != 2 || stats.Bytes != 8 {
			t.Errorf("Expected 2 keys / 8 bytes, got %+v (err %v)", stats, err)
		}

		if err := store.Delete("b"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := store.Delete("b"); err != nil {
			t.Errorf("Delete of missing key should be a no-op, got %v", err)
		}
		if _, err := store.Get("b"); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
		}

		if err := store.Sync(); err != nil {
			t.Errorf("Sync failed: %v", err)
		}
	})
}

// TestStoreCopiesValues tests that callers cannot mutate stored data
func TestStoreCopiesValues(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		in := []byte("original")
		store.Put("k", in)
		in[0] = 'X'

		out, _ := store.Get("k")
		if string(out) != "original" {
			t.Errorf("Put did not copy its input: %q", out)
		}
		out[0] = 'Y'

		again, _ := store.Get("k")
		if string(again) != "original" {
			t.Errorf("Get did not return a copy: %q", again)
		}
	})
}

// TestStoreConcurrency tests thread-safe concurrent access
func TestStoreConcurrency(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					key := fmt.Sprintf("w%d-k%d", w, i)
					if err := store.Put(key, []byte(key)); err != nil {
						t.Errorf("Put %s: %v", key, err)
						return
					}
					if _, err := store.Get(key); err != nil {
						t.Errorf("Get %s: %v", key, err)
					}
					store.List()
				}
			}(w)
		}
		wg.Wait()

		stats, _ := store.Stats()
		if stats.Keys != 400 {
			t.Errorf("Expected 400 keys, got %d", stats.Keys)
		}
	})
}

func TestPebbleStorePersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shard-3")

	store, err := OpenPebbleStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.Put("doc-1", []byte(`{"id":"doc-1"}`))
	if err := store.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenPebbleStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	value, err := reopened.Get("doc-1")
	if err != nil || string(value) != `{"id":"doc-1"}` {
		t.Errorf("Expected persisted document, got %q (err %v)", value, err)
	}
	if reopened.Dir() != dir {
		t.Errorf("Dir() = %s, want %s", reopened.Dir(), dir)
	}
}

func TestStoreClosed(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		if err := store.Put("k", []byte("v")); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		if _, err := store.Get("k"); !errors.Is(err, ErrClosed) {
			t.Errorf("Get after Close: %v", err)
		}
		if err := store.Put("k", nil); !errors.Is(err, ErrClosed) {
			t.Errorf("Put after Close: %v", err)
		}
		if err := store.Delete("k"); !errors.Is(err, ErrClosed) {
			t.Errorf("Delete after Close: %v", err)
		}
		if _, err := store.List(); !errors.Is(err, ErrClosed) {
			t.Errorf("List after Close: %v", err)
		}
		if _, err := store.Stats(); !errors.Is(err, ErrClosed) {
			t.Errorf("Stats after Close: %v", err)
		}
		if err := store.Sync(); !errors.Is(err, ErrClosed) {
			t.Errorf("Sync after Close: %v", err)
		}
	})
}

// TestStoreCloseDuringWrites closes a store while writers are running; every
// write either lands or fails with ErrClosed.
func TestStoreCloseDuringWrites(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		var wg sync.WaitGroup
		errs := make(chan error, 400)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					if err := store.Put(fmt.Sprintf("w%d-%d", w, i), []byte("v")); err != nil {
						errs <- err
					}
				}
			}(w)
		}
		store.Close()
		wg.Wait()
		close(errs)

		for err := range errs {
			if !errors.Is(err, ErrClosed) {
				t.Errorf("Put during Close: %v", err)
			}
		}
	})
}

func TestOpen(t *testing.T) {
	tests := []struct {
		backend string
		want    string
		wantErr bool
	}{
		{"", "*storage.MemoryStore", false},
		{BackendMemory, "*storage.MemoryStore", false},
		{BackendPebble, "*storage.PebbleStore", false},
		{"rocksdb", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			store, err := Open(tt.backend, t.TempDir())
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error for unknown backend")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer store.Close()
			if got := fmt.Sprintf("%T", store); got != tt.want {
				t.Errorf("Open(%q) = %s, want %s", tt.backend, got, tt.want)
			}
		})
	}

	if _, err := OpenPebbleStore(""); err == nil {
		t.Error("Expected error for empty pebble dir")
	}
}

func TestStoreInterface(t *testing.T) {
	var _ Store = (*MemoryStore)(nil)
	var _ Store = (*PebbleStore)(nil)
}

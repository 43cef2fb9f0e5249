package shard

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/storage"
	"github.com/dreamware/shardcast/internal/update"
)

// ErrNotActive is returned when a batch reaches a shard that is not serving.
var ErrNotActive = errors.New("shard is not active")

// ShardState represents the current state of a shard
type ShardState string

const (
	// ShardStateActive means the shard is serving requests
	ShardStateActive ShardState = "active"
	// ShardStateMigrating means the shard is being moved
	ShardStateMigrating ShardState = "migrating"
	// ShardStateDeleted means the shard is marked for deletion
	ShardStateDeleted ShardState = "deleted"
)

// Shard is one replica of a data partition hosted on a node.
// It applies update batches to its own store.
type Shard struct {
	ID      int           // Unique shard identifier
	Primary bool          // Is this replica the shard leader?
	Store   storage.Store // The storage backend for this shard
	State   ShardState    // Current shard state
	Stats   *ShardStats   // Operation statistics
	mu      sync.RWMutex  // Protects state changes
	applyMu sync.Mutex    // Serializes batch application
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     `json:"ops"`
	Updates UpdateStats        `json:"updates"`
	Storage storage.StoreStats `json:"storage"`
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets    uint64 `json:"gets"`
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
	Commits uint64 `json:"commits"`
}

// UpdateStats counts applied batches by where they came from.
type UpdateStats struct {
	Forwarded uint64 `json:"forwarded"` // sent on by a leader
	Direct    uint64 `json:"direct"`    // sent by a client
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	ID       int        `json:"id"`
	Primary  bool       `json:"primary"`
	State    ShardState `json:"state"`
	KeyCount int        `json:"key_count"`
	ByteSize int        `json:"byte_size"`
}

// NewShard creates a shard replica on store. A nil store means memory.
func NewShard(id int, primary bool, store storage.Store) *Shard {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	return &Shard{
		ID:      id,
		Primary: primary,
		Store:   store,
		State:   ShardStateActive,
		Stats:   &ShardStats{},
	}
}

// Get retrieves a value from the shard
func (s *Shard) Get(key string) ([]byte, error) {
	atomic.AddUint64(&s.Stats.Ops.Gets, 1)
	return s.Store.Get(key)
}

// Put stores a value in the shard
func (s *Shard) Put(key string, value []byte) error {
	atomic.AddUint64(&s.Stats.Ops.Puts, 1)
	return s.Store.Put(key, value)
}

// Delete removes a key from the shard
func (s *Shard) Delete(key string) error {
	atomic.AddUint64(&s.Stats.Ops.Deletes, 1)
	return s.Store.Delete(key)
}

// Commit makes everything applied so far durable.
func (s *Shard) Commit() error {
	atomic.AddUint64(&s.Stats.Ops.Commits, 1)
	return s.Store.Sync()
}

// Apply runs a batch against the shard in order: adds, then deletes, then
// the commit if requested. Each added document is stored as JSON under its
// id. Batches are applied one at a time.
//
// It returns the number of add and delete commands applied before any
// failure.
func (s *Shard) Apply(batch *update.Batch, phase cluster.DistribPhase) (int, error) {
	if err := batch.Validate(); err != nil {
		return 0, err
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.RLock()
	state := s.State
	s.mu.RUnlock()
	if state != ShardStateActive {
		return 0, fmt.Errorf("shard %d is %s: %w", s.ID, state, ErrNotActive)
	}

	if phase == cluster.PhaseFromLeader {
		atomic.AddUint64(&s.Stats.Updates.Forwarded, 1)
	} else {
		atomic.AddUint64(&s.Stats.Updates.Direct, 1)
	}

	applied := 0
	for _, doc := range batch.Adds {
		data, err := json.Marshal(doc)
		if err != nil {
			return applied, fmt.Errorf("encode document %s: %w", doc.ID(), err)
		}
		if err := s.Put(doc.ID(), data); err != nil {
			return applied, fmt.Errorf("store document %s: %w", doc.ID(), err)
		}
		applied++
	}
	for _, id := range batch.Deletes {
		if err := s.Delete(id); err != nil {
			return applied, fmt.Errorf("delete document %s: %w", id, err)
		}
		applied++
	}
	if batch.Commit {
		if err := s.Commit(); err != nil {
			return applied, fmt.Errorf("commit: %w", err)
		}
	}
	return applied, nil
}

// GetDocument decodes the document stored under id.
func (s *Shard) GetDocument(id string) (update.Document, error) {
	data, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	var doc update.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return doc, nil
}

// ListKeys returns all keys in the shard in ascending order
func (s *Shard) ListKeys() ([]string, error) {
	return s.Store.List()
}

// OwnsKey reports whether key hashes to this shard with the coordinator's
// FNV-1a mapping.
func (s *Shard) OwnsKey(key string, numShards int) bool {
	if numShards <= 0 {
		return false
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()%uint32(numShards)) == s.ID
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() (ShardStats, error) {
	storageStats, err := s.Store.Stats()
	if err != nil {
		return ShardStats{}, err
	}

	return ShardStats{
		Ops: OperationStats{
			Gets:    atomic.LoadUint64(&s.Stats.Ops.Gets),
			Puts:    atomic.LoadUint64(&s.Stats.Ops.Puts),
			Deletes: atomic.LoadUint64(&s.Stats.Ops.Deletes),
			Commits: atomic.LoadUint64(&s.Stats.Ops.Commits),
		},
		Updates: UpdateStats{
			Forwarded: atomic.LoadUint64(&s.Stats.Updates.Forwarded),
			Direct:    atomic.LoadUint64(&s.Stats.Updates.Direct),
		},
		Storage: storageStats,
	}, nil
}

// Info returns metadata about the shard
func (s *Shard) Info() (ShardInfo, error) {
	s.mu.RLock()
	state := s.State
	s.mu.RUnlock()

	storageStats, err := s.Store.Stats()
	if err != nil {
		return ShardInfo{}, err
	}

	return ShardInfo{
		ID:       s.ID,
		Primary:  s.Primary,
		State:    state,
		KeyCount: storageStats.Keys,
		ByteSize: storageStats.Bytes,
	}, nil
}

// SetState updates the shard state
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// ListKeysInRange returns the keys in the lexicographic range [start, end).
// An empty end means no upper bound.
func (s *Shard) ListKeysInRange(start, end string) ([]string, error) {
	allKeys, err := s.Store.List()
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, key := range allKeys {
		if key >= start && (end == "" || key < end) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// DeleteRange deletes the keys in [start, end) and returns how many it removed
func (s *Shard) DeleteRange(start, end string) (int, error) {
	keys, err := s.ListKeysInRange(start, end)
	if err != nil {
		return 0, err
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	for i, key := range keys {
		if err := s.Delete(key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

// Close waits for the batch being applied, then releases the shard's store.
func (s *Shard) Close() error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.SetState(ShardStateDeleted)
	return s.Store.Close()
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/config"
	"github.com/dreamware/shardcast/internal/metrics"
	"github.com/dreamware/shardcast/internal/shard"
	"github.com/dreamware/shardcast/internal/storage"
	"github.com/dreamware/shardcast/internal/update"
)

// maxBatchBytes bounds a single update body.
const maxBatchBytes = 64 << 20

// Node hosts shard replicas and applies the update batches forwarded to them.
//
// Shards are opened lazily: the first update routed to a shard creates its
// replica with a store from the configured backend. Each shard gets its own
// directory under <storage.dir>/<node id>/shard-<n> when the backend is
// pebble.
type Node struct {
	ID string

	storage config.StorageConfig
	log     *zap.Logger

	mu     sync.RWMutex
	shards map[int]*shard.Shard
}

// NewNode returns a node with no shards.
func NewNode(id string, sc config.StorageConfig, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		ID:      id,
		storage: sc,
		log:     log.With(zap.String("node_id", id)),
		shards:  make(map[int]*shard.Shard),
	}
}

// AddShard adds s, replacing any shard with the same ID.
func (n *Node) AddShard(s *shard.Shard) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shards[s.ID] = s
}

// GetShard returns the shard with id, or nil.
func (n *Node) GetShard(id int) *shard.Shard {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.shards[id]
}

// GetOrCreateShard returns the shard with id, opening it if it does not exist yet.
func (n *Node) GetOrCreateShard(id int) (*shard.Shard, error) {
	if s := n.GetShard(id); s != nil {
		return s, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.shards[id]; ok {
		return s, nil
	}

	store, err := storage.Open(n.storage.Backend, n.shardDir(id))
	if err != nil {
		return nil, fmt.Errorf("open shard %d: %w", id, err)
	}
	s := shard.NewShard(id, false, store)
	n.shards[id] = s
	n.log.Info("shard opened", zap.Int("shard", id), zap.String("backend", n.storage.Backend))
	return s, nil
}

func (n *Node) shardDir(id int) string {
	return filepath.Join(n.storage.Dir, n.ID, "shard-"+strconv.Itoa(id))
}

// RemoveShard closes and forgets the shard with id. Its data stays on disk.
func (n *Node) RemoveShard(id int) error {
	n.mu.Lock()
	s, ok := n.shards[id]
	delete(n.shards, id)
	n.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Close()
}

// Shards returns the hosted shards ordered by ID.
func (n *Node) Shards() []*shard.Shard {
	n.mu.RLock()
	out := make([]*shard.Shard, 0, len(n.shards))
	for _, s := range n.shards {
		out = append(out, s)
	}
	n.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close closes every shard store.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	for id, s := range n.shards {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shard %d: %w", id, err))
		}
		delete(n.shards, id)
	}
	return errors.Join(errs...)
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", n.handleInfo)
	mux.HandleFunc("/shard/", n.handleShardRequest)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// handleShardRequest routes /shard/{id}, /shard/{id}/update,
// /shard/{id}/store[/key] and /shard/{id}/stats.
func (n *Node) handleShardRequest(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/shard/")
	idPart, sub, _ := strings.Cut(rest, "/")

	shardID, err := strconv.Atoi(idPart)
	if err != nil || shardID < 0 {
		http.Error(w, "invalid shard ID", http.StatusBadRequest)
		return
	}

	switch {
	case sub == "":
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		n.handleRemoveShard(w, shardID)

	case sub == "update":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		n.handleUpdate(w, r, shardID)

	case sub == "stats":
		s := n.GetShard(shardID)
		if s == nil {
			http.Error(w, "shard not found", http.StatusNotFound)
			return
		}
		handleShardStats(s, w)

	case sub == "store" || sub == "store/":
		n.handleStoreRoot(w, r, shardID)

	case strings.HasPrefix(sub, "store/"):
		n.handleKey(w, r, shardID, strings.TrimPrefix(sub, "store/"))

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleUpdate applies one binary batch and answers with a binary Response.
// Errors are sent in the same encoding so the sender can read the message.
func (n *Node) handleUpdate(w http.ResponseWriter, r *http.Request, shardID int) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
	if err != nil {
		writeUpdateResponse(w, http.StatusBadRequest, 0, "read body: "+err.Error())
		return
	}
	batch, err := update.DecodeBatch(data)
	if err != nil {
		writeUpdateResponse(w, http.StatusBadRequest, 0, err.Error())
		return
	}

	s, err := n.GetOrCreateShard(shardID)
	if err != nil {
		n.log.Error("shard unavailable", zap.Int("shard", shardID), zap.Error(err))
		writeUpdateResponse(w, http.StatusServiceUnavailable, 0, err.Error())
		return
	}

	q := r.URL.Query()
	phase := cluster.ParsePhase(q.Get(cluster.ParamDistribUpdate))
	metrics.Node.Updates.WithLabelValues(string(phase)).Inc()

	applied, err := s.Apply(batch, phase)
	metrics.Node.Applied.Add(float64(applied))
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, update.ErrMissingID):
			status = http.StatusBadRequest
		case errors.Is(err, shard.ErrNotActive):
			status = http.StatusServiceUnavailable
		}
		n.log.Warn("update failed",
			zap.Int("shard", shardID),
			zap.String("from", q.Get(cluster.ParamDistribFrom)),
			zap.Int("applied", applied),
			zap.Error(err))
		writeUpdateResponse(w, status, applied, err.Error())
		return
	}

	n.log.Debug("update applied",
		zap.Int("shard", shardID),
		zap.String("phase", string(phase)),
		zap.String("from", q.Get(cluster.ParamDistribFrom)),
		zap.Int("applied", applied),
		zap.Bool("commit", batch.Commit))
	writeUpdateResponse(w, http.StatusOK, applied, "")
}

func writeUpdateResponse(w http.ResponseWriter, status, applied int, msg string) {
	body, err := update.EncodeResponse(&update.Response{Status: status, Applied: applied, Message: msg})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", update.ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (n *Node) handleRemoveShard(w http.ResponseWriter, shardID int) {
	if err := n.RemoveShard(shardID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	n.log.Info("shard removed", zap.Int("shard", shardID))
	w.WriteHeader(http.StatusNoContent)
}

// handleStoreRoot lists keys in [start, end) on GET and deletes them on DELETE.
func (n *Node) handleStoreRoot(w http.ResponseWriter, r *http.Request, shardID int) {
	s := n.GetShard(shardID)
	if s == nil {
		http.Error(w, "shard not found", http.StatusNotFound)
		return
	}
	start, end := r.URL.Query().Get("start"), r.URL.Query().Get("end")

	switch r.Method {
	case http.MethodGet:
		keys, err := s.ListKeysInRange(start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if keys == nil {
			keys = []string{}
		}
		writeJSON(w, struct {
			Keys  []string `json:"keys"`
			Count int      `json:"count"`
		}{keys, len(keys)})

	case http.MethodDelete:
		deleted, err := s.DeleteRange(start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, struct {
			Deleted int `json:"deleted"`
		}{deleted})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleKey serves raw reads and writes of one key. Writes here bypass
// replication; documents should go through the coordinator's /update.
func (n *Node) handleKey(w http.ResponseWriter, r *http.Request, shardID int, key string) {
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s := n.GetShard(shardID)
		if s == nil {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		value, err := s.Get(key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(value)

	case http.MethodPut:
		value, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		s, err := n.GetOrCreateShard(shardID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := s.Put(key, value); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		s := n.GetShard(shardID)
		if s != nil {
			if err := s.Delete(key); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func handleShardStats(s *shard.Shard, w http.ResponseWriter) {
	stats, err := s.GetStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		ShardID int `json:"shard_id"`
		shard.ShardStats
	}{s.ID, stats})
}

func (n *Node) handleInfo(w http.ResponseWriter, _ *http.Request) {
	shards := n.Shards()
	infos := make([]shard.ShardInfo, 0, len(shards))
	for _, s := range shards {
		info, err := s.Info()
		if err != nil {
			n.log.Warn("shard info", zap.Int("shard", s.ID), zap.Error(err))
			continue
		}
		infos = append(infos, info)
	}

	writeJSON(w, struct {
		NodeID  string            `json:"node_id"`
		Backend string            `json:"backend"`
		Shards  []shard.ShardInfo `json:"shards"`
		Count   int               `json:"shard_count"`
	}{n.ID, n.storage.Backend, infos, len(infos)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

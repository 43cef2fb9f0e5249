package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/config"
	"github.com/dreamware/shardcast/internal/coordinator"
	"github.com/dreamware/shardcast/internal/distrib"
	"github.com/dreamware/shardcast/internal/metrics"
	"github.com/dreamware/shardcast/internal/streaming"
	"github.com/dreamware/shardcast/internal/update"
)

type server struct {
	cfg      *config.Config
	log      *zap.Logger
	mu       sync.RWMutex
	nodes    []cluster.NodeInfo
	registry *coordinator.ShardRegistry
	monitor  *coordinator.HealthMonitor
	shared   *streaming.UpdateShardHandler
	client   *http.Client
}

func newServer(cfg *config.Config, log *zap.Logger) *server {
	s := &server{
		cfg:      cfg,
		log:      log,
		registry: coordinator.NewShardRegistry(cfg.Coordinator.NumShards),
		monitor:  coordinator.NewHealthMonitor(cfg.Coordinator.HealthInterval, cfg.Coordinator.MaxHealthFailures, log.Named("health")),
		shared: streaming.NewUpdateShardHandler(streaming.HandlerConfig{
			SocketTimeout:         cfg.Streaming.SocketTimeout,
			ConnTimeout:           cfg.Streaming.ConnTimeout,
			MaxConnectionsPerHost: cfg.Streaming.MaxConnectionsPerHost,
			MaxUpdateThreads:      int64(cfg.Streaming.MaxUpdateThreads),
		}),
		client: &http.Client{Timeout: 5 * time.Second},
	}
	s.monitor.SetOnUnhealthy(s.markDown)
	s.monitor.SetOnRecovered(s.markUp)
	return s
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/nodes", s.handleListNodes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/data/", s.handleData)
	mux.HandleFunc("/shards", s.handleShards)
	mux.HandleFunc("/shards/assign", s.handleShardAssign)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Close releases the shared forwarding resources.
func (s *server) Close() {
	s.shared.Close()
}

func (s *server) nodeList() []cluster.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]cluster.NodeInfo(nil), s.nodes...)
}

func (s *server) nodeAddr(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == id })
	if idx < 0 {
		return "", false
	}
	return s.nodes[idx].Addr, true
}

func (s *server) markDown(nodeID string) {
	// the next passing probe brings the node back through markUp
	s.monitor.MarkUnhealthy(nodeID)
	if s.registry.MarkNodeDown(nodeID) {
		s.log.Warn("node marked down", zap.String("node", nodeID))
	}
	metrics.Cluster.NodesDown.Set(float64(len(s.registry.DownNodes())))
}

func (s *server) markUp(nodeID string) {
	if s.registry.MarkNodeUp(nodeID) {
		s.log.Info("node marked up", zap.String("node", nodeID))
	}
	metrics.Cluster.NodesDown.Set(float64(len(s.registry.DownNodes())))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleRegister adds or refreshes a node. A new node triggers a rebalance;
// a known node re-registering is treated as alive again.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	added := idx < 0
	if added {
		s.nodes = append(s.nodes, req.Node)
	} else {
		s.nodes[idx] = req.Node
	}
	ids := make([]string, 0, len(s.nodes))
	for _, n := range s.nodes {
		ids = append(ids, n.ID)
	}
	s.mu.Unlock()

	if added {
		if err := s.registry.RebalanceShards(ids, s.cfg.Coordinator.ReplicationFactor); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.log.Info("node registered",
			zap.String("node", req.Node.ID),
			zap.String("addr", req.Node.Addr),
			zap.Ints("shards", s.registry.GetNodeShards(req.Node.ID)))
	} else {
		s.markUp(req.Node.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

type nodeStatus struct {
	cluster.NodeInfo
	Down   bool  `json:"down"`
	Shards []int `json:"shards"`
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.nodeList()
	out := make([]nodeStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeStatus{
			NodeInfo: n,
			Down:     s.registry.IsNodeDown(n.ID),
			Shards:   s.registry.GetNodeShards(n.ID),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Nodes []nodeStatus `json:"nodes"`
	}{Nodes: out})
}

// updateRequest is the client-facing JSON form of an update.
type updateRequest struct {
	Add    []update.Document `json:"add"`
	Delete []string          `json:"delete"`
	Commit bool              `json:"commit"`
}

type nodeError struct {
	NodeID string `json:"node_id"`
	Shard  int    `json:"shard"`
	Status int    `json:"status"`
	Error  string `json:"error"`
}

type updateResult struct {
	Shards            int         `json:"shards"`
	Successes         int         `json:"successes"`
	Failures          int         `json:"failures"`
	Errors            []nodeError `json:"errors,omitempty"`
	UnavailableShards []int       `json:"unavailable_shards,omitempty"`
	DownNodes         []string    `json:"down_nodes,omitempty"`
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	batch := &update.Batch{Adds: req.Add, Deletes: req.Delete, Commit: req.Commit}
	s.serveUpdate(w, r, batch)
}

func (s *server) serveUpdate(w http.ResponseWriter, r *http.Request, batch *update.Batch) {
	if err := batch.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if batch.Empty() {
		http.Error(w, "empty update", http.StatusBadRequest)
		return
	}

	res, err := s.distribute(r, batch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if len(res.UnavailableShards) > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// splitByShard groups a batch's commands by owning shard. A commit goes to
// every shard.
func (s *server) splitByShard(batch *update.Batch) map[int]*update.Batch {
	out := make(map[int]*update.Batch)
	get := func(shard int) *update.Batch {
		b, ok := out[shard]
		if !ok {
			b = &update.Batch{}
			out[shard] = b
		}
		return b
	}
	for _, doc := range batch.Adds {
		b := get(s.registry.GetShardForKey(doc.ID()))
		b.Adds = append(b.Adds, doc)
	}
	for _, id := range batch.Deletes {
		b := get(s.registry.GetShardForKey(id))
		b.Deletes = append(b.Deletes, id)
	}
	if batch.Commit {
		for shard := 0; shard < s.registry.NumShards(); shard++ {
			get(shard).Commit = true
		}
	}
	return out
}

// distribute runs one update cycle: every shard batch goes to every live
// replica, retries are handled by the distributor, and nodes that still fail
// are marked down. A shard is unavailable if no replica applied its batch.
func (s *server) distribute(r *http.Request, batch *update.Batch) (*updateResult, error) {
	ctx := r.Context()
	sc := s.cfg.Streaming

	pool := streaming.NewPool(s.shared, streaming.Options{
		DistribFrom:   s.cfg.Coordinator.PublicURL,
		Runners:       sc.Runners,
		QueueSize:     sc.QueueSize,
		PollQueueTime: sc.PollQueueTime,
		Logger:        s.log.Named("streaming"),
	})
	d := distrib.New(pool, distrib.Config{
		MaxRetries: sc.MaxRetries,
		RetryPause: sc.RetryPause,
		Logger:     s.log.Named("distrib"),
	})
	defer d.Close()

	perShard := s.splitByShard(batch)
	shards := make([]int, 0, len(perShard))
	for id := range perShard {
		shards = append(shards, id)
	}
	sort.Ints(shards)

	res := &updateResult{Shards: len(shards)}
	sent := make(map[int]int)
	for _, shard := range shards {
		var nodes []*distrib.StdNode
		for _, a := range s.registry.GetLiveReplicas(shard) {
			addr, ok := s.nodeAddr(a.NodeID)
			if !ok {
				continue
			}
			nodes = append(nodes, d.Node(cluster.ShardURL(addr, shard), a.NodeID, shard))
		}
		if len(nodes) == 0 {
			res.UnavailableShards = append(res.UnavailableShards, shard)
			continue
		}
		if err := d.Distrib(ctx, nodes, perShard[shard], nil); err != nil {
			return nil, fmt.Errorf("forward shard %d: %w", shard, err)
		}
		sent[shard] = len(nodes)
	}

	errs, err := d.Finish(ctx)
	if err != nil {
		s.log.Warn("update cycle cut short", zap.Error(err))
	}

	failed := make(map[int]int)
	for _, e := range errs {
		req, ok := e.Req.(*distrib.Req)
		if !ok {
			continue
		}
		node := req.StdNode()
		failed[node.ShardID]++
		res.Errors = append(res.Errors, nodeError{
			NodeID: node.NodeID,
			Shard:  node.ShardID,
			Status: e.StatusCode,
			Error:  e.Err.Error(),
		})
	}
	for shard, n := range sent {
		if failed[shard] >= n {
			res.UnavailableShards = append(res.UnavailableShards, shard)
		}
	}
	sort.Ints(res.UnavailableShards)

	for _, id := range d.Tracker().FailedNodes() {
		s.markDown(id)
	}
	res.Successes = d.Tracker().Successes()
	res.Failures = d.Tracker().Failures()
	res.DownNodes = s.registry.DownNodes()

	s.log.Debug("update cycle finished",
		zap.Int("shards", res.Shards),
		zap.Int("successes", res.Successes),
		zap.Int("failures", res.Failures))
	return res, nil
}

// handleData reads a document from a live replica, or writes one through
// the update path so every replica receives it.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/data/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.forwardGet(key, w, r)
	case http.MethodPut:
		var doc update.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, "document must be a JSON object", http.StatusBadRequest)
			return
		}
		if doc == nil {
			doc = update.Document{}
		}
		doc[update.IDField] = key
		s.serveUpdate(w, r, &update.Batch{Adds: []update.Document{doc}})
	case http.MethodDelete:
		s.serveUpdate(w, r, &update.Batch{Deletes: []string{key}})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) forwardGet(key string, w http.ResponseWriter, r *http.Request) {
	nodeID, err := s.registry.GetNodeForKey(key)
	if err != nil {
		http.Error(w, fmt.Sprintf("no node available for key: %v", err), http.StatusServiceUnavailable)
		return
	}
	addr, ok := s.nodeAddr(nodeID)
	if !ok {
		http.Error(w, fmt.Sprintf("node %s not found", nodeID), http.StatusServiceUnavailable)
		return
	}

	target := cluster.ShardURL(addr, s.registry.GetShardForKey(key)) + "/store/" + key
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleShards returns current shard assignments
func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Shards            []*coordinator.ShardAssignment `json:"shards"`
		NumShards         int                            `json:"num_shards"`
		ReplicationFactor int                            `json:"replication_factor"`
		DownNodes         []string                       `json:"down_nodes"`
	}{
		Shards:            s.registry.GetAllAssignments(),
		NumShards:         s.registry.NumShards(),
		ReplicationFactor: s.cfg.Coordinator.ReplicationFactor,
		DownNodes:         s.registry.DownNodes(),
	})
}

// handleShardAssign manually places a replica on a node (admin operation)
func (s *server) handleShardAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ShardID   int    `json:"shard_id"`
		NodeID    string `json:"node_id"`
		IsPrimary bool   `json:"is_primary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if _, ok := s.nodeAddr(req.NodeID); !ok {
		http.Error(w, fmt.Sprintf("unknown node %q", req.NodeID), http.StatusBadRequest)
		return
	}
	if err := s.registry.AssignShard(req.ShardID, req.NodeID, req.IsPrimary); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

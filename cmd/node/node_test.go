package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/config"
	"github.com/dreamware/shardcast/internal/shard"
	"github.com/dreamware/shardcast/internal/storage"
	"github.com/dreamware/shardcast/internal/update"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n := NewNode("node-1", config.StorageConfig{Backend: storage.BackendMemory}, nil)
	t.Cleanup(func() { n.Close() })
	return n
}

func postBatch(t *testing.T, h http.Handler, shardID int, phase cluster.DistribPhase, b *update.Batch) (*httptest.ResponseRecorder, *update.Response) {
	t.Helper()
	body, err := update.EncodeBatch(b)
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	target := fmt.Sprintf("/shard/%d/update?%s=%s&%s=http://coord:8080",
		shardID, cluster.ParamDistribUpdate, phase, cluster.ParamDistribFrom)
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", update.ContentType)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp, err := update.DecodeResponse(w.Body.Bytes())
	if err != nil {
		t.Fatalf("decode response (status %d): %v", w.Code, err)
	}
	return w, resp
}

func TestNodeAddShard(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*Node)
		shardID   int
		isPrimary bool
	}{
		{name: "add primary", shardID: 1, isPrimary: true},
		{name: "add replica", shardID: 2, isPrimary: false},
		{
			name:      "overwrite existing",
			setup:     func(n *Node) { n.AddShard(shard.NewShard(1, false, nil)) },
			shardID:   1,
			isPrimary: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNode(t)
			if tt.setup != nil {
				tt.setup(n)
			}
			n.AddShard(shard.NewShard(tt.shardID, tt.isPrimary, nil))

			s := n.GetShard(tt.shardID)
			if s == nil {
				t.Fatalf("shard %d not found", tt.shardID)
			}
			if s.Primary != tt.isPrimary {
				t.Errorf("Primary = %v, want %v", s.Primary, tt.isPrimary)
			}
		})
	}
}

func TestNodeGetOrCreateShard(t *testing.T) {
	n := newTestNode(t)

	if n.GetShard(3) != nil {
		t.Fatal("expected no shard before first use")
	}

	var wg sync.WaitGroup
	got := make([]*shard.Shard, 10)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := n.GetOrCreateShard(3)
			if err != nil {
				t.Errorf("GetOrCreateShard: %v", err)
				return
			}
			got[i] = s
		}(i)
	}
	wg.Wait()

	for i, s := range got {
		if s != got[0] {
			t.Errorf("call %d returned a different shard", i)
		}
	}
	if len(n.Shards()) != 1 {
		t.Errorf("Shards() = %d, want 1", len(n.Shards()))
	}
}

func TestNodePebbleShards(t *testing.T) {
	dir := t.TempDir()
	n := NewNode("node-7", config.StorageConfig{Backend: storage.BackendPebble, Dir: dir}, nil)

	s, err := n.GetOrCreateShard(2)
	if err != nil {
		t.Fatalf("GetOrCreateShard: %v", err)
	}
	if err := s.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// reopened node sees the same per-shard directory
	n2 := NewNode("node-7", config.StorageConfig{Backend: storage.BackendPebble, Dir: dir}, nil)
	defer n2.Close()
	s2, err := n2.GetOrCreateShard(2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, err := s2.Get("k")
	if err != nil || string(v) != "v" {
		t.Errorf("Get after reopen = %q, %v", v, err)
	}
}

func TestNodeRemoveShard(t *testing.T) {
	n := newTestNode(t)
	s, _ := n.GetOrCreateShard(0)

	if err := n.RemoveShard(0); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}
	if n.GetShard(0) != nil {
		t.Error("shard still present after removal")
	}
	if s.State != shard.ShardStateDeleted {
		t.Errorf("State = %s, want deleted", s.State)
	}
	if err := n.RemoveShard(42); err != nil {
		t.Errorf("removing unknown shard: %v", err)
	}
}

func TestHandleUpdate(t *testing.T) {
	n := newTestNode(t)
	h := n.routes()

	w, resp := postBatch(t, h, 1, cluster.PhaseFromLeader, &update.Batch{
		Adds: []update.Document{
			{"id": "doc-1", "title": "first"},
			{"id": "doc-2", "title": "second"},
		},
		Commit: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, resp.Message)
	}
	if resp.Applied != 2 || resp.Status != http.StatusOK {
		t.Errorf("response = %+v", resp)
	}
	if ct := w.Header().Get("Content-Type"); ct != update.ContentType {
		t.Errorf("Content-Type = %q", ct)
	}

	s := n.GetShard(1)
	if s == nil {
		t.Fatal("shard 1 was not created by the update")
	}
	doc, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc["title"] != "first" {
		t.Errorf("doc-1 = %v", doc)
	}

	_, resp = postBatch(t, h, 1, cluster.PhaseNone, &update.Batch{Deletes: []string{"doc-2"}})
	if resp.Applied != 1 {
		t.Errorf("delete applied = %d", resp.Applied)
	}
	if _, err := s.Get("doc-2"); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("doc-2 still present: %v", err)
	}

	stats, _ := s.GetStats()
	if stats.Updates.Forwarded != 1 || stats.Updates.Direct != 1 {
		t.Errorf("update stats = %+v", stats.Updates)
	}
	if stats.Ops.Commits != 1 {
		t.Errorf("commits = %d, want 1", stats.Ops.Commits)
	}
}

func TestHandleUpdateErrors(t *testing.T) {
	n := newTestNode(t)
	h := n.routes()

	t.Run("document without id", func(t *testing.T) {
		w, resp := postBatch(t, h, 0, cluster.PhaseFromLeader, &update.Batch{
			Adds: []update.Document{{"title": "no id"}},
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
		if !strings.Contains(resp.Message, "id") {
			t.Errorf("message = %q", resp.Message)
		}
	})

	t.Run("inactive shard", func(t *testing.T) {
		s, _ := n.GetOrCreateShard(5)
		s.SetState(shard.ShardStateMigrating)
		w, _ := postBatch(t, h, 5, cluster.PhaseFromLeader, &update.Batch{Commit: true})
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})

	t.Run("garbage body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/shard/0/update", strings.NewReader("not protobuf \xff\xff"))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/shard/0/update", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", w.Code)
		}
	})
}

func TestHandleShardRequest(t *testing.T) {
	n := newTestNode(t)
	h := n.routes()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var r io.Reader
		if body != "" {
			r = strings.NewReader(body)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(method, path, r))
		return w
	}

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"invalid shard id", http.MethodGet, "/shard/abc/store/k", "", http.StatusBadRequest, "invalid shard ID"},
		{"get from unknown shard", http.MethodGet, "/shard/9/store/k", "", http.StatusNotFound, "key not found"},
		{"stats of unknown shard", http.MethodGet, "/shard/9/stats", "", http.StatusNotFound, "shard not found"},
		{"put", http.MethodPut, "/shard/0/store/user:1", `{"id":"user:1"}`, http.StatusNoContent, ""},
		{"get", http.MethodGet, "/shard/0/store/user:1", "", http.StatusOK, `{"id":"user:1"}`},
		{"put nested key", http.MethodPut, "/shard/0/store/a/b/c", "x", http.StatusNoContent, ""},
		{"get nested key", http.MethodGet, "/shard/0/store/a/b/c", "", http.StatusOK, "x"},
		{"get missing", http.MethodGet, "/shard/0/store/nope", "", http.StatusNotFound, "key not found"},
		{"list with trailing slash", http.MethodGet, "/shard/0/store/", "", http.StatusOK, `"count":2`},
		{"list", http.MethodGet, "/shard/0/store", "", http.StatusOK, `"keys":["a/b/c","user:1"]`},
		{"list range", http.MethodGet, "/shard/0/store?start=b", "", http.StatusOK, `"keys":["user:1"]`},
		{"post to key", http.MethodPost, "/shard/0/store/k", "", http.StatusMethodNotAllowed, ""},
		{"delete", http.MethodDelete, "/shard/0/store/user:1", "", http.StatusNoContent, ""},
		{"get deleted", http.MethodGet, "/shard/0/store/user:1", "", http.StatusNotFound, ""},
		{"stats", http.MethodGet, "/shard/0/stats", "", http.StatusOK, `"shard_id":0`},
		{"delete range", http.MethodDelete, "/shard/0/store?start=a&end=b", "", http.StatusOK, `"deleted":1`},
		{"unknown sub path", http.MethodGet, "/shard/0/other", "", http.StatusNotFound, ""},
		{"remove shard", http.MethodDelete, "/shard/0", "", http.StatusNoContent, ""},
		{"list removed shard", http.MethodGet, "/shard/0/store", "", http.StatusNotFound, ""},
	}

	// cases share one node and run in order
	for _, tt := range tests {
		w := do(tt.method, tt.path, tt.body)
		if w.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d (body %q)", tt.name, w.Code, tt.wantStatus, w.Body.String())
			continue
		}
		if tt.wantBody != "" && !strings.Contains(w.Body.String(), tt.wantBody) {
			t.Errorf("%s: body = %q, want it to contain %q", tt.name, w.Body.String(), tt.wantBody)
		}
	}
}

func TestShardStatsResponse(t *testing.T) {
	n := newTestNode(t)
	h := n.routes()
	postBatch(t, h, 2, cluster.PhaseFromLeader, &update.Batch{Adds: []update.Document{{"id": "x"}}})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/shard/2/stats", nil))

	var got struct {
		ShardID int                  `json:"shard_id"`
		Ops     shard.OperationStats `json:"ops"`
		Updates shard.UpdateStats    `json:"updates"`
		Storage storage.StoreStats   `json:"storage"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ShardID != 2 || got.Ops.Puts != 1 || got.Updates.Forwarded != 1 || got.Storage.Keys != 1 {
		t.Errorf("stats = %+v", got)
	}
}

func TestNodeInfo(t *testing.T) {
	n := newTestNode(t)
	n.AddShard(shard.NewShard(1, true, nil))
	n.AddShard(shard.NewShard(0, false, nil))

	w := httptest.NewRecorder()
	n.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/info", nil))

	var info struct {
		NodeID  string            `json:"node_id"`
		Backend string            `json:"backend"`
		Shards  []shard.ShardInfo `json:"shards"`
		Count   int               `json:"shard_count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.NodeID != "node-1" || info.Count != 2 || info.Backend != storage.BackendMemory {
		t.Errorf("info = %+v", info)
	}
	if info.Shards[0].ID != 0 || !info.Shards[1].Primary {
		t.Errorf("shards not ordered by id: %+v", info.Shards)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	n := newTestNode(t)
	h := n.routes()
	postBatch(t, h, 0, cluster.PhaseFromLeader, &update.Batch{Adds: []update.Document{{"id": "m"}}})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/health = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), `shardcast_node_updates_total{phase="FROMLEADER"}`) {
		t.Error("node update counter missing from /metrics")
	}
}

func TestConcurrentUpdates(t *testing.T) {
	n := newTestNode(t)
	h := n.routes()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, resp := postBatch(t, h, i%3, cluster.PhaseFromLeader, &update.Batch{
				Adds: []update.Document{{"id": fmt.Sprintf("doc-%d", i)}},
			})
			if w.Code != http.StatusOK {
				t.Errorf("update %d: status %d: %s", i, w.Code, resp.Message)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, s := range n.Shards() {
		keys, _ := s.ListKeys()
		total += len(keys)
	}
	if total != 20 {
		t.Errorf("stored %d documents, want 20", total)
	}
}

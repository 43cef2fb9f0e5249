package distrib

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dreamware/shardcast/internal/streaming"
	"github.com/dreamware/shardcast/internal/update"
)

// StdNode is a shard replica an update is forwarded to.
type StdNode struct {
	url        string
	NodeID     string
	ShardID    int
	MaxRetries int
}

// NewStdNode returns a replica target at baseURL.
func NewStdNode(baseURL, nodeID string, shardID, maxRetries int) *StdNode {
	return &StdNode{
		url:        streaming.NormalizeURL(baseURL),
		NodeID:     nodeID,
		ShardID:    shardID,
		MaxRetries: maxRetries,
	}
}

func (n *StdNode) URL() string {
	return n.url
}

// Retriable reports whether a failure is worth another attempt: the replica
// was unreachable, was temporarily unavailable, or did not know the shard yet.
func (n *StdNode) Retriable(e *streaming.Error) bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	switch e.StatusCode {
	case streaming.StatusUnknown, http.StatusServiceUnavailable, http.StatusNotFound:
		return true
	}
	return false
}

// Req is one forwarded batch. It implements streaming.Request.
type Req struct {
	ID      string
	node    *StdNode
	batch   *update.Batch
	params  url.Values
	tracker *Tracker
	retries atomic.Int32

	mu   sync.Mutex
	resp *update.Response
}

func newReq(node *StdNode, batch *update.Batch, params url.Values, tracker *Tracker) *Req {
	return &Req{
		ID:      uuid.NewString(),
		node:    node,
		batch:   batch,
		params:  params,
		tracker: tracker,
	}
}

func (r *Req) Node() streaming.Node {
	return r.node
}

// StdNode returns the replica this request targets.
func (r *Req) StdNode() *StdNode {
	return r.node
}

func (r *Req) Batch() *update.Batch {
	return r.batch
}

func (r *Req) Params() url.Values {
	p := make(url.Values, len(r.params)+1)
	for k, v := range r.params {
		p[k] = v
	}
	p.Set(ParamRequestID, r.ID)
	return p
}

// ShouldRetry consumes one retry when the failure is retriable and the node's
// budget is not exhausted.
func (r *Req) ShouldRetry(e *streaming.Error) bool {
	if !r.node.Retriable(e) {
		return false
	}
	for {
		n := r.retries.Load()
		if int(n) >= r.node.MaxRetries {
			return false
		}
		if r.retries.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Retries returns how many retries this request has been granted.
func (r *Req) Retries() int {
	return int(r.retries.Load())
}

func (r *Req) TrackRequestResult(resp *update.Response, success bool) {
	r.mu.Lock()
	r.resp = resp
	r.mu.Unlock()
	r.tracker.record(r, success)
}

// Response returns the replica's reply, or nil if none succeeded.
func (r *Req) Response() *update.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp
}

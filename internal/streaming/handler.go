package streaming

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
)

// Executor runs update sends for pooled clients. Execute must not block
// the caller.
type Executor interface {
	Execute(task func())
}

// BoundedExecutor runs each task on its own goroutine, with at most max
// tasks running at once. Tasks over the limit wait for a slot.
type BoundedExecutor struct {
	sem *semaphore.Weighted
}

func NewBoundedExecutor(max int64) *BoundedExecutor {
	return &BoundedExecutor{sem: semaphore.NewWeighted(max)}
}

func (e *BoundedExecutor) Execute(task func()) {
	go func() {
		// Acquire only fails on a done context.
		_ = e.sem.Acquire(context.Background(), 1)
		defer e.sem.Release(1)
		task()
	}()
}

// HandlerConfig sizes the shared update resources.
type HandlerConfig struct {
	SocketTimeout         time.Duration
	ConnTimeout           time.Duration
	MaxConnectionsPerHost int
	MaxUpdateThreads      int64
}

// UpdateShardHandler bundles the resources every pool shares: the executor
// that bounds in-flight sends, the HTTP client and its connection pool, and the
// timeouts. A pool uses these but does not own them.
type UpdateShardHandler struct {
	Executor      Executor
	HTTPClient    *http.Client
	SocketTimeout time.Duration
	ConnTimeout   time.Duration
}

// NewUpdateShardHandler builds a handler whose transport dials with
// ConnTimeout and keeps up to MaxConnectionsPerHost idle connections to each
// replica.
func NewUpdateShardHandler(cfg HandlerConfig) *UpdateShardHandler {
	if cfg.MaxUpdateThreads <= 0 {
		cfg.MaxUpdateThreads = 1024
	}
	if cfg.MaxConnectionsPerHost <= 0 {
		cfg.MaxConnectionsPerHost = 20
	}

	dialer := &net.Dialer{
		Timeout:   cfg.ConnTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxConnectionsPerHost * 10,
		MaxIdleConnsPerHost: cfg.MaxConnectionsPerHost,
		MaxConnsPerHost:     cfg.MaxConnectionsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}

	return &UpdateShardHandler{
		Executor:      NewBoundedExecutor(cfg.MaxUpdateThreads),
		HTTPClient:    &http.Client{Transport: transport},
		SocketTimeout: cfg.SocketTimeout,
		ConnTimeout:   cfg.ConnTimeout,
	}
}

// Close releases idle connections held by the shared transport.
func (h *UpdateShardHandler) Close() {
	h.HTTPClient.CloseIdleConnections()
}

// Package coordinator implements the control plane of a shardcast cluster.
// This file implements health monitoring for registered nodes.
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/metrics"
)

// Node health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Defaults for HealthMonitor.
const (
	DefaultCheckTimeout = 2 * time.Second
	DefaultMaxFailures  = 3
)

// NodeHealth tracks the probe history of one node.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor periodically probes every registered node and reports state
// changes through callbacks.
//
// A node turns unhealthy after maxFailures consecutive failed probes and
// healthy again on its first successful probe. The coordinator wires
// onUnhealthy to ShardRegistry.MarkNodeDown and onRecovered to
// ShardRegistry.MarkNodeUp, so replicas on a dead node stop receiving
// forwarded updates until it comes back.
//
// All methods are safe for concurrent use.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(nodeID string)
	onRecovered func(nodeID string)
	log         *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor probing every interval.
//
// Parameters:
//   - interval: time between probe rounds
//   - maxFailures: consecutive failures before a node is unhealthy (<1 means 3)
//   - logger: destination for state-change logs, nil discards
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, 3, log)
//	monitor.SetOnUnhealthy(func(id string) { registry.MarkNodeDown(id) })
//	monitor.Start(ctx, srv.nodeList)
//	defer monitor.Stop()
func NewHealthMonitor(interval time.Duration, maxFailures int, logger *zap.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures < 1 {
		maxFailures = DefaultMaxFailures
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HealthMonitor{
		interval:    interval,
		timeout:     DefaultCheckTimeout,
		maxFailures: maxFailures,
		nodes:       make(map[string]*NodeHealth),
		httpClient:  &http.Client{Timeout: DefaultCheckTimeout},
		log:         logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback invoked once when a node turns unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID string)) {
	h.mu.Lock()
	h.onUnhealthy = callback
	h.mu.Unlock()
}

// SetOnRecovered sets the callback invoked once when an unhealthy node passes
// a probe again.
func (h *HealthMonitor) SetOnRecovered(callback func(nodeID string)) {
	h.mu.Lock()
	h.onRecovered = callback
	h.mu.Unlock()
}

// SetCheckFunction replaces the HTTP probe, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.mu.Lock()
	h.checkFunc = checkFunc
	h.mu.Unlock()
}

// Start probes the nodes returned by nodeProvider in the background until
// ctx is done or Stop is called. The first round runs immediately.
func (h *HealthMonitor) Start(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	if ctx == nil {
		ctx = h.ctx
	}
	h.wg.Add(1)
	go h.loop(ctx, nodeProvider)
}

func (h *HealthMonitor) loop(ctx context.Context, nodeProvider func() []cluster.NodeInfo) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", zap.Duration("interval", h.interval), zap.Int("max_failures", h.maxFailures))

	h.checkAllNodes(ctx, nodeProvider())
	for {
		select {
		case <-ticker.C:
			h.checkAllNodes(ctx, nodeProvider())
		case <-ctx.Done():
			h.log.Info("health monitor stopping", zap.Error(ctx.Err()))
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop ends the probe loop and waits for the current round to finish.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.log.Info("health monitor stopped")
}

// MarkUnhealthy records nodeID as unhealthy without invoking onUnhealthy.
// The coordinator calls it when forwarding to the node fails, so the next
// successful probe fires onRecovered and the node rejoins the write path.
func (h *HealthMonitor) MarkUnhealthy(nodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	health, exists := h.nodes[nodeID]
	if !exists {
		health = &NodeHealth{NodeID: nodeID, LastCheck: time.Now()}
		h.nodes[nodeID] = health
	}
	if health.Status != StatusUnhealthy {
		h.log.Warn("node marked unhealthy by caller", zap.String("node", nodeID))
	}
	health.Status = StatusUnhealthy
}

// checkAllNodes probes nodes concurrently and forgets nodes no longer listed.
func (h *HealthMonitor) checkAllNodes(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))

	var wg sync.WaitGroup
	for _, node := range nodes {
		current[node.ID] = true
		wg.Add(1)
		go func(node cluster.NodeInfo) {
			defer wg.Done()
			h.checkNode(ctx, node)
		}(node)
	}
	wg.Wait()

	h.mu.Lock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			h.log.Info("removed node from health monitoring", zap.String("node", id))
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		now := time.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	if check == nil {
		check = h.defaultHealthCheck
	}
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := check(probeCtx, node.Addr)
	cancel()

	h.mu.Lock()
	var notify func(string)
	health.LastCheck = time.Now()
	if err != nil {
		metrics.Cluster.HealthChecks.WithLabelValues(metrics.OutcomeFailure).Inc()
		health.ConsecutiveFails++
		h.log.Warn("node health check failed",
			zap.String("node", node.ID),
			zap.Int("attempt", health.ConsecutiveFails),
			zap.Int("max_failures", h.maxFailures),
			zap.Error(err))

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			notify = h.onUnhealthy
			h.log.Error("node marked unhealthy", zap.String("node", node.ID), zap.Int("failures", health.ConsecutiveFails))
		}
	} else {
		metrics.Cluster.HealthChecks.WithLabelValues(metrics.OutcomeSuccess).Inc()
		if health.Status == StatusUnhealthy {
			notify = h.onRecovered
			h.log.Info("node recovered", zap.String("node", node.ID))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
	}
	h.mu.Unlock()

	if notify != nil {
		notify(node.ID)
	}
}

// defaultHealthCheck GETs addr's /health endpoint and expects 200.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		url = "http://" + addr
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// GetNodeHealth returns a copy of nodeID's health record, or nil if the node
// is not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of every health record keyed by node ID.
func (h *HealthMonitor) GetAllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		out[id] = &c
	}
	return out
}

// IsHealthy reports whether nodeID passed its most recent probe streak.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}

// Package coordinator implements the control plane of a shardcast cluster.
// See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// ErrNoNodes is returned when rebalancing with an empty node list.
var ErrNoNodes = errors.New("cannot rebalance with no nodes")

// ShardAssignment places one replica of a shard on a node.
//
// Every assigned shard has exactly one leader (IsPrimary) and zero or more
// followers. The leader is listed first wherever assignments are returned.
// Assignments handed out by the registry are copies.
type ShardAssignment struct {
	// NodeID identifies the node hosting the replica.
	NodeID string `json:"node_id"`

	// IsPrimary marks the shard leader. Updates are accepted by the
	// coordinator on the leader's behalf and forwarded to every live replica,
	// the leader included.
	IsPrimary bool `json:"is_primary"`

	// ShardID is in [0, numShards).
	ShardID int `json:"shard_id"`
}

// ShardRegistry maps keys to shards and shards to replica nodes. It also
// tracks which nodes are currently down so that updates and reads skip them.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│              ShardRegistry               │
//	├──────────────────────────────────────────┤
//	│  assignments: shardID → [leader, ...]    │
//	│  down:        nodeID  → marked down      │
//	├──────────────────────────────────────────┤
//	│  Key → FNV-1a → Shard → live replicas    │
//	│  "doc-17" → 0x9e3f… → 5 → [n2, n3]       │
//	└──────────────────────────────────────────┘
//
// Down-marking never removes assignments. A node marked down keeps its
// replicas and gets them back as soon as it is marked up, at which point it
// receives updates again.
//
// All methods are safe for concurrent use.
type ShardRegistry struct {
	// assignments holds each shard's replicas, leader first.
	assignments map[int][]*ShardAssignment

	// down is the set of nodes excluded from routing.
	down map[string]bool

	mu sync.RWMutex

	// numShards is fixed for the registry's lifetime.
	numShards int
}

// NewShardRegistry creates an empty registry with numShards shards.
//
// Example:
//
//	registry := NewShardRegistry(16)
//	registry.RebalanceShards([]string{"node-1", "node-2", "node-3"}, 2)
func NewShardRegistry(numShards int) *ShardRegistry {
	return &ShardRegistry{
		assignments: make(map[int][]*ShardAssignment),
		down:        make(map[string]bool),
		numShards:   numShards,
	}
}

func (r *ShardRegistry) checkShard(shardID int) error {
	if shardID < 0 || shardID >= r.numShards {
		return fmt.Errorf("invalid shard ID %d, must be in range [0, %d)", shardID, r.numShards)
	}
	return nil
}

// AssignShard adds nodeID as a replica of shardID, or updates its role if it
// already hosts one.
//
// Assigning a leader demotes the shard's previous leader to a follower, so a
// shard never has two leaders. Assigning a follower to the node that is
// currently leader demotes it, leaving the shard leaderless until another
// leader is assigned.
//
// Parameters:
//   - shardID: shard to assign, in [0, numShards)
//   - nodeID: hosting node, non-empty
//   - isPrimary: whether the node becomes the shard leader
//
// Returns:
//   - Error if shardID is out of range or nodeID is empty
func (r *ShardRegistry) AssignShard(shardID int, nodeID string, isPrimary bool) error {
	if err := r.checkShard(shardID); err != nil {
		return err
	}
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	replicas := r.assignments[shardID]
	var found *ShardAssignment
	for _, a := range replicas {
		if isPrimary {
			a.IsPrimary = false
		}
		if a.NodeID == nodeID {
			found = a
		}
	}
	if found == nil {
		found = &ShardAssignment{ShardID: shardID, NodeID: nodeID}
		replicas = append(replicas, found)
	}
	found.IsPrimary = isPrimary

	sortLeaderFirst(replicas)
	r.assignments[shardID] = replicas
	return nil
}

// RemoveShard drops every replica of shardID. The shard is unavailable until
// it is assigned again. Removing an unassigned shard is not an error.
func (r *ShardRegistry) RemoveShard(shardID int) error {
	if err := r.checkShard(shardID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assignments, shardID)
	return nil
}

// RemoveReplica drops nodeID's replica of shardID, if any.
func (r *ShardRegistry) RemoveReplica(shardID int, nodeID string) error {
	if err := r.checkShard(shardID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	replicas := r.assignments[shardID]
	kept := replicas[:0]
	for _, a := range replicas {
		if a.NodeID != nodeID {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		delete(r.assignments, shardID)
	} else {
		r.assignments[shardID] = kept
	}
	return nil
}

// GetAssignment returns the leader of shardID, or nil when the shard is
// unassigned, leaderless or the ID is out of range.
func (r *ShardRegistry) GetAssignment(shardID int) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.assignments[shardID] {
		if a.IsPrimary {
			c := *a
			return &c
		}
	}
	return nil
}

// GetAssignments returns copies of every replica of shardID, leader first,
// regardless of node health.
func (r *ShardRegistry) GetAssignments(shardID int) []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyAssignments(r.assignments[shardID])
}

// GetAllAssignments returns copies of every replica of every shard, ordered
// by shard ID with each shard's leader first.
func (r *ShardRegistry) GetAllAssignments() []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.assignments))
	for id := range r.assignments {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var out []*ShardAssignment
	for _, id := range ids {
		out = append(out, copyAssignments(r.assignments[id])...)
	}
	return out
}

// GetShardForKey hashes key with FNV-1a onto a shard.
// The result is deterministic and lies in [0, numShards).
func (r *ShardRegistry) GetShardForKey(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(r.numShards))
}

// GetLiveReplicas returns the replicas of shardID hosted on nodes not marked
// down, leader first.
func (r *ShardRegistry) GetLiveReplicas(shardID int) []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ShardAssignment
	for _, a := range r.assignments[shardID] {
		if !r.down[a.NodeID] {
			c := *a
			out = append(out, &c)
		}
	}
	return out
}

// GetReplicasForKey resolves key to its shard and that shard's live replicas.
//
// Returns:
//   - shard ID for the key
//   - live replicas, leader first
//   - error if the shard has no live replica
func (r *ShardRegistry) GetReplicasForKey(key string) (int, []*ShardAssignment, error) {
	shardID := r.GetShardForKey(key)
	replicas := r.GetLiveReplicas(shardID)
	if len(replicas) == 0 {
		return shardID, nil, fmt.Errorf("shard %d has no live replica", shardID)
	}
	return shardID, replicas, nil
}

// GetNodeForKey returns the node that should serve reads for key: the shard
// leader if it is live, otherwise the first live follower.
//
// Example:
//
//	nodeID, err := registry.GetNodeForKey("doc-17")
//	if err != nil {
//	    return err // every replica of the shard is down or unassigned
//	}
func (r *ShardRegistry) GetNodeForKey(key string) (string, error) {
	_, replicas, err := r.GetReplicasForKey(key)
	if err != nil {
		return "", err
	}
	return replicas[0].NodeID, nil
}

// GetNodeShards returns the sorted IDs of the shards nodeID hosts a replica of.
func (r *ShardRegistry) GetNodeShards(nodeID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var shards []int
	for shardID, replicas := range r.assignments {
		for _, a := range replicas {
			if a.NodeID == nodeID {
				shards = append(shards, shardID)
				break
			}
		}
	}
	sort.Ints(shards)
	return shards
}

// NumShards returns the fixed shard count.
func (r *ShardRegistry) NumShards() int {
	return r.numShards
}

// RebalanceShards replaces every assignment with a round-robin layout over
// nodes.
//
// Shard i is led by nodes[i % n] and followed by the next
// replicationFactor-1 nodes in ring order. replicationFactor is clamped to
// [1, len(nodes)], so a shard never has two replicas on one node.
//
// Parameters:
//   - nodes: node IDs to spread shards over
//   - replicationFactor: replicas per shard, leader included
//
// Returns:
//   - ErrNoNodes if nodes is empty
//
// Example:
//
//	// 4 shards, 3 nodes, 2 replicas each:
//	// shard 0 → [node-1*, node-2]
//	// shard 1 → [node-2*, node-3]
//	// shard 2 → [node-3*, node-1]
//	// shard 3 → [node-1*, node-2]
//	err := registry.RebalanceShards([]string{"node-1", "node-2", "node-3"}, 2)
func (r *ShardRegistry) RebalanceShards(nodes []string, replicationFactor int) error {
	if len(nodes) == 0 {
		return ErrNoNodes
	}
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	if replicationFactor > len(nodes) {
		replicationFactor = len(nodes)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	assignments := make(map[int][]*ShardAssignment, r.numShards)
	for shardID := 0; shardID < r.numShards; shardID++ {
		replicas := make([]*ShardAssignment, 0, replicationFactor)
		for i := 0; i < replicationFactor; i++ {
			replicas = append(replicas, &ShardAssignment{
				ShardID:   shardID,
				NodeID:    nodes[(shardID+i)%len(nodes)],
				IsPrimary: i == 0,
			})
		}
		assignments[shardID] = replicas
	}
	r.assignments = assignments
	return nil
}

// MarkNodeDown excludes nodeID from routing. It reports whether the node was
// previously up.
func (r *ShardRegistry) MarkNodeDown(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.down[nodeID] {
		return false
	}
	r.down[nodeID] = true
	return true
}

// MarkNodeUp returns nodeID to routing. It reports whether the node was
// previously down.
func (r *ShardRegistry) MarkNodeUp(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.down[nodeID] {
		return false
	}
	delete(r.down, nodeID)
	return true
}

// IsNodeDown reports whether nodeID is marked down.
func (r *ShardRegistry) IsNodeDown(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.down[nodeID]
}

// DownNodes returns the sorted IDs of nodes marked down.
func (r *ShardRegistry) DownNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.down))
	for id := range r.down {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func copyAssignments(in []*ShardAssignment) []*ShardAssignment {
	out := make([]*ShardAssignment, 0, len(in))
	for _, a := range in {
		c := *a
		out = append(out, &c)
	}
	return out
}

func sortLeaderFirst(replicas []*ShardAssignment) {
	sort.SliceStable(replicas, func(i, j int) bool {
		return replicas[i].IsPrimary && !replicas[j].IsPrimary
	})
}

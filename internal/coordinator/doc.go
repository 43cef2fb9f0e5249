// Package coordinator implements the control plane of a shardcast cluster:
// where every shard's replicas live, which nodes are currently reachable, and
// how a document key is routed.
//
// # Overview
//
// The coordinator is the single entry point for client updates. It hashes
// each document ID to a shard, looks up the shard's live replicas in the
// ShardRegistry, and hands the per-shard batches to a distrib.Distributor,
// which forwards them through the streaming pool. Nodes that fail an update
// for good, or that fail repeated health probes, are marked down and skipped
// until they recover.
//
// The package holds the two pieces of state the coordinator owns. The HTTP
// handlers, per-request pools and the update fan-out live in cmd/coordinator.
//
// # Architecture
//
//	┌─────────────────────────────────────────────┐
//	│                 COORDINATOR                 │
//	├─────────────────────────────────────────────┤
//	│  ┌───────────────────────────────────────┐  │
//	│  │  ShardRegistry                        │  │
//	│  │  - shard → [leader, followers...]     │  │
//	│  │  - down-marked nodes                  │  │
//	│  │  - key → shard (FNV-1a)               │  │
//	│  └───────────────────────────────────────┘  │
//	│                    ▲                        │
//	│      MarkNodeDown  │  MarkNodeUp            │
//	│  ┌───────────────────────────────────────┐  │
//	│  │  HealthMonitor                        │  │
//	│  │  - periodic GET /health per node      │  │
//	│  │  - unhealthy after N failures         │  │
//	│  └───────────────────────────────────────┘  │
//	└─────────────────────────────────────────────┘
//
// # Core Components
//
// ShardRegistry: authoritative shard layout
//   - Maps each shard to its ordered replica list, leader first
//   - Tracks which nodes are marked down
//   - Hashes keys to shards with 32-bit FNV-1a
//   - Returns copies, so callers never share registry memory
//
// HealthMonitor: node liveness
//   - Probes every registered node each interval, concurrently
//   - Turns a node unhealthy after maxFailures consecutive failures
//   - Turns it healthy again on the first passing probe
//   - Fires onUnhealthy and onRecovered exactly once per transition
//
// # Shard Layout
//
// RebalanceShards places shard i's leader on nodes[i % n] and its followers
// on the next nodes around the ring:
//
//	nodes = [A, B, C], replicationFactor = 2
//
//	shard 0 → A*, B
//	shard 1 → B*, C
//	shard 2 → C*, A
//
// A shard never has two replicas on one node and always has exactly one
// leader after a rebalance. A replication factor above the node count is
// clamped to the node count, so early registrations still get a full layout.
//
// # Request Routing
//
// Writes and reads resolve a key the same way:
//
// 1. Key Resolution:
//   - GetShardForKey hashes the document ID onto [0, numShards)
//   - GetLiveReplicas drops replicas on down-marked nodes
//
// 2. Writes:
//   - Every live replica of the shard receives the batch
//   - A shard with no live replica fails the whole update with 503
//
// 3. Reads:
//   - GetNodeForKey prefers the live leader, then the first live follower
//   - Only that node is asked; reads are not retried across replicas
//
// # Health Monitoring
//
// Each node moves through three states:
//
//	          pass                   maxFailures fails
//	unknown ─────────▶ healthy ◀──────────────────────▶ unhealthy
//	   │                              first pass           ▲
//	   └───────────────────────────────────────────────────┘
//	                    maxFailures fails
//
// Callbacks run outside the monitor's lock, so they may call back into the
// registry or the monitor. Nodes that disappear from the provider are
// forgotten at the end of the round.
//
// # Failure Handling
//
// Two signals feed ShardRegistry.MarkNodeDown:
//
//   - the HealthMonitor, after maxFailures consecutive failed probes;
//   - the update path, when a forwarded batch fails terminally on a node.
//
// The update path also calls HealthMonitor.MarkUnhealthy, which records the
// node as unhealthy without firing onUnhealthy. Either way the next passing
// probe fires onRecovered and the node is marked up. Re-registration marks a
// node up as well.
//
// Assignments are never dropped by down-marking, so a recovered node resumes
// receiving updates for the same shards. Documents it missed while down are
// not replayed.
//
// # Concurrency
//
// ShardRegistry uses a single RWMutex and returns copies of its assignments.
// HealthMonitor probes nodes concurrently within a round and waits for the
// round before starting the next one. Start runs the probe loop in the
// background; Stop cancels it and waits for the loop to exit.
//
// # Configuration
//
// The coordinator section of the config file sizes both components:
//
//	coordinator:
//	  num_shards: 4              # registry size, fixed for the cluster's life
//	  replication_factor: 2      # replicas per shard, leader included
//	  health_interval: 5s        # time between probe rounds
//	  max_health_failures: 3     # failed probes before a node is unhealthy
//
// Each probe has a DefaultCheckTimeout deadline.
//
// # Usage Example
//
//	registry := coordinator.NewShardRegistry(16)
//	registry.RebalanceShards([]string{"node-1", "node-2", "node-3"}, 2)
//
//	monitor := coordinator.NewHealthMonitor(5*time.Second, 3, log)
//	monitor.SetOnUnhealthy(func(id string) { registry.MarkNodeDown(id) })
//	monitor.SetOnRecovered(func(id string) { registry.MarkNodeUp(id) })
//	monitor.Start(ctx, nodeList)
//	defer monitor.Stop()
//
//	shard, replicas, err := registry.GetReplicasForKey("doc-17")
//	if err != nil {
//	    return err // every replica of shard is down
//	}
//
//	// a forwarded update failed on node-2 for good
//	registry.MarkNodeDown("node-2")
//	monitor.MarkUnhealthy("node-2")
//
// # Monitoring and Observability
//
// The package reports through the shared metrics registry:
//
//   - shardcast_cluster_health_checks_total{outcome}: probe results
//   - shardcast_cluster_nodes_down: nodes currently excluded from routing
//
// State changes are logged at warn (failed probe), error (node unhealthy)
// and info (node recovered).
//
// # Performance Characteristics
//
//   - GetShardForKey: O(len(key)), no locking
//   - GetLiveReplicas: O(replicationFactor) under a read lock
//   - RebalanceShards: O(numShards × replicationFactor)
//   - Health round: one goroutine per node, bounded by DefaultCheckTimeout
//
// # Limitations
//
//   - Rebalancing rewrites the layout without moving data.
//   - The registry lives in coordinator memory; a coordinator restart loses it
//     until nodes register again.
//   - A single coordinator serves the cluster.
//
// # See Also
//
//   - internal/distrib: fan-out, retry and failure tracking for updates
//   - internal/streaming: per-replica queues and runners
//   - cmd/coordinator: HTTP API and wiring
package coordinator

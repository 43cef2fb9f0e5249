// Package cluster holds the types and helpers shared by the coordinator and
// the storage nodes: node identity, registration payloads, the query
// parameters that mark forwarded updates, and small HTTP/JSON helpers.
//
// # Topology
//
// A single coordinator owns the shard map. Nodes register with it and host
// one or more shard replicas, each addressed by a base URL built with
// ShardURL:
//
//	              ┌──────────────┐
//	  clients ──▶ │ Coordinator  │
//	              │ - Registry   │
//	              │ - Health Mon │
//	              │ - Pool       │
//	              └──────┬───────┘
//	         FROMLEADER  │  binary update batches
//	      ┌──────────────┼──────────────┐
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│  Node 1   │  │  Node 2   │  │  Node 3   │
//	│ /shard/0  │  │ /shard/0  │  │ /shard/1  │
//	│ /shard/1  │  │ /shard/2  │  │ /shard/2  │
//	└───────────┘  └───────────┘  └───────────┘
//
// # Forwarded Updates
//
// Every update the coordinator forwards to a replica carries two query
// parameters:
//
//   - distrib.from (ParamDistribFrom): base URL of the forwarding node
//   - update.distrib (ParamDistribUpdate): the DistribPhase, FROMLEADER for
//     leader-to-replica traffic
//
// Replicas use them to tell forwarded traffic from updates sent directly by a
// client; a missing or unknown phase parses as PhaseNone.
//
// # Control Plane
//
// Registration and administrative calls are plain JSON over HTTP through
// PostJSON and GetJSON, which share a client with a 5 second timeout. The
// data plane (update batches) does not use these helpers; it goes through
// the streaming pool and the binary codec in internal/update.
package cluster

// Package shard implements a shard replica: one partition of the document
// key space hosted on a node, applying update batches to its own store.
//
// # Overview
//
// A node hosts one Shard per replica the coordinator assigned to it. Updates
// arrive as update.Batch values, either straight from a client or forwarded
// by the coordinator on the shard leader's behalf (update.distrib=FROMLEADER).
// Both are applied the same way; the difference is only counted.
//
//	┌─────────────────────────────────────┐
//	│               SHARD                 │
//	├─────────────────────────────────────┤
//	│  Apply(batch, phase)                │
//	│    adds    → Put(id, json(doc))     │
//	│    deletes → Delete(id)             │
//	│    commit  → Store.Sync()           │
//	├─────────────────────────────────────┤
//	│  storage.Store (memory | pebble)    │
//	└─────────────────────────────────────┘
//
// # Ordering
//
// Apply holds a per-shard lock, so batches never interleave. Within a batch
// adds run before deletes, which means a batch that adds and deletes the same
// id leaves it deleted. Cross-batch order is whatever order the batches
// arrive in; the coordinator's forwarding pool preserves submission order per
// replica when it runs a single sender.
//
// # Key Ownership
//
// OwnsKey uses the same FNV-1a mapping as the coordinator's registry, so a
// node can reject keys that were routed to the wrong shard.
//
// # States
//
//   - active: accepting updates
//   - migrating: read-only while a move is in progress
//   - deleted: closed, store released
//
// Only active shards accept Apply.
package shard

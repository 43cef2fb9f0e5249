// Package streaming forwards update batches to shard replicas over long-lived,
// asynchronously flushing clients, one per replica URL.
//
// # Overview
//
// When the coordinator forwards an update to N replicas it must not wait on N
// network round trips, and it must not open a fresh connection per update.
// A Pool therefore keeps one Client per destination. Each Client owns a
// bounded FIFO queue and a small number of runners that drain it:
//
//	           Submit(req)
//	               │
//	               ▼
//	┌──────────────────────────────┐
//	│ Pool                         │
//	│  clients: url → *Client      │
//	│  errors:  []*Error           │
//	└──────┬───────────────┬───────┘
//	       │               │
//	┌──────▼──────┐ ┌──────▼──────┐
//	│ Client A    │ │ Client B    │
//	│ queue (100) │ │ queue (100) │
//	│ runner x1   │ │ runner x1   │
//	└──────┬──────┘ └──────┬──────┘
//	       │ POST /update  │ (binary batch, distrib params)
//	       ▼               ▼
//	   replica A        replica B
//
// # Ordering
//
// With the default of one runner per client, batches reach a replica in the
// order they were submitted. Options.Runners raises the number of concurrent
// senders per replica; doing so lets two updates to the same document arrive
// out of order, so only raise it for workloads that tolerate that.
//
// # Errors and Retries
//
// Submitting never returns a delivery error. Outcomes arrive asynchronously
// through the request itself:
//
//   - on success the pool calls req.TrackRequestResult(resp, true)
//   - on failure the pool builds an *Error, asks req.ShouldRetry, appends the
//     record to its error list, and only if the answer was false calls
//     req.TrackRequestResult(nil, false)
//
// The pool never retries on its own. A caller drains with BlockUntilFinished,
// reads Errors, resubmits the records whose Retry flag is set and clears the
// list; internal/distrib implements exactly that cycle.
//
// # Shared Resources
//
// An UpdateShardHandler carries the executor that bounds in-flight sends
// across every client, the HTTP client whose transport pools connections, and
// the socket and connect timeouts. An idle runner holds no executor slot. The pool uses but does not own it; closing a pool leaves the
// handler usable for the next one.
//
// # Shutdown
//
// Shutdown closes every client. Requests still queued at that moment are
// dropped without any notification and in-flight requests are aborted. Later
// submissions fail with ErrPoolClosed.
package streaming

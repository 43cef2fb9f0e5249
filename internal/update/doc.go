// Package update defines the document mutations that travel between the
// coordinator and shard replicas, and the binary codec used to put them on
// the wire.
//
// # Model
//
// A Batch is the unit a single forwarded request carries:
//
//	Batch{
//	    Adds:    []Document{{"id": "doc-1", "title": "hello"}},
//	    Deletes: []string{"doc-7"},
//	    Commit:  true,
//	}
//
// Replicas apply a batch in a fixed order: adds, then deletes, then commit.
// Every document must carry a non-empty string "id" field; it is the shard
// routing key and the storage key on the replica.
//
// # Wire Format
//
// Batches and responses are encoded as a protobuf google.protobuf.Struct and
// marshaled with the protobuf binary encoding (ContentType). Numbers inside
// documents therefore round-trip as float64, matching what encoding/json
// produces for the coordinator's JSON input.
//
// A replica that rejects a batch answers with a non-2xx status and an encoded
// Response; senders turn that into a *RemoteError carrying the status code.
package update

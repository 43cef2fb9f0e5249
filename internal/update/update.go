package update

import (
	"errors"
	"fmt"
)

// IDField is the document field holding the unique document key.
const IDField = "id"

// ErrMissingID is returned when a document has no usable id field.
var ErrMissingID = errors.New("document is missing a string id")

// Document is a single schemaless document.
type Document map[string]any

// ID returns the document's id, or "" if it has none.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Batch is an ordered group of mutations destined for one shard replica.
type Batch struct {
	Adds    []Document
	Deletes []string
	Commit  bool
}

// Empty reports whether the batch carries no mutations at all.
func (b *Batch) Empty() bool {
	return len(b.Adds) == 0 && len(b.Deletes) == 0 && !b.Commit
}

// Size returns the number of add and delete commands in the batch.
func (b *Batch) Size() int {
	return len(b.Adds) + len(b.Deletes)
}

// Validate checks that every added document has an id and that no delete
// targets an empty id.
func (b *Batch) Validate() error {
	for i, doc := range b.Adds {
		if doc.ID() == "" {
			return fmt.Errorf("add %d: %w", i, ErrMissingID)
		}
	}
	for i, id := range b.Deletes {
		if id == "" {
			return fmt.Errorf("delete %d: %w", i, ErrMissingID)
		}
	}
	return nil
}

// Response is what a replica answers after applying a batch.
type Response struct {
	Status  int
	Applied int
	Message string
}

// RemoteError is an application-level failure reported by a replica.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote error: status %d: %s", e.StatusCode, e.Message)
}

package streaming

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/dreamware/shardcast/internal/update"
)

// StatusUnknown is the Error status code when no HTTP status was received.
const StatusUnknown = -1

// Node is a destination replica. URL is the replica's base URL; it is
// normalized by the pool before lookup.
type Node interface {
	URL() string
}

// Request is one batch of mutations destined for one Node. Implementations
// decide retry policy and collect outcomes; the pool only reports to them.
type Request interface {
	Node() Node
	Batch() *update.Batch
	// Params are extra query parameters sent with the batch.
	Params() url.Values
	// ShouldRetry is asked once per failure. Returning true means the
	// caller will resubmit the request, so no terminal outcome is tracked.
	ShouldRetry(e *Error) bool
	// TrackRequestResult receives the outcome. It is called with the
	// decoded response and true on success, and with nil and false on a
	// failure that will not be retried.
	TrackRequestResult(resp *update.Response, success bool)
}

// Error records one failed request.
type Error struct {
	Req        Request
	Err        error
	StatusCode int
	// Retry holds the answer the request gave to ShouldRetry.
	Retry bool
}

// NewError builds an Error for req, taking the status code from a
// *update.RemoteError when err carries one.
func NewError(req Request, err error) *Error {
	e := &Error{Req: req, Err: err, StatusCode: StatusUnknown}
	var remote *update.RemoteError
	if errors.As(err, &remote) {
		e.StatusCode = remote.StatusCode
	}
	return e
}

func (e *Error) Error() string {
	target := "<nil>"
	if e.Req != nil && e.Req.Node() != nil {
		target = e.Req.Node().URL()
	}
	return fmt.Sprintf("update to %s failed (status %d): %v", target, e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

package distrib

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/metrics"
	"github.com/dreamware/shardcast/internal/streaming"
	"github.com/dreamware/shardcast/internal/update"
)

// ParamRequestID carries the forwarded request's id for log correlation.
const ParamRequestID = "distrib.rid"

// Defaults for Config.
const (
	DefaultMaxRetries = 2
	DefaultRetryPause = 500 * time.Millisecond
)

// Config controls retry behavior of a Distributor.
type Config struct {
	MaxRetries int
	RetryPause time.Duration
	Logger     *zap.Logger
}

// Distributor drives one update cycle: batches are submitted to replicas
// through a streaming pool, then Finish drains the pool, resubmits requests
// that asked for a retry, and returns the failures that remain.
//
// A Distributor owns its pool and is not reusable after Close.
type Distributor struct {
	pool    *streaming.Pool
	cfg     Config
	log     *zap.Logger
	tracker *Tracker
}

// New creates a distributor forwarding through pool.
func New(pool *streaming.Pool, cfg Config) *Distributor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = DefaultRetryPause
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Distributor{
		pool:    pool,
		cfg:     cfg,
		log:     cfg.Logger,
		tracker: NewTracker(),
	}
}

// Node returns a replica target using the distributor's retry budget.
func (d *Distributor) Node(baseURL, nodeID string, shardID int) *StdNode {
	return NewStdNode(baseURL, nodeID, shardID, d.cfg.MaxRetries)
}

// Tracker returns the cycle's outcome tracker.
func (d *Distributor) Tracker() *Tracker {
	return d.tracker
}

// DistribAdd forwards docs to every node.
func (d *Distributor) DistribAdd(ctx context.Context, nodes []*StdNode, docs []update.Document, params url.Values) error {
	return d.Distrib(ctx, nodes, &update.Batch{Adds: docs}, params)
}

// DistribDelete forwards deletes by id to every node.
func (d *Distributor) DistribDelete(ctx context.Context, nodes []*StdNode, ids []string, params url.Values) error {
	return d.Distrib(ctx, nodes, &update.Batch{Deletes: ids}, params)
}

// DistribCommit forwards a commit to every node.
func (d *Distributor) DistribCommit(ctx context.Context, nodes []*StdNode, params url.Values) error {
	return d.Distrib(ctx, nodes, &update.Batch{Commit: true}, params)
}

// Distrib forwards batch to every node. It returns once the requests are
// queued; delivery failures surface from Finish.
func (d *Distributor) Distrib(ctx context.Context, nodes []*StdNode, batch *update.Batch, params url.Values) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	for _, node := range nodes {
		req := newReq(node, batch, params, d.tracker)
		if err := d.pool.Submit(ctx, req); err != nil {
			return fmt.Errorf("submit to %s: %w", node.URL(), err)
		}
	}
	return nil
}

// Finish waits for all submitted work, performs retries, and returns the
// errors of requests that failed for good. If ctx ends while a retry is
// pending, those requests are counted as failed and ctx's error is returned
// alongside them.
func (d *Distributor) Finish(ctx context.Context) ([]*streaming.Error, error) {
	defer metrics.Distrib.Cycles.Inc()

	var terminal []*streaming.Error
	for {
		d.pool.BlockUntilFinished()
		errs := d.pool.Errors()
		d.pool.ClearErrors()

		var retry []*streaming.Error
		for _, e := range errs {
			if e.Retry {
				retry = append(retry, e)
				continue
			}
			terminal = append(terminal, e)
			metrics.Distrib.TerminalFailures.Inc()
		}
		if len(retry) == 0 {
			return terminal, nil
		}

		select {
		case <-time.After(d.cfg.RetryPause):
		case <-ctx.Done():
			return append(terminal, d.abandon(retry, ctx.Err())...), ctx.Err()
		}

		for _, e := range retry {
			d.log.Info("retrying forwarded update",
				zap.String("node", e.Req.Node().URL()),
				zap.Int("status", e.StatusCode),
				zap.Error(e.Err))
			metrics.Distrib.Retries.Inc()
			if err := d.pool.Submit(ctx, e.Req); err != nil {
				terminal = append(terminal, d.abandon([]*streaming.Error{e}, err)...)
			}
		}
	}
}

// abandon turns pending retries into terminal failures.
func (d *Distributor) abandon(errs []*streaming.Error, cause error) []*streaming.Error {
	out := make([]*streaming.Error, 0, len(errs))
	for _, e := range errs {
		e.Req.TrackRequestResult(nil, false)
		metrics.Distrib.TerminalFailures.Inc()
		out = append(out, &streaming.Error{
			Req:        e.Req,
			Err:        fmt.Errorf("retry abandoned: %w (last error: %v)", cause, e.Err),
			StatusCode: e.StatusCode,
		})
	}
	return out
}

// Close shuts down the distributor's pool.
func (d *Distributor) Close() {
	d.pool.Shutdown()
}

package streaming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/metrics"
	"github.com/dreamware/shardcast/internal/update"
)

// ErrClientClosed is returned by Request once the client has been closed.
var ErrClientClosed = errors.New("streaming client closed")

// UpdatePath is appended to a replica base URL to form the update endpoint.
const UpdatePath = "/update"

const maxResponseBytes = 1 << 20

// Handlers receive request outcomes from a client's runners. Both are called
// from runner goroutines, never while the client holds its lock.
type Handlers struct {
	OnError   func(req Request, err error)
	OnSuccess func(req Request, resp *update.Response)
}

// ClientConfig configures one pooled client.
type ClientConfig struct {
	URL           string
	HTTPClient    *http.Client
	Executor      Executor
	QueueSize     int
	Runners       int
	PollQueueTime time.Duration
	SocketTimeout time.Duration
	// Params are sent with every request, ahead of the request's own.
	Params   url.Values
	Handlers Handlers
	Logger   *zap.Logger
}

// Client streams update batches to a single replica. Requests go into a
// bounded FIFO queue and are sent by up to Runners background runners.
// With one runner, batches reach the replica in submission order.
//
// An idle runner waits PollQueueTime for more work before it exits, so a
// burst of updates is carried by one runner and one keep-alive connection.
type Client struct {
	cfg   ClientConfig
	log   *zap.Logger
	queue chan Request

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	idle    *sync.Cond
	runners int
	pending int
	closed  bool
}

// NewClient creates a client. No goroutine starts until the first request.
func NewClient(cfg ClientConfig) *Client {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Runners < 1 {
		cfg.Runners = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Executor == nil {
		cfg.Executor = NewBoundedExecutor(int64(cfg.Runners))
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		log:    cfg.Logger.With(zap.String("node", cfg.URL)),
		queue:  make(chan Request, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// URL returns the replica base URL this client sends to.
func (c *Client) URL() string {
	return c.cfg.URL
}

// QueueLen returns the number of requests waiting for a runner.
func (c *Client) QueueLen() int {
	return len(c.queue)
}

// Request enqueues req. It returns once req is queued; it blocks only while
// the queue is full, until ctx is done or the client is closed. The outcome
// is reported later through the client's Handlers.
func (c *Client) Request(ctx context.Context, req Request) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending++
	c.mu.Unlock()
	metrics.Streaming.Queued.Inc()

	select {
	case c.queue <- req:
	case <-ctx.Done():
		c.finish()
		return ctx.Err()
	case <-c.ctx.Done():
		c.finish()
		return ErrClientClosed
	}

	c.startRunner()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		// raced with Close after its final drain
		c.dropQueued()
		return ErrClientClosed
	}
	return nil
}

// BlockUntilFinished waits until every queued and in-flight request has
// completed.
func (c *Client) BlockUntilFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending > 0 {
		c.idle.Wait()
	}
}

func (c *Client) finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending == 0
}

// Close stops the client. Queued requests are dropped without notification,
// in-flight requests are aborted, and Request fails from then on.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.dropQueued()
}

func (c *Client) dropQueued() {
	for {
		select {
		case <-c.queue:
			c.finish()
		default:
			return
		}
	}
}

func (c *Client) finish() {
	metrics.Streaming.Queued.Dec()
	c.mu.Lock()
	c.pending--
	if c.pending == 0 {
		c.idle.Broadcast()
	}
	c.mu.Unlock()
}

func (c *Client) startRunner() {
	c.mu.Lock()
	if c.closed || c.runners >= c.cfg.Runners || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	c.runners++
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run()
}

func (c *Client) run() {
	defer c.wg.Done()

	timer := time.NewTimer(c.cfg.PollQueueTime)
	defer timer.Stop()

	for {
		select {
		case req := <-c.queue:
			c.execute(req)
			c.finish()
			timer.Reset(c.cfg.PollQueueTime)
		case <-timer.C:
			c.mu.Lock()
			if len(c.queue) > 0 {
				c.mu.Unlock()
				timer.Reset(c.cfg.PollQueueTime)
				continue
			}
			c.runners--
			c.mu.Unlock()
			return
		case <-c.ctx.Done():
			c.mu.Lock()
			c.runners--
			c.mu.Unlock()
			return
		}
	}
}

// execute sends req on the shared executor and waits for it. The runner
// holds an executor slot only while a batch is on the wire, never while idle.
func (c *Client) execute(req Request) {
	done := make(chan struct{})
	c.cfg.Executor.Execute(func() {
		defer close(done)
		c.send(req)
	})
	<-done
}

func (c *Client) send(req Request) {
	start := time.Now()
	resp, err := c.post(req)
	metrics.Streaming.SendSeconds.Observe(time.Since(start).Seconds())

	if c.ctx.Err() != nil {
		// closed underneath us; outcome is undefined after Close
		return
	}
	if err != nil {
		metrics.Streaming.Requests.WithLabelValues(metrics.OutcomeFailure).Inc()
		if c.cfg.Handlers.OnError != nil {
			c.cfg.Handlers.OnError(req, err)
		}
		return
	}
	metrics.Streaming.Requests.WithLabelValues(metrics.OutcomeSuccess).Inc()
	if c.cfg.Handlers.OnSuccess != nil {
		c.cfg.Handlers.OnSuccess(req, resp)
	}
}

func (c *Client) post(req Request) (*update.Response, error) {
	body, err := update.EncodeBatch(req.Batch())
	if err != nil {
		return nil, err
	}

	ctx := c.ctx
	if c.cfg.SocketTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SocketTimeout)
		defer cancel()
	}

	target := c.cfg.URL + UpdatePath + "?" + c.query(req).Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", update.ContentType)
	httpReq.Header.Set("Accept", update.ContentType)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send update to %s: %w", c.cfg.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", c.cfg.URL, err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &update.RemoteError{StatusCode: resp.StatusCode, Message: remoteMessage(resp, data)}
	}

	out, err := update.DecodeResponse(data)
	if err != nil {
		return nil, fmt.Errorf("response from %s: %w", c.cfg.URL, err)
	}
	c.log.Debug("update sent", zap.Int("applied", out.Applied), zap.Int("status", resp.StatusCode))
	return out, nil
}

func (c *Client) query(req Request) url.Values {
	q := make(url.Values, len(c.cfg.Params))
	for k, v := range c.cfg.Params {
		q[k] = append([]string(nil), v...)
	}
	for k, v := range req.Params() {
		q[k] = append(q[k], v...)
	}
	return q
}

// remoteMessage extracts a failure message from a replica reply, which is an
// encoded Response when the replica got far enough to build one.
func remoteMessage(resp *http.Response, data []byte) string {
	if strings.HasPrefix(resp.Header.Get("Content-Type"), update.ContentType) {
		if r, err := update.DecodeResponse(data); err == nil {
			return r.Message
		}
	}
	return strings.TrimSpace(string(data))
}

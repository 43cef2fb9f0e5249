package streaming

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/metrics"
	"github.com/dreamware/shardcast/internal/update"
)

// ErrPoolClosed is returned when dispatching through a pool after Shutdown.
var ErrPoolClosed = errors.New("streaming pool shut down")

// Defaults for pooled clients.
const (
	DefaultQueueSize     = 100
	DefaultRunners       = 1
	DefaultPollQueueTime = 10 * time.Second
)

// Options configures the clients a Pool creates.
type Options struct {
	// DistribFrom is this node's own base URL, sent to replicas as
	// distrib.from.
	DistribFrom string
	// Runners is the number of background senders per destination.
	// Raising it above 1 lets updates to the same replica be reordered.
	Runners       int
	QueueSize     int
	PollQueueTime time.Duration
	Logger        *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Runners < 1 {
		o.Runners = DefaultRunners
	}
	if o.QueueSize < 1 {
		o.QueueSize = DefaultQueueSize
	}
	if o.PollQueueTime <= 0 {
		o.PollQueueTime = DefaultPollQueueTime
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Pool keeps one streaming Client per replica URL and collects the errors
// their requests produce.
//
// Clients are created on first use and live until Shutdown. Failures are
// never returned to the caller that submitted the request; they are appended
// to the pool's error list and, when the request declines a retry, tracked
// on the request itself. Callers drain with BlockUntilFinished and then
// inspect Errors.
type Pool struct {
	shared *UpdateShardHandler
	opts   Options
	log    *zap.Logger
	params url.Values

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool

	errMu  sync.Mutex
	errors []*Error
}

// NewPool creates a pool on top of shared resources it does not own.
func NewPool(shared *UpdateShardHandler, opts Options) *Pool {
	opts.setDefaults()

	params := url.Values{}
	params.Set(cluster.ParamDistribUpdate, string(cluster.PhaseFromLeader))
	if opts.DistribFrom != "" {
		params.Set(cluster.ParamDistribFrom, NormalizeURL(opts.DistribFrom))
	}

	return &Pool{
		shared:  shared,
		opts:    opts,
		log:     opts.Logger,
		params:  params,
		clients: make(map[string]*Client),
	}
}

// NormalizeURL prefixes http:// to a URL that has no http or https scheme.
func NormalizeURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "http://" + u
}

// GetClient returns the client for the request's node, creating it on first
// use. Concurrent callers for the same URL always get the same client.
func (p *Pool) GetClient(req Request) (*Client, error) {
	u := NormalizeURL(req.Node().URL())

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if c, ok := p.clients[u]; ok {
		return c, nil
	}

	c := NewClient(ClientConfig{
		URL:           u,
		HTTPClient:    p.shared.HTTPClient,
		Executor:      p.shared.Executor,
		QueueSize:     p.opts.QueueSize,
		Runners:       p.opts.Runners,
		PollQueueTime: p.opts.PollQueueTime,
		SocketTimeout: p.shared.SocketTimeout,
		Params:        p.params,
		Handlers: Handlers{
			OnError:   p.handleError,
			OnSuccess: p.handleSuccess,
		},
		Logger: p.log,
	})
	p.clients[u] = c
	metrics.Streaming.ClientsCreated.Inc()
	p.log.Debug("created streaming client", zap.String("node", u), zap.Int("runners", p.opts.Runners))
	return c, nil
}

// Submit enqueues req on its node's client.
func (p *Pool) Submit(ctx context.Context, req Request) error {
	c, err := p.GetClient(req)
	if err != nil {
		return err
	}
	if err := c.Request(ctx, req); err != nil {
		if errors.Is(err, ErrClientClosed) {
			return ErrPoolClosed
		}
		return err
	}
	return nil
}

// ReportError appends e to the error list.
func (p *Pool) ReportError(e *Error) {
	p.errMu.Lock()
	p.errors = append(p.errors, e)
	p.errMu.Unlock()
}

// Errors returns a snapshot of the reported errors in report order.
func (p *Pool) Errors() []*Error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	out := make([]*Error, len(p.errors))
	copy(out, p.errors)
	return out
}

// ClearErrors empties the error list. In-flight requests are unaffected.
func (p *Pool) ClearErrors() {
	p.errMu.Lock()
	p.errors = nil
	p.errMu.Unlock()
}

// BlockUntilFinished blocks until no pooled client has queued or in-flight
// work, including clients created while it waits.
func (p *Pool) BlockUntilFinished() {
	for {
		clients := p.snapshot()
		for _, c := range clients {
			c.BlockUntilFinished()
		}

		done := len(p.snapshot()) == len(clients)
		for _, c := range clients {
			done = done && c.finished()
		}
		if done {
			return
		}
	}
}

// Shutdown closes every pooled client. Requests still queued are dropped and
// further dispatch fails with ErrPoolClosed.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	p.log.Debug("streaming pool shut down", zap.Int("clients", len(clients)))
}

// Size returns the number of pooled clients.
func (p *Pool) Size() int {
	return len(p.snapshot())
}

// Shared returns the resources the pool was built on.
func (p *Pool) Shared() *UpdateShardHandler {
	return p.shared
}

func (p *Pool) snapshot() []*Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	return clients
}

func (p *Pool) handleError(req Request, err error) {
	e := NewError(req, err)
	p.log.Error("error forwarding update",
		zap.String("node", req.Node().URL()),
		zap.Int("status", e.StatusCode),
		zap.Error(err))

	e.Retry = req.ShouldRetry(e)
	p.ReportError(e)
	metrics.Streaming.Errors.WithLabelValues(strconv.FormatBool(e.Retry)).Inc()

	if !e.Retry {
		req.TrackRequestResult(nil, false)
	}
}

func (p *Pool) handleSuccess(req Request, resp *update.Response) {
	req.TrackRequestResult(resp, true)
}

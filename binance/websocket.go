// File: binance/websocket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Blocking and non-blocking stream connections. Both own one client.Client and
// a request id counter; subscription requests are rate limited because the
// exchange drops connections exceeding its inbound message limit.

package binance

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/momentics/binance-ws/api"
	"github.com/momentics/binance-ws/client"
)

// DefaultRequestsPerSecond is the exchange limit of inbound messages per
// connection.
const DefaultRequestsPerSecond = 5

// Config configures a stream connection.
type Config struct {
	Connection        Connection
	Client            *client.Config // nil uses client defaults
	RequestsPerSecond float64        // 0 selects DefaultRequestsPerSecond
	Logger            *zap.Logger
}

// DefaultConfig targets the public endpoint.
func DefaultConfig() Config {
	return Config{
		Connection:        DefaultConnection(),
		RequestsPerSecond: DefaultRequestsPerSecond,
	}
}

type core struct {
	ws      *client.Client
	log     *zap.Logger
	limiter *rate.Limiter

	mu  sync.Mutex
	seq SequenceCounter
}

func dial(ctx context.Context, cfg Config) (*core, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ccfg := cfg.Client
	if ccfg == nil {
		ccfg = client.DefaultConfig()
	}
	if ccfg.Logger == nil {
		cp := *ccfg
		cp.Logger = log
		ccfg = &cp
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	url := cfg.Connection.String()
	ws, err := client.ConnectWithHeaders(ctx, url, cfg.Connection.Headers, ccfg)
	if err != nil {
		return nil, wsErr("connect", err)
	}
	return &core{
		ws:      ws,
		log:     log.With(zap.String("conn_id", ws.ID())),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// request builds a method request for streams with the current id, hands it
// to send and advances the id once send succeeded.
func (c *core) request(ctx context.Context, method string, streams []string, send func(string) error) error {
	op := "subscribe"
	if method == MethodUnsubscribe {
		op = "unsubscribe"
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return wsErr(op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	req := &SubscriptionRequest{Method: method, Params: append([]string{}, streams...), ID: c.seq.Current()}
	payload, err := req.ToJSON()
	if err != nil {
		return err
	}
	if err := send(payload); err != nil {
		return wsErr(op, err)
	}
	c.seq.Advance()
	c.log.Debug("stream request sent",
		zap.String("method", method), zap.Strings("streams", streams), zap.Uint64("id", req.ID))
	return nil
}

// NextID returns the id the next request will carry.
func (c *core) NextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.Current()
}

// BlockingWebSocket runs the connection on the caller goroutine and sends
// requests directly on the socket.
type BlockingWebSocket struct {
	*core
}

// ConnectBlocking opens a stream connection for blocking use.
func ConnectBlocking(ctx context.Context, cfg Config) (*BlockingWebSocket, error) {
	c, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &BlockingWebSocket{c}, nil
}

// Client exposes the underlying connection.
func (b *BlockingWebSocket) Client() *client.Client { return b.ws }

// SubscribeToStreams sends a SUBSCRIBE request. Valid before RunBlocking and
// from inside Handler callbacks.
func (b *BlockingWebSocket) SubscribeToStreams(ctx context.Context, streams ...string) error {
	return b.request(ctx, MethodSubscribe, streams, b.ws.SendTextMessage)
}

// UnsubscribeFromStreams sends an UNSUBSCRIBE request, with the same rules as
// SubscribeToStreams.
func (b *BlockingWebSocket) UnsubscribeFromStreams(ctx context.Context, streams ...string) error {
	return b.request(ctx, MethodUnsubscribe, streams, b.ws.SendTextMessage)
}

// RunBlocking drives the connection until it ends. control may be nil.
func (b *BlockingWebSocket) RunBlocking(h api.Handler, control *client.ControlReceiver) error {
	if err := b.ws.RunBlocking(h, control); err != nil {
		return wsErr("run", err)
	}
	return nil
}

// NonBlockingWebSocket runs the connection on its own goroutine. Requests go
// through the control channel and are safe from any goroutine.
type NonBlockingWebSocket struct {
	*core

	senderMu sync.Mutex
	sender   *client.ControlSender
}

// ConnectNonBlocking opens a stream connection for non-blocking use.
func ConnectNonBlocking(ctx context.Context, cfg Config) (*NonBlockingWebSocket, error) {
	c, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &NonBlockingWebSocket{core: c}, nil
}

// Client exposes the underlying connection.
func (n *NonBlockingWebSocket) Client() *client.Client { return n.ws }

// RunNonBlocking starts the loop and returns the channel ends. The adapter
// keeps a reference to the sender for its own requests.
func (n *NonBlockingWebSocket) RunNonBlocking(opts client.NonBlockingOptions) (*client.ControlSender, *client.EventReceiver, error) {
	sender, events, err := n.ws.RunNonBlocking(opts)
	if err != nil {
		return nil, nil, wsErr("run", err)
	}
	n.senderMu.Lock()
	n.sender = sender
	n.senderMu.Unlock()
	return sender, events, nil
}

func (n *NonBlockingWebSocket) send(ctx context.Context) func(string) error {
	return func(payload string) error {
		n.senderMu.Lock()
		sender := n.sender
		n.senderMu.Unlock()
		if sender == nil {
			return api.ErrSendUnavailable
		}
		return sender.SendContext(ctx, api.SendText(payload))
	}
}

// SubscribeToStreams queues a SUBSCRIBE request. RunNonBlocking must have
// been called.
func (n *NonBlockingWebSocket) SubscribeToStreams(ctx context.Context, streams ...string) error {
	return n.request(ctx, MethodSubscribe, streams, n.send(ctx))
}

// UnsubscribeFromStreams queues an UNSUBSCRIBE request.
func (n *NonBlockingWebSocket) UnsubscribeFromStreams(ctx context.Context, streams ...string) error {
	return n.request(ctx, MethodUnsubscribe, streams, n.send(ctx))
}

// Close asks the loop to close the connection gracefully. Before
// RunNonBlocking it closes the connection directly.
func (n *NonBlockingWebSocket) Close() error {
	n.senderMu.Lock()
	sender := n.sender
	n.senderMu.Unlock()
	if sender == nil {
		return n.ws.Close()
	}
	sender.Close()
	return nil
}

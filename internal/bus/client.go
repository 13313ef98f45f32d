package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banksean/testbus/internal/model"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// DefaultCallTimeout is the bus layer's negotiated call timeout (spec.md
// §5: "the call timeout is negotiated by the bus layer (default 10
// seconds)").
const DefaultCallTimeout = 10 * time.Second

// maxSpuriousPerKey bounds the buffer of signals received for a path that
// has no subscriber yet (spec.md §4.3 step 7 / §5). The scenario the spec
// describes is a handful of signals racing a single registration, not an
// unbounded backlog, so the oldest entries are dropped past this cap rather
// than growing without limit.
const maxSpuriousPerKey = 64

// Client is the agent/client-side half of the bus: a single bidirectional
// gRPC stream carrying calls, replies, and inbound signals.
type Client struct {
	name   string
	cc     *grpc.ClientConn
	stream grpc.ClientStream

	sendMu sync.Mutex

	callMu     sync.Mutex
	nextCallID uint64
	pending    map[uint64]chan *Envelope

	subMu         sync.Mutex
	subscriptions map[string][]func(*Envelope)
	spurious      map[string][]*Envelope

	handlerMu sync.Mutex
	handler   Handler

	closeOnce sync.Once
	closed    chan struct{}
}

func subscriptionKey(path, iface string) string { return path + "\x00" + iface }

// Dial connects to the master's bus address, announces busName via a Hello
// envelope, and starts the background receive loop.
func Dial(ctx context.Context, addr, busName string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	cc, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", addr, err)
	}

	stream, err := cc.NewStream(ctx, &grpc.StreamDesc{StreamName: streamName, ServerStreams: true, ClientStreams: true}, FullMethod())
	if err != nil {
		cc.Close()
		return nil, fmt.Errorf("bus: open stream: %w", err)
	}

	c := &Client{
		name:          busName,
		cc:            cc,
		stream:        stream,
		pending:       make(map[uint64]chan *Envelope),
		subscriptions: make(map[string][]func(*Envelope)),
		spurious:      make(map[string][]*Envelope),
		closed:        make(chan struct{}),
	}

	if err := c.send(&Envelope{Kind: KindHello, SenderName: busName}); err != nil {
		cc.Close()
		return nil, fmt.Errorf("bus: send hello: %w", err)
	}

	go c.recvLoop()
	return c, nil
}

func (c *Client) send(env *Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(env)
}

// Send implements Sender so a Client can itself be registered as a transport
// endpoint inside internal/muxproxy, without a second type.
func (c *Client) Send(env *Envelope) error { return c.send(env) }

func (c *Client) recvLoop() {
	defer close(c.closed)
	for {
		var env Envelope
		if err := c.stream.RecvMsg(&env); err != nil {
			c.failPending(err)
			return
		}
		switch env.Kind {
		case KindReply:
			c.callMu.Lock()
			ch, ok := c.pending[env.CallID]
			delete(c.pending, env.CallID)
			c.callMu.Unlock()
			if ok {
				ch <- &env
			}
		case KindSignal:
			c.deliverSignal(&env)
		case KindCall:
			go c.handleInboundCall(env)
		}
	}
}

// SetHandler installs the callback that answers calls the master initiates
// on this peer's own stream (Hub.Call), e.g. the Agent.Filesystem methods of
// spec.md §4.4. Calls arriving before a handler is installed, or with no
// handler installed at all, fail with MethodNotSupported.
func (c *Client) SetHandler(fn Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = fn
}

func (c *Client) handleInboundCall(call Envelope) {
	reply := &Envelope{Kind: KindReply, CallID: call.CallID, SenderName: c.name}

	c.handlerMu.Lock()
	fn := c.handler
	c.handlerMu.Unlock()

	if fn == nil {
		reply.ErrKind = string(model.MethodNotSupported)
		reply.ErrMsg = fmt.Sprintf("%s.%s: no handler installed on %s", call.Interface, call.Method, c.name)
	} else if result, err := fn(context.Background(), call.SenderName, call.Path, call.Interface, call.Method, call.Args); err != nil {
		reply.ErrKind = string(model.KindOf(err))
		reply.ErrMsg = err.Error()
	} else {
		reply.Reply = result
	}

	if err := c.send(reply); err != nil {
		// The connection is already gone; recvLoop will observe it next.
		_ = err
	}
}

func (c *Client) failPending(err error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	for id, ch := range c.pending {
		ch <- &Envelope{Kind: KindReply, CallID: id, ErrKind: string(model.AgentOffline), ErrMsg: err.Error()}
		delete(c.pending, id)
	}
}

func (c *Client) deliverSignal(env *Envelope) {
	key := subscriptionKey(env.Path, env.Interface)
	c.subMu.Lock()
	handlers := c.subscriptions[key]
	if len(handlers) == 0 {
		buf := append(c.spurious[key], env)
		if len(buf) > maxSpuriousPerKey {
			buf = buf[len(buf)-maxSpuriousPerKey:]
		}
		c.spurious[key] = buf
		c.subMu.Unlock()
		return
	}
	c.subMu.Unlock()
	for _, fn := range handlers {
		fn(env)
	}
}

// Subscribe registers fn for every future signal on (path, interface), and
// immediately replays (then discards) any signals that already arrived for
// that key before the subscription existed — the "fuses them into the real
// wait queue upon registration" behavior spec.md §4.3 step 7 requires.
func (c *Client) Subscribe(path, iface string, fn func(*Envelope)) {
	key := subscriptionKey(path, iface)
	c.subMu.Lock()
	c.subscriptions[key] = append(c.subscriptions[key], fn)
	backlog := c.spurious[key]
	delete(c.spurious, key)
	c.subMu.Unlock()
	for _, env := range backlog {
		fn(env)
	}
}

// Unsubscribe removes all handlers registered for (path, interface). Called
// once a process/host/test object is torn down so late signals are dropped
// rather than buffered forever.
func (c *Client) Unsubscribe(path, iface string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscriptions, subscriptionKey(path, iface))
	delete(c.spurious, subscriptionKey(path, iface))
}

// Call issues a synchronous call and blocks for the reply or ctx's
// deadline, defaulting to DefaultCallTimeout when ctx carries none.
func (c *Client) Call(ctx context.Context, path, iface, method string, args map[string]any) (map[string]any, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	id := atomic.AddUint64(&c.nextCallID, 1)
	ch := make(chan *Envelope, 1)
	c.callMu.Lock()
	c.pending[id] = ch
	c.callMu.Unlock()

	call := &Envelope{Kind: KindCall, CallID: id, Path: path, Interface: iface, Method: method, Args: args, SenderName: c.name}
	if err := c.send(call); err != nil {
		c.callMu.Lock()
		delete(c.pending, id)
		c.callMu.Unlock()
		return nil, model.Wrap(model.AgentOffline, method, path, err)
	}

	select {
	case reply := <-ch:
		if reply.ErrKind != "" {
			return nil, &model.Error{Kind: model.Kind(reply.ErrKind), Op: method, Path: path, Msg: reply.ErrMsg}
		}
		return reply.Reply, nil
	case <-ctx.Done():
		c.callMu.Lock()
		delete(c.pending, id)
		c.callMu.Unlock()
		return nil, model.Errorf(model.MethodCallTimedOut, method, path, "%v", ctx.Err())
	}
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.cc.Close()
	})
	return err
}

// Done reports a channel closed once the receive loop exits (connection
// lost or closed).
func (c *Client) Done() <-chan struct{} { return c.closed }

package muxproxy

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Credit window sizes from spec.md §4.6. Every channel, whichever side
// opens it, starts with MultiplexCredit so many concurrent calls don't
// stall behind a slow agent; SimplexCredit is defined but no channel is
// given it.
const (
	SimplexCredit   = 8 << 10
	MultiplexCredit = 128 << 10
)

// Channel is one logical stream multiplexed over the shared transport: a
// net.Conn-shaped adapter so callers (bus.Dial, a grpc.Dial DialContext
// hook) don't need to know a proxy is involved at all.
type Channel struct {
	id    uint16
	p     *Proxy
	local bool // true if this side opened the channel

	mu       sync.Mutex
	inbox    chan []byte
	pending  []byte
	closed   bool
	stopCh   chan struct{} // closed exactly once, alongside closed, to unblock deliver()
	sendCred uint32        // bytes we're still allowed to send
	credCond *sync.Cond
}

func newChannel(p *Proxy, id uint16, local bool, initialCredit uint32) *Channel {
	c := &Channel{id: id, p: p, local: local, inbox: make(chan []byte, 64), stopCh: make(chan struct{}), sendCred: initialCredit}
	c.credCond = sync.NewCond(&c.mu)
	return c
}

// markClosed flips closed and signals stopCh, both exactly once, regardless
// of whether the caller reached it via Close(), CmdClose, or Run()'s
// transport-error teardown.
func (c *Channel) markClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.credCond.Broadcast()
	c.mu.Unlock()
	close(c.stopCh)
	close(c.inbox)
}

func (c *Channel) Read(b []byte) (int, error) {
	c.mu.Lock()
	for len(c.pending) == 0 && !c.closed {
		c.mu.Unlock()
		data, ok := <-c.inbox
		if !ok {
			return 0, io.EOF
		}
		c.mu.Lock()
		c.pending = append(c.pending, data...)
	}
	if len(c.pending) == 0 && c.closed {
		c.mu.Unlock()
		return 0, io.EOF
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	c.mu.Unlock()
	return n, nil
}

func (c *Channel) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		chunk := b[written:]
		if len(chunk) > MaxFramePayload {
			chunk = chunk[:MaxFramePayload]
		}
		c.mu.Lock()
		for c.sendCred < uint32(len(chunk)) && !c.closed {
			c.credCond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return written, fmt.Errorf("muxproxy: channel %d closed", c.id)
		}
		c.sendCred -= uint32(len(chunk))
		c.mu.Unlock()

		if err := c.p.writeFrame(Frame{Cmd: CmdData, Channel: c.id, Payload: chunk}); err != nil {
			return written, err
		}
		written += len(chunk)
	}
	return written, nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	c.markClosed()
	c.p.forget(c.id)
	return c.p.writeFrame(Frame{Cmd: CmdClose, Channel: c.id})
}

func (c *Channel) addCredit(n uint32) {
	c.mu.Lock()
	c.sendCred += n
	c.credCond.Broadcast()
	c.mu.Unlock()
}

// deliver hands an inbound CmdData payload to Read. It selects against
// stopCh rather than sending on inbox unconditionally, so a concurrent
// Close()/CmdClose/transport-teardown racing with an in-flight frame for
// this channel can never cause a send on a closed inbox.
func (c *Channel) deliver(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.inbox <- buf:
	case <-c.stopCh:
	}
}

// Proxy multiplexes logical Channels over one underlying transport
// connection (spec.md §4.6): a unix socket, a pipe, stdio, or a serial
// line all satisfy io.ReadWriteCloser the same way.
type Proxy struct {
	transport io.ReadWriteCloser

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[uint16]*Channel
	nextID   uint16

	accept chan *Channel
	done   chan struct{}
}

// New wraps transport in a Proxy; callers must call Run in a goroutine to
// start pumping frames.
func New(transport io.ReadWriteCloser) *Proxy {
	return &Proxy{
		transport: transport,
		channels:  make(map[uint16]*Channel),
		accept:    make(chan *Channel, 16),
		done:      make(chan struct{}),
	}
}

func (p *Proxy) writeFrame(f Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return WriteFrame(p.transport, f)
}

func (p *Proxy) forget(id uint16) {
	p.mu.Lock()
	delete(p.channels, id)
	p.mu.Unlock()
}

// Open starts a new channel from this side (spec.md §4.6 CHANNEL_OPEN),
// returning a net.Conn-shaped Channel once the transport has accepted it.
func (p *Proxy) Open() (*Channel, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	ch := newChannel(p, id, true, MultiplexCredit)
	p.channels[id] = ch
	p.mu.Unlock()

	if err := p.writeFrame(Frame{Cmd: CmdOpen, Channel: id, Payload: encodeCredit(MultiplexCredit)}); err != nil {
		return nil, err
	}
	return ch, nil
}

// Accept blocks until the remote side opens a channel.
func (p *Proxy) Accept() (*Channel, error) {
	select {
	case ch, ok := <-p.accept:
		if !ok {
			return nil, io.EOF
		}
		return ch, nil
	case <-p.done:
		return nil, io.EOF
	}
}

// Run pumps frames off the transport until it errors or is closed. Callers
// typically run this in its own goroutine alongside Open/Accept.
func (p *Proxy) Run() error {
	defer close(p.done)
	for {
		f, err := ReadFrame(p.transport)
		if err != nil {
			p.mu.Lock()
			chans := make([]*Channel, 0, len(p.channels))
			for _, ch := range p.channels {
				chans = append(chans, ch)
			}
			p.channels = make(map[uint16]*Channel)
			p.mu.Unlock()
			for _, ch := range chans {
				ch.markClosed()
			}
			return err
		}

		switch f.Cmd {
		case CmdOpen:
			p.mu.Lock()
			ch := newChannel(p, f.Channel, false, decodeCredit(f.Payload))
			if ch.sendCred == 0 {
				ch.sendCred = MultiplexCredit
			}
			p.channels[f.Channel] = ch
			p.mu.Unlock()
			select {
			case p.accept <- ch:
			default:
				slog.Warn("muxproxy: accept queue full, dropping channel open", "channel", f.Channel)
			}

		case CmdData:
			p.mu.Lock()
			ch := p.channels[f.Channel]
			p.mu.Unlock()
			if ch != nil {
				ch.deliver(f.Payload)
				_ = p.writeFrame(Frame{Cmd: CmdCredit, Channel: f.Channel, Payload: encodeCredit(uint32(len(f.Payload)))})
			}

		case CmdCredit:
			p.mu.Lock()
			ch := p.channels[f.Channel]
			p.mu.Unlock()
			if ch != nil {
				ch.addCredit(decodeCredit(f.Payload))
			}

		case CmdClose:
			p.mu.Lock()
			ch := p.channels[f.Channel]
			delete(p.channels, f.Channel)
			p.mu.Unlock()
			if ch != nil {
				ch.markClosed()
			}
		}
	}
}

// Close tears down the underlying transport, unblocking Run.
func (p *Proxy) Close() error { return p.transport.Close() }

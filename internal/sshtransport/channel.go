package sshtransport

import "golang.org/x/crypto/ssh"

// tunnelChannelType names the single ssh channel type this package opens:
// one per transport, carrying a single gRPC bus connection (wrapped with
// bus.WrapConn); no muxproxy framing is involved.
const tunnelChannelType = "testbus-tunnel"

// channelConn adapts an ssh.Channel to an io.ReadWriteCloser,
// discarding out-of-band requests the same way an ordinary "direct-
// tcpip" forwarding channel does.
type channelConn struct {
	ssh.Channel
	reqs <-chan *ssh.Request
}

func wrapChannel(ch ssh.Channel, reqs <-chan *ssh.Request) *channelConn {
	go ssh.DiscardRequests(reqs)
	return &channelConn{Channel: ch, reqs: reqs}
}

func (c *channelConn) Close() error { return c.Channel.Close() }

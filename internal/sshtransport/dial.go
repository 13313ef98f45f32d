package sshtransport

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// DialConfig carries what an agent needs to establish the ssh tunnel back to
// the master: its own certificate-backed identity and the host certificate
// authority it should trust in place of Trust-On-First-Use.
type DialConfig struct {
	Addr string // host:port of the master's ssh-tunnel listener

	AgentIdentity   *Identity
	AgentCert       *ssh.Certificate
	HostCAPublicKey ssh.PublicKey

	Timeout time.Duration
}

// Dial opens an ssh connection to the master and returns the single tunnel
// channel as an io.ReadWriteCloser, ready to be wrapped by bus.WrapConn. The
// agent authenticates with its CA-issued certificate instead of a
// password or a bare key, and verifies the master's host certificate against
// the host CA rather than trusting the first key it sees.
func Dial(cfg DialConfig) (io.ReadWriteCloser, error) {
	certSigner, err := ssh.NewCertSigner(cfg.AgentCert, cfg.AgentIdentity.Signer)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: wrapping agent certificate: %w", err)
	}

	checker := &ssh.CertChecker{
		IsHostAuthority: func(auth ssh.PublicKey, address string) bool {
			return keysEqual(auth, cfg.HostCAPublicKey)
		},
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.AgentCert.KeyId,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(certSigner)},
		HostKeyCallback: checker.CheckHostKey,
		Timeout:         cfg.Timeout,
	}

	client, err := ssh.Dial("tcp", cfg.Addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: dialing %s: %w", cfg.Addr, err)
	}

	ch, reqs, err := client.OpenChannel(tunnelChannelType, nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sshtransport: opening tunnel channel: %w", err)
	}
	return &clientTunnel{client: client, conn: wrapChannel(ch, reqs)}, nil
}

// clientTunnel closes the underlying ssh client once the tunnel channel is
// done with, so a failed bus connection doesn't leak the TCP connection.
type clientTunnel struct {
	client *ssh.Client
	conn   *channelConn
}

func (t *clientTunnel) Read(b []byte) (int, error)  { return t.conn.Read(b) }
func (t *clientTunnel) Write(b []byte) (int, error) { return t.conn.Write(b) }
func (t *clientTunnel) Close() error {
	err := t.conn.Close()
	t.client.Close()
	return err
}

func keysEqual(a, b ssh.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	return string(a.Marshal()) == string(b.Marshal())
}

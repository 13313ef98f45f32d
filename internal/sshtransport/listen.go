package sshtransport

import (
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/crypto/ssh"
)

// ListenConfig carries what the master needs to accept agent tunnels: its
// own certificate-backed host identity and the agent certificate authority
// it trusts in place of a static authorized_keys file.
type ListenConfig struct {
	Addr string // host:port to listen on

	HostIdentity     *Identity
	HostCert         *ssh.Certificate
	AgentCAPublicKey ssh.PublicKey
}

// Listener accepts ssh connections from agents and hands back each one's
// tunnel channel as an io.ReadWriteCloser.
type Listener struct {
	net.Listener
	serverCfg *ssh.ServerConfig
}

// Listen starts accepting ssh connections on cfg.Addr.
func Listen(cfg ListenConfig) (*Listener, error) {
	certSigner, err := ssh.NewCertSigner(cfg.HostCert, cfg.HostIdentity.Signer)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: wrapping host certificate: %w", err)
	}

	checker := &ssh.CertChecker{
		IsUserAuthority: func(auth ssh.PublicKey) bool {
			return keysEqual(auth, cfg.AgentCAPublicKey)
		},
	}

	serverCfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			cert, ok := key.(*ssh.Certificate)
			if !ok {
				return nil, fmt.Errorf("sshtransport: agent key for %s is not a certificate", conn.User())
			}
			if err := checker.CheckCert(conn.User(), cert); err != nil {
				return nil, fmt.Errorf("sshtransport: rejecting agent certificate for %s: %w", conn.User(), err)
			}
			return &ssh.Permissions{Extensions: cert.Permissions.Extensions}, nil
		},
	}
	serverCfg.AddHostKey(certSigner)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: listening on %s: %w", cfg.Addr, err)
	}
	return &Listener{Listener: ln, serverCfg: serverCfg}, nil
}

// Accept blocks for the next agent connection, completes its ssh handshake,
// and returns the tunnel channel it opened as an io.ReadWriteCloser along
// with the authenticated agent's bus name (the certificate's principal).
func (l *Listener) Accept() (io.ReadWriteCloser, string, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, "", err
		}

		sshConn, chans, reqs, err := ssh.NewServerConn(conn, l.serverCfg)
		if err != nil {
			slog.Warn("sshtransport.Listener.Accept: handshake failed", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
			continue
		}
		go ssh.DiscardRequests(reqs)

		agentBusName := sshConn.Permissions.Extensions["testbus-agent-name"]
		if agentBusName == "" {
			agentBusName = sshConn.User()
		}

		newCh, ok := <-chans
		if !ok {
			sshConn.Close()
			continue
		}
		if newCh.ChannelType() != tunnelChannelType {
			newCh.Reject(ssh.UnknownChannelType, "expected "+tunnelChannelType)
			sshConn.Close()
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			slog.Warn("sshtransport.Listener.Accept: channel accept failed", "error", err)
			sshConn.Close()
			continue
		}
		return &serverTunnel{sshConn: sshConn, conn: wrapChannel(ch, chReqs)}, agentBusName, nil
	}
}

type serverTunnel struct {
	sshConn *ssh.ServerConn
	conn    *channelConn
}

func (t *serverTunnel) Read(b []byte) (int, error)  { return t.conn.Read(b) }
func (t *serverTunnel) Write(b []byte) (int, error) { return t.conn.Write(b) }
func (t *serverTunnel) Close() error {
	err := t.conn.Close()
	t.sshConn.Close()
	return err
}

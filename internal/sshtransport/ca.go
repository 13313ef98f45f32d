// Package sshtransport is the optional SSH-tunneled bus transport of
// SPEC_FULL.md's DOMAIN STACK: an alternative to the direct gRPC dial for
// agents that can only reach the master through an ssh-reachable jump host.
// A CertAuthority signs a host certificate for the master and an agent
// certificate for each agent, so the two sides authenticate each other
// without interactive Trust-On-First-Use prompts, the same shape
// sshimmer.go used to hand out host/user certificates to local sandbox
// containers.
package sshtransport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
)

// CertAuthority issues ssh certificates for one side of the testbus
// transport. A master process runs a host CA (certifying itself to
// connecting agents) and an agent CA (certifying which agents may dial in).
type CertAuthority struct {
	path   string
	signer ssh.Signer
	pub    ssh.PublicKey
}

// LoadOrCreateCA reads an existing ed25519 CA keypair from path, or
// generates and persists a new one if none exists yet.
func LoadOrCreateCA(path string) (*CertAuthority, error) {
	if _, err := os.Stat(path); err == nil {
		keyPEM, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("sshtransport: reading CA key %s: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("sshtransport: parsing CA key %s: %w", path, err)
		}
		return &CertAuthority{path: path, signer: signer, pub: signer.PublicKey()}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: generating CA key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sshtransport: creating CA dir: %w", err)
	}
	if err := os.WriteFile(path, encodePrivateKeyToPEM(priv), 0o600); err != nil {
		return nil, fmt.Errorf("sshtransport: writing CA key %s: %w", path, err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: creating CA signer: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: converting CA public key: %w", err)
	}
	return &CertAuthority{path: path, signer: signer, pub: sshPub}, nil
}

// PublicKey returns the CA's public key in authorized_keys form, the line a
// peer adds to its known_hosts (as a "@cert-authority" entry) or
// authorized_keys (as a "cert-authority" entry) to trust this CA.
func (ca *CertAuthority) PublicKey() ssh.PublicKey { return ca.pub }

// IssueHostCertificate certifies pub as the host key for hostName, valid for
// 30 days, mirroring sshimmer's issueHostCertificate.
func (ca *CertAuthority) IssueHostCertificate(hostName string, pub ssh.PublicKey) (*ssh.Certificate, error) {
	cert := &ssh.Certificate{
		Key:             pub,
		Serial:          1,
		CertType:        ssh.HostCert,
		KeyId:           hostName + " testbus host key",
		ValidPrincipals: []string{hostName},
		ValidAfter:      uint64(time.Now().Add(-24 * time.Hour).Unix()),
		ValidBefore:     uint64(time.Now().Add(720 * time.Hour).Unix()),
	}
	if err := cert.SignCert(rand.Reader, ca.signer); err != nil {
		return nil, fmt.Errorf("sshtransport: signing host certificate for %s: %w", hostName, err)
	}
	return cert, nil
}

// IssueAgentCertificate certifies pub as the identity an agent presents when
// dialing the master, scoped to a single principal: the agent's bus name.
func (ca *CertAuthority) IssueAgentCertificate(agentBusName string, pub ssh.PublicKey) (*ssh.Certificate, error) {
	cert := &ssh.Certificate{
		Key:             pub,
		Serial:          1,
		CertType:        ssh.UserCert,
		KeyId:           agentBusName,
		ValidPrincipals: []string{agentBusName},
		ValidAfter:      uint64(time.Now().Add(-24 * time.Hour).Unix()),
		ValidBefore:     uint64(time.Now().Add(720 * time.Hour).Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{"permit-channel-open": ""},
		},
	}
	if err := cert.SignCert(rand.Reader, ca.signer); err != nil {
		return nil, fmt.Errorf("sshtransport: signing agent certificate for %s: %w", agentBusName, err)
	}
	return cert, nil
}

func encodePrivateKeyToPEM(priv ed25519.PrivateKey) []byte {
	block, err := ssh.MarshalPrivateKey(priv, "testbus ca key")
	if err != nil {
		panic(fmt.Sprintf("sshtransport: marshaling CA private key: %v", err))
	}
	return pem.EncodeToMemory(block)
}

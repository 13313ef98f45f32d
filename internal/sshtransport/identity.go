package sshtransport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Identity is a persisted ed25519 keypair for one side of the transport
// (the master's host identity, or one agent's identity), loaded from disk
// on repeated runs rather than regenerated every time, matching sshimmer's
// getOrCreateKeyPair.
type Identity struct {
	Signer ssh.Signer
	Public ssh.PublicKey
}

// LoadOrCreateIdentity reads an ed25519 private key from path, or
// generates and persists a new one (private key at path, public half at
// path+".pub").
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		keyPEM, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("sshtransport: reading identity %s: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("sshtransport: parsing identity %s: %w", path, err)
		}
		return &Identity{Signer: signer, Public: signer.PublicKey()}, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: generating identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sshtransport: creating identity dir: %w", err)
	}
	if err := os.WriteFile(path, encodePrivateKeyToPEM(priv), 0o600); err != nil {
		return nil, fmt.Errorf("sshtransport: writing identity %s: %w", path, err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: creating identity signer: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("sshtransport: converting identity public key: %w", err)
	}
	if err := os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		return nil, fmt.Errorf("sshtransport: writing identity public key %s: %w", path+".pub", err)
	}
	return &Identity{Signer: signer, Public: sshPub}, nil
}

// Package identity manages the agent's own keypair: generated once on first
// run, persisted with owner-only permissions, and never written back to the
// config repository the agent otherwise syncs.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const keyBits = 2048

// privateKeyFile and publicKeyFile are the filenames written under the
// agent's data directory.
const (
	privateKeyFile = "agent_id_rsa"
	publicKeyFile  = "agent_id_rsa.pub"
)

// Identity is the agent's persistent keypair, held in both Go crypto form
// (for signing, if ever needed) and SSH wire form (for authenticating the
// Git-over-SSH and control-channel credential checks).
type Identity struct {
	PrivateKey    *rsa.PrivateKey
	Signer        ssh.Signer
	AuthorizedKey string // "ssh-rsa AAAA... " line, as stored in the registry
}

// LoadOrCreate reads the keypair from dir, generating and persisting a new
// one if none exists yet. dir is created if missing.
func LoadOrCreate(dir string) (Identity, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Identity{}, fmt.Errorf("identity: mkdir %s: %w", dir, err)
	}

	privPath := filepath.Join(dir, privateKeyFile)
	data, err := os.ReadFile(privPath)
	if err == nil {
		return parsePrivateKey(data)
	}
	if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("identity: read %s: %w", privPath, err)
	}

	return generate(dir)
}

func generate(dir string) (Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generate key: %w", err)
	}

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	pemBytes := pem.EncodeToMemory(block)

	privPath := filepath.Join(dir, privateKeyFile)
	if err := os.WriteFile(privPath, pemBytes, 0o600); err != nil {
		return Identity{}, fmt.Errorf("identity: write private key: %w", err)
	}

	id, err := parsePrivateKey(pemBytes)
	if err != nil {
		return Identity{}, err
	}

	pubPath := filepath.Join(dir, publicKeyFile)
	if err := os.WriteFile(pubPath, []byte(id.AuthorizedKey), 0o600); err != nil {
		return Identity{}, fmt.Errorf("identity: write public key: %w", err)
	}

	return id, nil
}

func parsePrivateKey(pemBytes []byte) (Identity, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return Identity{}, fmt.Errorf("identity: no PEM block in key file")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: parse private key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: derive signer: %w", err)
	}

	authorized := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
	return Identity{PrivateKey: key, Signer: signer, AuthorizedKey: authorized}, nil
}

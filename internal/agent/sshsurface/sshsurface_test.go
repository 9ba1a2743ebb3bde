package sshsurface

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/ssh"
)

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	_ = pub
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey: %v", err)
	}
	return signer
}

func TestNew_ParsesAuthorizedKeys(t *testing.T) {
	signer := testSigner(t)
	authorizedLine := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))

	s, err := New(Config{HostKey: signer, AuthorizedKeys: []string{authorizedLine}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.allowed[string(signer.PublicKey().Marshal())] {
		t.Fatal("expected the parsed key to be in the allowed set")
	}
}

func TestNew_RejectsMalformedKey(t *testing.T) {
	if _, err := New(Config{HostKey: testSigner(t), AuthorizedKeys: []string{"not a key"}}); err == nil {
		t.Fatal("expected an error for a malformed authorized key line")
	}
}

func TestAuthenticate_RejectsUnknownKey(t *testing.T) {
	signer := testSigner(t)
	other := testSigner(t)
	s, err := New(Config{HostKey: signer, AuthorizedKeys: []string{string(ssh.MarshalAuthorizedKey(signer.PublicKey()))}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.authenticate(nil, other.PublicKey()); err == nil {
		t.Fatal("expected authentication to fail for a key not in the authorized list")
	}
}

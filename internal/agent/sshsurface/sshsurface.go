// Package sshsurface wires the agent's embedded SSH/SFTP capability
// surface: an x/crypto/ssh.ServerConfig authenticated against a configured
// authorized-keys list, reserved for future agent-to-agent traffic.
// Protocol handling beyond accepting and holding the connection open is
// intentionally out of scope; see spec.md §1's "capability surface, not a
// protocol" non-goal.
package sshsurface

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/lsadehaan/controlcenter/internal/logging"
)

// Config configures a Surface.
type Config struct {
	// ListenAddr is the TCP address the SSH listener binds, e.g. ":2223".
	ListenAddr string
	// HostKey is the agent's own SSH host key (reused from its identity
	// keypair — see internal/agent/identity).
	HostKey ssh.Signer
	// AuthorizedKeys lists the public keys admitted to connect, in
	// authorized_keys wire format, one entry per configured key.
	AuthorizedKeys []string
	Logger         logging.Logger
}

// Surface is the agent's embedded SSH server. It accepts connections and
// authenticates them; no channel or session handling is implemented,
// matching the capability-surface-only scope.
type Surface struct {
	cfg     Config
	allowed map[string]bool
	logger  logging.Logger
}

// New parses cfg.AuthorizedKeys and returns a Surface ready to serve.
func New(cfg Config) (*Surface, error) {
	allowed := make(map[string]bool, len(cfg.AuthorizedKeys))
	for _, line := range cfg.AuthorizedKeys {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("sshsurface: parse authorized key: %w", err)
		}
		allowed[string(key.Marshal())] = true
	}
	return &Surface{cfg: cfg, allowed: allowed, logger: logging.OrNop(cfg.Logger)}, nil
}

// ListenAndServe binds the SSH listener and holds connections open until
// ctx is cancelled. No session channels are served; a connecting peer
// authenticates successfully and then the connection idles, ready for a
// future protocol to be layered on top.
func (s *Surface) ListenAndServe(ctx context.Context) error {
	sshConfig := &ssh.ServerConfig{
		PublicKeyCallback: s.authenticate,
	}
	sshConfig.AddHostKey(s.cfg.HostKey)

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("sshsurface: listen %s: %w", s.cfg.ListenAddr, err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("sshsurface: accept: %w", err)
			}
		}
		go s.handleConn(conn, sshConfig)
	}
}

func (s *Surface) authenticate(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	if s.allowed[string(key.Marshal())] {
		return &ssh.Permissions{}, nil
	}
	return nil, fmt.Errorf("sshsurface: key not in authorized list")
}

func (s *Surface) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		s.logger.Warn("sshsurface: handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		newChannel.Reject(ssh.UnknownChannelType, "agent-to-agent channels are not yet implemented")
	}
}

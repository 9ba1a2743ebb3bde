// Package gitserver exposes the controller's config repository over a
// minimal Git-over-SSH endpoint: only the two verbs a client ever needs
// (upload-pack for fetch, receive-pack for push) against the single named
// repository, authenticated by public-key lookup against the agent
// registry.
package gitserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitserver "github.com/go-git/go-git/v5/plumbing/transport/server"
	"golang.org/x/crypto/ssh"

	"github.com/lsadehaan/controlcenter/internal/controller/registry"
	"github.com/lsadehaan/controlcenter/internal/logging"
)

// execCommand matches the two verbs a git client ever sends over the
// "exec" SSH channel request: `git-upload-pack '/repo'` and
// `git-receive-pack '/repo'`.
var execCommand = regexp.MustCompile(`^git-(upload|receive)-pack '(.+)'$`)

// Config configures a Server.
type Config struct {
	// ListenAddr is the TCP address the SSH listener binds, e.g. ":2222".
	ListenAddr string
	// RepoName is the only repository name admitted; anything else is
	// rejected per spec.md §4.3 ("only against the single named repository").
	RepoName string
	// RepoDir is the filesystem path of the Git working tree backing RepoName.
	RepoDir string
	// HostKey is the server's own SSH host key.
	HostKey ssh.Signer
	Logger  logging.Logger
}

// Server is the controller's authenticated Git transport.
type Server struct {
	cfg      Config
	registry *registry.Registry
	loader   gitserver.Loader
	logger   logging.Logger
}

// New constructs a Server bound to reg for public-key authentication.
func New(cfg Config, reg *registry.Registry) *Server {
	fs := osfs.New(cfg.RepoDir)
	return &Server{
		cfg:      cfg,
		registry: reg,
		loader:   gitserver.NewFilesystemLoader(fs),
		logger:   logging.OrNop(cfg.Logger),
	}
}

// ListenAndServe binds the SSH listener and serves connections until ctx is
// cancelled or the listener errors.
func (s *Server) ListenAndServe(ctx context.Context) error {
	sshConfig := &ssh.ServerConfig{
		PublicKeyCallback: s.authenticate,
	}
	sshConfig.AddHostKey(s.cfg.HostKey)

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gitserver: listen %s: %w", s.cfg.ListenAddr, err)
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
				return fmt.Errorf("gitserver: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn, sshConfig)
	}
}

// authenticate accepts a connection only if the presented public key
// matches a known agent's stored public key. Agent identity is attached to
// the resulting ssh.Permissions so channel handlers can log it.
func (s *Server) authenticate(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	agents, err := s.registry.List(context.Background())
	if err != nil {
		return nil, fmt.Errorf("gitserver: list agents: %w", err)
	}
	marshaled := key.Marshal()
	for _, agent := range agents {
		stored, _, _, _, err := ssh.ParseAuthorizedKey([]byte(agent.PublicKey))
		if err != nil {
			continue
		}
		if string(stored.Marshal()) == string(marshaled) {
			return &ssh.Permissions{Extensions: map[string]string{"agent-id": agent.ID}}, nil
		}
	}
	return nil, fmt.Errorf("gitserver: no agent matches presented key")
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		s.logger.Warn("gitserver: handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	agentID := sconn.Permissions.Extensions["agent-id"]

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.logger.Warn("gitserver: channel accept failed for %s: %v", agentID, err)
			continue
		}
		go s.handleSession(ctx, agentID, channel, requests)
	}
}

func (s *Server) handleSession(ctx context.Context, agentID string, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		// The payload is a length-prefixed string per RFC 4254 §6.5.
		command := parseExecPayload(req.Payload)
		if req.WantReply {
			req.Reply(true, nil)
		}

		match := execCommand.FindStringSubmatch(command)
		if match == nil {
			s.logger.Warn("gitserver: rejected command from %s: %q", agentID, command)
			fmt.Fprintf(channel.Stderr(), "only git-upload-pack/git-receive-pack are supported\n")
			channel.SendRequest("exit-status", false, exitStatusPayload(1))
			return
		}

		verb, repoPath := match[1], strings.Trim(match[2], "/")
		if repoPath != s.cfg.RepoName {
			s.logger.Warn("gitserver: rejected repo %q from %s", repoPath, agentID)
			fmt.Fprintf(channel.Stderr(), "unknown repository %q\n", repoPath)
			channel.SendRequest("exit-status", false, exitStatusPayload(1))
			return
		}

		status := 0
		if err := s.serveGit(ctx, verb, channel); err != nil {
			s.logger.Error("gitserver: %s for %s failed: %v", verb, agentID, err)
			status = 1
		}
		channel.SendRequest("exit-status", false, exitStatusPayload(status))
		return
	}
}

// serveGit drives go-git's server-side upload-pack/receive-pack session
// against the channel's own stdin/stdout, the same pktline exchange an
// `ssh://` git client performs against any native git server.
func (s *Server) serveGit(ctx context.Context, verb string, channel ssh.Channel) error {
	ep, err := transport.NewEndpoint("/" + s.cfg.RepoName)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	srv := gitserver.NewServer(s.loader)

	switch verb {
	case "upload":
		session, err := srv.NewUploadPackSession(ep, nil)
		if err != nil {
			return fmt.Errorf("upload-pack session: %w", err)
		}
		ar, err := session.AdvertisedReferencesContext(ctx)
		if err != nil {
			return fmt.Errorf("advertise refs: %w", err)
		}
		if err := ar.Encode(channel); err != nil {
			return fmt.Errorf("encode advertised refs: %w", err)
		}

		req := packp.NewUploadPackRequest()
		if err := req.Decode(channel); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode upload-pack request: %w", err)
		}
		resp, err := session.UploadPack(ctx, req)
		if err != nil {
			return fmt.Errorf("upload-pack: %w", err)
		}
		return resp.Encode(channel)

	case "receive":
		session, err := srv.NewReceivePackSession(ep, nil)
		if err != nil {
			return fmt.Errorf("receive-pack session: %w", err)
		}
		ar, err := session.AdvertisedReferencesContext(ctx)
		if err != nil {
			return fmt.Errorf("advertise refs: %w", err)
		}
		if err := ar.Encode(channel); err != nil {
			return fmt.Errorf("encode advertised refs: %w", err)
		}

		req := packp.NewReferenceUpdateRequest()
		if err := req.Decode(channel); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode reference update request: %w", err)
		}
		report, err := session.ReceivePack(ctx, req)
		if err != nil {
			return fmt.Errorf("receive-pack: %w", err)
		}
		if report == nil {
			return nil
		}
		return report.Encode(channel)

	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
}

func parseExecPayload(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := int(payload[0])<<24 | int(payload[1])<<16 | int(payload[2])<<8 | int(payload[3])
	if n < 0 || 4+n > len(payload) {
		return ""
	}
	return string(payload[4 : 4+n])
}

func exitStatusPayload(code int) []byte {
	return []byte{byte(code >> 24), byte(code >> 16), byte(code >> 8), byte(code)}
}

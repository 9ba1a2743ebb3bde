// Package proxy implements the controller's pull-through proxy to agent
// local query APIs: every endpoint in internal/agent/localapi is reached by
// operators through this proxy, which adds authentication and routing so
// agents themselves never need to be reachable directly.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"github.com/lsadehaan/controlcenter/internal/controller/registry"
	"github.com/lsadehaan/controlcenter/internal/logging"
)

// AgentResolver looks up the address to dial for a given agent id. It is
// satisfied by *registry.Registry.
type AgentResolver interface {
	Get(ctx context.Context, id string) (*registry.Agent, error)
}

// Config configures a Proxy.
type Config struct {
	// Timeout bounds a single forwarded request (spec's T_proxy).
	Timeout time.Duration
	Logger  logging.Logger
}

// Proxy forwards requests under {agentId}/..., relative to the path it is
// mounted at, to the resolved agent's local query API, stripping the
// /{agentId} prefix.
type Proxy struct {
	resolver AgentResolver
	cfg      Config
	logger   logging.Logger
}

// New constructs a Proxy resolving agent addresses via resolver.
func New(resolver AgentResolver, cfg Config) *Proxy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Proxy{resolver: resolver, cfg: cfg, logger: logging.OrNop(cfg.Logger)}
}

// Handler returns the mux route this proxy answers: callers mount it under
// whatever path prefix the controller's own HTTP API chooses.
func (p *Proxy) Handler() http.Handler {
	r := mux.NewRouter()
	r.PathPrefix("/{agentId}/").HandlerFunc(p.serve)
	return r
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	agentID := vars["agentId"]

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.Timeout)
	defer cancel()

	agent, err := p.resolver.Get(ctx, agentID)
	if err != nil {
		http.Error(w, fmt.Sprintf("unknown agent %q", agentID), http.StatusNotFound)
		return
	}

	addr := agent.PinnedAPIAddr
	if addr == "" {
		addr = agent.ObservedAddr
	}
	if addr == "" {
		http.Error(w, fmt.Sprintf("agent %q has no reachable address", agentID), http.StatusBadGateway)
		return
	}

	target, err := url.Parse(addr)
	if err != nil {
		http.Error(w, "malformed agent address", http.StatusInternalServerError)
		return
	}

	prefix := "/" + agentID
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = singleJoiningSlash(target.Path, trimPrefix(req.URL.Path, prefix))
			req.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Warn("proxy: agent %s unreachable at %s: %v", agentID, addr, err)
			http.Error(w, "agent unreachable", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r.WithContext(ctx))
}

func trimPrefix(path, prefix string) string {
	if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):]
	}
	return path
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	default:
		return a + b
	}
}

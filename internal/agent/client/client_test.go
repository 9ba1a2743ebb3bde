package client

import (
	"context"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lsadehaan/controlcenter/internal/controller/hub"
	"github.com/lsadehaan/controlcenter/internal/controller/registry"
	"github.com/lsadehaan/controlcenter/internal/protocol"
)

// ClientTestSuite exercises the agent-side control-channel client against a
// real hub.Hub, the same end-to-end shape hub_test.go uses for the server
// side of this same conversation.
type ClientTestSuite struct {
	suite.Suite

	reg    *registry.Registry
	tokens *registry.TokenStore
	hub    *hub.Hub
	server *httptest.Server
	wsURL  string
}

func (s *ClientTestSuite) SetupTest() {
	s.reg = registry.New(s.T().TempDir())
	s.tokens = registry.NewTokenStore(s.T().TempDir() + "/tokens.json")
	s.hub = hub.New(s.reg, s.tokens, hub.Config{HeartbeatInterval: 200 * time.Millisecond})

	router := mux.NewRouter()
	router.HandleFunc("/control", s.hub.ServeWS)
	s.server = httptest.NewServer(router)

	u, err := url.Parse(s.server.URL)
	require.NoError(s.T(), err)
	u.Scheme = "ws"
	u.Path = "/control"
	s.wsURL = u.String()
}

func (s *ClientTestSuite) TearDownTest() {
	s.hub.Stop()
	s.server.Close()
}

func (s *ClientTestSuite) TestRun_RegistersAndAssignsID() {
	tok, err := s.tokens.Create(context.Background(), time.Hour, "")
	require.NoError(s.T(), err)

	var assigned atomic.Value
	c := New(Config{
		ControllerURL:     s.wsURL,
		Token:             tok.Value,
		PublicKey:         "ssh-ed25519 AAAA",
		Hostname:          "box1",
		Platform:          "linux",
		HeartbeatInterval: 50 * time.Millisecond,
		OnAssignedID: func(id string) {
			assigned.Store(id)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	s.Eventually(func() bool {
		id, ok := assigned.Load().(string)
		return ok && id != ""
	}, 2*time.Second, 10*time.Millisecond)

	s.Eventually(func() bool {
		return c.AgentID() != ""
	}, time.Second, 10*time.Millisecond)
}

func (s *ClientTestSuite) TestRun_ReceivesCommand() {
	tok, err := s.tokens.Create(context.Background(), time.Hour, "")
	require.NoError(s.T(), err)

	var mu sync.Mutex
	var received []protocol.Command

	c := New(Config{
		ControllerURL:     s.wsURL,
		Token:             tok.Value,
		PublicKey:         "ssh-ed25519 AAAA",
		Hostname:          "box1",
		Platform:          "linux",
		HeartbeatInterval: 50 * time.Millisecond,
		OnCommand: func(_ context.Context, cmd protocol.Command) {
			mu.Lock()
			received = append(received, cmd)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	s.Eventually(func() bool { return c.AgentID() != "" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(s.T(), s.hub.SendCommand(context.Background(), c.AgentID(), protocol.NewCommand(protocol.CommandReloadConfig, nil)))

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ClientTestSuite) TestRun_CallsOnReconnectOnFirstConnection() {
	tok, err := s.tokens.Create(context.Background(), time.Hour, "")
	require.NoError(s.T(), err)

	var calls int32
	c := New(Config{
		ControllerURL:     s.wsURL,
		Token:             tok.Value,
		PublicKey:         "ssh-ed25519 AAAA",
		Hostname:          "box1",
		Platform:          "linux",
		HeartbeatInterval: 50 * time.Millisecond,
		OnReconnect: func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	s.Eventually(func() bool { return atomic.LoadInt32(&calls) >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	max := 10 * time.Second
	first := backoff(1, max)
	if first < time.Second || first > max+max/5 {
		t.Errorf("backoff(1) = %v, out of expected range", first)
	}
	capped := backoff(20, max)
	if capped < max || capped > max+max/5+time.Second {
		t.Errorf("backoff(20) = %v, expected near cap %v", capped, max)
	}
}

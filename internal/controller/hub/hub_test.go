package hub

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lsadehaan/controlcenter/internal/controller/registry"
	"github.com/lsadehaan/controlcenter/internal/protocol"
)

// HubTestSuite exercises the control-channel hub end to end over real
// websocket connections, the same shape as the teacher's own websocket
// integration suite.
type HubTestSuite struct {
	suite.Suite

	reg    *registry.Registry
	tokens *registry.TokenStore
	hub    *Hub
	server *httptest.Server
	wsURL  string
}

func (s *HubTestSuite) SetupTest() {
	s.reg = registry.New(s.T().TempDir())
	s.tokens = registry.NewTokenStore(s.T().TempDir() + "/tokens.json")
	s.hub = New(s.reg, s.tokens, Config{HeartbeatInterval: 200 * time.Millisecond})

	router := mux.NewRouter()
	router.HandleFunc("/control", s.hub.ServeWS)
	s.server = httptest.NewServer(router)

	u, err := url.Parse(s.server.URL)
	require.NoError(s.T(), err)
	u.Scheme = "ws"
	u.Path = "/control"
	s.wsURL = u.String()
}

func (s *HubTestSuite) TearDownTest() {
	s.hub.Stop()
	s.server.Close()
}

func (s *HubTestSuite) dial() *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
	require.NoError(s.T(), err)
	return conn
}

func (s *HubTestSuite) TestRegistrationIssuesAgentIDAndPersistsRecord() {
	tok, err := s.tokens.Create(context.Background(), time.Hour, "10.0.0.7:8443")
	require.NoError(s.T(), err)

	conn := s.dial()
	defer conn.Close()

	reg := protocol.NewRegistration(tok.Value, "ssh-ed25519 AAAA", "box1", "linux")
	require.NoError(s.T(), conn.WriteJSON(reg))

	var ack protocol.RegistrationAck
	require.NoError(s.T(), conn.ReadJSON(&ack))
	s.Require().Equal(protocol.TypeRegistrationAck, ack.Type)
	s.Require().NotEmpty(ack.AgentID)

	agent, err := s.reg.Get(context.Background(), ack.AgentID)
	require.NoError(s.T(), err)
	s.Equal("ssh-ed25519 AAAA", agent.PublicKey)
	s.Equal("box1", agent.Hostname)
	s.Equal("10.0.0.7:8443", agent.PinnedAPIAddr)
	s.Equal(registry.StatusOnline, agent.Status)
}

func (s *HubTestSuite) TestRegistration_InvalidTokenRejected() {
	conn := s.dial()
	defer conn.Close()

	reg := protocol.NewRegistration("not-a-real-token", "key", "host", "linux")
	require.NoError(s.T(), conn.WriteJSON(reg))

	// The hub closes the session after a rejection without ever admitting
	// it; the next read must fail.
	var ack protocol.RegistrationAck
	err := conn.ReadJSON(&ack)
	s.Require().Error(err)
}

func (s *HubTestSuite) TestReconnectionWithKnownID() {
	ctx := context.Background()
	require.NoError(s.T(), s.reg.Save(ctx, registry.Agent{ID: "agent-1", PublicKey: "key-a"}))

	conn := s.dial()
	defer conn.Close()

	require.NoError(s.T(), conn.WriteJSON(protocol.NewReconnection("agent-1")))

	var ack protocol.RegistrationAck
	require.NoError(s.T(), conn.ReadJSON(&ack))
	s.Equal("agent-1", ack.AgentID)
}

func (s *HubTestSuite) TestReconnection_UnknownIDRejected() {
	conn := s.dial()
	defer conn.Close()

	require.NoError(s.T(), conn.WriteJSON(protocol.NewReconnection("never-registered")))

	var ack protocol.RegistrationAck
	err := conn.ReadJSON(&ack)
	s.Require().Error(err)
}

func (s *HubTestSuite) TestHeartbeatUpdatesRegistry() {
	ctx := context.Background()
	tok, err := s.tokens.Create(ctx, time.Hour, "")
	require.NoError(s.T(), err)

	conn := s.dial()
	defer conn.Close()
	require.NoError(s.T(), conn.WriteJSON(protocol.NewRegistration(tok.Value, "key", "host", "linux")))
	var ack protocol.RegistrationAck
	require.NoError(s.T(), conn.ReadJSON(&ack))

	before, err := s.reg.Get(ctx, ack.AgentID)
	require.NoError(s.T(), err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(s.T(), conn.WriteJSON(protocol.NewHeartbeat(1)))
	time.Sleep(50 * time.Millisecond)

	after, err := s.reg.Get(ctx, ack.AgentID)
	require.NoError(s.T(), err)
	s.True(after.LastHeartbeat.After(before.LastHeartbeat))
}

func (s *HubTestSuite) TestSendCommand_DeliversToConnectedAgent() {
	ctx := context.Background()
	tok, err := s.tokens.Create(ctx, time.Hour, "")
	require.NoError(s.T(), err)

	conn := s.dial()
	defer conn.Close()
	require.NoError(s.T(), conn.WriteJSON(protocol.NewRegistration(tok.Value, "key", "host", "linux")))
	var ack protocol.RegistrationAck
	require.NoError(s.T(), conn.ReadJSON(&ack))

	cmd := protocol.NewCommand(protocol.CommandGitPull, nil)
	require.NoError(s.T(), s.hub.SendCommand(ctx, ack.AgentID, cmd))

	var received protocol.Command
	require.NoError(s.T(), conn.ReadJSON(&received))
	s.Equal(protocol.CommandGitPull, received.Command)
}

func (s *HubTestSuite) TestSendCommand_FailsWhenNotConnected() {
	err := s.hub.SendCommand(context.Background(), "nobody-home", protocol.NewCommand(protocol.CommandGitPull, nil))
	s.Require().Error(err)
}

func (s *HubTestSuite) TestLivenessSweepMarksOffline() {
	ctx := context.Background()
	tok, err := s.tokens.Create(ctx, time.Hour, "")
	require.NoError(s.T(), err)

	conn := s.dial()
	require.NoError(s.T(), conn.WriteJSON(protocol.NewRegistration(tok.Value, "key", "host", "linux")))
	var ack protocol.RegistrationAck
	require.NoError(s.T(), conn.ReadJSON(&ack))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.Run(runCtx)

	// No further heartbeats are sent; after 2*HeartbeatInterval the sweep
	// must flip the agent to offline and drop the session.
	s.Eventually(func() bool {
		agent, err := s.reg.Get(ctx, ack.AgentID)
		return err == nil && agent.Status == registry.StatusOffline
	}, 2*time.Second, 20*time.Millisecond)

	s.False(s.hub.IsConnected(ack.AgentID))
	conn.Close()
}

func TestHubSuite(t *testing.T) {
	suite.Run(t, new(HubTestSuite))
}

// Package client drives the agent side of the control channel: first-run
// registration, persisted-id reconnection, heartbeats, inbound command
// dispatch, and a supervised reconnect loop with exponential backoff.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lsadehaan/controlcenter/internal/logging"
	"github.com/lsadehaan/controlcenter/internal/protocol"
)

// CommandHandler processes one command delivered by the controller.
type CommandHandler func(ctx context.Context, cmd protocol.Command)

// Config configures a Client.
type Config struct {
	// ControllerURL is the control-channel websocket endpoint, e.g.
	// "wss://controller.example.com/ws".
	ControllerURL string
	// AgentID is the previously assigned id, empty on first run.
	AgentID string
	// Token is the single-use registration token, consumed on first run and
	// ignored on every subsequent reconnect.
	Token string
	PublicKey string
	Hostname  string
	Platform  string

	HeartbeatInterval time.Duration
	// ReconnectMaxWait bounds the exponential backoff between reconnect
	// attempts (spec's B_max, default 60s).
	ReconnectMaxWait time.Duration

	// OnAssignedID is invoked exactly once, the first time the controller
	// returns an agent id, so the caller can persist it to local config.
	// Never invoked again on subsequent reconnects with the same id.
	OnAssignedID func(agentID string)
	// OnReconnect runs after every successful (re)connection, including the
	// very first one. The agent performs a config git-pull here regardless
	// of whether the controller told it to, to catch up on anything missed
	// while disconnected.
	OnReconnect func(ctx context.Context) error
	OnCommand   CommandHandler
	// StatusProvider, if set, is polled once per heartbeat tick to attach a
	// status report alongside the heartbeat.
	StatusProvider func() map[string]any

	Logger logging.Logger
}

// Client is a single control-channel connection with automatic reconnect.
type Client struct {
	cfg    Config
	logger logging.Logger

	mu      sync.Mutex
	agentID string
	conn    *websocket.Conn
}

// New constructs a Client. cfg.AgentID, if set, is used for reconnection;
// otherwise the client registers with cfg.Token on its first connection.
func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = 60 * time.Second
	}
	return &Client{cfg: cfg, agentID: cfg.AgentID, logger: logging.OrNop(cfg.Logger)}
}

// AgentID returns the currently assigned agent id, or "" before the first
// successful registration completes.
func (c *Client) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// Run drives the reconnect loop until ctx is cancelled. Each connection
// attempt dials, performs admission (registration or reconnection), then
// blocks on the session's read/heartbeat loop until it ends; on loss, Run
// backs off exponentially (capped at ReconnectMaxWait, with jitter) before
// retrying.
func (c *Client) Run(ctx context.Context) error {
	var failures int
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("client: session ended: %v", err)
		}

		failures++
		delay := backoff(failures, c.cfg.ReconnectMaxWait)
		c.logger.Info("client: reconnecting in %s (attempt %d)", delay, failures)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff computes an exponentially growing delay capped at max, with
// up-to-20% jitter so a fleet of agents reconnecting after a controller
// restart does not thunder in lockstep.
func backoff(attempt int, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(1) << uint(attempt-1) * time.Second
	if base > max || base <= 0 {
		base = max
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 5 + 1))
	return base + jitter
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ControllerURL, http.Header{})
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	defer conn.Close()

	agentID, err := c.admit(conn)
	if err != nil {
		return fmt.Errorf("client: admission: %w", err)
	}

	firstAssignment := c.agentID == ""
	c.mu.Lock()
	c.agentID = agentID
	c.conn = conn
	c.mu.Unlock()

	if firstAssignment && c.cfg.OnAssignedID != nil {
		c.cfg.OnAssignedID(agentID)
	}

	if c.cfg.OnReconnect != nil {
		if err := c.cfg.OnReconnect(ctx); err != nil {
			c.logger.Error("client: post-reconnect sync failed: %v", err)
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sessionCtx, conn)
	}()

	readErr := c.readLoop(sessionCtx, conn)
	cancel()
	wg.Wait()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	return readErr
}

// admit sends the first admission message — registration if no agent id is
// known yet, reconnection otherwise — and waits for the controller's
// registration-ack.
func (c *Client) admit(conn *websocket.Conn) (string, error) {
	var msg any
	if c.agentID == "" {
		msg = protocol.NewRegistration(c.cfg.Token, c.cfg.PublicKey, c.cfg.Hostname, c.cfg.Platform)
	} else {
		msg = protocol.NewReconnection(c.agentID)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return "", fmt.Errorf("send admission message: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("read ack: %w", err)
	}
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		return "", err
	}
	if env.Type != protocol.TypeRegistrationAck {
		return "", fmt.Errorf("unexpected message type %q while awaiting ack", env.Type)
	}
	var ack protocol.RegistrationAck
	if err := json.Unmarshal(env.Raw, &ack); err != nil {
		return "", fmt.Errorf("parse ack: %w", err)
	}
	return ack.AgentID, nil
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			c.mu.Lock()
			err := conn.WriteJSON(protocol.NewHeartbeat(seq))
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("client: heartbeat write failed: %v", err)
				return
			}
			if c.cfg.StatusProvider != nil {
				data := c.cfg.StatusProvider()
				c.mu.Lock()
				err := conn.WriteJSON(protocol.NewStatus(data))
				c.mu.Unlock()
				if err != nil {
					c.logger.Warn("client: status write failed: %v", err)
					return
				}
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.logger.Warn("client: malformed message: %v", err)
			continue
		}
		if env.Type != protocol.TypeCommand {
			c.logger.Warn("client: unexpected message type %q", env.Type)
			continue
		}
		var cmd protocol.Command
		if err := json.Unmarshal(env.Raw, &cmd); err != nil {
			c.logger.Warn("client: malformed command: %v", err)
			continue
		}
		if c.cfg.OnCommand != nil {
			c.cfg.OnCommand(ctx, cmd)
		}
	}
}

// SendAlert raises an alert on the current session, if connected.
func (c *Client) SendAlert(alert protocol.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("client: not connected")
	}
	return c.conn.WriteJSON(alert)
}

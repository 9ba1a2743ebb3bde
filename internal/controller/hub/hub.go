// Package hub terminates the control channel: one long-lived, bidirectional
// websocket session per agent, used to admit registrations/reconnections,
// route commands to agents, and detect liveness.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lsadehaan/controlcenter/internal/controller/registry"
	"github.com/lsadehaan/controlcenter/internal/logging"
	"github.com/lsadehaan/controlcenter/internal/protocol"
)

// newAgentID mints the id assigned to a freshly registered agent.
func newAgentID() string {
	return "agent-" + uuid.NewString()
}

// AlertSink receives alerts raised by agents over the control channel.
type AlertSink interface {
	Notify(ctx context.Context, agentID string, alert protocol.Alert) error
}

// StatusSink receives arbitrary status reports raised by agents.
type StatusSink interface {
	Observe(ctx context.Context, agentID string, status protocol.Status) error
}

// NopAlertSink discards every alert. Used when no sink is configured.
type NopAlertSink struct{}

// Notify is a no-op.
func (NopAlertSink) Notify(context.Context, string, protocol.Alert) error { return nil }

// NopStatusSink discards every status report.
type NopStatusSink struct{}

// Observe is a no-op.
func (NopStatusSink) Observe(context.Context, string, protocol.Status) error { return nil }

// CompositeAlertSink fans an alert out to every configured sink, returning
// the first error encountered.
type CompositeAlertSink struct {
	Sinks []AlertSink
}

// Notify delegates to every configured sink in order.
func (c CompositeAlertSink) Notify(ctx context.Context, agentID string, alert protocol.Alert) error {
	for _, sink := range c.Sinks {
		if err := sink.Notify(ctx, agentID, alert); err != nil {
			return err
		}
	}
	return nil
}

// session is one live control-channel connection for a single agent.
type session struct {
	agentID       string
	remoteAddr    string
	conn          *websocket.Conn
	connectedAt   time.Time
	writeMu       sync.Mutex
	lastHeartbeat time.Time
	mu            sync.RWMutex
	closed        bool
}

func (s *session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now().UTC()
	s.mu.Unlock()
}

func (s *session) heartbeatAge(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastHeartbeat)
}

func (s *session) snapshot() protocol.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return protocol.SessionSnapshot{
		AgentID:       s.agentID,
		RemoteAddr:    s.remoteAddr,
		ConnectedAt:   s.connectedAt,
		LastHeartbeat: s.lastHeartbeat,
	}
}

func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return fmt.Errorf("hub: session %s is closed", s.agentID)
	}
	return s.conn.WriteJSON(v)
}

func (s *session) close() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.Close()
}

// Config configures a Hub.
type Config struct {
	// HeartbeatInterval is T_h from spec.md §4.1 (default 30s). A session
	// is marked offline once 2*HeartbeatInterval elapses with no message.
	HeartbeatInterval time.Duration
	AlertSink         AlertSink
	StatusSink        StatusSink
	Logger            logging.Logger
}

// Hub owns every live agent session and the fleet registry/token store
// those sessions are admitted against.
type Hub struct {
	registry *registry.Registry
	tokens   *registry.TokenStore

	heartbeatInterval time.Duration
	alertSink         AlertSink
	statusSink        StatusSink
	logger            logging.Logger

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Hub bound to reg and tokens.
func New(reg *registry.Registry, tokens *registry.TokenStore, cfg Config) *Hub {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	alertSink := cfg.AlertSink
	if alertSink == nil {
		alertSink = NopAlertSink{}
	}
	statusSink := cfg.StatusSink
	if statusSink == nil {
		statusSink = NopStatusSink{}
	}
	return &Hub{
		registry:          reg,
		tokens:            tokens,
		heartbeatInterval: interval,
		alertSink:         alertSink,
		statusSink:        statusSink,
		logger:            logging.OrNop(cfg.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
}

// Run starts the background liveness sweep. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweepLiveness(ctx)
		}
	}
}

// Stop halts the liveness sweep and closes every live session.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		s.close()
	}
	h.sessions = make(map[string]*session)
}

func (h *Hub) sweepLiveness(ctx context.Context) {
	deadline := 2 * h.heartbeatInterval
	now := time.Now().UTC()

	h.mu.Lock()
	var stale []*session
	for id, s := range h.sessions {
		if s.heartbeatAge(now) >= deadline {
			stale = append(stale, s)
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()

	for _, s := range stale {
		h.logger.Warn("Hub: agent %s exceeded heartbeat deadline, marking offline", s.agentID)
		if err := h.registry.MarkOffline(ctx, s.agentID); err != nil {
			h.logger.Error("Hub: mark offline for %s: %v", s.agentID, err)
		}
		s.close()
	}
}

// ServeWS upgrades the HTTP request to a websocket control-channel session
// and runs its read pump until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Hub: upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	admission, err := h.awaitAdmission(r.Context(), conn, peerCredential(r))
	if err != nil {
		h.logger.Warn("Hub: admission failed from %s: %v", r.RemoteAddr, err)
		_ = conn.WriteJSON(map[string]string{"type": "error", "reason": err.Error()})
		_ = conn.Close()
		return
	}

	sess := &session{
		agentID:       admission.agentID,
		remoteAddr:    r.RemoteAddr,
		conn:          conn,
		connectedAt:   time.Now().UTC(),
		lastHeartbeat: time.Now().UTC(),
	}

	h.mu.Lock()
	if prior, ok := h.sessions[admission.agentID]; ok {
		// A new accepted session preempts any prior session for the same id.
		prior.close()
	}
	h.sessions[admission.agentID] = sess
	h.mu.Unlock()

	if err := h.registry.MarkHeartbeat(r.Context(), admission.agentID, r.RemoteAddr); err != nil {
		h.logger.Error("Hub: mark heartbeat on admit for %s: %v", admission.agentID, err)
	}

	if err := sess.writeJSON(protocol.NewRegistrationAck(admission.agentID)); err != nil {
		h.logger.Warn("Hub: failed to send registration ack to %s: %v", admission.agentID, err)
	}

	h.readPump(sess)
}

type admissionResult struct {
	agentID string
}

// peerCredential extracts the channel-level credential the hub matches
// against an agent's stored public key on reconnection. Over mutual TLS
// this is the client certificate's public key; a plain (dev-mode, non-TLS)
// listener has no such credential, in which case reconnection falls back to
// id-only trust — documented as an open question resolution in DESIGN.md.
func peerCredential(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	cert := r.TLS.PeerCertificates[0]
	return fmt.Sprintf("%x", cert.RawSubjectPublicKeyInfo)
}

// awaitAdmission reads exactly one message: either a `registration` (fresh
// agent redeeming a token) or a `reconnection` (known agent id, matching
// public key). Anything else, or a failed token/key check, rejects the
// session before it is added to h.sessions.
func (h *Hub) awaitAdmission(ctx context.Context, conn *websocket.Conn, credential string) (admissionResult, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return admissionResult{}, fmt.Errorf("read admission message: %w", err)
	}

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		return admissionResult{}, err
	}

	switch env.Type {
	case protocol.TypeRegistration:
		var reg protocol.Registration
		if err := json.Unmarshal(env.Raw, &reg); err != nil {
			return admissionResult{}, fmt.Errorf("parse registration: %w", err)
		}
		return h.admitRegistration(ctx, reg)

	case protocol.TypeReconnection:
		var rec protocol.Reconnection
		if err := json.Unmarshal(env.Raw, &rec); err != nil {
			return admissionResult{}, fmt.Errorf("parse reconnection: %w", err)
		}
		return h.admitReconnection(ctx, rec, credential)

	default:
		return admissionResult{}, fmt.Errorf("unexpected message type %q during admission", env.Type)
	}
}

func (h *Hub) admitRegistration(ctx context.Context, reg protocol.Registration) (admissionResult, error) {
	agentID := newAgentID()
	tok, err := h.tokens.Redeem(ctx, reg.Token, agentID)
	if err != nil {
		return admissionResult{}, fmt.Errorf("redeem token: %w", err)
	}

	agent := registry.Agent{
		ID:            agentID,
		PublicKey:     reg.PublicKey,
		Hostname:      reg.Hostname,
		Platform:      reg.Platform,
		Status:        registry.StatusPending,
		PinnedAPIAddr: tok.PinnedAPIAddr,
	}
	if err := h.registry.Save(ctx, agent); err != nil {
		return admissionResult{}, fmt.Errorf("save agent record: %w", err)
	}
	return admissionResult{agentID: agentID}, nil
}

func (h *Hub) admitReconnection(ctx context.Context, rec protocol.Reconnection, credential string) (admissionResult, error) {
	agent, err := h.registry.Get(ctx, rec.AgentID)
	if err != nil {
		return admissionResult{}, fmt.Errorf("lookup agent %s: %w", rec.AgentID, err)
	}
	if credential != "" && agent.PublicKey != "" && credential != agent.PublicKey {
		return admissionResult{}, registry.ErrKeyMismatch
	}
	return admissionResult{agentID: rec.AgentID}, nil
}

// readPump consumes every subsequent message on an admitted session until
// the connection fails or is preempted.
func (h *Hub) readPump(sess *session) {
	defer func() {
		h.mu.Lock()
		if current, ok := h.sessions[sess.agentID]; ok && current == sess {
			delete(h.sessions, sess.agentID)
		}
		h.mu.Unlock()
		sess.close()
	}()

	ctx := context.Background()
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			h.logger.Info("Hub: session for %s ended: %v", sess.agentID, err)
			return
		}
		sess.touchHeartbeat()

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			h.logger.Warn("Hub: malformed message from %s: %v", sess.agentID, err)
			return
		}

		switch env.Type {
		case protocol.TypeHeartbeat:
			if err := h.registry.MarkHeartbeat(ctx, sess.agentID, sess.remoteAddr); err != nil {
				h.logger.Error("Hub: mark heartbeat for %s: %v", sess.agentID, err)
			}

		case protocol.TypeStatus:
			var st protocol.Status
			if err := json.Unmarshal(env.Raw, &st); err != nil {
				h.logger.Warn("Hub: malformed status from %s: %v", sess.agentID, err)
				continue
			}
			if err := h.statusSink.Observe(ctx, sess.agentID, st); err != nil {
				h.logger.Error("Hub: status sink for %s: %v", sess.agentID, err)
			}

		case protocol.TypeAlert:
			var al protocol.Alert
			if err := json.Unmarshal(env.Raw, &al); err != nil {
				h.logger.Warn("Hub: malformed alert from %s: %v", sess.agentID, err)
				continue
			}
			if err := h.alertSink.Notify(ctx, sess.agentID, al); err != nil {
				h.logger.Error("Hub: alert sink for %s: %v", sess.agentID, err)
			}

		default:
			h.logger.Warn("Hub: unexpected message type %q from %s", env.Type, sess.agentID)
		}
	}
}

// SendCommand delivers a command to a connected agent. Delivery is
// at-most-once and synchronous: if the agent is not currently connected,
// this returns an error immediately rather than buffering.
func (h *Hub) SendCommand(_ context.Context, agentID string, cmd protocol.Command) error {
	h.mu.RLock()
	sess, ok := h.sessions[agentID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("hub: agent %s is not connected", agentID)
	}

	if cmd.Type == "" {
		cmd.Type = protocol.TypeCommand
	}
	if err := sess.writeJSON(cmd); err != nil {
		return fmt.Errorf("hub: send command to %s: %w", agentID, err)
	}
	return nil
}

// Sessions returns a snapshot of every currently connected session.
func (h *Hub) Sessions() []protocol.SessionSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]protocol.SessionSnapshot, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// IsConnected reports whether agentID currently has a live session.
func (h *Hub) IsConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[agentID]
	return ok
}

// Package protocol defines the wire messages exchanged over the
// controller↔agent control channel. Every message is a single JSON object
// carrying a "type" discriminator; gorilla/websocket already frames each
// message as one text frame, so no additional delimiter is needed.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates the envelope's payload.
type MessageType string

// Agent -> Controller message types.
const (
	TypeRegistration MessageType = "registration"
	TypeReconnection MessageType = "reconnection"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeStatus       MessageType = "status"
	TypeAlert        MessageType = "alert"
)

// Controller -> Agent message types.
const (
	TypeCommand         MessageType = "command"
	TypeRegistrationAck MessageType = "registration-ack"
)

// CommandTag enumerates the controller-issued command verbs.
type CommandTag string

const (
	CommandReloadConfig      CommandTag = "reload-config"
	CommandReloadFileWatcher CommandTag = "reload-filewatcher"
	CommandGitPull           CommandTag = "git-pull"
	CommandRemoveWorkflow    CommandTag = "remove-workflow"
	CommandSetLogLevel       CommandTag = "set-log-level"
)

// AlertLevel enumerates the severities an agent can report.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertError    AlertLevel = "error"
	AlertCritical AlertLevel = "critical"
)

func (l AlertLevel) Valid() bool {
	switch l {
	case AlertInfo, AlertWarning, AlertError, AlertCritical:
		return true
	default:
		return false
	}
}

// Envelope is the outer shape every control-channel message conforms to.
// Concrete payload fields live alongside Type in the same JSON object —
// Envelope.Raw holds the full document so a handler can re-unmarshal into
// the concrete type once Type has been read.
type Envelope struct {
	Type MessageType     `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// ParseEnvelope reads just the discriminator from a raw frame, retaining the
// full document for a second-pass unmarshal into the concrete payload.
func ParseEnvelope(data []byte) (Envelope, error) {
	var peek struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return Envelope{}, fmt.Errorf("protocol: parse envelope: %w", err)
	}
	if peek.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: message missing \"type\" field")
	}
	return Envelope{Type: peek.Type, Raw: data}, nil
}

// Registration is sent by an agent on first contact. The controller admits
// it only by redeeming Token (single-use, possibly expiring); an agent that
// already has an assigned id sends a Reconnection instead.
type Registration struct {
	Type      MessageType `json:"type"`
	Token     string      `json:"token,omitempty"`
	PublicKey string      `json:"publicKey"`
	Hostname  string      `json:"hostname"`
	Platform  string      `json:"platform"`
}

func NewRegistration(token, publicKey, hostname, platform string) Registration {
	return Registration{Type: TypeRegistration, Token: token, PublicKey: publicKey, Hostname: hostname, Platform: platform}
}

// Reconnection is sent by an agent that already holds an assigned id.
type Reconnection struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agentId"`
}

func NewReconnection(agentID string) Reconnection {
	return Reconnection{Type: TypeReconnection, AgentID: agentID}
}

// Heartbeat carries no required payload beyond an optional monotonic
// sequence number, used only for diagnostics — the hub's liveness decision
// is based purely on message receipt, not on sequence continuity.
type Heartbeat struct {
	Type     MessageType `json:"type"`
	Sequence *uint64     `json:"sequence,omitempty"`
}

func NewHeartbeat(sequence uint64) Heartbeat {
	return Heartbeat{Type: TypeHeartbeat, Sequence: &sequence}
}

// Status carries an arbitrary key/value bag (e.g. disk space, running
// workflow count) the agent chooses to report.
type Status struct {
	Type MessageType    `json:"type"`
	Data map[string]any `json:"data"`
}

func NewStatus(data map[string]any) Status {
	return Status{Type: TypeStatus, Data: data}
}

// Alert is raised by the agent for operator-visible events: a failed
// workflow, a config-sync divergence, a watcher misconfiguration.
type Alert struct {
	Type    MessageType `json:"type"`
	Level   AlertLevel  `json:"level"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

func NewAlert(level AlertLevel, message string, details any) Alert {
	return Alert{Type: TypeAlert, Level: level, Message: message, Details: details}
}

// Command is issued by the controller to one connected agent. Args is a
// permissive bag whose shape depends on Command (e.g. {"id": "..."} for
// remove-workflow, {"level": "debug"} for set-log-level).
type Command struct {
	Type    MessageType    `json:"type"`
	Command CommandTag     `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

func NewCommand(tag CommandTag, args map[string]any) Command {
	return Command{Type: TypeCommand, Command: tag, Args: args}
}

// ArgString fetches a string argument by key, returning "" if absent or of
// the wrong type — callers that require the argument should treat "" as
// invalid input rather than panicking on a type assertion.
func (c Command) ArgString(key string) string {
	if c.Args == nil {
		return ""
	}
	v, ok := c.Args[key].(string)
	if !ok {
		return ""
	}
	return v
}

// RegistrationAck is returned by the controller once a `registration` or
// `reconnection` message has been admitted, carrying the agent id the
// agent must persist locally (never written back to Git).
type RegistrationAck struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agentId"`
}

func NewRegistrationAck(agentID string) RegistrationAck {
	return RegistrationAck{Type: TypeRegistrationAck, AgentID: agentID}
}

// SessionSnapshot is the in-memory view of one agent's live control-channel
// session, used by the hub's registry and surfaced over the controller's
// admin surfaces.
type SessionSnapshot struct {
	AgentID       string    `json:"agentId"`
	RemoteAddr    string    `json:"remoteAddr"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

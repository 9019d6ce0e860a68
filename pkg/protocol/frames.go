// Package protocol defines the versioned JSON frame vocabulary spoken over
// the gateway WebSocket: the hello handshake, RPC request/response pairs,
// and server-pushed event frames with per-connection sequence numbers.
package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the current protocol spoken by this gateway build.
// Clients negotiate [MinProtocol, MaxProtocol] in the hello frame; the server
// picks the highest version both sides support or rejects the handshake.
const ProtocolVersion = 3

// MinSupportedProtocol is the oldest protocol version this server still accepts.
const MinSupportedProtocol = 1

// Client modes announced in the hello frame.
const (
	ModeWebchat = "webchat"
	ModeTUI     = "tui"
	ModeCLI     = "cli"
	ModeNode    = "node"
)

// Hello is the first frame a client sends after the WebSocket opens.
type Hello struct {
	Type          string     `json:"type"` // always "hello"
	ClientName    string     `json:"clientName"`
	ClientVersion string     `json:"clientVersion,omitempty"`
	Platform      string     `json:"platform,omitempty"`
	Mode          string     `json:"mode,omitempty"` // webchat | tui | cli | node
	InstanceID    string     `json:"instanceId,omitempty"`
	MinProtocol   int        `json:"minProtocol"`
	MaxProtocol   int        `json:"maxProtocol"`
	Auth          *HelloAuth `json:"auth,omitempty"`
	// LastSeq resumes event delivery after a reconnect. 0 means a fresh
	// subscription; a positive value asks the server to replay buffered
	// frames after that sequence, or emit a gap event if they are gone.
	LastSeq uint64 `json:"lastSeq,omitempty"`
}

// HelloAuth carries client credentials for token or password auth modes.
type HelloAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// HelloOk is the server's successful handshake reply.
type HelloOk struct {
	Type     string        `json:"type"` // always "helloOk"
	Protocol int           `json:"protocol"`
	Snapshot HelloSnapshot `json:"snapshot"`
}

// HelloSnapshot gives a freshly connected client enough state to render
// without issuing a burst of RPCs: who else is connected and whether the
// gateway considers itself healthy.
type HelloSnapshot struct {
	Presence []PresenceEntry `json:"presence"`
	Health   HealthPayload   `json:"health"`
}

// PresenceEntry describes one connected client.
type PresenceEntry struct {
	ClientName string    `json:"clientName"`
	Mode       string    `json:"mode,omitempty"`
	InstanceID string    `json:"instanceId,omitempty"`
	Since      time.Time `json:"since"`
}

// HealthPayload is the payload of the health event and the health RPC result.
type HealthPayload struct {
	Status   string         `json:"status"` // "ok" | "degraded"
	Protocol int            `json:"protocol"`
	Uptime   string         `json:"uptime,omitempty"`
	Channels map[string]any `json:"channels,omitempty"`
}

// Request is a client→server RPC call.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	// ExpectFinal makes the RPC block until the operation's terminal event
	// (e.g. chat.send waits for the run's final/aborted/error state) instead
	// of returning on acknowledgement.
	ExpectFinal bool `json:"expectFinal,omitempty"`
}

// Response answers one Request, carrying either a result or an error.
type Response struct {
	ID     string    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// RPCError is a structured RPC failure. Code is one of the ErrorKind values;
// Field names the offending parameter for invalid-input errors.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *RPCError) Error() string { return e.Code + ": " + e.Message }

// EventFrame is a server-pushed event. Seq is strictly increasing per
// connection; a client that observes a jump can request a resume or refresh.
type EventFrame struct {
	Seq     uint64 `json:"seq"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	TS      int64  `json:"ts"` // unix milliseconds
}

// NewEvent builds an event frame with no Seq. Frames the gateway sends take
// their Seq from its shared event log, a global stream position; a client
// whose queue overflows gets a gap event for the frames it lost.
func NewEvent(event string, payload any) *EventFrame {
	return &EventFrame{Event: event, Payload: payload, TS: time.Now().UnixMilli()}
}

// GapPayload tells a resuming client the server discarded frames it missed:
// it expected to resume at Expected but the oldest retained frame is Received.
// The client should refresh its state via RPCs instead of relying on replay.
type GapPayload struct {
	Expected uint64 `json:"expected"`
	Received uint64 `json:"received"`
}

// ChatState values carried in chat event payloads. A run moves through
// pending → streaming → awaiting-final and settles in exactly one of the
// terminal states.
const (
	ChatStatePending       = "pending"
	ChatStateStreaming     = "streaming"
	ChatStateAwaitingFinal = "awaiting-final"
	ChatStateAborted       = "aborted"
	ChatStateFinal         = "final"
	ChatStateError         = "error"
)

// ChatPayload is the payload of chat events: per-run deltas and terminal state.
type ChatPayload struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	State      string `json:"state"`
	Delta      string `json:"delta,omitempty"`   // streaming text fragment
	Content    string `json:"content,omitempty"` // full content, set on final
	Error      string `json:"error,omitempty"`   // set on state=error
}

// IsTerminalChatState reports whether state ends a run.
func IsTerminalChatState(state string) bool {
	return state == ChatStateAborted || state == ChatStateFinal || state == ChatStateError
}

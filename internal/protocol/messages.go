package protocol

import "encoding/json"

// JOIN (client -> server)
type JoinMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Room            string          `json:"room"` // "roomType" or "roomType:instanceId"
	ParticipantID   string          `json:"participant_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Room            string `json:"room"` // canonical "roomType:instanceId"
	ParticipantID   string `json:"participant_id"`
	SessionID       string `json:"session_id"`
	Rejoin          bool   `json:"rejoin,omitempty"`
	SyncIntervalMS  int    `json:"sync_interval_ms"`
	TickIntervalMS  int    `json:"tick_interval_ms"`
}

// DENIED (server -> client): admission refused, or the join itself failed.
type DeniedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Reason          string `json:"reason,omitempty"`
}

// ACTION (client -> server): request/response unit of work. ID is chosen
// by the client and echoed back in the matching RESULT.
type ActionMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Value           any    `json:"value,omitempty"`
}

// EVENT: fire-and-forget in both directions. Client frames carry
// application events into the room (no RESULT; a failed event is
// dropped). Server frames deliver queued room events at sync-flush
// time, after the flush's SYNC frames.
type EventMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Name            string          `json:"name"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// EventEnvelope is a queued server-originated event before transport
// encoding: the payload is still a live value.
type EventEnvelope struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// SYNC (server -> client): one scope of one round for one receiver.
// Mode is ModeFirstSync or ModeDiff, Scope selects the key table the
// receiver decodes against.
type SyncMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Round           uint64  `json:"round"`
	Scope           string  `json:"scope"`
	Mode            string  `json:"mode"`
	Patches         []Patch `json:"patches"`
}

// ERROR (server -> client): protocol-level failure outside any ACTION,
// e.g. an unparseable frame or an unknown message type.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

// WATCH (client -> server): first message on a spectator connection.
// Re-sending it on an established connection is a keepalive; the
// contents are ignored then. Watching an absent room is refused, it
// never creates one.
type WatchMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Room            string `json:"room"` // "roomType:instanceId"
}

// WATCHING (server -> client): the spectator handshake accepted. After
// this frame the connection only receives broadcast-scope SYNC frames.
type WatchingMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Room            string `json:"room"`
	WatcherID       string `json:"watcher_id"`
	SyncIntervalMS  int    `json:"sync_interval_ms"`
}

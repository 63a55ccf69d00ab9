package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeJoin     = "JOIN"
	TypeWelcome  = "WELCOME"
	TypeDenied   = "DENIED"
	TypeAction   = "ACTION"
	TypeResult   = "RESULT"
	TypeEvent    = "EVENT"
	TypeSync     = "SYNC"
	TypeError    = "ERROR"
	TypeWatch    = "WATCH"
	TypeWatching = "WATCHING"
)

// Sync round modes. A round with nothing to send produces no SYNC
// message at all, so there is no wire constant for it.
const (
	ModeFirstSync = "first_sync"
	ModeDiff      = "diff"
)

// Sync scopes. Each scope carries its own dynamic key table on the
// receiving side: broadcast-scope tokens never resolve against the
// self-scope table or vice versa.
const (
	ScopeBroadcast = "broadcast"
	ScopeSelf      = "self"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

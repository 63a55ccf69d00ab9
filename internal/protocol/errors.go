package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Room routing/lifecycle.
	ErrRoomNotFound = "E_ROOM_NOT_FOUND"
	ErrRoomBusy     = "E_ROOM_BUSY"
	ErrRoomClosed   = "E_ROOM_CLOSED"

	// Admission (denials are control flow, not faults).
	ErrDenied   = "E_DENIED"
	ErrCapacity = "E_CAPACITY"

	// Operation layer.
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrUnknownAction  = "E_UNKNOWN_ACTION"
	ErrResolverFailed = "E_RESOLVER_FAILED"
	ErrHandlerFault   = "E_HANDLER_FAULT"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrRoomNotFound:    {},
	ErrRoomBusy:        {},
	ErrRoomClosed:      {},
	ErrDenied:          {},
	ErrCapacity:        {},
	ErrBadRequest:      {},
	ErrUnknownAction:   {},
	ErrResolverFailed:  {},
	ErrHandlerFault:    {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

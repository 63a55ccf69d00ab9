// Package observer serves read-only spectators over WebSocket. A
// watcher sends WATCH, gets WATCHING back, and from then on receives
// the room's broadcast-scope SYNC stream, pushed by the same per-room
// pump that serves the participants. Loopback only: this is an
// operator's window into a live room, not a public surface.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"parlor.gg/internal/protocol"
	"parlor.gg/internal/registry"
	"parlor.gg/internal/room"
	"parlor.gg/internal/transport/ws"
)

const (
	handshakeTimeout = 5 * time.Second
	keepaliveTimeout = 60 * time.Second
	writeTimeout     = 5 * time.Second
)

type Server struct {
	reg *registry.Registry
	ws  *ws.Server
	log *log.Logger

	upgrader websocket.Upgrader
}

// NewServer wires the watch endpoint to the registry and to the
// participant WS server, whose pumps carry the watcher feeds.
func NewServer(reg *registry.Registry, wsSrv *ws.Server, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		reg: reg,
		ws:  wsSrv,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		rm, watcherID := s.handshake(conn)
		if rm == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		feed := s.ws.AttachWatcher(rm, watcherID)
		defer rm.Unwatch(watcherID)
		defer feed.Detach()
		// The engine may render rounds between Watch and the feed
		// attach; restart this watcher from a clean firstSync.
		rm.MarkResync(watcherID)

		// Close watchdog: unblocks the reader when the room drains.
		go func() {
			select {
			case <-feed.Closed():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"),
					time.Now().Add(time.Second))
				_ = conn.Close()
			case <-ctx.Done():
			}
		}()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-feed.Frames():
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Watchers send nothing after the handshake except keepalives.
		// Any frame refreshes the deadline; contents are ignored.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(keepaliveTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

// handshake runs the WATCH exchange: parse, resolve the room, register
// the watcher and confirm with WATCHING. Refusals answer DENIED with
// the blocking code, mirroring the join handshake.
func (s *Server) handshake(conn *websocket.Conn) (*room.Room, string) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeWatch {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected WATCH"),
			time.Now().Add(time.Second))
		return nil, ""
	}

	var watch protocol.WatchMsg
	if err := json.Unmarshal(msg, &watch); err != nil {
		s.deny(conn, protocol.ErrProtoBadRequest, "malformed WATCH")
		return nil, ""
	}
	if watch.ProtocolVersion != protocol.Version {
		s.deny(conn, protocol.ErrProtoBadRequest, "unsupported protocol_version")
		return nil, ""
	}
	roomType, instanceID := splitRoom(watch.Room)
	if roomType == "" || instanceID == "" {
		s.deny(conn, protocol.ErrProtoBadRequest, "room must be roomType:instanceId")
		return nil, ""
	}

	// Watching never creates a room; an absent instance is a refusal.
	rm, ok := s.reg.Room(roomType, instanceID)
	if !ok {
		s.deny(conn, protocol.ErrRoomNotFound, "no such room")
		return nil, ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	id, err := rm.Watch(ctx)
	if err != nil {
		code, reason := watchErrorCode(err)
		s.deny(conn, code, reason)
		return nil, ""
	}

	watching := protocol.WatchingMsg{
		Type:            protocol.TypeWatching,
		ProtocolVersion: protocol.Version,
		Room:            rm.ID().String(),
		WatcherID:       id,
		SyncIntervalMS:  int(rm.Config().SyncInterval / time.Millisecond),
	}
	if err := writeJSON(conn, watching); err != nil {
		rm.Unwatch(id)
		return nil, ""
	}
	return rm, id
}

func (s *Server) deny(conn *websocket.Conn, code, reason string) {
	_ = writeJSON(conn, protocol.DeniedMsg{
		Type:            protocol.TypeDenied,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Reason:          reason,
	})
}

func watchErrorCode(err error) (code, reason string) {
	switch {
	case errors.Is(err, room.ErrWatchersFull):
		return protocol.ErrCapacity, "watcher limit reached"
	case errors.Is(err, room.ErrClosed):
		return protocol.ErrRoomClosed, "room closed"
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrRoomBusy, "watch timed out"
	default:
		return protocol.ErrInternal, err.Error()
	}
}

// splitRoom parses "roomType:instanceId". Watchers must name a full
// instance; there is nothing to allocate for them.
func splitRoom(s string) (roomType, instanceID string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Package ws serves participant sessions over WebSocket. A connection
// speaks the JSON protocol: JOIN, then WELCOME or DENIED, then ACTION
// and EVENT frames inbound against SYNC, RESULT, EVENT and ERROR
// frames outbound. Sync rounds are pushed by a per-room pump shared by
// every session of that room.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parlor.gg/internal/protocol"
	"parlor.gg/internal/registry"
	"parlor.gg/internal/resolver"
	"parlor.gg/internal/room"
)

const (
	joinTimeout  = 10 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second

	// Outbound frames buffered per session before the pump declares
	// the connection stalled and forces a resync.
	outQueueCap = 64
)

type Server struct {
	reg *registry.Registry
	log *log.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	pumps map[*room.Room]*pump
}

func NewServer(reg *registry.Registry, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		reg: reg,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		pumps: map[*room.Room]*pump{},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		rm, sess := s.handshake(conn)
		if sess == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p := s.pumpFor(rm)
		if old := p.register(sess); old != nil {
			old.close()
		}
		defer p.unregister(sess)
		// The engine may have rendered rounds between room registration
		// and pump registration; restart this receiver from a clean
		// firstSync so nothing is missing client-side.
		rm.MarkResync(sess.participantID)

		// Close watchdog: unblocks the reader when the room drains or
		// a newer session takes the participant over.
		go func() {
			select {
			case <-sess.closing:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
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
				case b, ok := <-sess.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		s.readLoop(ctx, conn, rm, sess)
		cancel()

		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), writeTimeout)
		_ = rm.Leave(leaveCtx, sess.participantID, sess.sessionID)
		leaveCancel()
	}
}

// handshake runs the JOIN exchange. On success the WELCOME frame is
// already written and the returned session is ready to register.
func (s *Server) handshake(conn *websocket.Conn) (*room.Room, *session) {
	_ = conn.SetReadDeadline(time.Now().Add(writeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeJoin {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected JOIN"),
			time.Now().Add(time.Second))
		return nil, nil
	}

	var join protocol.JoinMsg
	if err := json.Unmarshal(msg, &join); err != nil {
		s.deny(conn, protocol.ErrProtoBadRequest, "malformed JOIN")
		return nil, nil
	}
	if join.ProtocolVersion != protocol.Version {
		s.deny(conn, protocol.ErrProtoBadRequest, "unsupported protocol_version")
		return nil, nil
	}
	if strings.TrimSpace(join.ParticipantID) == "" {
		s.deny(conn, protocol.ErrProtoBadRequest, "missing participant_id")
		return nil, nil
	}
	roomType, instanceID := splitRoom(join.Room)
	if roomType == "" {
		s.deny(conn, protocol.ErrProtoBadRequest, "missing room")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()
	rm, res, err := s.reg.JoinRoom(ctx, roomType, instanceID, room.JoinRequest{
		ParticipantID: join.ParticipantID,
		Payload:       join.Payload,
	})
	if err != nil {
		code, reason := joinErrorCode(err)
		s.deny(conn, code, reason)
		return nil, nil
	}
	if res.Denial != nil {
		s.deny(conn, res.Denial.Code, res.Denial.Reason)
		return nil, nil
	}

	cfg := rm.Config()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		Room:            rm.ID().String(),
		ParticipantID:   join.ParticipantID,
		SessionID:       res.SessionID,
		Rejoin:          res.Rejoin,
		SyncIntervalMS:  int(cfg.SyncInterval / time.Millisecond),
		TickIntervalMS:  int(cfg.TickInterval / time.Millisecond),
	}
	if err := writeJSON(conn, welcome); err != nil {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), writeTimeout)
		_ = rm.Leave(leaveCtx, join.ParticipantID, res.SessionID)
		leaveCancel()
		return nil, nil
	}

	return rm, &session{
		participantID: join.ParticipantID,
		sessionID:     res.SessionID,
		out:           make(chan []byte, outQueueCap),
		closing:       make(chan struct{}),
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, rm *room.Room, sess *session) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			sess.sendError(protocol.ErrProtoBadRequest, "malformed frame")
			continue
		}
		if base.ProtocolVersion != protocol.Version {
			sess.sendError(protocol.ErrProtoBadRequest, "unsupported protocol_version")
			continue
		}
		switch base.Type {
		case protocol.TypeAction:
			var act protocol.ActionMsg
			if err := json.Unmarshal(msg, &act); err != nil || act.Name == "" {
				sess.sendError(protocol.ErrProtoBadRequest, "malformed ACTION")
				continue
			}
			v, err := rm.HandleAction(ctx, room.ActionRequest{
				ParticipantID: sess.participantID,
				ID:            act.ID,
				Name:          act.Name,
				Payload:       act.Payload,
			})
			sess.sendResult(act.ID, v, err)
			if errors.Is(err, room.ErrClosed) {
				return
			}
		case protocol.TypeEvent:
			var ev protocol.EventMsg
			if err := json.Unmarshal(msg, &ev); err != nil || ev.Name == "" {
				sess.sendError(protocol.ErrProtoBadRequest, "malformed EVENT")
				continue
			}
			if err := rm.HandleEvent(ctx, room.EventRequest{
				ParticipantID: sess.participantID,
				Name:          ev.Name,
				Payload:       ev.Payload,
			}); errors.Is(err, room.ErrClosed) {
				return
			}
		default:
			sess.sendError(protocol.ErrProtoBadRequest, "unknown type "+base.Type)
		}
	}
}

func (s *Server) deny(conn *websocket.Conn, code, reason string) {
	_ = writeJSON(conn, protocol.DeniedMsg{
		Type:            protocol.TypeDenied,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Reason:          reason,
	})
}

// pumpFor returns the room's sync pump, starting one on first use. The
// pump removes itself when the room's loop exits.
func (s *Server) pumpFor(rm *room.Room) *pump {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pumps[rm]; ok {
		return p
	}
	var p *pump
	p = newPump(rm, s.log, func() {
		s.mu.Lock()
		if s.pumps[rm] == p {
			delete(s.pumps, rm)
		}
		s.mu.Unlock()
	})
	s.pumps[rm] = p
	go p.run()
	return p
}

func joinErrorCode(err error) (code, reason string) {
	var rerr *resolver.Error
	switch {
	case errors.Is(err, registry.ErrUnknownType):
		return protocol.ErrRoomNotFound, err.Error()
	case errors.Is(err, registry.ErrShuttingDown), errors.Is(err, room.ErrClosed):
		return protocol.ErrRoomClosed, err.Error()
	case errors.As(err, &rerr):
		return protocol.ErrResolverFailed, rerr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrRoomBusy, "join timed out"
	default:
		return protocol.ErrInternal, err.Error()
	}
}

// splitRoom parses "roomType" or "roomType:instanceId".
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

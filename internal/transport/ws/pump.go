package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"parlor.gg/internal/protocol"
	"parlor.gg/internal/resolver"
	"parlor.gg/internal/room"
	syncpkg "parlor.gg/internal/sync"
)

// session is one live connection's outbound side. The reader owns the
// connection; the pump and the room's event flush only ever touch the
// out queue.
type session struct {
	participantID string
	sessionID     string

	out chan []byte

	closeOnce sync.Once
	closing   chan struct{}
}

func (c *session) close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

// trySend enqueues frames without blocking. A full queue fails the
// whole batch; the caller decides whether to resync.
func (c *session) trySend(frames [][]byte) bool {
	for _, b := range frames {
		select {
		case c.out <- b:
		default:
			return false
		}
	}
	return true
}

func (c *session) sendResult(id string, v any, err error) {
	res := protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		ID:              id,
		OK:              err == nil,
		Value:           v,
	}
	if err != nil {
		res.Code, res.Message = actionErrorCode(err)
		res.Value = nil
	}
	c.trySendJSON(res)
}

func (c *session) sendError(code, message string) {
	c.trySendJSON(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
}

func (c *session) trySendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	default:
	}
}

// pump pushes one room's sync rounds to its sessions. One pump exists
// per live room with at least one connection; it exits with the room.
type pump struct {
	rm     *room.Room
	log    *log.Logger
	remove func()

	mu       sync.Mutex
	sessions map[string]*session
}

func newPump(rm *room.Room, logger *log.Logger, remove func()) *pump {
	return &pump{
		rm:       rm,
		log:      logger,
		remove:   remove,
		sessions: map[string]*session{},
	}
}

// register binds a session as its participant's live connection and
// returns the one it displaced, if any.
func (p *pump) register(sess *session) (old *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old = p.sessions[sess.participantID]
	p.sessions[sess.participantID] = sess
	return old
}

// unregister removes the session unless a newer one already took the
// participant over.
func (p *pump) unregister(sess *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[sess.participantID] == sess {
		delete(p.sessions, sess.participantID)
	}
}

func (p *pump) session(participantID string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[participantID]
}

func (p *pump) run() {
	defer p.remove()
	defer p.closeAll()

	ticker := time.NewTicker(p.rm.Config().SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.rm.Done():
			return
		case <-ticker.C:
			p.flush()
		}
	}
}

// flush runs one BeginSync/EndSync cycle and fans the delivery out. A
// session that cannot absorb its frames is marked for resync: the next
// round restarts it from a firstSync instead of leaving a gap in its
// diff stream.
func (p *pump) flush() {
	d, err := p.rm.BeginSync(context.Background())
	if err != nil || d == nil {
		return
	}
	for pid, send := range d.Sends {
		sess := p.session(pid)
		if sess == nil {
			// Receiver without a live connection; it resyncs itself
			// when it reconnects.
			continue
		}
		if !sess.trySend(encodeSend(d.Round, send)) {
			p.rm.MarkResync(pid)
		}
	}
	p.rm.EndSync()
}

func (p *pump) closeAll() {
	p.mu.Lock()
	sessions := make([]*session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		sessions = append(sessions, sess)
	}
	p.sessions = map[string]*session{}
	p.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

// encodeSend renders one receiver's share of a flush as wire frames:
// broadcast-scope SYNC, self-scope SYNC, then queued EVENT frames.
func encodeSend(round uint64, send room.Send) [][]byte {
	frames := make([][]byte, 0, 2+len(send.Events))
	if b := encodeSync(round, send.Broadcast); b != nil {
		frames = append(frames, b)
	}
	if b := encodeSync(round, send.Self); b != nil {
		frames = append(frames, b)
	}
	for _, ev := range send.Events {
		b, err := json.Marshal(protocol.EventMsg{
			Type:            protocol.TypeEvent,
			ProtocolVersion: protocol.Version,
			Name:            ev.Name,
			Payload:         marshalPayload(ev.Payload),
		})
		if err != nil {
			continue
		}
		frames = append(frames, b)
	}
	return frames
}

func encodeSync(round uint64, pl *syncpkg.Payload) []byte {
	if pl == nil {
		return nil
	}
	b, err := json.Marshal(protocol.SyncMsg{
		Type:            protocol.TypeSync,
		ProtocolVersion: protocol.Version,
		Round:           round,
		Scope:           pl.Scope,
		Mode:            pl.Mode,
		Patches:         pl.Patches,
	})
	if err != nil {
		return nil
	}
	return b
}

func marshalPayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func actionErrorCode(err error) (code, message string) {
	var fail *room.Fail
	var rerr *resolver.Error
	switch {
	case errors.As(err, &fail):
		return fail.Code, fail.Message
	case errors.Is(err, room.ErrNotMember):
		return protocol.ErrDenied, "not a member"
	case errors.Is(err, room.ErrUnknownAction):
		return protocol.ErrUnknownAction, err.Error()
	case errors.Is(err, room.ErrClosed):
		return protocol.ErrRoomClosed, "room closed"
	case errors.As(err, &rerr):
		return protocol.ErrResolverFailed, rerr.Error()
	default:
		return protocol.ErrHandlerFault, err.Error()
	}
}

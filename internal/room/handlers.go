package room

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"parlor.gg/internal/protocol"
	"parlor.gg/internal/resolver"
	syncpkg "parlor.gg/internal/sync"
)

// handleJoin runs the admission pipeline: capacity, admission callback,
// resolvers, eviction of a previous session, join hook, registration.
// A rejoin evicts the old session unconditionally once resolvers
// succeed: the new connection has authenticated as this participant, so
// the old session is dead whether or not the hook then accepts.
func (r *Room) handleJoin(ctx context.Context, req JoinRequest) (JoinResult, error) {
	if strings.HasPrefix(req.ParticipantID, watcherPrefix) {
		return JoinResult{Denial: &Denial{Code: protocol.ErrBadRequest, Reason: "reserved participant id"}}, nil
	}

	prev := r.members[req.ParticipantID]
	req.Rejoin = prev != nil

	if prev == nil && len(r.members) >= r.cfg.MaxParticipants {
		return JoinResult{Denial: &Denial{Code: protocol.ErrCapacity, Reason: "room full"}}, nil
	}
	if r.def.Admit != nil {
		if d := r.def.Admit(req); d != nil {
			if d.Code == "" {
				d.Code = protocol.ErrDenied
			}
			return JoinResult{Denial: d}, nil
		}
	}

	var res resolver.Results
	if r.def.JoinResolvers != nil {
		var err error
		res, err = r.exec.Run(ctx, r.def.JoinResolvers(req))
		if err != nil {
			return JoinResult{}, err
		}
	}

	if prev != nil {
		// No leave hook fires on eviction. The epoch bump invalidates
		// events queued for the evicted session.
		r.epochs[req.ParticipantID]++
		delete(r.members, req.ParticipantID)
		r.engine.Drop(req.ParticipantID)
		r.audit("evict", req.ParticipantID, "session "+prev.SessionID)
	}

	if r.def.OnJoin != nil {
		if err := r.def.OnJoin(r.hctx(), req, res); err != nil {
			return JoinResult{}, err
		}
	}

	sid := uuid.NewString()
	r.members[req.ParticipantID] = &member{SessionID: sid, JoinedAt: time.Now()}
	r.engine.Track(req.ParticipantID)
	r.audit("join", req.ParticipantID, "session "+sid)
	return JoinResult{SessionID: sid, Rejoin: req.Rejoin}, nil
}

// handleLeave is idempotent. A non-empty sessionID only takes effect
// when it still owns the membership; a close from an evicted session is
// a no-op.
func (r *Room) handleLeave(participantID, sessionID string) error {
	m := r.members[participantID]
	if m == nil {
		return nil
	}
	if sessionID != "" && m.SessionID != sessionID {
		return nil
	}
	if r.def.OnLeave != nil {
		r.def.OnLeave(r.hctx(), participantID)
	}
	delete(r.members, participantID)
	r.epochs[participantID]++
	r.engine.Drop(participantID)
	r.audit("leave", participantID, "")
	return nil
}

// handleWatch registers a spectator under a runtime-issued id. Watchers
// never touch membership: no capacity slot, no hooks, no epoch, and an
// empty watched room still drains.
func (r *Room) handleWatch() watchResp {
	if len(r.watchers) >= r.cfg.MaxWatchers {
		return watchResp{err: ErrWatchersFull}
	}
	id := watcherPrefix + uuid.NewString()
	r.watchers[id] = struct{}{}
	r.engine.TrackObserver(id)
	r.audit("watch", id, "")
	return watchResp{id: id}
}

func (r *Room) handleUnwatch(id string) {
	if _, ok := r.watchers[id]; !ok {
		return
	}
	delete(r.watchers, id)
	r.engine.Drop(id)
	r.audit("unwatch", id, "")
}

func (r *Room) handleAction(ctx context.Context, req ActionRequest) (any, error) {
	if _, ok := r.members[req.ParticipantID]; !ok {
		return nil, ErrNotMember
	}
	def, ok := r.def.Actions[req.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Name)
	}
	var res resolver.Results
	if def.Resolvers != nil {
		var err error
		res, err = r.exec.Run(ctx, def.Resolvers(req))
		if err != nil {
			return nil, err
		}
	}
	v, err := def.Handle(r.hctx(), req, res)
	if err != nil {
		r.audit("action", req.ParticipantID, req.Name+": "+err.Error())
	} else {
		r.audit("action", req.ParticipantID, req.Name)
	}
	return v, err
}

// handleEvent is the fire-and-forget path: every failure is logged and
// dropped, the sender never hears about it.
func (r *Room) handleEvent(ctx context.Context, req EventRequest) {
	if _, ok := r.members[req.ParticipantID]; !ok {
		r.log.Printf("room %s: event %s from non-member %s dropped", r.id, req.Name, req.ParticipantID)
		return
	}
	def, ok := r.def.Events[req.Name]
	if !ok {
		r.log.Printf("room %s: unknown event %s dropped", r.id, req.Name)
		return
	}
	var res resolver.Results
	if def.Resolvers != nil {
		var err error
		res, err = r.exec.Run(ctx, def.Resolvers(req))
		if err != nil {
			r.log.Printf("room %s: event %s: %v", r.id, req.Name, err)
			return
		}
	}
	if err := def.Handle(r.hctx(), req, res); err != nil {
		r.log.Printf("room %s: event %s: %v", r.id, req.Name, err)
	}
}

// enqueueEvent stamps the target's current epoch. Flush drops the entry
// if the target left, timed out, or was evicted in between. A full
// queue drops its oldest entry first.
func (r *Room) enqueueEvent(participantID, name string, payload any) {
	if len(r.queue) >= r.cfg.EventQueueCap {
		r.queue = r.queue[1:]
		r.eventsDropped++
		r.log.Printf("room %s: event queue full, dropped oldest", r.id)
	}
	r.queue = append(r.queue, queuedEvent{
		participantID: participantID,
		epoch:         r.epochs[participantID],
		name:          name,
		payload:       payload,
	})
}

// Send is what one receiver gets out of one flush: up to two sync
// payloads plus any queued events that survived the epoch check.
type Send struct {
	Broadcast *syncpkg.Payload
	Self      *syncpkg.Payload
	Events    []protocol.EventEnvelope
}

// Delivery is one flush across all receivers. Round is 0 when only
// events shipped.
type Delivery struct {
	Round uint64
	Sends map[string]Send
}

// handleSync computes one round and flushes the event queue. The round
// is considered delivered on handoff; a transport that then fails to
// send repairs through MarkResync.
func (r *Room) handleSync() *Delivery {
	start := time.Now()
	round := r.engine.Compute()
	flushed := r.flushQueue()
	if round == nil && len(flushed) == 0 {
		r.lastSyncDur = time.Since(start)
		return nil
	}

	d := &Delivery{Sends: make(map[string]Send)}
	patches := 0
	events := 0
	if round != nil {
		d.Round = round.Number
		r.rounds = round.Number
		patches = round.PatchCount()
		r.patches += uint64(patches)
		for id, rr := range round.Receivers {
			d.Sends[id] = Send{Broadcast: rr.Broadcast, Self: rr.Self}
		}
	}
	for id, evs := range flushed {
		s := d.Sends[id]
		s.Events = evs
		d.Sends[id] = s
		events += len(evs)
	}
	r.eventsFlushed += uint64(events)

	if r.roundLog != nil {
		if err := r.roundLog.WriteRound(RoundLogEntry{
			Room:      r.id.String(),
			Round:     d.Round,
			Tick:      r.tickNum.Load(),
			Receivers: len(d.Sends),
			Patches:   patches,
			Events:    events,
			UnixMS:    time.Now().UnixMilli(),
		}); err != nil {
			r.log.Printf("room %s: round log write: %v", r.id, err)
		}
	}
	r.lastSyncDur = time.Since(start)
	r.publishMetrics()
	return d
}

func (r *Room) flushQueue() map[string][]protocol.EventEnvelope {
	if len(r.queue) == 0 {
		return nil
	}
	var out map[string][]protocol.EventEnvelope
	for _, qe := range r.queue {
		if _, present := r.members[qe.participantID]; !present || r.epochs[qe.participantID] != qe.epoch {
			r.eventsDropped++
			continue
		}
		if out == nil {
			out = make(map[string][]protocol.EventEnvelope)
		}
		out[qe.participantID] = append(out[qe.participantID], protocol.EventEnvelope{Name: qe.name, Payload: qe.payload})
	}
	r.queue = r.queue[:0]
	return out
}

package room

import (
	"context"
	"time"
)

// Run drives the room until ctx is canceled, Shutdown is called, or the
// empty-grace timer fires. Every unit of work is handled here, one at a
// time; nothing else reads or writes the loop-owned state.
func (r *Room) Run(ctx context.Context) error {
	defer close(r.done)
	defer r.destroy()

	if r.def.OnInit != nil {
		if err := r.def.OnInit(r.hctx()); err != nil {
			r.log.Printf("room %s: init: %v", r.id, err)
			return err
		}
	}

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	var drain *time.Timer
	stopDrain := func() {
		if drain == nil {
			return
		}
		if !drain.Stop() {
			select {
			case <-drain.C:
			default:
			}
		}
		drain = nil
	}
	defer stopDrain()
	armDrain := func() {
		stopDrain()
		r.phase = phaseDraining
		drain = time.NewTimer(r.cfg.EmptyGrace)
	}

	// A room starts empty: its grace clock is already running.
	armDrain()
	r.publishMetrics()

	for {
		var drainCh <-chan time.Time
		if drain != nil {
			drainCh = drain.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case <-drainCh:
			stopDrain()
			r.log.Printf("room %s: empty for %s, destroying", r.id, r.cfg.EmptyGrace)
			return nil

		case q := <-r.joinCh:
			res, err := r.handleJoin(ctx, q.req)
			if err == nil && res.Denial == nil {
				stopDrain()
				r.phase = phaseRunning
			} else if len(r.members) == 0 && drain == nil {
				// A failed rejoin can evict the previous session and
				// leave the room empty.
				armDrain()
			}
			q.resp <- joinResp{result: res, err: err}
			r.publishMetrics()

		case q := <-r.leaveCh:
			q.resp <- r.handleLeave(q.participantID, q.sessionID)
			if len(r.members) == 0 && drain == nil {
				armDrain()
			}
			r.publishMetrics()

		case q := <-r.actionCh:
			v, err := r.handleAction(ctx, q.req)
			q.resp <- actionResp{value: v, err: err}

		case req := <-r.eventCh:
			r.handleEvent(ctx, req)

		case q := <-r.sendCh:
			r.enqueueEvent(q.participantID, q.name, q.payload)

		case q := <-r.syncCh:
			q.resp <- r.handleSync()

		case q := <-r.stateCh:
			q.resp <- r.tree.Current()

		case pid := <-r.resyncCh:
			r.engine.Resync(pid)

		case q := <-r.watchCh:
			q.resp <- r.handleWatch()
			r.publishMetrics()

		case id := <-r.unwatchCh:
			r.handleUnwatch(id)
			r.publishMetrics()

		case <-ticker.C:
			r.handleTick()
		}
	}
}

func (r *Room) destroy() {
	r.phase = phaseDestroyed
	if r.def.OnFinalize != nil {
		r.def.OnFinalize(r.hctx())
	}
	r.audit("destroy", "", "")
	r.publishMetrics()
	if r.onDestroy != nil {
		r.onDestroy(r.id)
	}
}

func (r *Room) handleTick() {
	start := time.Now()
	r.tickNum.Add(1)
	if r.def.OnTick != nil {
		r.def.OnTick(r.hctx())
	}
	r.lastTickDur = time.Since(start)
	r.publishMetrics()
}

package room

import "context"

type joinReq struct {
	req  JoinRequest
	resp chan joinResp
}

type joinResp struct {
	result JoinResult
	err    error
}

type leaveReq struct {
	participantID string
	sessionID     string
	resp          chan error
}

type actionReq struct {
	req  ActionRequest
	resp chan actionResp
}

type actionResp struct {
	value any
	err   error
}

type sendEventReq struct {
	participantID string
	name          string
	payload       any
}

type syncReq struct {
	resp chan *Delivery
}

type stateReq struct {
	resp chan map[string]any
}

type watchReq struct {
	resp chan watchResp
}

type watchResp struct {
	id  string
	err error
}

// Join runs one join attempt to completion. A denial comes back in the
// result, not the error.
func (r *Room) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	q := joinReq{req: req, resp: make(chan joinResp, 1)}
	select {
	case r.joinCh <- q:
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	case <-r.done:
		return JoinResult{}, ErrClosed
	}
	select {
	case resp := <-q.resp:
		return resp.result, resp.err
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	case <-r.done:
		select {
		case resp := <-q.resp:
			return resp.result, resp.err
		default:
		}
		return JoinResult{}, ErrClosed
	}
}

// Leave removes a membership. sessionID, when non-empty, must still own
// the membership: a close arriving after an eviction is a no-op.
func (r *Room) Leave(ctx context.Context, participantID, sessionID string) error {
	q := leaveReq{participantID: participantID, sessionID: sessionID, resp: make(chan error, 1)}
	select {
	case r.leaveCh <- q:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
	select {
	case err := <-q.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		select {
		case err := <-q.resp:
			return err
		default:
		}
		return ErrClosed
	}
}

// HandleAction runs one request/response unit of work and returns the
// handler's value. Resolver failures come back as *resolver.Error
// without the handler having run.
func (r *Room) HandleAction(ctx context.Context, req ActionRequest) (any, error) {
	q := actionReq{req: req, resp: make(chan actionResp, 1)}
	select {
	case r.actionCh <- q:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
	select {
	case resp := <-q.resp:
		return resp.value, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		select {
		case resp := <-q.resp:
			return resp.value, resp.err
		default:
		}
		return nil, ErrClosed
	}
}

// HandleEvent enqueues one fire-and-forget unit of work. The error only
// reports a failed enqueue; handler and resolver failures are dropped
// per transport policy.
func (r *Room) HandleEvent(ctx context.Context, req EventRequest) error {
	select {
	case r.eventCh <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// SendEvent enqueues a directed server-side event. It is epoch-stamped
// on the loop; delivery happens with the next sync flush.
func (r *Room) SendEvent(ctx context.Context, participantID, name string, payload any) error {
	select {
	case r.sendCh <- sendEventReq{participantID: participantID, name: name, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// BeginSync computes one sync flush. Single-flight: while a previous
// delivery is open it returns (nil, nil) immediately with no side
// effect. (nil, nil) with the gate free means nothing to send; the gate
// is already released then. A non-nil delivery must be followed by
// EndSync. Once the request is on the loop the call waits it out so a
// computed round is never dropped between engine and transport.
func (r *Room) BeginSync(ctx context.Context) (*Delivery, error) {
	if !r.syncBusy.CompareAndSwap(false, true) {
		return nil, nil
	}
	q := syncReq{resp: make(chan *Delivery, 1)}
	select {
	case r.syncCh <- q:
	case <-ctx.Done():
		r.syncBusy.Store(false)
		return nil, ctx.Err()
	case <-r.done:
		r.syncBusy.Store(false)
		return nil, ErrClosed
	}
	select {
	case d := <-q.resp:
		if d == nil {
			r.syncBusy.Store(false)
		}
		return d, nil
	case <-r.done:
		select {
		case d := <-q.resp:
			if d != nil {
				r.syncBusy.Store(false)
				return d, nil
			}
		default:
		}
		r.syncBusy.Store(false)
		return nil, ErrClosed
	}
}

// EndSync releases the single-flight gate after a non-nil delivery.
func (r *Room) EndSync() { r.syncBusy.Store(false) }

// MarkResync makes participantID's next round a fresh firstSync. The
// transport calls it after failing to hand a delivery to that session.
func (r *Room) MarkResync(participantID string) {
	select {
	case r.resyncCh <- participantID:
	case <-r.done:
	}
}

// Watch registers a read-only spectator and returns its watcher id.
// Watchers receive the broadcast sync stream and nothing else: no self
// scope, no events, no membership. They do not keep an empty room
// alive.
func (r *Room) Watch(ctx context.Context) (string, error) {
	q := watchReq{resp: make(chan watchResp, 1)}
	select {
	case r.watchCh <- q:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		return "", ErrClosed
	}
	select {
	case resp := <-q.resp:
		return resp.id, resp.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.done:
		select {
		case resp := <-q.resp:
			return resp.id, resp.err
		default:
		}
		return "", ErrClosed
	}
}

// Unwatch removes a watcher. Unknown ids are a no-op.
func (r *Room) Unwatch(id string) {
	select {
	case r.unwatchCh <- id:
	case <-r.done:
	}
}

// CurrentState returns a read-only deep copy of the tree.
func (r *Room) CurrentState(ctx context.Context) (map[string]any, error) {
	q := stateReq{resp: make(chan map[string]any, 1)}
	select {
	case r.stateCh <- q:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrClosed
	}
	select {
	case s := <-q.resp:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		select {
		case s := <-q.resp:
			return s, nil
		default:
		}
		return nil, ErrClosed
	}
}

// Shutdown stops the loop and waits for destruction.
func (r *Room) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

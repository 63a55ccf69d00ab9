package ws

import "parlor.gg/internal/room"

// Feed is one watcher's attachment to a room's sync pump. The pump
// fills Frames with the watcher's share of each flush; the watch
// transport owns the connection and drains the queue. Rooms have one
// pump total, so attaching watchers here keeps a second sync driver
// from racing the participants' flushes.
type Feed struct {
	p    *pump
	sess *session
}

// AttachWatcher binds a watcher id to rm's pump, starting the pump on
// first use. The id must come from rm.Watch.
func (s *Server) AttachWatcher(rm *room.Room, id string) *Feed {
	p := s.pumpFor(rm)
	sess := &session{
		participantID: id,
		out:           make(chan []byte, outQueueCap),
		closing:       make(chan struct{}),
	}
	if old := p.register(sess); old != nil {
		old.close()
	}
	return &Feed{p: p, sess: sess}
}

// Frames is the outbound frame queue.
func (f *Feed) Frames() <-chan []byte { return f.sess.out }

// Closed closes when the pump shuts the feed down with its room.
func (f *Feed) Closed() <-chan struct{} { return f.sess.closing }

// Detach unbinds the feed. The caller still owns Unwatch.
func (f *Feed) Detach() { f.p.unregister(f.sess) }

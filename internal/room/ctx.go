package room

import (
	"sort"

	"parlor.gg/internal/state"
)

// Ctx is the handler-facing surface of a room. It is only valid on the
// room's serialized path: hooks, handlers and the tick callback receive
// it and must not retain it past their return.
type Ctx struct {
	r *Room
}

func (r *Room) hctx() *Ctx { return &Ctx{r: r} }

// State is the room's authoritative tree. Writes mark fields dirty for
// the next sync round.
func (c *Ctx) State() *state.Tree { return c.r.tree }

func (c *Ctx) RoomID() ID { return c.r.id }

// Config is the instance's normalized runtime limits.
func (c *Ctx) Config() Config { return c.r.cfg }

// Tick is the number of tick handler invocations so far.
func (c *Ctx) Tick() uint64 { return c.r.tickNum.Load() }

// Participants lists current members in stable order.
func (c *Ctx) Participants() []string {
	out := make([]string, 0, len(c.r.members))
	for id := range c.r.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Ctx) IsMember(participantID string) bool {
	_, ok := c.r.members[participantID]
	return ok
}

// QueueEvent enqueues a directed event for the next sync flush. The
// entry is epoch-stamped now: if the target leaves or is evicted before
// the flush, it is dropped, never delivered to a later session.
func (c *Ctx) QueueEvent(participantID, name string, payload any) {
	c.r.enqueueEvent(participantID, name, payload)
}

// Broadcast queues the event for every current member.
func (c *Ctx) Broadcast(name string, payload any) {
	for _, id := range c.Participants() {
		c.r.enqueueEvent(id, name, payload)
	}
}

func (c *Ctx) Logf(format string, args ...any) {
	c.r.log.Printf("room "+c.r.id.String()+": "+format, args...)
}

// Package registry owns the set of live rooms. Room types are
// registered once at startup; instances are created on demand when the
// first participant joins and deregister themselves when they drain.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"parlor.gg/internal/room"
)

var (
	ErrUnknownType  = errors.New("unknown room type")
	ErrShuttingDown = errors.New("registry shutting down")
)

type Registry struct {
	cfg Config
	log *log.Logger

	mu     sync.RWMutex
	defs   map[string]*room.Definition
	rooms  map[room.ID]*room.Room
	closed bool

	roundLog room.RoundLogger
	auditLog room.AuditLogger

	wg sync.WaitGroup
}

func New(cfg Config, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	cfg.Normalize()
	return &Registry{
		cfg:   cfg,
		log:   logger,
		defs:  map[string]*room.Definition{},
		rooms: map[room.ID]*room.Room{},
	}
}

// SetRoundLogger wires a sink for per-round log entries on every room
// created afterwards. Call before serving joins.
func (g *Registry) SetRoundLogger(l room.RoundLogger) { g.roundLog = l }

// SetAuditLogger wires a sink for membership/action audit entries on
// every room created afterwards. Call before serving joins.
func (g *Registry) SetAuditLogger(l room.AuditLogger) { g.auditLog = l }

// RegisterType makes a room definition joinable. Schema problems
// surface here, at startup, not at first join.
func (g *Registry) RegisterType(def *room.Definition) error {
	if def == nil {
		return errors.New("nil definition")
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("room type %q: %w", def.Type, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.defs[def.Type]; ok {
		return fmt.Errorf("duplicate room type: %s", def.Type)
	}
	g.defs[def.Type] = def
	return nil
}

// Types lists the registered room types, sorted.
func (g *Registry) Types() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.defs))
	for t := range g.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// JoinRoom routes a join to the named instance, creating it first if
// needed. An empty instanceID allocates a fresh instance with a UUID
// id. A join that races a room's drain-destroy is retried against a
// recreated instance.
func (g *Registry) JoinRoom(ctx context.Context, roomType, instanceID string, req room.JoinRequest) (*room.Room, room.JoinResult, error) {
	for attempt := 0; attempt < 3; attempt++ {
		r, created, err := g.getOrCreate(roomType, &instanceID)
		if err != nil {
			return nil, room.JoinResult{}, err
		}
		res, err := r.Join(ctx, req)
		if errors.Is(err, room.ErrClosed) && !created {
			continue
		}
		return r, res, err
	}
	return nil, room.JoinResult{}, fmt.Errorf("room %s:%s: %w", roomType, instanceID, room.ErrClosed)
}

func (g *Registry) getOrCreate(roomType string, instanceID *string) (*room.Room, bool, error) {
	if *instanceID != "" {
		g.mu.RLock()
		r, ok := g.rooms[room.ID{Type: roomType, Instance: *instanceID}]
		g.mu.RUnlock()
		if ok {
			return r, false, nil
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, false, ErrShuttingDown
	}
	def, ok := g.defs[roomType]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownType, roomType)
	}
	if *instanceID == "" {
		*instanceID = uuid.NewString()
	}
	id := room.ID{Type: roomType, Instance: *instanceID}
	if r, ok := g.rooms[id]; ok {
		return r, false, nil
	}

	r, err := room.New(id, def, g.cfg.SpecByType(roomType).RoomConfig(), g.log)
	if err != nil {
		return nil, false, err
	}
	if g.roundLog != nil {
		r.SetRoundLogger(g.roundLog)
	}
	if g.auditLog != nil {
		r.SetAuditLogger(g.auditLog)
	}
	r.SetOnDestroy(func(id room.ID) { g.remove(id, r) })
	g.rooms[id] = r

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := r.Run(context.Background()); err != nil {
			g.log.Printf("room %s: run: %v", id, err)
		}
	}()
	g.log.Printf("room %s: created", id)
	return r, true, nil
}

// remove drops a destroyed room from the table. The pointer guard
// keeps a drain from deleting an instance recreated under the same id.
func (g *Registry) remove(id room.ID, r *room.Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.rooms[id]; ok && cur == r {
		delete(g.rooms, id)
		g.log.Printf("room %s: destroyed", id)
	}
}

// Room looks up a live instance.
func (g *Registry) Room(roomType, instanceID string) (*room.Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[room.ID{Type: roomType, Instance: instanceID}]
	return r, ok
}

// Rooms snapshots the live instances, sorted by id for stable output.
func (g *Registry) Rooms() []*room.Room {
	g.mu.RLock()
	out := make([]*room.Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

// Shutdown stops accepting joins, shuts every room down and waits for
// their loops to exit, bounded by ctx.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	rooms := make([]*room.Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	var firstErr error
	for _, r := range rooms {
		if err := r.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return firstErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

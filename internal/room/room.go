// Package room runs one authoritative room: a single-goroutine loop
// that serializes joins, leaves, actions, events, ticks and sync rounds
// against each other. Rooms are independent; the registry runs many of
// them in parallel.
package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"parlor.gg/internal/resolver"
	"parlor.gg/internal/schema"
	"parlor.gg/internal/state"
	syncpkg "parlor.gg/internal/sync"
)

var (
	// ErrClosed is returned by every public operation once the room is
	// destroyed (or while it is shutting down).
	ErrClosed = errors.New("room closed")
	// ErrNotMember rejects actions and events from participants the
	// room does not currently hold.
	ErrNotMember = errors.New("not a member")
	// ErrUnknownAction rejects actions with no registered handler.
	ErrUnknownAction = errors.New("unknown action")
	// ErrWatchersFull rejects Watch once the configured limit is
	// reached.
	ErrWatchersFull = errors.New("watcher limit reached")
)

// watcherPrefix marks runtime-issued watcher ids. Participant ids with
// this prefix are refused so a watcher id can never be captured by a
// join.
const watcherPrefix = "watch:"

// ID identifies one room instance. The wire form is "type:instance".
type ID struct {
	Type     string
	Instance string
}

func (id ID) String() string { return id.Type + ":" + id.Instance }

// Denial is a structured admission refusal: normal control flow, not
// an error. Code is a protocol error code.
type Denial struct {
	Code   string
	Reason string
}

// Fail is an application-level action failure. Handlers return it to
// send a RESULT with ok=false and the given code instead of a fault.
type Fail struct {
	Code    string
	Message string
}

func (f *Fail) Error() string { return fmt.Sprintf("%s: %s", f.Code, f.Message) }

// JoinRequest is one participant's join attempt. Rejoin is set by the
// runtime when the participant already holds a live session that this
// join evicts.
type JoinRequest struct {
	ParticipantID string
	Payload       json.RawMessage
	Rejoin        bool
}

// JoinResult is the decision for one join. Denial non-nil means the
// join was refused; everything else is unset then.
type JoinResult struct {
	Denial    *Denial
	SessionID string
	Rejoin    bool
}

// ActionRequest is one request/response unit of work.
type ActionRequest struct {
	ParticipantID string
	ID            string
	Name          string
	Payload       json.RawMessage
}

// EventRequest is one fire-and-forget unit of work.
type EventRequest struct {
	ParticipantID string
	Name          string
	Payload       json.RawMessage
}

// ActionDef registers one action: optional resolvers built per request,
// then the handler, which runs only when every resolver succeeded.
type ActionDef struct {
	Resolvers func(req ActionRequest) []resolver.Spec
	Handle    func(ctx *Ctx, req ActionRequest, res resolver.Results) (any, error)
}

// EventDef registers one event. Failures are logged and dropped; the
// sender never hears about them.
type EventDef struct {
	Resolvers func(req EventRequest) []resolver.Spec
	Handle    func(ctx *Ctx, req EventRequest, res resolver.Results) error
}

// Definition is one room type: its schema, lifecycle hooks and handler
// registrations. Registered once at startup; shared by every instance.
type Definition struct {
	Type   string
	Schema *schema.Schema

	// Admit runs before anything else on a join. nil admits everyone
	// (capacity is still enforced by the runtime).
	Admit func(req JoinRequest) *Denial
	// JoinResolvers builds the resolver set for one join. nil means no
	// resolvers.
	JoinResolvers func(req JoinRequest) []resolver.Spec

	OnInit     func(ctx *Ctx) error
	OnJoin     func(ctx *Ctx, req JoinRequest, res resolver.Results) error
	OnLeave    func(ctx *Ctx, participantID string)
	OnTick     func(ctx *Ctx)
	OnFinalize func(ctx *Ctx)

	Actions map[string]ActionDef
	Events  map[string]EventDef
}

// Validate rejects definitions that would fail at runtime.
func (d *Definition) Validate() error {
	if d.Type == "" {
		return errors.New("room definition: empty type")
	}
	if d.Schema == nil {
		return fmt.Errorf("room type %s: nil schema", d.Type)
	}
	for name, a := range d.Actions {
		if name == "" {
			return fmt.Errorf("room type %s: action with empty name", d.Type)
		}
		if a.Handle == nil {
			return fmt.Errorf("room type %s: action %s: nil handler", d.Type, name)
		}
	}
	for name, e := range d.Events {
		if name == "" {
			return fmt.Errorf("room type %s: event with empty name", d.Type)
		}
		if e.Handle == nil {
			return fmt.Errorf("room type %s: event %s: nil handler", d.Type, name)
		}
	}
	return nil
}

// Config is one room instance's runtime limits.
type Config struct {
	TickInterval        time.Duration
	SyncInterval        time.Duration
	MaxParticipants     int
	MaxWatchers         int
	EmptyGrace          time.Duration
	ResolverTimeout     time.Duration
	ResolverConcurrency int
	EventQueueCap       int
	MaxKeySlots         int
}

// Normalize fills unset values with serviceable defaults.
func (c *Config) Normalize() {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 50 * time.Millisecond
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = 64
	}
	if c.MaxWatchers <= 0 {
		c.MaxWatchers = 32
	}
	if c.EmptyGrace < 0 {
		c.EmptyGrace = 0
	}
	if c.ResolverTimeout <= 0 {
		c.ResolverTimeout = 2 * time.Second
	}
	if c.ResolverConcurrency <= 0 {
		c.ResolverConcurrency = 8
	}
	if c.EventQueueCap <= 0 {
		c.EventQueueCap = 256
	}
	// MaxKeySlots 0 stays 0: unbounded tables.
}

// RoundLogger receives one entry per delivered sync round.
type RoundLogger interface {
	WriteRound(entry RoundLogEntry) error
}

// AuditLogger receives membership and lifecycle entries.
type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type RoundLogEntry struct {
	Room      string `json:"room"`
	Round     uint64 `json:"round"`
	Tick      uint64 `json:"tick"`
	Receivers int    `json:"receivers"`
	Patches   int    `json:"patches"`
	Events    int    `json:"events"`
	UnixMS    int64  `json:"unix_ms"`
}

type AuditEntry struct {
	Room        string `json:"room"`
	Tick        uint64 `json:"tick"`
	Kind        string `json:"kind"`
	Participant string `json:"participant,omitempty"`
	Detail      string `json:"detail,omitempty"`
	UnixMS      int64  `json:"unix_ms"`
}

// member is one live session binding.
type member struct {
	SessionID string
	JoinedAt  time.Time
}

// queuedEvent is one directed event waiting for the next sync flush.
// Delivery requires the target to still be present under the same
// membership epoch it was enqueued against.
type queuedEvent struct {
	participantID string
	epoch         uint64
	name          string
	payload       any
}

// Room is one live instance. All fields below the channels are owned
// by the loop goroutine; nothing else touches them.
type Room struct {
	id  ID
	def *Definition
	cfg Config
	log *log.Logger

	joinCh    chan joinReq
	leaveCh   chan leaveReq
	actionCh  chan actionReq
	eventCh   chan EventRequest
	sendCh    chan sendEventReq
	syncCh    chan syncReq
	stateCh   chan stateReq
	resyncCh  chan string
	watchCh   chan watchReq
	unwatchCh chan string
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	syncBusy atomic.Bool
	metrics  atomic.Value
	tickNum  atomic.Uint64

	// loop-owned state
	tree     *state.Tree
	engine   *syncpkg.Engine
	exec     *resolver.Executor
	members  map[string]*member
	watchers map[string]struct{}
	epochs   map[string]uint64
	queue    []queuedEvent
	phase    string

	rounds        uint64
	patches       uint64
	eventsFlushed uint64
	eventsDropped uint64
	lastTickDur   time.Duration
	lastSyncDur   time.Duration

	roundLog  RoundLogger
	auditLog  AuditLogger
	onDestroy func(id ID)
}

const (
	phaseRunning   = "running"
	phaseDraining  = "draining"
	phaseDestroyed = "destroyed"
)

// New builds a room instance. The definition must already be validated
// at registration; New re-checks to keep a bad caller from producing a
// room that faults after participants joined.
func New(id ID, def *Definition, cfg Config, logger *log.Logger) (*Room, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if logger == nil {
		logger = log.Default()
	}
	tree := state.NewTree(def.Schema)
	r := &Room{
		id:  id,
		def: def,
		cfg: cfg,
		log: logger,

		joinCh:    make(chan joinReq, 8),
		leaveCh:   make(chan leaveReq, 8),
		actionCh:  make(chan actionReq, 64),
		eventCh:   make(chan EventRequest, 64),
		sendCh:    make(chan sendEventReq, 64),
		syncCh:    make(chan syncReq, 1),
		stateCh:   make(chan stateReq, 4),
		resyncCh:  make(chan string, 8),
		watchCh:   make(chan watchReq, 8),
		unwatchCh: make(chan string, 8),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),

		tree:     tree,
		engine:   syncpkg.NewEngine(tree, cfg.MaxKeySlots),
		exec:     resolver.NewExecutor(cfg.ResolverConcurrency, cfg.ResolverTimeout),
		members:  make(map[string]*member),
		watchers: make(map[string]struct{}),
		epochs:   make(map[string]uint64),
		phase:    phaseRunning,
	}
	r.metrics.Store(Metrics{RoomType: id.Type, InstanceID: id.Instance, Phase: phaseRunning})
	return r, nil
}

func (r *Room) ID() ID         { return r.id }
func (r *Room) Config() Config { return r.cfg }

// Done closes when the room is destroyed.
func (r *Room) Done() <-chan struct{} { return r.done }

// SetRoundLogger wires the per-round log sink. Call before Run.
func (r *Room) SetRoundLogger(l RoundLogger) { r.roundLog = l }

// SetAuditLogger wires the audit sink. Call before Run.
func (r *Room) SetAuditLogger(l AuditLogger) { r.auditLog = l }

// SetOnDestroy registers the registry's removal callback. Call before
// Run.
func (r *Room) SetOnDestroy(fn func(id ID)) { r.onDestroy = fn }

func (r *Room) audit(kind, participant, detail string) {
	if r.auditLog == nil {
		return
	}
	if err := r.auditLog.WriteAudit(AuditEntry{
		Room:        r.id.String(),
		Tick:        r.tickNum.Load(),
		Kind:        kind,
		Participant: participant,
		Detail:      detail,
		UnixMS:      time.Now().UnixMilli(),
	}); err != nil {
		r.log.Printf("room %s: audit write: %v", r.id, err)
	}
}

package room

// Metrics is a thread-safe read-only view of one room's runtime
// signals. It is updated from the room loop and read from HTTP
// handlers and tests.
type Metrics struct {
	RoomType   string `json:"room_type"`
	InstanceID string `json:"instance_id"`
	Phase      string `json:"phase"`
	Tick       uint64 `json:"tick"`

	Participants  int `json:"participants"`
	Watchers      int `json:"watchers"`
	PendingEvents int `json:"pending_events"`

	QueueDepths QueueDepths `json:"queue_depths"`

	Rounds        uint64 `json:"rounds"`
	Patches       uint64 `json:"patches"`
	EventsFlushed uint64 `json:"events_flushed"`
	EventsDropped uint64 `json:"events_dropped"`

	TickMS float64 `json:"tick_ms"`
	SyncMS float64 `json:"sync_ms"`

	StateInstances int `json:"state_instances"`
}

type QueueDepths struct {
	Join   int `json:"join"`
	Leave  int `json:"leave"`
	Action int `json:"action"`
	Event  int `json:"event"`
}

// Metrics returns the latest published snapshot.
func (r *Room) Metrics() Metrics {
	v := r.metrics.Load()
	m, ok := v.(Metrics)
	if !ok {
		return Metrics{}
	}
	return m
}

func (r *Room) publishMetrics() {
	r.metrics.Store(Metrics{
		RoomType:   r.id.Type,
		InstanceID: r.id.Instance,
		Phase:      r.phase,
		Tick:       r.tickNum.Load(),

		Participants:  len(r.members),
		Watchers:      len(r.watchers),
		PendingEvents: len(r.queue),

		QueueDepths: QueueDepths{
			Join:   len(r.joinCh),
			Leave:  len(r.leaveCh),
			Action: len(r.actionCh),
			Event:  len(r.eventCh),
		},

		Rounds:        r.rounds,
		Patches:       r.patches,
		EventsFlushed: r.eventsFlushed,
		EventsDropped: r.eventsDropped,

		TickMS: float64(r.lastTickDur.Microseconds()) / 1000.0,
		SyncMS: float64(r.lastSyncDur.Microseconds()) / 1000.0,

		StateInstances: r.tree.Size(),
	})
}

package registry

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"parlor.gg/internal/room"
)

// Config declares the room types the server hosts and their runtime
// limits. Loaded from configs/rooms.yaml; an empty path uses defaults.
type Config struct {
	Rooms []RoomSpec `yaml:"rooms"`
}

// RoomSpec is one room type's limits. Durations are milliseconds to
// keep the YAML flat.
type RoomSpec struct {
	Type                string `yaml:"type"`
	TickIntervalMS      int    `yaml:"tick_interval_ms"`
	SyncIntervalMS      int    `yaml:"sync_interval_ms"`
	MaxParticipants     int    `yaml:"max_participants"`
	MaxWatchers         int    `yaml:"max_watchers"`
	EmptyGraceMS        int    `yaml:"empty_grace_ms"`
	ResolverTimeoutMS   int    `yaml:"resolver_timeout_ms"`
	ResolverConcurrency int    `yaml:"resolver_concurrency"`
	EventQueueCap       int    `yaml:"event_queue_cap"`
	MaxKeySlots         int    `yaml:"max_key_slots"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("rooms.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("rooms.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Rooms: []RoomSpec{
			{
				Type:                "arena",
				TickIntervalMS:      100,
				SyncIntervalMS:      50,
				MaxParticipants:     16,
				MaxWatchers:         8,
				EmptyGraceMS:        30000,
				ResolverTimeoutMS:   2000,
				ResolverConcurrency: 8,
				EventQueueCap:       256,
				MaxKeySlots:         4096,
			},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Rooms {
		s := &c.Rooms[i]
		if s.TickIntervalMS <= 0 {
			s.TickIntervalMS = 100
		}
		if s.SyncIntervalMS <= 0 {
			s.SyncIntervalMS = 50
		}
		if s.MaxParticipants <= 0 {
			s.MaxParticipants = 64
		}
		if s.MaxWatchers <= 0 {
			s.MaxWatchers = 32
		}
		if s.EmptyGraceMS < 0 {
			s.EmptyGraceMS = 0
		}
		if s.ResolverTimeoutMS <= 0 {
			s.ResolverTimeoutMS = 2000
		}
		if s.ResolverConcurrency <= 0 {
			s.ResolverConcurrency = 8
		}
		if s.EventQueueCap <= 0 {
			s.EventQueueCap = 256
		}
		if s.MaxKeySlots < 0 {
			s.MaxKeySlots = 0
		}
	}
}

func (c Config) Validate() error {
	seen := map[string]bool{}
	for i, s := range c.Rooms {
		if strings.TrimSpace(s.Type) == "" {
			return fmt.Errorf("rooms[%d]: type must not be empty", i)
		}
		if strings.ContainsAny(s.Type, ": /") {
			return fmt.Errorf("room type %q must not contain ':', '/' or spaces", s.Type)
		}
		if seen[s.Type] {
			return fmt.Errorf("duplicate room type: %s", s.Type)
		}
		seen[s.Type] = true
		if s.SyncIntervalMS > s.TickIntervalMS*10 {
			return fmt.Errorf("room type %s: sync_interval_ms %d is more than 10x the tick interval", s.Type, s.SyncIntervalMS)
		}
	}
	return nil
}

// SpecByType returns the room spec for a type, falling back to normalized
// zero-value limits for types registered without a config entry.
func (c Config) SpecByType(roomType string) RoomSpec {
	for _, s := range c.Rooms {
		if s.Type == roomType {
			return s
		}
	}
	s := RoomSpec{Type: roomType}
	tmp := Config{Rooms: []RoomSpec{s}}
	tmp.Normalize()
	return tmp.Rooms[0]
}

// RoomConfig converts the room spec to the runtime's limit struct.
func (s RoomSpec) RoomConfig() room.Config {
	return room.Config{
		TickInterval:        time.Duration(s.TickIntervalMS) * time.Millisecond,
		SyncInterval:        time.Duration(s.SyncIntervalMS) * time.Millisecond,
		MaxParticipants:     s.MaxParticipants,
		MaxWatchers:         s.MaxWatchers,
		EmptyGrace:          time.Duration(s.EmptyGraceMS) * time.Millisecond,
		ResolverTimeout:     time.Duration(s.ResolverTimeoutMS) * time.Millisecond,
		ResolverConcurrency: s.ResolverConcurrency,
		EventQueueCap:       s.EventQueueCap,
		MaxKeySlots:         s.MaxKeySlots,
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"time"

	"parlor.gg/internal/protocol"
	"parlor.gg/internal/resolver"
	"parlor.gg/internal/room"
	"parlor.gg/internal/schema"
)

// The arena is the reference room type: a square playfield where
// participants move, regain hp over time and collect scoreboard
// points. Its schema touches every replication policy.
const (
	arenaHalfExtent = 50
	arenaRoundSecs  = 90
	arenaWarmupSecs = 5
	arenaMaxHP      = 100
)

func arenaDefinition() (*room.Definition, error) {
	sc, err := schema.NewBuilder().
		Field("phase", schema.Broadcast()).
		Field("clock", schema.Broadcast()).
		Field("players/*/name", schema.Broadcast()).
		Field("players/*/pos", schema.Broadcast()).
		Field("players/*/hp", schema.PerParticipantSlice()).
		Field("seed", schema.Masked(maskSeed)).
		Field("intel", schema.PerParticipant(pickIntel)).
		Field("scoreboard", schema.Custom(renderScoreboard)).
		Field("profiles/*", schema.ServerOnly()).
		Build()
	if err != nil {
		return nil, fmt.Errorf("arena schema: %w", err)
	}

	return &room.Definition{
		Type:          "arena",
		Schema:        sc,
		JoinResolvers: arenaJoinResolvers,
		OnInit:        arenaInit,
		OnJoin:        arenaJoin,
		OnLeave:       arenaLeave,
		OnTick:        arenaTick,
		Actions: map[string]room.ActionDef{
			"move":     {Handle: arenaMove},
			"set_name": {Handle: arenaSetName},
		},
		Events: map[string]room.EventDef{
			"emote": {Handle: arenaEmote},
		},
	}, nil
}

// maskSeed replaces the stored seed with a stable fingerprint: clients
// can tell when it changes without learning it.
func maskSeed(v any) any {
	h := fnv.New32a()
	fmt.Fprintf(h, "%v", v)
	return fmt.Sprintf("seed-%08x", h.Sum32())
}

// pickIntel gives each participant only their own entry of the shared
// intel map.
func pickIntel(participantID string, v any) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out, ok := m[participantID]
	return out, ok
}

// renderScoreboard shows everyone the top three plus their own score.
func renderScoreboard(participantID string, v any) (any, bool) {
	scores, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	type entry struct {
		id    string
		score float64
	}
	entries := make([]entry, 0, len(scores))
	for id, s := range scores {
		entries = append(entries, entry{id: id, score: toFloat(s)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].id < entries[j].id
	})
	if len(entries) > 3 {
		entries = entries[:3]
	}
	top := make([]any, 0, len(entries))
	for _, e := range entries {
		top = append(top, map[string]any{"participant": e.id, "score": e.score})
	}
	you := toFloat(scores[participantID])
	return map[string]any{"top": top, "you": you}, true
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

// arenaJoinResolvers fetches the joiner's profile and entitlements in
// parallel; if either fails the join is aborted before any state
// changes.
func arenaJoinResolvers(req room.JoinRequest) []resolver.Spec {
	pid := req.ParticipantID
	return []resolver.Spec{
		{Name: "profile", Run: func(ctx context.Context) (any, error) {
			return fetchProfile(ctx, pid)
		}},
		{Name: "entitlements", Run: func(ctx context.Context) (any, error) {
			return []any{"arena.standard"}, nil
		}},
	}
}

// fetchProfile stands in for a profile service call: deterministic per
// participant so bots and tests see stable names and ratings.
func fetchProfile(_ context.Context, participantID string) (map[string]any, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(participantID))
	name := participantID
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	return map[string]any{
		"display_name": name,
		"rating":       1000 + int(h.Sum32()%1000),
	}, nil
}

func arenaInit(ctx *room.Ctx) error {
	st := ctx.State()
	if err := st.Write("phase", "warmup"); err != nil {
		return err
	}
	if err := st.Write("clock", arenaRoundSecs); err != nil {
		return err
	}
	if err := st.Write("seed", rand.Int63()); err != nil {
		return err
	}
	if err := st.Write("intel", map[string]any{}); err != nil {
		return err
	}
	return st.Write("scoreboard", map[string]any{})
}

func arenaJoin(ctx *room.Ctx, req room.JoinRequest, res resolver.Results) error {
	pid := req.ParticipantID
	st := ctx.State()

	profile, _ := res["profile"].(map[string]any)
	name, _ := profile["display_name"].(string)
	if name == "" {
		name = pid
	}

	if err := st.Write("profiles/"+pid, map[string]any{
		"profile":      profile,
		"entitlements": res["entitlements"],
	}); err != nil {
		return err
	}
	if err := st.Write("players/"+pid+"/name", name); err != nil {
		return err
	}
	if err := st.Write("players/"+pid+"/pos", map[string]any{"x": 0, "y": 0}); err != nil {
		return err
	}
	if err := st.Write("players/"+pid+"/hp", arenaMaxHP); err != nil {
		return err
	}

	intel, _ := ctx.State().Get("intel")
	im, ok := intel.(map[string]any)
	if !ok {
		im = map[string]any{}
	}
	im[pid] = map[string]any{"rating": profile["rating"], "spawn": "center"}
	if err := st.Write("intel", im); err != nil {
		return err
	}

	scores, _ := st.Get("scoreboard")
	sm, ok := scores.(map[string]any)
	if !ok {
		sm = map[string]any{}
	}
	if _, exists := sm[pid]; !exists { // rejoin keeps the old score
		sm[pid] = 0
		if err := st.Write("scoreboard", sm); err != nil {
			return err
		}
	}
	return nil
}

func arenaLeave(ctx *room.Ctx, participantID string) {
	st := ctx.State()
	_ = st.Delete("players/" + participantID)
	_ = st.Delete("profiles/" + participantID)
	if intel, _ := st.Get("intel"); intel != nil {
		if im, ok := intel.(map[string]any); ok {
			delete(im, participantID)
			_ = st.Write("intel", im)
		}
	}
	// Scores survive a leave so a returning participant keeps theirs.
}

// arenaTick drives the round clock, the warmup->live transition and a
// slow hp regen.
func arenaTick(ctx *room.Ctx) {
	st := ctx.State()
	tick := ctx.Tick()
	ticksPerSec := uint64(time.Second / ctx.Config().TickInterval)
	if ticksPerSec == 0 {
		ticksPerSec = 1
	}

	if tick%ticksPerSec != 0 {
		return
	}
	secs := tick / ticksPerSec

	_ = st.Write("phase", arenaPhase(secs))
	_ = st.Write("clock", arenaClock(secs))

	// Regen one hp per second for anyone below the cap.
	for _, pid := range ctx.Participants() {
		v, ok := st.Get("players/" + pid + "/hp")
		if !ok {
			continue
		}
		if hp := toFloat(v); hp < arenaMaxHP {
			_ = st.Write("players/"+pid+"/hp", int(hp)+1)
		}
	}
}

func arenaMove(ctx *room.Ctx, req room.ActionRequest, _ resolver.Results) (any, error) {
	var p struct {
		DX int `json:"dx"`
		DY int `json:"dy"`
	}
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, &room.Fail{Code: protocol.ErrBadRequest, Message: "move wants {dx,dy}"}
	}
	if p.DX < -5 || p.DX > 5 || p.DY < -5 || p.DY > 5 {
		return nil, &room.Fail{Code: protocol.ErrBadRequest, Message: "step too large"}
	}

	st := ctx.State()
	cur, _ := st.Get("players/" + req.ParticipantID + "/pos")
	pos, ok := cur.(map[string]any)
	if !ok {
		pos = map[string]any{"x": 0, "y": 0}
	}
	x := clampInt(int(toFloat(pos["x"]))+p.DX, -arenaHalfExtent, arenaHalfExtent)
	y := clampInt(int(toFloat(pos["y"]))+p.DY, -arenaHalfExtent, arenaHalfExtent)
	next := map[string]any{"x": x, "y": y}
	if err := st.Write("players/"+req.ParticipantID+"/pos", next); err != nil {
		return nil, err
	}
	return next, nil
}

func arenaSetName(ctx *room.Ctx, req room.ActionRequest, _ resolver.Results) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, &room.Fail{Code: protocol.ErrBadRequest, Message: "set_name wants {name}"}
	}
	name := strings.TrimSpace(p.Name)
	if name == "" || len(name) > 24 {
		return nil, &room.Fail{Code: protocol.ErrBadRequest, Message: "name must be 1..24 chars"}
	}
	if err := ctx.State().Write("players/"+req.ParticipantID+"/name", name); err != nil {
		return nil, err
	}
	return name, nil
}

var arenaEmotes = map[string]bool{"wave": true, "cheer": true, "gg": true}

func arenaEmote(ctx *room.Ctx, req room.EventRequest, _ resolver.Results) error {
	var p struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(req.Payload, &p); err != nil || !arenaEmotes[p.Kind] {
		return fmt.Errorf("unknown emote")
	}
	ctx.Broadcast("emote", map[string]any{"from": req.ParticipantID, "kind": p.Kind})
	return nil
}

func arenaPhase(secs uint64) string {
	if secs < arenaWarmupSecs {
		return "warmup"
	}
	return "live"
}

func arenaClock(secs uint64) int {
	return arenaRoundSecs - int(secs%arenaRoundSecs)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// The bot is a load and verification client: it joins a room over
// WebSocket, moves around, and checks that the state it rebuilds from
// SYNC frames converges on what the server confirmed through RESULT
// frames. A divergence is a sync bug, not a bot bug.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"parlor.gg/internal/protocol"
	"parlor.gg/internal/schema"
	syncpkg "parlor.gg/internal/sync"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		roomName = flag.String("room", "arena:main", "room to join (type or type:instance)")
		name     = flag.String("name", "bot", "participant id prefix")
		bots     = flag.Int("bots", 1, "concurrent bots")
		runFor   = flag.Duration("for", 0, "how long to run (0 = until interrupt)")
		actEvery = flag.Duration("act", 500*time.Millisecond, "action cadence per bot")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	if *runFor > 0 {
		go func() {
			select {
			case <-time.After(*runFor):
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	var failures atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < *bots; i++ {
		pid := *name
		if *bots > 1 {
			pid = fmt.Sprintf("%s-%d", *name, i+1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runBot(ctx, logger, *url, *roomName, pid, *actEvery); err != nil {
				logger.Printf("%s: %v", pid, err)
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := failures.Load(); n > 0 {
		logger.Printf("%d bot(s) failed", n)
		os.Exit(1)
	}
	logger.Printf("all bots done")
}

// botSchema declares the client's view of the arena tree: the shapes it
// can decode. Server-only fields are absent; they never arrive.
func botSchema() (*schema.Schema, error) {
	return schema.NewBuilder().
		Field("phase", schema.Broadcast()).
		Field("clock", schema.Broadcast()).
		Field("players/*/name", schema.Broadcast()).
		Field("players/*/pos", schema.Broadcast()).
		Field("players/*/hp", schema.PerParticipantSlice()).
		Field("seed", schema.Broadcast()).
		Field("intel", schema.Broadcast()).
		Field("scoreboard", schema.Broadcast()).
		Build()
}

// tracker reconciles what the server confirmed against what the sync
// stream materialized.
type tracker struct {
	mu       sync.Mutex
	expected map[string]any // last RESULT-confirmed pos
	streak   int
}

func (tr *tracker) confirm(pos map[string]any) {
	tr.mu.Lock()
	tr.expected = pos
	tr.streak = 0
	tr.mu.Unlock()
}

// check is called after every applied sync frame. A single mismatch is
// normal (the confirming round may still be in flight); a run of them
// means the stream lost a patch.
func (tr *tracker) check(got any) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.expected == nil {
		return nil
	}
	gm, ok := got.(map[string]any)
	if ok && eqNum(gm["x"], tr.expected["x"]) && eqNum(gm["y"], tr.expected["y"]) {
		tr.streak = 0
		return nil
	}
	tr.streak++
	if tr.streak > 5 {
		return fmt.Errorf("state diverged: synced pos %v, confirmed %v", got, tr.expected)
	}
	return nil
}

func eqNum(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af == bf
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func runBot(ctx context.Context, logger *log.Logger, url, roomName, pid string, actEvery time.Duration) error {
	sc, err := botSchema()
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	ap := syncpkg.NewApplier(sc)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	botCtx, botCancel := context.WithCancel(ctx)
	defer botCancel()
	go func() {
		<-botCtx.Done()
		_ = conn.Close()
	}()

	join := protocol.JoinMsg{
		Type:            protocol.TypeJoin,
		ProtocolVersion: protocol.Version,
		Room:            roomName,
		ParticipantID:   pid,
	}
	if err := conn.WriteJSON(join); err != nil {
		return fmt.Errorf("send JOIN: %w", err)
	}

	var (
		tr      tracker
		rounds  uint64
		events  uint64
		results uint64
		actSeq  int
	)

	// Action writer: the reader never writes, so the connection has
	// exactly one writer. JOIN above is written before it starts.
	writerDone := make(chan struct{})
	welcomed := make(chan struct{})
	go func() {
		defer close(writerDone)
		select {
		case <-welcomed:
		case <-botCtx.Done():
			return
		}
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		ticker := time.NewTicker(actEvery)
		defer ticker.Stop()
		for {
			select {
			case <-botCtx.Done():
				return
			case <-ticker.C:
				actSeq++
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if actSeq%20 == 0 {
					_ = conn.WriteJSON(protocol.EventMsg{
						Type:            protocol.TypeEvent,
						ProtocolVersion: protocol.Version,
						Name:            "emote",
						Payload:         json.RawMessage(`{"kind":"wave"}`),
					})
					continue
				}
				payload, _ := json.Marshal(map[string]int{
					"dx": r.Intn(11) - 5,
					"dy": r.Intn(11) - 5,
				})
				_ = conn.WriteJSON(protocol.ActionMsg{
					Type:            protocol.TypeAction,
					ProtocolVersion: protocol.Version,
					ID:              fmt.Sprintf("%s-%d", pid, actSeq),
					Name:            "move",
					Payload:         payload,
				})
			}
		}
	}()
	defer func() { <-writerDone }()
	defer botCancel()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				logger.Printf("%s: done after %d rounds, %d results, %d events, view %v",
					pid, rounds, results, events, ap.View())
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("%s: WELCOME room=%s session=%s sync=%dms", pid, w.Room, w.SessionID, w.SyncIntervalMS)
			close(welcomed)

		case protocol.TypeDenied:
			var d protocol.DeniedMsg
			_ = json.Unmarshal(msg, &d)
			return fmt.Errorf("denied: %s %s", d.Code, d.Reason)

		case protocol.TypeSync:
			var sm protocol.SyncMsg
			if err := json.Unmarshal(msg, &sm); err != nil {
				return fmt.Errorf("bad SYNC: %w", err)
			}
			if err := ap.Apply(sm.Scope, sm.Mode, sm.Patches); err != nil {
				return fmt.Errorf("apply round %d: %w", sm.Round, err)
			}
			rounds++
			if got, ok := ap.Value("players/" + pid + "/pos"); ok {
				if err := tr.check(got); err != nil {
					return err
				}
			}

		case protocol.TypeResult:
			var res protocol.ResultMsg
			if err := json.Unmarshal(msg, &res); err != nil {
				continue
			}
			results++
			if !res.OK {
				logger.Printf("%s: action %s failed: %s %s", pid, res.ID, res.Code, res.Message)
				continue
			}
			if pos, ok := res.Value.(map[string]any); ok {
				tr.confirm(pos)
			}

		case protocol.TypeEvent:
			events++

		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			logger.Printf("%s: protocol error: %s %s", pid, e.Code, e.Message)
		}
	}
}

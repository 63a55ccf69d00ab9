package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"parlor.gg/internal/protocol"
)

// watchCmd attaches to the watch endpoint and prints every frame the
// room broadcasts until interrupted.
func watchCmd(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	roomID := fs.String("room", "", "room as roomType:instanceId (required)")
	_ = fs.Parse(args)

	if !strings.Contains(*roomID, ":") {
		fmt.Fprintln(os.Stderr, "missing or malformed -room, want roomType:instanceId")
		os.Exit(2)
	}

	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/watch")
	if err != nil {
		fmt.Fprintln(os.Stderr, "url:", err)
		os.Exit(2)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer conn.Close()

	watch, _ := json.Marshal(protocol.WatchMsg{
		Type:            protocol.TypeWatch,
		ProtocolVersion: protocol.Version,
		Room:            strings.TrimSpace(*roomID),
	})
	if err := conn.WriteMessage(websocket.TextMessage, watch); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}

	_, first, err := conn.ReadMessage()
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	fmt.Println(string(first))
	if base, err := protocol.DecodeBase(first); err != nil || base.Type != protocol.TypeWatching {
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		_ = conn.Close()
	}()

	// Re-sent WATCH frames keep the server's read deadline fresh.
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for range t.C {
			if err := conn.WriteMessage(websocket.TextMessage, watch); err != nil {
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		fmt.Println(string(raw))
	}
}

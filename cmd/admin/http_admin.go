package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func roomsCmd(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	adminGet(*baseURL, "/admin/v1/rooms")
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	roomID := fs.String("room", "", "room as roomType:instanceId (required)")
	_ = fs.Parse(args)

	roomType, instance, ok := strings.Cut(strings.TrimSpace(*roomID), ":")
	if !ok || roomType == "" || instance == "" {
		fmt.Fprintln(os.Stderr, "missing or malformed -room, want roomType:instanceId")
		os.Exit(2)
	}
	adminGet(*baseURL, "/admin/v1/rooms/"+roomType+"/"+instance)
}

// adminGet prints the response body as-is; the server already emits
// JSON.
func adminGet(baseURL, path string) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

// Command admin inspects a running parlor server and its on-disk
// oplogs. The HTTP subcommands talk to the loopback-only admin
// surface, so they only work from the server's own host.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "rooms":
			roomsCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "oplog":
			oplogCmd(os.Args[2:])
			return
		case "watch":
			watchCmd(os.Args[2:])
			return
		case "help", "-h", "-help", "--help":
			usage()
			return
		}
	}
	roomsCmd(os.Args[1:])
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: admin [command]

  rooms   list live rooms with their metrics (default)
  state   dump one room's metrics and authoritative state
  oplog   list or print rotated round/audit logs
  watch   stream a room's broadcast sync frames to stdout`)
}

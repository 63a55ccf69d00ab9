package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"parlor.gg/internal/oplog"
)

// oplogCmd lists one log kind's rotated files, or prints one file's
// entries as JSON lines.
func oplogCmd(args []string) {
	fs := flag.NewFlagSet("oplog", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	kind := fs.String("kind", "rounds", "log kind: rounds or audit")
	file := fs.String("file", "", "print this file instead of listing (name or path)")
	tail := fs.Int("tail", 0, "with -file, print only the last N entries")
	_ = fs.Parse(args)

	if *kind != "rounds" && *kind != "audit" {
		fmt.Fprintln(os.Stderr, "-kind must be rounds or audit")
		os.Exit(2)
	}
	dir := filepath.Join(*dataDir, "oplog", *kind)

	if strings.TrimSpace(*file) == "" {
		files, err := oplog.ListFiles(dir, *kind)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list:", err)
			os.Exit(1)
		}
		for _, p := range files {
			fmt.Println(filepath.Base(p))
		}
		return
	}

	path := *file
	if filepath.Base(path) == path {
		path = filepath.Join(dir, path)
	}
	var kept []string
	err := oplog.ReadFile(path, func(line []byte) error {
		if *tail > 0 {
			kept = append(kept, string(line))
			if len(kept) > *tail {
				kept = kept[1:]
			}
			return nil
		}
		fmt.Println(string(line))
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, l := range kept {
		fmt.Println(l)
	}
}

// Package oplog appends compressed JSONL streams of room activity:
// one stream of per-round sync accounting and one of membership and
// action audit entries. Files rotate hourly and are written through
// zstd, so a day of busy rooms stays cheap to keep.
package oplog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"parlor.gg/internal/room"
)

// Writer appends JSON values, one per line, to hourly-rotated
// .jsonl.zst files under dir. Safe for concurrent use.
type Writer struct {
	dir    string
	prefix string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	buf     *bufio.Writer
}

func NewWriter(dir, prefix string) *Writer {
	return &Writer{dir: dir, prefix: prefix}
}

func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.openLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(b); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) openLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.buf = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *Writer) closeLocked() error {
	var first error
	if w.buf != nil {
		_ = w.buf.Flush()
	}
	if w.enc != nil {
		first = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		if err := w.f.Close(); first == nil {
			first = err
		}
		w.f = nil
	}
	w.buf = nil
	return first
}

// Rounds persists one entry per delivered sync round.
type Rounds struct{ w *Writer }

func NewRounds(baseDir string) *Rounds {
	return &Rounds{w: NewWriter(filepath.Join(baseDir, "rounds"), "rounds")}
}

func (l *Rounds) WriteRound(entry room.RoundLogEntry) error { return l.w.Write(entry) }
func (l *Rounds) Close() error                              { return l.w.Close() }

// Audit persists membership and action audit entries.
type Audit struct{ w *Writer }

func NewAudit(baseDir string) *Audit {
	return &Audit{w: NewWriter(filepath.Join(baseDir, "audit"), "audit")}
}

func (l *Audit) WriteAudit(entry room.AuditEntry) error { return l.w.Write(entry) }
func (l *Audit) Close() error                           { return l.w.Close() }

// ListFiles returns the stream's files under dir in rotation order.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadFile decompresses one rotated file and calls fn for every line.
// The line buffer is only valid during the call.
func ReadFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// JSONLZstdWriter appends JSON lines to zstd-compressed files rotated hourly.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

type EventType string

const (
	EventQueued     EventType = "queued"
	EventPlaced     EventType = "placed"
	EventFailed     EventType = "failed"
	EventRejected   EventType = "rejected"
	EventTimedOut   EventType = "timed_out"
	EventUnsuitable EventType = "unsuitable"
)

// PlacementEvent is one line of the placement event log.
type PlacementEvent struct {
	Time     time.Time `json:"time"`
	Type     EventType `json:"type"`
	ID       string    `json:"id,omitempty"`
	World    string    `json:"world"`
	Template string    `json:"template"`
	Kind     string    `json:"kind,omitempty"`
	Anchor   [3]int    `json:"anchor"`
	Rotation int       `json:"rotation,omitempty"`
	Score    float64   `json:"score,omitempty"`
	Written  int       `json:"written,omitempty"`
	Failed   int       `json:"failed,omitempty"`
	WaitedMs int64     `json:"waited_ms,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// PlacementLogger writes placement lifecycle events under
// <worldDir>/placements. A nil logger discards.
type PlacementLogger struct{ w *JSONLZstdWriter }

func NewPlacementLogger(worldDir string) *PlacementLogger {
	return &PlacementLogger{w: NewJSONLZstdWriter(filepath.Join(worldDir, "placements"), "placements")}
}

func (l *PlacementLogger) Log(ev PlacementEvent) error {
	if l == nil {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = l.w.now().UTC()
	}
	return l.w.Write(ev)
}

func (l *PlacementLogger) Close() error {
	if l == nil {
		return nil
	}
	return l.w.Close()
}

// ReadEvents decodes every placement event file under dir in file name
// order, which is chronological.
func ReadEvents(dir string) ([]PlacementEvent, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "placements-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []PlacementEvent
	for _, p := range paths {
		evs, err := readEventFile(p)
		if err != nil {
			return out, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, evs...)
	}
	return out, nil
}

func readEventFile(path string) ([]PlacementEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []PlacementEvent
	jd := json.NewDecoder(dec)
	for {
		var ev PlacementEvent
		if err := jd.Decode(&ev); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		out = append(out, ev)
	}
}

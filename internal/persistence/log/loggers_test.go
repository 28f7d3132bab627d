package log

import (
	"path/filepath"
	"testing"
	"time"
)

func TestPlacementLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewPlacementLogger(dir)

	if err := l.Log(PlacementEvent{Type: EventQueued, ID: "p1", World: "NORMAL", Template: "shrine", Anchor: [3]int{1, 2, 3}}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := l.Log(PlacementEvent{Type: EventPlaced, ID: "p1", World: "NORMAL", Template: "shrine", Written: 42}); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	evs, err := ReadEvents(filepath.Join(dir, "placements"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events=%d want 2", len(evs))
	}
	if evs[0].Type != EventQueued || evs[0].Anchor != [3]int{1, 2, 3} || evs[0].Time.IsZero() {
		t.Fatalf("event[0]=%+v", evs[0])
	}
	if evs[1].Type != EventPlaced || evs[1].Written != 42 {
		t.Fatalf("event[1]=%+v", evs[1])
	}
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "placements")
	now := time.Date(2026, 5, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(PlacementEvent{Type: EventRejected, Template: "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(PlacementEvent{Type: EventTimedOut, Template: "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "*.jsonl.zst"))
	if len(files) != 2 {
		t.Fatalf("files=%d want 2", len(files))
	}
	evs, err := ReadEvents(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(evs) != 2 || evs[0].Template != "a" || evs[1].Template != "b" {
		t.Fatalf("events=%+v", evs)
	}
}

func TestPlacementLogger_NilDiscards(t *testing.T) {
	var l *PlacementLogger
	if err := l.Log(PlacementEvent{Type: EventFailed}); err != nil {
		t.Fatalf("nil log: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

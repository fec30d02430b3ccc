package log

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"clearpath.ai/internal/sim/engine"
	"clearpath.ai/internal/sim/geom"
	"clearpath.ai/internal/sim/registry"
	"clearpath.ai/internal/sim/tasks"
)

func TestDecisionLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewDecisionLogger(dir)
	target := geom.V(45, -6, 0)
	entries := []engine.TickLogEntry{
		{RunID: "r1", Tick: 1, Now: 1000, Ego: 1, Engaged: true, Events: []registry.Event{
			{At: 1000, Entity: 2, Kind: tasks.KindYield, Action: registry.ActionAssign, Reason: tasks.ReasonAssigned, Target: &target},
		}},
		{RunID: "r1", Tick: 9, Now: 1400, Ego: 1, Engaged: true, Events: []registry.Event{
			{At: 1400, Entity: 2, Kind: tasks.KindYield, Action: registry.ActionRelease, Reason: tasks.ReasonCompleted},
		}, Failures: []registry.Failure{
			{Entity: 3, Subsystem: "creep", Reason: tasks.FailNoGround, Point: geom.V(1, 2, 3)},
		}},
	}
	for _, e := range entries {
		if err := l.WriteTick(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var got []engine.TickLogEntry
	if err := ReadDecisions(dir, func(e engine.TickLogEntry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries: got %d want 2", len(got))
	}
	ev := got[0].Events[0]
	if ev.Entity != 2 || ev.Action != registry.ActionAssign || ev.Target == nil || *ev.Target != target {
		t.Fatalf("event: %+v", ev)
	}
	if got[1].Tick != 9 || got[1].Events[0].Reason != tasks.ReasonCompleted {
		t.Fatalf("second entry: %+v", got[1])
	}
	if f := got[1].Failures; len(f) != 1 || f[0].Reason != tasks.FailNoGround {
		t.Fatalf("failures: %+v", f)
	}
}

func TestJournal_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJournal(dir, "x", JournalOptions{})
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := ListFiles(dir, "x")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{filepath.Join(dir, "x-2026-03-01-10-000.jsonl.zst"), filepath.Join(dir, "x-2026-03-01-11-000.jsonl.zst")}
	if len(files) != 2 || files[0] != want[0] || files[1] != want[1] {
		t.Fatalf("files: %v", files)
	}
	for i, path := range files {
		var n []int
		if err := ReadLines(path, func(m map[string]int) error {
			n = append(n, m["n"])
			return nil
		}); err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(n) != 1 || n[0] != i+1 {
			t.Fatalf("%s: %v", path, n)
		}
	}
}

func TestJournal_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		w := NewJournal(dir, "x", JournalOptions{})
		w.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
		if err := w.Write(map[string]int{"n": i}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	files, _ := ListFiles(dir, "x")
	count := 0
	if err := ReadLines(files[0], func(map[string]int) error { count++; return nil }); err != nil {
		t.Fatalf("read: %v", err)
	}
	if count != 2 {
		t.Fatalf("lines: %d", count)
	}
}

func TestJournal_SegmentsByRecordCount(t *testing.T) {
	dir := t.TempDir()
	w := NewJournal(dir, "x", JournalOptions{MaxRecords: 2})
	w.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	for i := 1; i <= 5; i++ {
		if err := w.Write(map[string]int{"n": i}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if w.Records() != 5 || w.Segments() != 3 {
		t.Fatalf("records=%d segments=%d", w.Records(), w.Segments())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Write(map[string]int{"n": 6}); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	files, err := ListFiles(dir, "x")
	if err != nil || len(files) != 3 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	if filepath.Base(files[2]) != "x-2026-03-01-10-002.jsonl.zst" {
		t.Fatalf("last segment: %s", files[2])
	}
	var got []int
	for _, path := range files {
		if err := ReadLines(path, func(m map[string]int) error {
			got = append(got, m["n"])
			return nil
		}); err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
	}
	if len(got) != 5 || got[0] != 1 || got[4] != 5 {
		t.Fatalf("lines across segments: %v", got)
	}
}

func TestReadLines_StopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	l := NewRunLogger(dir)
	for _, id := range []string{"a", "b"} {
		if err := l.WriteRun(RunHeader{RunID: id, StartedAt: "2026-03-01T10:00:00Z"}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = l.Close()

	files, err := ListFiles(filepath.Join(dir, RunsDir), RunsPrefix)
	if err != nil || len(files) != 1 {
		t.Fatalf("files: %v %v", files, err)
	}
	stop := errors.New("stop")
	seen := 0
	err = ReadLines(files[0], func(h RunHeader) error {
		seen++
		return stop
	})
	if !errors.Is(err, stop) || seen != 1 {
		t.Fatalf("err=%v seen=%d", err, seen)
	}
}

func TestListFiles_MissingDirErrors(t *testing.T) {
	if _, err := ListFiles(filepath.Join(t.TempDir(), "missing"), "x"); err == nil {
		t.Fatalf("missing dir should error")
	}
}

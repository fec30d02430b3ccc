package main

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clearpath.ai/internal/sim/engine"
	"clearpath.ai/internal/sim/sandbox"
	"clearpath.ai/internal/transport/observer"
)

var discard = log.New(io.Discard, "", 0)

func buildScenario(t *testing.T, path string) (*sandbox.World, *engine.Engine) {
	t.Helper()
	sc, err := sandbox.LoadScenario(path)
	if err != nil {
		t.Fatalf("load scenario: %v", err)
	}
	tune, err := loadTuning("../../configs/tuning.yaml", sc)
	if err != nil {
		t.Fatalf("load tuning: %v", err)
	}
	w, err := sandbox.Build(sc)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return w, engine.New(tune, engine.Deps{Host: w, RunID: "run-test"})
}

func TestRunScenario_RunsToCompletion(t *testing.T) {
	w, eng := buildScenario(t, "../../configs/scenarios/stop_sign_creep.yaml")
	stats := &runStats{}

	n := runScenario(context.Background(), w, eng, stats, false, discard)
	want := w.Scenario.DurationMs / w.Scenario.TickMs
	if n != want || eng.CurrentTick() != want {
		t.Fatalf("ticks=%d engine=%d want %d", n, eng.CurrentTick(), want)
	}
	if !w.Done() {
		t.Fatalf("scenario not done after %d ms", w.Elapsed())
	}
	m := stats.snapshot()
	if m.tick != want || !m.engaged {
		t.Fatalf("stats=%+v", m)
	}
}

func TestRunScenario_StopsOnCancel(t *testing.T) {
	w, eng := buildScenario(t, "../../configs/scenarios/highway_yield.yaml")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if n := runScenario(ctx, w, eng, &runStats{}, false, discard); n != 0 {
		t.Fatalf("ran %d ticks after cancel", n)
	}
	if eng.CurrentTick() != 0 {
		t.Fatalf("engine ticked")
	}
}

func TestLoadTuning_ScenarioOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.yaml")
	doc := "name: override\nplayer:\n  position: {x: 0, y: 0, z: 0}\ntuning:\n  features:\n    around_player: true\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sc, err := sandbox.LoadScenario(path)
	if err != nil {
		t.Fatalf("load scenario: %v", err)
	}
	tune, err := loadTuning("", sc)
	if err != nil {
		t.Fatalf("load tuning: %v", err)
	}
	if !tune.Features.AroundPlayer {
		t.Fatalf("scenario override not applied")
	}
	if scenarioName(sc, path) != "override" {
		t.Fatalf("name=%q", scenarioName(sc, path))
	}
	sc.Name = ""
	if scenarioName(sc, path) != "override" {
		t.Fatalf("file name fallback=%q", scenarioName(sc, path))
	}
}

func TestOpenRuntimeIndex(t *testing.T) {
	t.Setenv("CP_INDEX_BACKEND", "")
	t.Setenv("CP_INDEX_REMOTE_URL", "")
	dir := t.TempDir()

	idx, err := openRuntimeIndex(dir, "none", "run-test", discard)
	if err != nil || idx != nil {
		t.Fatalf("none: idx=%v err=%v", idx, err)
	}

	idx, err = openRuntimeIndex(dir, "sqlite", "run-test", discard)
	if err != nil || idx == nil {
		t.Fatalf("sqlite: idx=%v err=%v", idx, err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "index", "clearpath.sqlite")); err != nil {
		t.Fatalf("sqlite file: %v", err)
	}

	if _, err := openRuntimeIndex(dir, "remote", "run-test", discard); err == nil {
		t.Fatalf("remote without url should fail")
	}
	if _, err := openRuntimeIndex(dir, "mongo", "run-test", discard); err == nil {
		t.Fatalf("unknown backend should fail")
	}

	t.Setenv("CP_INDEX_BACKEND", "off")
	idx, err = openRuntimeIndex(dir, "sqlite", "run-test", discard)
	if err != nil || idx != nil {
		t.Fatalf("env override: idx=%v err=%v", idx, err)
	}
}

func TestMetrics_ReportsLoopStats(t *testing.T) {
	w, eng := buildScenario(t, "../../configs/scenarios/stop_sign_creep.yaml")
	stats := &runStats{}
	w.Step()
	eng.Tick()
	stats.update(eng, 0)

	mux := newMux(stats, observer.NewServer(eng.Bootstrap(), nil), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"clearpath_engine_tick 1\n",
		"clearpath_engine_engaged 1\n",
		`clearpath_tasks{kind="YIELD"}`,
		"clearpath_observer_sessions 0\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 || rec.Body.String() != "ok" {
		t.Fatalf("healthz=%d %q", rec.Code, rec.Body.String())
	}
}

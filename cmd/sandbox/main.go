package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"clearpath.ai/internal/observerproto"
	persistlog "clearpath.ai/internal/persistence/log"
	"clearpath.ai/internal/sim/engine"
	"clearpath.ai/internal/sim/sandbox"
	"clearpath.ai/internal/sim/tasks"
	"clearpath.ai/internal/sim/tuning"
	"clearpath.ai/internal/transport/observer"
)

func main() {
	var (
		scenarioPath = flag.String("scenario", "", "path to scenario yaml")
		tuningPath   = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (empty for defaults)")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		addr         = flag.String("addr", "127.0.0.1:8080", "http listen address (empty to disable)")
		index        = flag.String("index", "sqlite", "index backend: sqlite, remote or none")
		disableDB    = flag.Bool("disable_db", false, "disable indexing")
		realtime     = flag.Bool("realtime", true, "pace ticks at the scenario tick rate")
		linger       = flag.Bool("linger", false, "keep serving the observer after the scenario ends")
		annotate     = flag.Bool("annotate", true, "attach debug markers to controlled vehicles")
		runID        = flag.String("run_id", "", "run id (default: random uuid)")
	)
	flag.Parse()

	if *scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "missing -scenario")
		os.Exit(2)
	}

	logger := log.New(os.Stdout, "[sandbox] ", log.LstdFlags|log.Lmicroseconds)

	sc, err := sandbox.LoadScenario(*scenarioPath)
	if err != nil {
		logger.Fatalf("load scenario: %v", err)
	}
	tune, err := loadTuning(*tuningPath, sc)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	w, err := sandbox.Build(sc)
	if err != nil {
		logger.Fatalf("build scenario: %v", err)
	}

	eng := engine.New(tune, engine.Deps{
		Host:     w,
		Logger:   log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds),
		Annotate: *annotate,
		RunID:    strings.TrimSpace(*runID),
	})

	runDir := filepath.Join(*dataDir, "scenarios", scenarioName(sc, *scenarioPath), eng.RunID())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		logger.Fatalf("run dir: %v", err)
	}
	logger.Printf("run %s scenario=%s dir=%s", eng.RunID(), scenarioName(sc, *scenarioPath), runDir)

	runLog := persistlog.NewRunLogger(runDir)
	defer runLog.Close()
	if err := runLog.WriteRun(persistlog.RunHeader{
		RunID:     eng.RunID(),
		Scenario:  scenarioName(sc, *scenarioPath),
		StartedAt: time.Now().UTC().Format(time.RFC3339),
		Tuning:    tune,
	}); err != nil {
		logger.Printf("run header: %v", err)
	}

	decisionLog := persistlog.NewDecisionLogger(runDir)
	defer decisionLog.Close()
	eng.AddDecisionLogger(decisionLog)

	// Optional read-model index. It never feeds back into decisions.
	var idx runtimeIndex
	if !*disableDB {
		idx, err = openRuntimeIndex(*dataDir, *index, eng.RunID(), logger)
		if err != nil {
			logger.Fatalf("open index backend: %v", err)
		}
	}
	if idx != nil {
		defer idx.Close()
		recordRun(idx, eng.RunID(), scenarioName(sc, *scenarioPath), tune)
		eng.AddDecisionLogger(idx)
	}

	ctx, cancel := signalContext()
	defer cancel()

	obsSrv := observer.NewServer(eng.Bootstrap(), log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds))
	snapCh := make(chan observerproto.TickMsg, 8)
	eng.SetSnapshotSink(snapCh)
	go obsSrv.Run(ctx, snapCh)

	stats := &runStats{}
	var srv *http.Server
	if strings.TrimSpace(*addr) != "" {
		srv = &http.Server{
			Addr:              *addr,
			Handler:           newMux(stats, obsSrv, idx),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Printf("listening on %s", *addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("ListenAndServe: %v", err)
			}
		}()
	}

	ticks := runScenario(ctx, w, eng, stats, *realtime, logger)
	eng.Shutdown()
	logger.Printf("scenario %s finished after %d ticks (%d ms)", scenarioName(sc, *scenarioPath), ticks, w.Elapsed())

	if *linger && srv != nil && ctx.Err() == nil {
		logger.Printf("lingering; interrupt to exit")
		<-ctx.Done()
	}
	if srv != nil {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}
}

// runScenario steps the world and the engine until the scenario ends or ctx
// is cancelled. It returns the number of engine ticks run.
func runScenario(ctx context.Context, w *sandbox.World, eng *engine.Engine, stats *runStats, realtime bool, logger *log.Logger) uint64 {
	var ticker *time.Ticker
	if realtime {
		ticker = time.NewTicker(time.Duration(w.Scenario.TickMs) * time.Millisecond)
		defer ticker.Stop()
	}
	var n uint64
	for !w.Done() {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return n
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return n
		}

		for _, ev := range w.Step() {
			logger.Printf("t=%d scenario %s %s %g", w.Elapsed(), ev.Action, ev.Target, ev.Value)
		}
		start := time.Now()
		eng.Tick()
		n++
		stats.update(eng, time.Since(start))
	}
	return n
}

func loadTuning(path string, sc sandbox.Scenario) (tuning.Tuning, error) {
	tune, err := tuning.Load(path)
	if err != nil {
		return tune, err
	}
	raw, err := sc.TuningYAML()
	if err != nil || raw == nil {
		return tune, err
	}
	return tune.Overlay(raw)
}

func scenarioName(sc sandbox.Scenario, path string) string {
	if sc.Name != "" {
		return sc.Name
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// runStats is the loop's view for the HTTP side; the engine itself is only
// touched from the tick loop.
type runStats struct {
	mu   sync.Mutex
	view statsView
}

type statsView struct {
	tick    uint64
	engaged bool
	paused  bool
	stepMS  float64
	tasks   map[tasks.Kind]int
}

func (s *runStats) update(eng *engine.Engine, step time.Duration) {
	reg := eng.Registry()
	counts := make(map[tasks.Kind]int, len(tasks.Kinds))
	for _, k := range tasks.Kinds {
		counts[k] = reg.Count(k)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = statsView{
		tick:    eng.CurrentTick(),
		engaged: eng.Engaged(),
		paused:  eng.Paused(),
		stepMS:  float64(step.Microseconds()) / 1000,
		tasks:   counts,
	}
}

func (s *runStats) snapshot() statsView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func newMux(stats *runStats, obsSrv *observer.Server, idx runtimeIndex) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		m := stats.snapshot()

		fmt.Fprintf(rw, "# HELP clearpath_engine_tick Current engine tick.\n")
		fmt.Fprintf(rw, "# TYPE clearpath_engine_tick gauge\n")
		fmt.Fprintf(rw, "clearpath_engine_tick %d\n", m.tick)

		fmt.Fprintf(rw, "# HELP clearpath_engine_engaged Whether the siren vehicle is engaged (0/1).\n")
		fmt.Fprintf(rw, "# TYPE clearpath_engine_engaged gauge\n")
		fmt.Fprintf(rw, "clearpath_engine_engaged %d\n", b2i(m.engaged))
		fmt.Fprintf(rw, "clearpath_engine_paused %d\n", b2i(m.paused))

		fmt.Fprintf(rw, "# HELP clearpath_engine_step_ms Last tick duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE clearpath_engine_step_ms gauge\n")
		fmt.Fprintf(rw, "clearpath_engine_step_ms %.3f\n", m.stepMS)

		fmt.Fprintf(rw, "# HELP clearpath_tasks Controlled vehicles per task kind.\n")
		fmt.Fprintf(rw, "# TYPE clearpath_tasks gauge\n")
		for _, k := range tasks.Kinds {
			fmt.Fprintf(rw, "clearpath_tasks{kind=%q} %d\n", k, m.tasks[k])
		}

		fmt.Fprintf(rw, "# HELP clearpath_observer_sessions Connected observer sessions.\n")
		fmt.Fprintf(rw, "# TYPE clearpath_observer_sessions gauge\n")
		fmt.Fprintf(rw, "clearpath_observer_sessions %d\n", obsSrv.Sessions())
		fmt.Fprintf(rw, "# HELP clearpath_observer_dropped_total Snapshots dropped for slow sessions.\n")
		fmt.Fprintf(rw, "# TYPE clearpath_observer_dropped_total counter\n")
		fmt.Fprintf(rw, "clearpath_observer_dropped_total %d\n", obsSrv.Dropped())

		writeIndexMetrics(rw, idx)
	})
	mux.HandleFunc("/debug/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		m := stats.snapshot()
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"tick":    m.tick,
			"engaged": m.engaged,
			"paused":  m.paused,
			"tasks":   m.tasks,
		})
	})
	mux.HandleFunc("/debug/v1/observer/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/debug/v1/observer/ws", obsSrv.WSHandler())

	if envBool("CP_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

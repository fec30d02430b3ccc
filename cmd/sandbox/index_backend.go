package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"clearpath.ai/internal/persistence/indexdb"
	"clearpath.ai/internal/sim/engine"
	"clearpath.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	engine.DecisionLogger
	Close() error
}

// openRuntimeIndex picks the read-model backend. CP_INDEX_BACKEND overrides
// the flag value. A nil index means indexing is off.
func openRuntimeIndex(dataDir, backend, runID string, logger *log.Logger) (runtimeIndex, error) {
	if env := strings.TrimSpace(os.Getenv("CP_INDEX_BACKEND")); env != "" {
		backend = env
	}
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(dataDir, "index", "clearpath.sqlite")
		return indexdb.OpenSQLite(dbPath)
	case "remote":
		endpoint := strings.TrimSpace(os.Getenv("CP_INDEX_REMOTE_URL"))
		if endpoint == "" {
			return nil, fmt.Errorf("index backend remote but CP_INDEX_REMOTE_URL is empty")
		}
		return indexdb.OpenRemote(indexdb.RemoteConfig{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(os.Getenv("CP_INDEX_REMOTE_TOKEN")),
			RunID:         runID,
			BatchSize:     envInt("CP_INDEX_REMOTE_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("CP_INDEX_REMOTE_FLUSH_MS", 500)) * time.Millisecond,
			MaxRetained:   envInt("CP_INDEX_REMOTE_MAX_RETAINED", 4096),
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", backend)
	}
}

func recordRun(idx runtimeIndex, runID, scenario string, tune tuning.Tuning) {
	switch ix := idx.(type) {
	case *indexdb.SQLiteIndex:
		ix.RecordRun(runID, scenario, tune)
	case *indexdb.RemoteIndex:
		ix.RecordRun(scenario, tune)
	}
}

func writeIndexMetrics(w io.Writer, idx runtimeIndex) {
	switch ix := idx.(type) {
	case *indexdb.SQLiteIndex:
		s := ix.Stats()
		fmt.Fprintf(w, "# HELP clearpath_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(w, "# TYPE clearpath_index_queue_depth gauge\n")
		fmt.Fprintf(w, "clearpath_index_queue_depth{backend=%q} %d\n", "sqlite", s.QueueDepth)
		fmt.Fprintf(w, "# HELP clearpath_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(w, "# TYPE clearpath_index_dropped_total counter\n")
		fmt.Fprintf(w, "clearpath_index_dropped_total{backend=%q,kind=%q} %d\n", "sqlite", "tick", s.DropTickTotal)
		fmt.Fprintf(w, "clearpath_index_dropped_total{backend=%q,kind=%q} %d\n", "sqlite", "run", s.DropRunTotal)
	case *indexdb.RemoteIndex:
		s := ix.Stats()
		fmt.Fprintf(w, "# HELP clearpath_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(w, "# TYPE clearpath_index_queue_depth gauge\n")
		fmt.Fprintf(w, "clearpath_index_queue_depth{backend=%q} %d\n", "remote", s.QueueDepth)
		fmt.Fprintf(w, "# HELP clearpath_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(w, "# TYPE clearpath_index_dropped_total counter\n")
		fmt.Fprintf(w, "clearpath_index_dropped_total{backend=%q,kind=%q} %d\n", "remote", "queue", s.QueueDroppedTotal)
		fmt.Fprintf(w, "clearpath_index_dropped_total{backend=%q,kind=%q} %d\n", "remote", "retained", s.RetainDroppedTotal)
		fmt.Fprintf(w, "# HELP clearpath_index_flush_total Remote index flush attempts by outcome.\n")
		fmt.Fprintf(w, "# TYPE clearpath_index_flush_total counter\n")
		fmt.Fprintf(w, "clearpath_index_flush_total{result=%q} %d\n", "ok", s.FlushOKTotal)
		fmt.Fprintf(w, "clearpath_index_flush_total{result=%q} %d\n", "fail", s.FlushFailTotal)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

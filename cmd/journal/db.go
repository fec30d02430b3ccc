package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"clearpath.ai/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	runID := fs.String("run_id", "", "run id (defaults to the latest run)")
	entity := fs.Uint64("entity", 0, "vehicle handle (entity query)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "runs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "clearpath.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if q != "runs" && *runID == "" {
		id, err := latestRunID(db)
		if err != nil {
			fmt.Fprintln(os.Stderr, "latest run:", err)
			os.Exit(1)
		}
		if id == "" {
			fmt.Fprintln(os.Stderr, "no runs found")
			os.Exit(2)
		}
		*runID = id
	}

	if err := runQuery(db, q, *runID, *entity, *limit); err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

func runQuery(db *sql.DB, q, runID string, entity uint64, limit int) error {
	switch q {
	case "runs":
		runs, err := indexdb.ListRuns(db, limit)
		if err != nil {
			return err
		}
		for _, r := range runs {
			printJSON(r)
		}
	case "decisions":
		counts, err := indexdb.CountDecisions(db, runID)
		if err != nil {
			return err
		}
		for _, c := range counts {
			printJSON(c)
		}
	case "entity":
		if entity == 0 {
			return fmt.Errorf("entity query needs -entity")
		}
		ds, err := indexdb.EntityDecisions(db, runID, entity, limit)
		if err != nil {
			return err
		}
		for _, d := range ds {
			printJSON(d)
		}
	case "failures":
		counts, err := indexdb.CountFailures(db, runID)
		if err != nil {
			return err
		}
		for _, c := range counts {
			printJSON(c)
		}
	default:
		return fmt.Errorf("unknown query %q (runs, decisions, entity, failures)", q)
	}
	return nil
}

func latestRunID(db *sql.DB) (string, error) {
	runs, err := indexdb.ListRuns(db, 1)
	if err != nil || len(runs) == 0 {
		return "", err
	}
	return runs[0].RunID, nil
}
